// Package requeue implements the administrative operations on upload
// directories: listing them against the database, republishing lost
// submissions and deleting directories with optional archiving.
package requeue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/pass-dev/pass-server/internal/archive"
	"github.com/pass-dev/pass-server/internal/audit"
	"github.com/pass-dev/pass-server/internal/blobstore"
	"github.com/pass-dev/pass-server/internal/dispatch"
	"github.com/pass-dev/pass-server/internal/identity"
	"github.com/pass-dev/pass-server/internal/manifest"
	"github.com/pass-dev/pass-server/internal/submission"
	"github.com/pass-dev/pass-server/internal/uploaddir"
)

// ErrNotAdmin guards every operation in this package.
var ErrNotAdmin = errors.New("requeue: admin role required")

// Publisher is the dispatch surface the administrator needs.
type Publisher interface {
	Publish(ctx context.Context, rc identity.RequestContext, rec submission.Record, participants []submission.Participant) (int64, error)
	Republish(ctx context.Context, rc identity.RequestContext, rec submission.Record, username string) error
}

var _ Publisher = (*dispatch.Publisher)(nil)

// OutcomeKind classifies the per-directory result of a requeue.
type OutcomeKind uint8

const (
	// OutcomeRequeued means an existing row was republished.
	OutcomeRequeued OutcomeKind = iota
	// OutcomePublished means a directory without a database row went
	// through the full publish sequence and now has one.
	OutcomePublished
	OutcomeRefusedNoUploadDir
	OutcomeRefusedResultExists
	OutcomeRefusedProcessing
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeRequeued:
		return "requeued"
	case OutcomePublished:
		return "published"
	case OutcomeRefusedNoUploadDir:
		return "refused: upload directory missing"
	case OutcomeRefusedResultExists:
		return "refused: result directory exists"
	case OutcomeRefusedProcessing:
		return "refused: currently processing"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Outcome is the per-directory result of Requeue.
type Outcome struct {
	Dir          string
	Kind         OutcomeKind
	SubmissionID int64
	Err          error
}

// DeleteOptions controls Delete.
type DeleteOptions struct {
	// Archive stores a tar.gz of the directory in the blob store
	// before removal; an archive failure aborts that item.
	Archive bool
	// DeleteRows also removes the submission row and its
	// projectgroup rows.
	DeleteRows bool
}

// DeleteOutcome is the per-directory result of Delete.
type DeleteOutcome struct {
	Dir          string
	SubmissionID int64
	Archived     bool
	ArchiveKey   string
	RowDeleted   bool
	Err          error
}

// ListEntry is one upload directory or orphaned row in the admin
// listing. Inconsistencies are data errors on the entry, never cause
// for dropping it.
type ListEntry struct {
	Identity     submission.Identity
	DirName      string
	HasUploadDir bool
	HasResultDir bool
	Record       *submission.Record
	Students     []string
	DataErrors   []string
}

// Administrator performs the admin operations. Every method checks
// the caller's role first.
type Administrator struct {
	Store     submission.Store
	Layout    uploaddir.Layout
	Publisher Publisher
	Directory identity.Directory
	Blobs     blobstore.Store
	Recorder  audit.Recorder
	Log       *slog.Logger

	// StrictTimestamps makes a manifest whose recorded timestamp
	// disagrees with the directory name a requeue failure instead of
	// a logged warning.
	StrictTimestamps bool
}

func (a *Administrator) logger() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.Default()
}

func (a *Administrator) recorder() audit.Recorder {
	if a.Recorder != nil {
		return a.Recorder
	}
	return audit.Nop{}
}

// Requeue republishes the submissions behind the named upload
// directories, oldest first. Directories are processed independently;
// one refusal never stops the batch.
func (a *Administrator) Requeue(ctx context.Context, rc identity.RequestContext, dirs []string) ([]Outcome, error) {
	if !rc.IsAdmin() {
		return nil, ErrNotAdmin
	}

	// Directory names start with the timestamp, so sorting gives
	// chronological order.
	sorted := append([]string(nil), dirs...)
	sort.Strings(sorted)

	outcomes := make([]Outcome, 0, len(sorted))
	for _, dir := range sorted {
		outcomes = append(outcomes, a.requeueOne(ctx, rc, dir))
	}
	return outcomes, nil
}

func (a *Administrator) requeueOne(ctx context.Context, rc identity.RequestContext, dir string) Outcome {
	out := Outcome{Dir: dir}

	id, err := submission.ParseDirName(dir)
	if err != nil {
		out.Kind = OutcomeFailed
		out.Err = err
		return out
	}

	if !a.Layout.UploadDirExists(id) {
		out.Kind = OutcomeRefusedNoUploadDir
		return out
	}
	if a.Layout.CompletedDirExists(id) {
		out.Kind = OutcomeRefusedResultExists
		return out
	}

	m, err := manifest.Load(a.Layout.UploadDir(id), id.Token)
	if err != nil {
		out.Kind = OutcomeFailed
		out.Err = fmt.Errorf("requeue: settings file: %w", err)
		return out
	}
	if err := manifest.CheckIdentity(m, id); err != nil {
		if a.StrictTimestamps {
			out.Kind = OutcomeFailed
			out.Err = err
			return out
		}
		a.logger().Warn("manifest timestamp disagrees with directory name",
			"dir", dir,
			"error", err,
		)
	}
	if len(m.Students) == 0 {
		out.Kind = OutcomeFailed
		out.Err = errors.New("requeue: no uploader information in settings file")
		return out
	}
	uploader := m.Students[0].Username

	rec, err := a.Store.GetByIdentity(ctx, id)
	switch {
	case errors.Is(err, submission.ErrNotFound):
		return a.publishOrphan(ctx, rc, id, m, out)
	case err != nil:
		out.Kind = OutcomeFailed
		out.Err = fmt.Errorf("requeue: lookup row: %w", err)
		return out
	}

	out.SubmissionID = rec.ID
	if rec.Status == submission.StatusProcessing {
		out.Kind = OutcomeRefusedProcessing
		return out
	}

	if err := a.Publisher.Republish(ctx, rc, rec, uploader); err != nil {
		if errors.Is(err, submission.ErrProcessing) {
			out.Kind = OutcomeRefusedProcessing
			return out
		}
		out.Kind = OutcomeFailed
		out.Err = err
		return out
	}
	out.Kind = OutcomeRequeued
	return out
}

// publishOrphan handles a directory whose settings file is intact but
// whose database row is gone: resolve the students against the user
// directory and run the full publish sequence.
func (a *Administrator) publishOrphan(ctx context.Context, rc identity.RequestContext, id submission.Identity, m manifest.Manifest, out Outcome) Outcome {
	usernames := make([]string, len(m.Students))
	for i, st := range m.Students {
		usernames[i] = st.Username
	}
	found, err := a.Directory.Lookup(ctx, usernames)
	if err != nil {
		out.Kind = OutcomeFailed
		out.Err = fmt.Errorf("requeue: resolve students: %w", err)
		return out
	}

	participants := make([]submission.Participant, 0, len(usernames))
	for _, name := range usernames {
		p, ok := found[name]
		if !ok {
			out.Kind = OutcomeFailed
			out.Err = fmt.Errorf("requeue: unknown student %q in settings file", name)
			return out
		}
		participants = append(participants, p)
	}

	rec := submission.Record{
		Course:     m.Course,
		Assignment: m.Assignment,
		UploadTime: id.UploadTime,
		Token:      id.Token,
		UploadedBy: participants[0].UserID,
	}
	subID, err := a.Publisher.Publish(ctx, rc, rec, participants)
	out.SubmissionID = subID
	if err != nil {
		out.Kind = OutcomeFailed
		out.Err = err
		return out
	}
	out.Kind = OutcomePublished
	return out
}

// Delete removes upload directories, optionally archiving each one to
// the blob store first and optionally removing the database rows.
// Result directories are never touched.
func (a *Administrator) Delete(ctx context.Context, rc identity.RequestContext, dirs []string, opts DeleteOptions) ([]DeleteOutcome, error) {
	if !rc.IsAdmin() {
		return nil, ErrNotAdmin
	}
	if opts.Archive && a.Blobs == nil {
		return nil, errors.New("requeue: archiving requested but no blob store configured")
	}

	outcomes := make([]DeleteOutcome, 0, len(dirs))
	for _, dir := range dirs {
		outcomes = append(outcomes, a.deleteOne(ctx, rc, dir, opts))
	}
	return outcomes, nil
}

func (a *Administrator) deleteOne(ctx context.Context, rc identity.RequestContext, dir string, opts DeleteOptions) DeleteOutcome {
	out := DeleteOutcome{Dir: dir}

	id, err := submission.ParseDirName(dir)
	if err != nil {
		out.Err = err
		return out
	}
	path := a.Layout.UploadDir(id)
	if !a.Layout.UploadDirExists(id) {
		out.Err = fmt.Errorf("requeue: %s: %w", path, os.ErrNotExist)
		return out
	}

	course := "unknown-course"
	if m, err := manifest.Load(path, id.Token); err == nil && m.Course != "" {
		course = m.Course
	}

	if opts.Archive {
		payload, err := archive.Pack(path)
		if err != nil {
			out.Err = fmt.Errorf("requeue: archive: %w", err)
			return out
		}
		key := blobstore.ArchiveKey(course, dir)
		if err := a.Blobs.Put(ctx, key, payload, archive.ContentType); err != nil {
			out.Err = fmt.Errorf("requeue: store archive: %w", err)
			return out
		}
		out.Archived = true
		out.ArchiveKey = key
	}

	if err := os.RemoveAll(path); err != nil {
		out.Err = fmt.Errorf("requeue: remove %s: %w", path, err)
		return out
	}

	if opts.DeleteRows {
		rec, err := a.Store.GetByIdentity(ctx, id)
		switch {
		case errors.Is(err, submission.ErrNotFound):
			// Nothing to remove.
		case err != nil:
			out.Err = fmt.Errorf("requeue: lookup row: %w", err)
			return out
		default:
			out.SubmissionID = rec.ID
			if err := a.Store.Delete(ctx, []int64{rec.ID}); err != nil {
				out.Err = fmt.Errorf("requeue: delete row %d: %w", rec.ID, err)
				return out
			}
			out.RowDeleted = true
		}
	}

	a.recorder().Record(ctx, audit.Entry{
		UserID:      &rc.UserID,
		RequestID:   rc.RequestID,
		Action:      "delete_upload",
		Comments:    fmt.Sprintf("deleted %s (archived=%v, row deleted=%v)", dir, out.Archived, out.RowDeleted),
		Significant: true,
	})
	return out
}

// List merges the upload directory scan with the database, newest
// first, followed by rows whose directory has vanished.
func (a *Administrator) List(ctx context.Context, rc identity.RequestContext) ([]ListEntry, error) {
	if !rc.IsAdmin() {
		return nil, ErrNotAdmin
	}

	ids, err := a.Layout.ScanUploads()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(ids))
	entries := make([]ListEntry, 0, len(ids))
	for _, id := range ids {
		seen[id.DirName()] = true
		entries = append(entries, a.listOne(ctx, id))
	}

	// Rows whose upload directory is gone are data errors, not
	// silently missing.
	rows, err := a.Store.List(ctx, submission.Filter{})
	if err != nil {
		return nil, fmt.Errorf("requeue: list rows: %w", err)
	}
	for _, rec := range rows {
		rec := rec
		id := rec.Identity()
		if seen[id.DirName()] {
			continue
		}
		entries = append(entries, ListEntry{
			Identity:     id,
			DirName:      id.DirName(),
			HasResultDir: a.Layout.CompletedDirExists(id),
			Record:       &rec,
			DataErrors:   []string{"upload directory missing"},
		})
	}
	return entries, nil
}

func (a *Administrator) listOne(ctx context.Context, id submission.Identity) ListEntry {
	entry := ListEntry{
		Identity:     id,
		DirName:      id.DirName(),
		HasUploadDir: true,
		HasResultDir: a.Layout.CompletedDirExists(id),
	}

	m, err := manifest.Load(a.Layout.UploadDir(id), id.Token)
	if err != nil {
		entry.DataErrors = append(entry.DataErrors, "unreadable settings file")
	} else {
		for _, st := range m.Students {
			entry.Students = append(entry.Students, st.Username)
		}
		if err := manifest.CheckIdentity(m, id); err != nil {
			entry.DataErrors = append(entry.DataErrors, "timestamp mismatch")
		}
	}

	rec, err := a.Store.GetByIdentity(ctx, id)
	switch {
	case errors.Is(err, submission.ErrNotFound):
		entry.DataErrors = append(entry.DataErrors, "no database row")
	case err != nil:
		entry.DataErrors = append(entry.DataErrors, fmt.Sprintf("row lookup failed: %v", err))
	default:
		entry.Record = &rec
	}
	return entry
}
