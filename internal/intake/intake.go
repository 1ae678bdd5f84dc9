// Package intake validates submission requests, lays the files down
// in a freshly allocated upload directory and hands the result to the
// dispatch publisher.
package intake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/pass-dev/pass-server/internal/audit"
	"github.com/pass-dev/pass-server/internal/catalog"
	"github.com/pass-dev/pass-server/internal/identity"
	"github.com/pass-dev/pass-server/internal/manifest"
	"github.com/pass-dev/pass-server/internal/submission"
	"github.com/pass-dev/pass-server/internal/uploaddir"
)

// ErrNoFilesPlaced means every file placement failed, so there was
// nothing to hand to the checker.
var ErrNoFilesPlaced = errors.New("intake: no files placed")

const (
	defaultEncoding = "utf8"
	defaultBasePath = "/usr/src/app/files"
)

// Mode selects how placement failures are handled. Strict aborts the
// whole submission on the first failure and removes the directory;
// Fallback places what it can and reports the rest per file.
type Mode uint8

const (
	ModeStrict Mode = iota
	ModeFallback
)

// AssignmentSource is the slice of the catalog the intake needs.
type AssignmentSource interface {
	Assignment(ctx context.Context, course, name string) (catalog.Assignment, error)
}

// Publisher hands an accepted submission to the store and the broker.
type Publisher interface {
	Publish(ctx context.Context, rc identity.RequestContext, rec submission.Record, participants []submission.Participant) (int64, error)
}

// FileResult reports the fate of one uploaded file.
type FileResult struct {
	// Path is the file's path inside the upload directory, or the
	// requested path when placement failed.
	Path    string
	Placed  bool
	Problem string
}

// Result is the outcome of an accepted (or partially accepted)
// submission. Identity and SubmissionID are what the user quotes to
// an administrator.
type Result struct {
	Identity     submission.Identity
	Directory    string
	SubmissionID int64
	Files        []FileResult

	// PublishPending is set when the files and the row are safe but
	// the broker publish failed; an admin requeue completes it.
	PublishPending bool
}

// Service wires validation, allocation, manifest writing and
// publishing together.
type Service struct {
	Assignments AssignmentSource
	Directory   identity.Directory
	Layout      uploaddir.Layout
	Allocator   *uploaddir.Allocator
	Publisher   Publisher
	Recorder    audit.Recorder
	Log         *slog.Logger

	// Timeout is the checker timeout recorded in the manifest,
	// in seconds.
	Timeout int64
	// BasePath is recorded in the manifest when sub-paths are used.
	BasePath string
	// ManifestPerm defaults to read-only.
	ManifestPerm os.FileMode
}

func (s *Service) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func (s *Service) recorder() audit.Recorder {
	if s.Recorder != nil {
		return s.Recorder
	}
	return audit.Nop{}
}

func (s *Service) basePath() string {
	if s.BasePath != "" {
		return s.BasePath
	}
	return defaultBasePath
}

// Submit runs the full intake sequence. Validation is always strict
// and has no side effects; mode only governs file placement.
func (s *Service) Submit(ctx context.Context, rc identity.RequestContext, mode Mode, req Request) (Result, error) {
	_, participants, verr := s.validate(ctx, req)
	if verr != nil {
		s.recorder().Record(ctx, audit.Entry{
			UserID:    &rc.UserID,
			RequestID: rc.RequestID,
			Action:    "upload",
			Comments:  "rejected: " + verr.Error(),
		})
		return Result{}, verr
	}

	id, dir, err := s.Allocator.Allocate(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("intake: allocate upload directory: %w", err)
	}

	res := Result{Identity: id, Directory: dir}

	placed, fileResults, err := s.placeFiles(ctx, rc, mode, dir, req.Files)
	res.Files = fileResults
	if err != nil {
		s.abandon(dir)
		return Result{}, err
	}
	if len(placed) == 0 {
		s.recorder().Record(ctx, audit.Entry{
			UserID:    &rc.UserID,
			RequestID: rc.RequestID,
			Action:    "upload",
			Comments:  fmt.Sprintf("no files placed (token '%s')", id.Token),
		})
		return res, ErrNoFilesPlaced
	}

	m := s.buildManifest(rc, id, req, participants, placed)
	if err := manifest.Write(dir, id.Token, m, s.ManifestPerm); err != nil {
		s.recorder().Record(ctx, audit.Entry{
			UserID:      &rc.UserID,
			RequestID:   rc.RequestID,
			Action:      "upload",
			Comments:    fmt.Sprintf("failed to write settings file for token '%s': %v", id.Token, err),
			Significant: true,
		})
		return res, fmt.Errorf("intake: write settings file: %w", err)
	}

	rec := submission.Record{
		Course:     req.Course,
		Assignment: req.Assignment,
		UploadTime: id.UploadTime,
		Token:      id.Token,
		UploadedBy: rc.UserID,
	}
	subID, err := s.Publisher.Publish(ctx, rc, rec, participants)
	res.SubmissionID = subID
	if err != nil {
		if subID > 0 {
			// Files and row are safe; the admin can requeue.
			res.PublishPending = true
		}
		return res, err
	}
	return res, nil
}

// placeFiles writes the uploads into dir. In fallback mode a file
// whose sub-directory cannot be used lands in the directory root, and
// a file that cannot be placed at all is reported but skipped.
func (s *Service) placeFiles(ctx context.Context, rc identity.RequestContext, mode Mode, dir string, files []FileUpload) ([]manifest.FileEntry, []FileResult, error) {
	var entries []manifest.FileEntry
	results := make([]FileResult, 0, len(files))

	for _, f := range files {
		subPath := f.SubPath
		if subPath == "" {
			subPath = "."
		}

		rel, err := s.Layout.PlaceFile(dir, subPath, f.Name, bytes.NewReader(f.Content))
		if err != nil && mode == ModeFallback && subPath != "." && !errors.Is(err, uploaddir.ErrDuplicateFile) {
			// Mirror the permissive path: fall back to the root
			// rather than losing the file.
			rel, err = s.Layout.PlaceFile(dir, ".", f.Name, bytes.NewReader(f.Content))
			if err == nil {
				results = append(results, FileResult{
					Path:    rel,
					Placed:  true,
					Problem: fmt.Sprintf("sub-path %q unusable, placed at root", f.SubPath),
				})
				entries = append(entries, manifest.FileEntry{Path: rel, Language: f.Language})
				continue
			}
		}
		if err != nil {
			if mode == ModeStrict {
				return nil, results, fmt.Errorf("intake: place %q: %w", f.RelPath(), err)
			}
			s.logger().Warn("file placement failed",
				"path", f.RelPath(),
				"error", err,
			)
			results = append(results, FileResult{Path: f.RelPath(), Problem: err.Error()})
			continue
		}

		results = append(results, FileResult{Path: rel, Placed: true})
		entries = append(entries, manifest.FileEntry{Path: rel, Language: f.Language})
	}

	if mode == ModeFallback {
		var problems []string
		for _, r := range results {
			if r.Problem != "" {
				problems = append(problems, r.Path+": "+r.Problem)
			}
		}
		if len(problems) > 0 {
			s.recorder().Record(ctx, audit.Entry{
				UserID:    &rc.UserID,
				RequestID: rc.RequestID,
				Action:    "upload",
				Comments:  fmt.Sprintf("file placement problems: %v", problems),
			})
		}
	}
	return entries, results, nil
}

func (s *Service) buildManifest(rc identity.RequestContext, id submission.Identity, req Request, participants []submission.Participant, files []manifest.FileEntry) manifest.Manifest {
	encoding := req.Encoding
	if encoding == "" {
		encoding = defaultEncoding
	}

	m := manifest.Manifest{
		SubmissionTime: id.UploadTime,
		Course:         req.Course,
		Assignment:     req.Assignment,
		Agree:          req.Agree,
		Encoding:       encoding,
		PdfResult:      rc.Username + "_" + req.Assignment + ".pdf",
		Timeout:        s.Timeout,
		Files:          files,
	}
	for _, f := range files {
		if strings.Contains(f.Path, "/") {
			m.BasePath = s.basePath()
			break
		}
	}
	for _, p := range participants {
		m.Students = append(m.Students, manifest.Student{Username: p.Username, RegNum: p.RegNum})
	}
	return m
}

// abandon removes a directory whose submission was aborted before the
// settings file existed. Best effort; a leftover empty directory is
// harmless and visible to admins.
func (s *Service) abandon(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		s.logger().Warn("failed to remove abandoned upload directory",
			"dir", dir,
			"error", err,
		)
	}
}
