// Package uploaddir owns the on-disk layout of submissions: the
// upload root where intake writes, and the completed root the worker
// pool writes results into. Directory creation doubles as the
// cross-process mutual-exclusion primitive for identity allocation.
package uploaddir

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/pass-dev/pass-server/internal/audit"
	"github.com/pass-dev/pass-server/internal/submission"
)

const maxAllocateAttempts = 10

var (
	ErrAllocateExhausted = errors.New("uploaddir: allocation attempts exhausted")
	ErrDuplicateFile     = errors.New("uploaddir: duplicate file")
	ErrBadSubPath        = errors.New("uploaddir: invalid sub-path")
)

// Sub-paths mirror project structure under the upload directory: one
// or more path elements of word characters or hyphens, or a single
// dot for the project base.
var subPathRe = regexp.MustCompile(`^([A-Za-z0-9_-]+(/[A-Za-z0-9_-]+)*|\.)$`)

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Layout maps identities to filesystem paths.
type Layout struct {
	UploadRoot    string
	CompletedRoot string

	// DirPerm and FilePerm are applied to created directories and
	// placed files. Zero values select defaults that give the worker
	// pool read access.
	DirPerm  os.FileMode
	FilePerm os.FileMode
}

func (l Layout) dirPerm() os.FileMode {
	if l.DirPerm == 0 {
		return 0o755
	}
	return l.DirPerm
}

func (l Layout) filePerm() os.FileMode {
	if l.FilePerm == 0 {
		return 0o644
	}
	return l.FilePerm
}

func (l Layout) UploadDir(id submission.Identity) string {
	return filepath.Join(l.UploadRoot, id.DirName())
}

func (l Layout) CompletedDir(id submission.Identity) string {
	return filepath.Join(l.CompletedRoot, id.DirName())
}

func (l Layout) UploadDirExists(id submission.Identity) bool {
	info, err := os.Stat(l.UploadDir(id))
	return err == nil && info.IsDir()
}

func (l Layout) CompletedDirExists(id submission.Identity) bool {
	_, err := os.Stat(l.CompletedDir(id))
	return err == nil
}

// NewToken draws a fresh submission token from crypto/rand.
func NewToken() (string, error) {
	raw := make([]byte, submission.TokenLength)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("uploaddir: token entropy: %w", err)
	}
	for i, b := range raw {
		raw[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(raw), nil
}

// Allocator produces collision-free submission identities backed by
// exclusively created upload directories.
type Allocator struct {
	layout   Layout
	recorder audit.Recorder

	now      func() time.Time
	newToken func() (string, error)
}

func NewAllocator(layout Layout, recorder audit.Recorder) *Allocator {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Allocator{
		layout:   layout,
		recorder: recorder,
		now:      time.Now,
		newToken: NewToken,
	}
}

// Allocate generates an identity and creates its upload directory
// exclusively. On a name collision the token is regenerated (the
// timestamp is kept) and a suspicious-collision audit entry is
// written; the loop is bounded, surfacing ErrAllocateExhausted past
// the limit. Any other creation failure is fatal for the request.
func (a *Allocator) Allocate(ctx context.Context) (submission.Identity, string, error) {
	ts := a.now()

	for attempt := 0; attempt < maxAllocateAttempts; attempt++ {
		token, err := a.newToken()
		if err != nil {
			return submission.Identity{}, "", err
		}
		id := submission.Identity{UploadTime: ts, Token: token}
		dir := a.layout.UploadDir(id)

		err = os.Mkdir(dir, a.layout.dirPerm())
		if err == nil {
			// Mkdir perm is masked by umask; fix it up.
			if err := os.Chmod(dir, a.layout.dirPerm()); err != nil {
				return submission.Identity{}, "", fmt.Errorf("uploaddir: chmod %s: %w", dir, err)
			}
			return id, dir, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return submission.Identity{}, "", fmt.Errorf("uploaddir: create %s: %w", dir, err)
		}

		// Near-impossible with a sufficiently random token, so worth
		// an audit trail rather than a silent retry.
		a.recorder.Record(ctx, audit.Entry{
			Action:      "upload",
			Comments:    fmt.Sprintf("Upload directory %q exists", dir),
			Significant: true,
		})
	}

	return submission.Identity{}, "", ErrAllocateExhausted
}

// ValidSubPath reports whether p is an acceptable sub-path.
func ValidSubPath(p string) bool {
	return subPathRe.MatchString(p)
}

// PlaceFile copies src into dir, optionally under subPath, refusing
// to overwrite an existing file. It returns the relative path
// recorded in the manifest.
func (l Layout) PlaceFile(dir, subPath, name string, src io.Reader) (string, error) {
	relPath := name
	target := dir

	if subPath != "" && subPath != "." {
		if !ValidSubPath(subPath) {
			return "", fmt.Errorf("%w: %q", ErrBadSubPath, subPath)
		}
		relPath = subPath + "/" + name
		target = filepath.Join(dir, filepath.FromSlash(subPath))
		if err := os.MkdirAll(target, l.dirPerm()); err != nil {
			return "", fmt.Errorf("uploaddir: create %s: %w", target, err)
		}
	}

	dst := filepath.Join(target, name)
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, l.filePerm())
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrDuplicateFile, relPath)
		}
		return "", fmt.Errorf("uploaddir: create %s: %w", dst, err)
	}
	if _, err := io.Copy(f, src); err != nil {
		_ = f.Close()
		_ = os.Remove(dst)
		return "", fmt.Errorf("uploaddir: write %s: %w", dst, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("uploaddir: close %s: %w", dst, err)
	}
	return relPath, nil
}

// ScanUploads lists upload-root entries that parse as submission
// directories, newest first.
func (l Layout) ScanUploads() ([]submission.Identity, error) {
	entries, err := os.ReadDir(l.UploadRoot)
	if err != nil {
		return nil, fmt.Errorf("uploaddir: scan %s: %w", l.UploadRoot, err)
	}

	var out []submission.Identity
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := submission.ParseDirName(e.Name())
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	// ReadDir sorts ascending by name; reverse for newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
