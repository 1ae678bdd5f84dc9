// Package manifest reads and writes the per-submission settings file,
// the durable descriptor colocated with the uploaded files. Writer
// and all readers share this one codec so they cannot drift.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pass-dev/pass-server/internal/submission"
)

var (
	ErrInvalid = errors.New("manifest: invalid")

	// ErrTimestampMismatch marks a manifest whose internal timestamp
	// disagrees with the directory name it lives under.
	ErrTimestampMismatch = errors.New("manifest: timestamp mismatch")
)

const (
	keySubmissionTime = "Submission-timestamp"
	keyCourse         = "Course"
	keyAssignment     = "Assignment"
	keyAgree          = "Agree"
	keyEncoding       = "Project-encoding"
	keyPdfResult      = "Pdf-result"
	keyTimeout        = "Timeout"
	keyBasePath       = "Base-path"
	keyStudent        = "Student"
	keyFile           = "File"
)

var lineRe = regexp.MustCompile(`^([A-Za-z0-9-]+): *(.*)$`)

type Student struct {
	Username string
	RegNum   string
}

type FileEntry struct {
	Path string
	// Language is the declared language label, or empty. BINARY marks
	// an allow-listed binary file.
	Language string
}

// Field is an unrecognised key preserved verbatim.
type Field struct {
	Key   string
	Value string
}

type Manifest struct {
	SubmissionTime time.Time
	Course         string
	Assignment     string
	Agree          bool
	Encoding       string
	PdfResult      string
	Timeout        int64
	BasePath       string

	Students []Student
	Files    []FileEntry

	Unknown []Field
}

// FileName returns the settings file name for a token.
func FileName(token string) string {
	return "pass-settings-" + token + ".txt"
}

// Encode serialises the manifest in the stable field order.
func (m Manifest) Encode() []byte {
	var b strings.Builder

	line := func(key, value string) {
		b.WriteString(key)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteByte('\n')
	}

	line(keySubmissionTime, submission.FormatTime(m.SubmissionTime))
	line(keyCourse, m.Course)
	line(keyAssignment, m.Assignment)
	line(keyAgree, strconv.FormatBool(m.Agree))
	line(keyEncoding, m.Encoding)
	line(keyPdfResult, m.PdfResult)
	line(keyTimeout, strconv.FormatInt(m.Timeout, 10))
	if m.BasePath != "" {
		line(keyBasePath, m.BasePath)
	}
	for _, s := range m.Students {
		line(keyStudent, s.Username+"\t"+s.RegNum)
	}
	for _, f := range m.Files {
		if f.Language != "" {
			line(keyFile, f.Path+"\t"+f.Language)
		} else {
			line(keyFile, f.Path)
		}
	}
	for _, f := range m.Unknown {
		line(f.Key, f.Value)
	}

	return []byte(b.String())
}

// Parse decodes manifest content. Unknown keys are preserved; a
// missing required key is a manifest-integrity error.
func Parse(data []byte) (Manifest, error) {
	var (
		m       Manifest
		sawTime bool
	)
	for _, raw := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		g := lineRe.FindStringSubmatch(raw)
		if g == nil {
			return Manifest{}, fmt.Errorf("%w: malformed line %q", ErrInvalid, raw)
		}
		key, value := g[1], g[2]

		switch key {
		case keySubmissionTime:
			t, err := submission.ParseTime(value)
			if err != nil {
				return Manifest{}, fmt.Errorf("%w: %v", ErrInvalid, err)
			}
			m.SubmissionTime = t
			sawTime = true
		case keyCourse:
			m.Course = value
		case keyAssignment:
			m.Assignment = value
		case keyAgree:
			m.Agree = value == "true"
		case keyEncoding:
			m.Encoding = value
		case keyPdfResult:
			m.PdfResult = value
		case keyTimeout:
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return Manifest{}, fmt.Errorf("%w: bad timeout %q", ErrInvalid, value)
			}
			m.Timeout = n
		case keyBasePath:
			m.BasePath = value
		case keyStudent:
			username, regnum, _ := strings.Cut(value, "\t")
			m.Students = append(m.Students, Student{Username: username, RegNum: regnum})
		case keyFile:
			path, lang, _ := strings.Cut(value, "\t")
			m.Files = append(m.Files, FileEntry{Path: path, Language: lang})
		default:
			m.Unknown = append(m.Unknown, Field{Key: key, Value: value})
		}
	}

	if !sawTime {
		return Manifest{}, fmt.Errorf("%w: missing %s", ErrInvalid, keySubmissionTime)
	}
	if m.Course == "" {
		return Manifest{}, fmt.Errorf("%w: missing %s", ErrInvalid, keyCourse)
	}
	if m.Assignment == "" {
		return Manifest{}, fmt.Errorf("%w: missing %s", ErrInvalid, keyAssignment)
	}
	if len(m.Students) == 0 {
		return Manifest{}, fmt.Errorf("%w: no %s entries", ErrInvalid, keyStudent)
	}
	return m, nil
}

// Write persists the manifest atomically into dir under the
// deterministic token-derived name, then drops write permission so a
// worker cannot modify it. A partially written manifest is never
// visible under the final name.
func Write(dir, token string, m Manifest, perm os.FileMode) error {
	if perm == 0 {
		perm = 0o444
	}
	final := filepath.Join(dir, FileName(token))
	tmp := filepath.Join(dir, "."+FileName(token)+".tmp")

	if err := os.WriteFile(tmp, m.Encode(), 0o600); err != nil {
		return fmt.Errorf("manifest: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("manifest: rename %s: %w", final, err)
	}
	if err := os.Chmod(final, perm); err != nil {
		return fmt.Errorf("manifest: chmod %s: %w", final, err)
	}
	return nil
}

// Load reads and parses the manifest for a token from dir.
func Load(dir, token string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName(token)))
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: read: %w", err)
	}
	return Parse(data)
}

// CheckIdentity verifies the manifest's internal timestamp against
// the directory identity. The mismatch is reported, not assumed
// fatal; callers choose strict-reject or warn-and-continue.
func CheckIdentity(m Manifest, id submission.Identity) error {
	if !m.SubmissionTime.Equal(id.UploadTime) {
		return fmt.Errorf("%w: manifest %s vs directory %s",
			ErrTimestampMismatch,
			submission.FormatTime(m.SubmissionTime),
			submission.FormatTime(id.UploadTime))
	}
	return nil
}
