package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pass-dev/pass-server/internal/submission"
)

func sampleManifest() Manifest {
	return Manifest{
		SubmissionTime: time.Date(2024, 3, 1, 14, 22, 51, 83_000_000, time.UTC),
		Course:         "CS101",
		Assignment:     "hw1",
		Agree:          true,
		Encoding:       "utf8",
		PdfResult:      "vsmith_hw1.pdf",
		Timeout:        300,
		BasePath:       "/usr/src/app/files",
		Students: []Student{
			{Username: "vsmith", RegNum: "328756"},
			{Username: "ajones", RegNum: "328757"},
		},
		Files: []FileEntry{
			{Path: "main.c", Language: "C"},
			{Path: "src/util.c"},
			{Path: "logo.png", Language: "BINARY"},
		},
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	t.Parallel()

	want := sampleManifest()
	got, err := Parse(want.Encode())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if !got.SubmissionTime.Equal(want.SubmissionTime) {
		t.Errorf("SubmissionTime = %v, want %v", got.SubmissionTime, want.SubmissionTime)
	}
	if got.Course != want.Course || got.Assignment != want.Assignment {
		t.Errorf("identity fields = %q/%q", got.Course, got.Assignment)
	}
	if !got.Agree || got.Encoding != "utf8" || got.PdfResult != want.PdfResult {
		t.Errorf("header fields = %+v", got)
	}
	if got.Timeout != 300 || got.BasePath != want.BasePath {
		t.Errorf("timeout/base path = %d/%q", got.Timeout, got.BasePath)
	}
	if len(got.Students) != 2 || got.Students[0] != want.Students[0] || got.Students[1] != want.Students[1] {
		t.Errorf("students = %+v", got.Students)
	}
	if len(got.Files) != 3 || got.Files[0] != want.Files[0] || got.Files[1] != want.Files[1] || got.Files[2] != want.Files[2] {
		t.Errorf("files = %+v", got.Files)
	}
}

func TestEncodeFieldFormat(t *testing.T) {
	t.Parallel()

	text := string(sampleManifest().Encode())
	for _, want := range []string{
		"Submission-timestamp: 2024-03-01T142251083+0000\n",
		"Course: CS101\n",
		"Agree: true\n",
		"Pdf-result: vsmith_hw1.pdf\n",
		"Student: vsmith\t328756\n",
		"File: main.c\tC\n",
		"File: src/util.c\n",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("encoded manifest missing %q:\n%s", want, text)
		}
	}
}

func TestParsePreservesUnknownKeys(t *testing.T) {
	t.Parallel()

	m := sampleManifest()
	m.Unknown = []Field{{Key: "Future-setting", Value: "on"}}

	parsed, err := Parse(m.Encode())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(parsed.Unknown) != 1 || parsed.Unknown[0] != m.Unknown[0] {
		t.Fatalf("unknown fields = %+v", parsed.Unknown)
	}

	// A full rewrite keeps the foreign key.
	reparsed, err := Parse(parsed.Encode())
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if len(reparsed.Unknown) != 1 {
		t.Fatalf("unknown field lost on rewrite: %+v", reparsed.Unknown)
	}
}

func TestParseRejectsIncompleteManifests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		drop string
	}{
		{"missing timestamp", "Submission-timestamp"},
		{"missing course", "Course"},
		{"missing assignment", "Assignment"},
		{"missing students", "Student"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var kept []string
			for _, line := range strings.Split(string(sampleManifest().Encode()), "\n") {
				if strings.HasPrefix(line, tc.drop+":") {
					continue
				}
				kept = append(kept, line)
			}
			if _, err := Parse([]byte(strings.Join(kept, "\n"))); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}

	if _, err := Parse([]byte("not a settings line\n")); !errors.Is(err, ErrInvalid) {
		t.Fatalf("malformed line: expected ErrInvalid, got %v", err)
	}
}

func TestWriteLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := sampleManifest()
	if err := Write(dir, "a1b2c3d4e5", m, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, FileName("a1b2c3d4e5")))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o444 {
		t.Fatalf("perm = %v, want 0444", info.Mode().Perm())
	}

	loaded, err := Load(dir, "a1b2c3d4e5")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Course != m.Course || len(loaded.Files) != len(m.Files) {
		t.Fatalf("loaded = %+v", loaded)
	}

	// No temp file left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("directory entries = %d, want 1", len(entries))
	}
}

func TestCheckIdentity(t *testing.T) {
	t.Parallel()

	m := sampleManifest()
	id := submission.Identity{UploadTime: m.SubmissionTime, Token: "a1b2c3d4e5"}
	if err := CheckIdentity(m, id); err != nil {
		t.Fatalf("CheckIdentity: %v", err)
	}

	id.UploadTime = id.UploadTime.Add(time.Second)
	if err := CheckIdentity(m, id); !errors.Is(err, ErrTimestampMismatch) {
		t.Fatalf("expected ErrTimestampMismatch, got %v", err)
	}
}
