package intake

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// A file named like the sub-directory makes MkdirAll fail, which is
// the easiest way to exercise the per-file fallback behaviour.
func clashingRequest() Request {
	return Request{
		Course:     "CS101",
		Assignment: "hw1",
		Agree:      true,
		Members:    []string{"vsmith"},
		Files: []FileUpload{
			{Name: "src", Content: []byte("not a directory")},
			{Name: "util.c", SubPath: "src", Content: []byte("static int x;\n")},
		},
	}
}

func TestFallbackPlacesUnusableSubPathAtRoot(t *testing.T) {
	t.Parallel()

	svc, pub, _ := newTestService(t)
	res, err := svc.Submit(context.Background(), testRequestContext(), ModeFallback, clashingRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if len(res.Files) != 2 {
		t.Fatalf("file results = %+v", res.Files)
	}
	if !res.Files[1].Placed {
		t.Fatalf("fallback placement failed: %+v", res.Files[1])
	}
	if res.Files[1].Path != "util.c" {
		t.Fatalf("fallback file path = %q, want root placement", res.Files[1].Path)
	}
	if res.Files[1].Problem == "" {
		t.Fatalf("fallback placement must be reported per file")
	}

	if _, err := os.Stat(filepath.Join(res.Directory, "util.c")); err != nil {
		t.Fatalf("util.c missing from root: %v", err)
	}
	if pub.calls != 1 {
		t.Fatalf("publisher called %d times", pub.calls)
	}
}

func TestStrictAbortsOnPlacementFailure(t *testing.T) {
	t.Parallel()

	svc, pub, layout := newTestService(t)
	_, err := svc.Submit(context.Background(), testRequestContext(), ModeStrict, clashingRequest())
	if err == nil {
		t.Fatalf("expected placement failure in strict mode")
	}
	if pub.calls != 0 {
		t.Fatalf("publisher must not run after an aborted placement")
	}

	entries, err := os.ReadDir(layout.UploadRoot)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("aborted upload directory was not removed, found %d entries", len(entries))
	}
}
