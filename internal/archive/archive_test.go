package archive

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestPackAndList(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dir := filepath.Join(root, "2024-03-01T142251083+0000_a1b2c3d4e5")
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	files := map[string]string{
		"pass-settings-a1b2c3d4e5.txt": "Course: CS101\n",
		"main.c":                       "int main(void){return 0;}\n",
		"src/util.c":                   "static int x;\n",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("WriteFile %s: %v", name, err)
		}
	}

	payload, err := Pack(dir)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if len(payload) == 0 {
		t.Fatalf("Pack returned empty payload")
	}

	names, err := List(payload)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	sort.Strings(names)

	want := []string{
		"2024-03-01T142251083+0000_a1b2c3d4e5",
		"2024-03-01T142251083+0000_a1b2c3d4e5/main.c",
		"2024-03-01T142251083+0000_a1b2c3d4e5/pass-settings-a1b2c3d4e5.txt",
		"2024-03-01T142251083+0000_a1b2c3d4e5/src",
		"2024-03-01T142251083+0000_a1b2c3d4e5/src/util.c",
	}
	if len(names) != len(want) {
		t.Fatalf("entries = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("entry[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestPackRejectsMissingDir(t *testing.T) {
	t.Parallel()

	if _, err := Pack(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatalf("expected error for missing directory")
	}
}

func TestPackRejectsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "plain.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Pack(path); err == nil {
		t.Fatalf("expected error for non-directory input")
	}
}
