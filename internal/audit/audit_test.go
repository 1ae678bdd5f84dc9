package audit

import (
	"context"
	"testing"
)

func TestMemoryRecorder(t *testing.T) {
	t.Parallel()

	r := NewMemoryRecorder()
	userID := int64(7)
	r.Record(context.Background(), Entry{UserID: &userID, Action: "upload", Comments: "ok"})
	r.Record(context.Background(), Entry{Action: "requeue", Significant: true})

	entries := r.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].At.IsZero() {
		t.Fatal("Record must stamp entries missing a time")
	}

	uploads := r.ByAction("upload")
	if len(uploads) != 1 || uploads[0].Comments != "ok" {
		t.Fatalf("ByAction(upload) = %+v", uploads)
	}
	if got := r.ByAction("delete_upload"); len(got) != 0 {
		t.Fatalf("ByAction(delete_upload) = %+v", got)
	}
}

func TestNopDiscardsEntries(t *testing.T) {
	t.Parallel()

	// Must simply not panic.
	Nop{}.Record(context.Background(), Entry{Action: "upload"})
}
