package dispatch

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pass-dev/pass-server/internal/submission"
)

func testRecord(t *testing.T) submission.Record {
	t.Helper()
	uploadTime, err := submission.ParseTime("2024-03-01T142251083+0000")
	if err != nil {
		t.Fatalf("ParseTime: %v", err)
	}
	return submission.Record{
		ID:         42,
		Course:     "CS101",
		Assignment: "hw1",
		UploadTime: uploadTime,
		Token:      "a1b2c3d4e5",
		Status:     submission.StatusUploaded,
		UploadedBy: 7,
	}
}

func TestMessageRoundTrip(t *testing.T) {
	t.Parallel()

	rec := testRecord(t)
	msg := NewMessage(rec, "vsmith")

	if msg.Version != MessageVersion {
		t.Fatalf("version = %q", msg.Version)
	}
	if msg.SubmissionID == nil || *msg.SubmissionID != 42 {
		t.Fatalf("submission id = %v", msg.SubmissionID)
	}
	if msg.Time != "2024-03-01T142251083+0000" {
		t.Fatalf("time = %q", msg.Time)
	}
	if len(msg.DedupeKey) != 64 {
		t.Fatalf("dedupe key = %q", msg.DedupeKey)
	}

	payload, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if back != msg {
		if back.SubmissionID == nil || msg.SubmissionID == nil || *back.SubmissionID != *msg.SubmissionID {
			t.Fatalf("round trip mismatch: %+v vs %+v", back, msg)
		}
		back.SubmissionID = msg.SubmissionID
		if back != msg {
			t.Fatalf("round trip mismatch: %+v vs %+v", back, msg)
		}
	}

	id, err := back.Identity()
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if id.DirName() != "2024-03-01T142251083+0000_a1b2c3d4e5" {
		t.Fatalf("identity dir = %q", id.DirName())
	}
}

func TestDedupeKeyStable(t *testing.T) {
	t.Parallel()

	rec := testRecord(t)
	a := NewMessage(rec, "vsmith")
	b := NewMessage(rec, "someone-else")
	if a.DedupeKey != b.DedupeKey {
		t.Fatalf("dedupe key should depend on identity only: %q vs %q", a.DedupeKey, b.DedupeKey)
	}

	rec.Token = "zzzzzzzzzz"
	c := NewMessage(rec, "vsmith")
	if c.DedupeKey == a.DedupeKey {
		t.Fatalf("different token produced same dedupe key")
	}
}

func TestNewMessageWithoutRowID(t *testing.T) {
	t.Parallel()

	rec := testRecord(t)
	rec.ID = 0
	msg := NewMessage(rec, "vsmith")
	if msg.SubmissionID != nil {
		t.Fatalf("submission id should be nil for unsaved rows, got %v", *msg.SubmissionID)
	}
	if _, err := msg.Encode(); err != nil {
		t.Fatalf("Encode: %v", err)
	}
}

func TestDecodeRejectsBadMessages(t *testing.T) {
	t.Parallel()

	rec := testRecord(t)
	good, err := NewMessage(rec, "vsmith").Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	tests := map[string]string{
		"not json":      "nope",
		"wrong version": strings.Replace(string(good), MessageVersion, "submissions.dispatch.v9", 1),
		"bad token":     strings.Replace(string(good), "a1b2c3d4e5", "UPPERCASE!", 1),
		"bad time":      strings.Replace(string(good), "2024-03-01T142251083+0000", "yesterday", 1),
		"no user":       strings.Replace(string(good), `"user":"vsmith"`, `"user":""`, 1),
	}
	for name, payload := range tests {
		payload := payload
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode([]byte(payload)); !errors.Is(err, ErrBadMessage) {
				t.Fatalf("expected ErrBadMessage, got %v", err)
			}
		})
	}
}

func TestParseTimeMillisecondPrecision(t *testing.T) {
	t.Parallel()

	in := time.Date(2024, 3, 1, 14, 22, 51, 83_000_000, time.UTC)
	rec := testRecord(t)
	rec.UploadTime = in
	msg := NewMessage(rec, "vsmith")
	id, err := msg.Identity()
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if !id.UploadTime.Equal(in) {
		t.Fatalf("time round trip: got %v want %v", id.UploadTime, in)
	}
}
