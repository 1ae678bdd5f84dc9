// Package audit provides the append-only action recorder used to
// reconstruct what happened to a submission when the user-visible
// outcome and the backend logs disagree.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is one recorded action. Significant marks entries worth
// surfacing in the admin view (collisions, failures, completed
// uploads) as opposed to aggregate noise.
type Entry struct {
	UserID      *int64
	RequestID   string
	Action      string
	Comments    string
	Significant bool
	At          time.Time
}

// Recorder appends entries. Implementations must never propagate
// failures into the calling flow; a recorder fault is logged locally
// and swallowed.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// Nop discards all entries.
type Nop struct{}

func (Nop) Record(context.Context, Entry) {}

// MemoryRecorder collects entries for inspection in tests.
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Record(_ context.Context, e Entry) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func (r *MemoryRecorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// ByAction filters recorded entries by action label.
func (r *MemoryRecorder) ByAction(action string) []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// LogRecorder writes entries to a structured logger. Useful as a
// fallback when no durable recorder is configured.
type LogRecorder struct {
	Log *slog.Logger
}

func (r LogRecorder) Record(_ context.Context, e Entry) {
	if r.Log == nil {
		return
	}
	r.Log.Info("action", "action", e.Action, "comments", e.Comments, "significant", e.Significant, "requestID", e.RequestID)
}
