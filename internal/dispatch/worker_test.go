package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pass-dev/pass-server/internal/queue"
	"github.com/pass-dev/pass-server/internal/submission"
)

type fakeConsumer struct {
	msgCh chan queue.Message
	errCh chan error
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{
		msgCh: make(chan queue.Message, 8),
		errCh: make(chan error, 8),
	}
}

func (f *fakeConsumer) Messages() <-chan queue.Message { return f.msgCh }
func (f *fakeConsumer) Errors() <-chan error           { return f.errCh }
func (f *fakeConsumer) Close() error                   { return nil }

type checkCall struct {
	id   int64
	user string
}

// recordingCheck collects the rows handed to it and returns a
// configured verdict.
type recordingCheck struct {
	mu    sync.Mutex
	calls []checkCall
	exit  int
	err   error
}

func (c *recordingCheck) run(_ context.Context, rec submission.Record, msg Message) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, checkCall{id: rec.ID, user: msg.User})
	return c.exit, c.err
}

func (c *recordingCheck) snapshot() []checkCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]checkCall(nil), c.calls...)
}

func insertQueuedRow(t *testing.T, store *submission.MemoryStore, token string) submission.Record {
	t.Helper()
	rec := testRecord(t)
	rec.ID = 0
	rec.Token = token
	id, err := store.Insert(context.Background(), rec, nil)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := store.UpdateStatus(context.Background(), id, submission.StatusQueued, nil); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	rec.ID = id
	rec.Status = submission.StatusQueued
	return rec
}

func encodeMessage(t *testing.T, rec submission.Record) []byte {
	t.Helper()
	payload, err := NewMessage(rec, "vsmith").Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return payload
}

func waitForStatus(t *testing.T, store *submission.MemoryStore, id int64, want submission.Status) submission.Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if rec.Status == want {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, _ := store.Get(context.Background(), id)
	t.Fatalf("submission %d status = %s, want %s", id, rec.Status, want)
	return submission.Record{}
}

func startWorker(t *testing.T, store *submission.MemoryStore, consumer queue.Consumer, check CheckFunc) (stop func()) {
	t.Helper()
	w, err := NewWorker(WorkerConfig{}, store, consumer, check, nil, nil)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestWorkerProcessesDispatchMessage(t *testing.T) {
	t.Parallel()

	store := submission.NewMemoryStore()
	rec := insertQueuedRow(t, store, "a1b2c3d4e5")
	consumer := newFakeConsumer()
	check := &recordingCheck{exit: 3}

	stop := startWorker(t, store, consumer, check.run)
	defer stop()

	consumer.msgCh <- queue.Message{Value: encodeMessage(t, rec)}

	stored := waitForStatus(t, store, rec.ID, submission.StatusProcessed)
	if stored.ExitCode == nil || *stored.ExitCode != 3 {
		t.Fatalf("exit code = %v, want 3", stored.ExitCode)
	}
	calls := check.snapshot()
	if len(calls) != 1 || calls[0].id != rec.ID || calls[0].user != "vsmith" {
		t.Fatalf("check calls = %+v", calls)
	}
}

func TestWorkerSkipsUndecodablePayload(t *testing.T) {
	t.Parallel()

	store := submission.NewMemoryStore()
	rec := insertQueuedRow(t, store, "a1b2c3d4e5")
	consumer := newFakeConsumer()
	check := &recordingCheck{}

	stop := startWorker(t, store, consumer, check.run)
	defer stop()

	consumer.msgCh <- queue.Message{Value: []byte("not json")}
	consumer.msgCh <- queue.Message{Value: encodeMessage(t, rec)}

	waitForStatus(t, store, rec.ID, submission.StatusProcessed)
	if calls := check.snapshot(); len(calls) != 1 || calls[0].id != rec.ID {
		t.Fatalf("check calls = %+v", calls)
	}
}

func TestWorkerReleasesRowWhenCheckerCannotRun(t *testing.T) {
	t.Parallel()

	store := submission.NewMemoryStore()
	rec := insertQueuedRow(t, store, "a1b2c3d4e5")
	consumer := newFakeConsumer()
	check := &recordingCheck{err: errors.New("checker binary missing")}

	stop := startWorker(t, store, consumer, check.run)
	defer stop()

	consumer.msgCh <- queue.Message{Value: encodeMessage(t, rec)}

	stored := waitForStatus(t, store, rec.ID, submission.StatusQueued)
	if stored.ExitCode != nil {
		t.Fatalf("exit code = %v, want none", stored.ExitCode)
	}
}

func TestWorkerSkipsRowHeldByAnotherWorker(t *testing.T) {
	t.Parallel()

	store := submission.NewMemoryStore()
	held := insertQueuedRow(t, store, "a1b2c3d4e5")
	if err := store.UpdateStatus(context.Background(), held.ID, submission.StatusProcessing, nil); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	free := insertQueuedRow(t, store, "f6g7h8i9j0")
	consumer := newFakeConsumer()
	check := &recordingCheck{}

	stop := startWorker(t, store, consumer, check.run)
	defer stop()

	consumer.msgCh <- queue.Message{Value: encodeMessage(t, held)}
	consumer.msgCh <- queue.Message{Value: encodeMessage(t, free)}

	waitForStatus(t, store, free.ID, submission.StatusProcessed)
	if calls := check.snapshot(); len(calls) != 1 || calls[0].id != free.ID {
		t.Fatalf("check calls = %+v", calls)
	}
	stored, err := store.Get(context.Background(), held.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != submission.StatusProcessing {
		t.Fatalf("held row status = %s, want processing", stored.Status)
	}
}

func TestWorkerDropsMessageForDeletedRow(t *testing.T) {
	t.Parallel()

	store := submission.NewMemoryStore()
	gone := testRecord(t)
	gone.ID = 99
	live := insertQueuedRow(t, store, "f6g7h8i9j0")
	consumer := newFakeConsumer()
	check := &recordingCheck{}

	stop := startWorker(t, store, consumer, check.run)
	defer stop()

	consumer.msgCh <- queue.Message{Value: encodeMessage(t, gone)}
	consumer.msgCh <- queue.Message{Value: encodeMessage(t, live)}

	waitForStatus(t, store, live.ID, submission.StatusProcessed)
	if calls := check.snapshot(); len(calls) != 1 || calls[0].id != live.ID {
		t.Fatalf("check calls = %+v", calls)
	}
}
