package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/pass-dev/pass-server/internal/audit"
	"github.com/pass-dev/pass-server/internal/identity"
	"github.com/pass-dev/pass-server/internal/submission"
)

type fakeProducer struct {
	topics   []string
	keys     [][]byte
	payloads [][]byte
	err      error
}

func (f *fakeProducer) Publish(_ context.Context, topic string, key, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.topics = append(f.topics, topic)
	f.keys = append(f.keys, key)
	f.payloads = append(f.payloads, payload)
	return nil
}

func testRequestContext() identity.RequestContext {
	return identity.RequestContext{
		UserID:    7,
		Username:  "vsmith",
		Role:      identity.RoleStudent,
		RequestID: "req-1",
	}
}

func TestPublishHappyPath(t *testing.T) {
	t.Parallel()

	store := submission.NewMemoryStore()
	producer := &fakeProducer{}
	recorder := audit.NewMemoryRecorder()
	pub := &Publisher{Store: store, Producer: producer, Topic: "submissions", Recorder: recorder}

	rec := testRecord(t)
	rec.ID = 0
	id, err := pub.Publish(context.Background(), testRequestContext(), rec, []submission.Participant{
		{UserID: 7, Username: "vsmith", RegNum: "328756"},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected assigned id")
	}

	stored, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != submission.StatusQueued {
		t.Fatalf("status = %s, want queued", stored.Status)
	}

	if len(producer.payloads) != 1 {
		t.Fatalf("published %d messages, want 1", len(producer.payloads))
	}
	if producer.topics[0] != "submissions" {
		t.Fatalf("topic = %q", producer.topics[0])
	}
	msg, err := Decode(producer.payloads[0])
	if err != nil {
		t.Fatalf("Decode published payload: %v", err)
	}
	if msg.SubmissionID == nil || *msg.SubmissionID != id {
		t.Fatalf("message submission id = %v, want %d", msg.SubmissionID, id)
	}
	if string(producer.keys[0]) != msg.DedupeKey {
		t.Fatalf("broker key %q != dedupe key %q", producer.keys[0], msg.DedupeKey)
	}

	uploads := recorder.ByAction("upload")
	if len(uploads) != 1 || !uploads[0].Significant {
		t.Fatalf("audit entries = %+v", uploads)
	}

	parts, err := store.Participants(context.Background(), id)
	if err != nil {
		t.Fatalf("Participants: %v", err)
	}
	if len(parts) != 1 || parts[0].Username != "vsmith" {
		t.Fatalf("participants = %+v", parts)
	}
}

func TestPublishBrokerFailureKeepsRowUploaded(t *testing.T) {
	t.Parallel()

	store := submission.NewMemoryStore()
	producer := &fakeProducer{err: errors.New("broker down")}
	pub := &Publisher{Store: store, Producer: producer, Topic: "submissions"}

	rec := testRecord(t)
	rec.ID = 0
	id, err := pub.Publish(context.Background(), testRequestContext(), rec, nil)

	var pf *PublishFailure
	if !errors.As(err, &pf) {
		t.Fatalf("expected PublishFailure, got %v", err)
	}
	if pf.SubmissionID != id || id == 0 {
		t.Fatalf("failure id = %d, returned id = %d", pf.SubmissionID, id)
	}

	stored, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != submission.StatusUploaded {
		t.Fatalf("status = %s, want uploaded (files safe, admin can requeue)", stored.Status)
	}
}

func TestPublishInsertFailure(t *testing.T) {
	t.Parallel()

	producer := &fakeProducer{}
	pub := &Publisher{Store: failingStore{}, Producer: producer, Topic: "submissions"}

	rec := testRecord(t)
	rec.ID = 0
	if _, err := pub.Publish(context.Background(), testRequestContext(), rec, nil); err == nil {
		t.Fatalf("expected error from failing store")
	}
	if len(producer.payloads) != 0 {
		t.Fatalf("nothing may reach the broker when the insert fails")
	}
}

func TestRepublish(t *testing.T) {
	t.Parallel()

	store := submission.NewMemoryStore()
	producer := &fakeProducer{}
	pub := &Publisher{Store: store, Producer: producer, Topic: "submissions"}

	rec := testRecord(t)
	rec.ID = 0
	rec.Status = submission.StatusProcessed
	id, err := store.Insert(context.Background(), rec, nil)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := store.UpdateStatus(context.Background(), id, submission.StatusProcessed, nil); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	rec.ID = id

	if err := pub.Republish(context.Background(), testRequestContext(), rec, "vsmith"); err != nil {
		t.Fatalf("Republish: %v", err)
	}
	stored, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != submission.StatusQueued {
		t.Fatalf("status = %s, want queued", stored.Status)
	}
	if len(producer.payloads) != 1 {
		t.Fatalf("published %d messages, want 1", len(producer.payloads))
	}
}

func TestRepublishRefusesProcessingRow(t *testing.T) {
	t.Parallel()

	store := submission.NewMemoryStore()
	producer := &fakeProducer{}
	pub := &Publisher{Store: store, Producer: producer, Topic: "submissions"}

	rec := testRecord(t)
	rec.ID = 0
	id, err := store.Insert(context.Background(), rec, nil)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := store.UpdateStatus(context.Background(), id, submission.StatusProcessing, nil); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	rec.ID = id

	err = pub.Republish(context.Background(), testRequestContext(), rec, "vsmith")
	if !errors.Is(err, submission.ErrProcessing) {
		t.Fatalf("expected ErrProcessing, got %v", err)
	}
	if len(producer.payloads) != 0 {
		t.Fatalf("published %d messages for a processing row, want 0", len(producer.payloads))
	}
}

type failingStore struct {
	submission.Store
}

func (failingStore) Insert(context.Context, submission.Record, []submission.Participant) (int64, error) {
	return 0, errors.New("db down")
}
