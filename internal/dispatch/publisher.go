package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pass-dev/pass-server/internal/audit"
	"github.com/pass-dev/pass-server/internal/identity"
	"github.com/pass-dev/pass-server/internal/submission"
)

// Producer is the broker side the publisher needs.
type Producer interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
}

// PublishFailure reports a submission whose row and files exist but
// whose broker publish failed. The submission id lets an admin
// requeue it; nothing on disk or in the store is lost.
type PublishFailure struct {
	SubmissionID int64
	Err          error
}

func (f *PublishFailure) Error() string {
	return fmt.Sprintf("dispatch: publish submission %d: %v", f.SubmissionID, f.Err)
}

func (f *PublishFailure) Unwrap() error {
	return f.Err
}

// Publisher records a submission and hands it to the worker queue.
type Publisher struct {
	Store    submission.Store
	Producer Producer
	Topic    string
	Recorder audit.Recorder
	Log      *slog.Logger
}

func (p *Publisher) logger() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

func (p *Publisher) recorder() audit.Recorder {
	if p.Recorder != nil {
		return p.Recorder
	}
	return audit.Nop{}
}

// Publish inserts the submission row plus its projectgroup rows, then
// publishes the dispatch message and moves the row to queued.
//
// Failure taxonomy: a store insert failure fails the whole intake; a
// broker failure after the insert returns a PublishFailure carrying
// the new id; a status update failure after a confirmed publish is
// logged and reported as success, since the worker already has the
// message.
func (p *Publisher) Publish(ctx context.Context, rc identity.RequestContext, rec submission.Record, participants []submission.Participant) (int64, error) {
	rec.Status = submission.StatusUploaded

	id, err := p.Store.Insert(ctx, rec, participants)
	if err != nil {
		return 0, fmt.Errorf("dispatch: insert submission: %w", err)
	}
	rec.ID = id

	if err := p.publishAndQueue(ctx, rc, rec); err != nil {
		return id, err
	}

	p.recorder().Record(ctx, audit.Entry{
		UserID:      &rc.UserID,
		RequestID:   rc.RequestID,
		Action:      "upload",
		Comments:    fmt.Sprintf("submission %d queued for %s/%s (%s)", id, rec.Course, rec.Assignment, rec.Identity().DirName()),
		Significant: true,
	})
	return id, nil
}

// Republish conditionally resets an existing row to queued, then
// re-sends its dispatch message. A row held by a worker yields
// submission.ErrProcessing with no message sent. A broker failure
// after the reset leaves the row queued; a later requeue of a queued
// row is always permitted, so the caller can simply retry.
func (p *Publisher) Republish(ctx context.Context, rc identity.RequestContext, rec submission.Record, username string) error {
	msg := NewMessage(rec, username)
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := p.Store.ResetToQueued(ctx, rec.ID); err != nil {
		return fmt.Errorf("dispatch: reset submission %d: %w", rec.ID, err)
	}
	if err := p.Producer.Publish(ctx, p.Topic, []byte(msg.DedupeKey), payload); err != nil {
		return &PublishFailure{SubmissionID: rec.ID, Err: err}
	}

	p.recorder().Record(ctx, audit.Entry{
		UserID:      &rc.UserID,
		RequestID:   rc.RequestID,
		Action:      "requeue",
		Comments:    fmt.Sprintf("submission %d republished (%s)", rec.ID, rec.Identity().DirName()),
		Significant: true,
	})
	return nil
}

func (p *Publisher) publishAndQueue(ctx context.Context, rc identity.RequestContext, rec submission.Record) error {
	msg := NewMessage(rec, rc.Username)
	payload, err := msg.Encode()
	if err != nil {
		return err
	}

	if err := p.Producer.Publish(ctx, p.Topic, []byte(msg.DedupeKey), payload); err != nil {
		p.recorder().Record(ctx, audit.Entry{
			UserID:      &rc.UserID,
			RequestID:   rc.RequestID,
			Action:      "upload",
			Comments:    fmt.Sprintf("submission %d stored but publish failed: %v", rec.ID, err),
			Significant: true,
		})
		return &PublishFailure{SubmissionID: rec.ID, Err: err}
	}

	if err := p.Store.UpdateStatus(ctx, rec.ID, submission.StatusQueued, nil); err != nil {
		// The worker already has the message; the row will catch up
		// when the worker reports progress.
		p.logger().Warn("submission queued but status update failed",
			"submission_id", rec.ID,
			"error", err,
		)
	}
	return nil
}
