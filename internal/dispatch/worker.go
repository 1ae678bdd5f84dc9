package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pass-dev/pass-server/internal/audit"
	"github.com/pass-dev/pass-server/internal/queue"
	"github.com/pass-dev/pass-server/internal/submission"
)

// CheckFunc runs the checker for one claimed submission and returns
// the checker's exit code. A non-nil error means the checker could
// not run at all; the row is handed back to the queue for another
// worker.
type CheckFunc func(ctx context.Context, rec submission.Record, msg Message) (int, error)

// WorkerConfig configures the consume loop.
type WorkerConfig struct {
	MaxInflight int
	AckTimeout  time.Duration
}

// Worker drains dispatch messages from the broker and drives each
// referenced row through processing to processed.
type Worker struct {
	cfg WorkerConfig

	store    submission.Store
	consumer queue.Consumer
	check    CheckFunc
	recorder audit.Recorder
	log      *slog.Logger

	processedCount atomic.Uint64
	failureCount   atomic.Uint64
}

func NewWorker(cfg WorkerConfig, store submission.Store, consumer queue.Consumer, check CheckFunc, recorder audit.Recorder, log *slog.Logger) (*Worker, error) {
	if store == nil || consumer == nil || check == nil {
		return nil, errors.New("dispatch: worker requires store, consumer, and check func")
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 1
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cfg:      cfg,
		store:    store,
		consumer: consumer,
		check:    check,
		recorder: recorder,
		log:      log,
	}, nil
}

// Run consumes until ctx is done or the consumer's channels close. It
// returns the first handling error, after all inflight messages have
// drained.
func (w *Worker) Run(ctx context.Context) error {
	sem := make(chan struct{}, w.cfg.MaxInflight)
	var wg sync.WaitGroup

	msgCh := w.consumer.Messages()
	errCh := w.consumer.Errors()

	var firstErr error
	var firstErrMu sync.Mutex
	setFirstErr := func(err error) {
		if err == nil {
			return
		}
		firstErrMu.Lock()
		defer firstErrMu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return firstErr
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				w.log.Error("worker queue consume error", "err", err)
				setFirstErr(err)
			}
		case msg, ok := <-msgCh:
			if !ok {
				wg.Wait()
				return firstErr
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(qmsg queue.Message) {
				defer wg.Done()
				defer func() { <-sem }()

				if err := w.handleMessage(ctx, qmsg); err != nil {
					setFirstErr(err)
					w.log.Error("worker handle message", "err", err)
				}
			}(msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, qmsg queue.Message) error {
	msg, err := Decode(qmsg.Value)
	if err != nil {
		w.log.Warn("worker dropping undecodable payload", "err", err)
		w.failureCount.Add(1)
		ackMessage(qmsg, w.cfg.AckTimeout, w.log)
		return nil
	}

	rec, err := w.resolve(ctx, msg)
	if err != nil {
		if errors.Is(err, submission.ErrNotFound) {
			// Deleted between dispatch and delivery.
			w.log.Warn("worker dropping message for missing row", "dedupe_key", msg.DedupeKey)
			ackMessage(qmsg, w.cfg.AckTimeout, w.log)
			return nil
		}
		return err
	}

	if rec.Status == submission.StatusProcessing {
		// Another worker holds it; at-least-once delivery makes
		// duplicates routine.
		w.log.Warn("worker skipping row already processing", "submission_id", rec.ID)
		ackMessage(qmsg, w.cfg.AckTimeout, w.log)
		return nil
	}

	if err := w.store.UpdateStatus(ctx, rec.ID, submission.StatusProcessing, nil); err != nil {
		return fmt.Errorf("dispatch: claim submission %d: %w", rec.ID, err)
	}

	exit, err := w.check(ctx, rec, msg)
	if err != nil {
		w.failureCount.Add(1)
		w.log.Error("worker checker run failed", "submission_id", rec.ID, "err", err)
		if rerr := w.store.UpdateStatus(ctx, rec.ID, submission.StatusQueued, nil); rerr != nil {
			w.log.Error("worker release submission", "submission_id", rec.ID, "err", rerr)
		}
		return err
	}

	if err := w.store.UpdateStatus(ctx, rec.ID, submission.StatusProcessed, &exit); err != nil {
		// The checker already ran; rerunning it on redelivery is
		// worse than a stale row.
		w.log.Error("worker record result", "submission_id", rec.ID, "exit", exit, "err", err)
	}

	w.recorder.Record(ctx, audit.Entry{
		RequestID: msg.DedupeKey,
		Action:    "process",
		Comments:  fmt.Sprintf("submission %d processed with exit %d (%s)", rec.ID, exit, rec.Identity().DirName()),
	})
	w.processedCount.Add(1)
	ackMessage(qmsg, w.cfg.AckTimeout, w.log)
	return nil
}

// resolve finds the row a message refers to. Legacy payloads without
// a row id fall back to the identity lookup.
func (w *Worker) resolve(ctx context.Context, msg Message) (submission.Record, error) {
	if msg.SubmissionID != nil {
		return w.store.Get(ctx, *msg.SubmissionID)
	}
	id, err := msg.Identity()
	if err != nil {
		return submission.Record{}, err
	}
	return w.store.GetByIdentity(ctx, id)
}

func ackMessage(msg queue.Message, timeout time.Duration, log *slog.Logger) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker ack message", "err", err)
	}
}
