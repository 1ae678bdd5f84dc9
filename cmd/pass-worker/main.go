package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	auditpg "github.com/pass-dev/pass-server/internal/audit/postgres"
	"github.com/pass-dev/pass-server/internal/dispatch"
	"github.com/pass-dev/pass-server/internal/queue"
	"github.com/pass-dev/pass-server/internal/submission"
	submissionpg "github.com/pass-dev/pass-server/internal/submission/postgres"
	"github.com/pass-dev/pass-server/internal/uploaddir"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "warning: could not read .env:", err)
	}

	var (
		postgresDSN = flag.String("postgres-dsn", os.Getenv("PASS_POSTGRES_DSN"), "Postgres DSN (required)")

		uploadRoot    = flag.String("upload-root", os.Getenv("PASS_UPLOAD_ROOT"), "root directory for incoming uploads (required)")
		completedRoot = flag.String("completed-root", os.Getenv("PASS_COMPLETED_ROOT"), "root directory for checker results (required)")

		checkerCmd     = flag.String("checker-cmd", os.Getenv("PASS_CHECKER_CMD"), "checker executable, invoked as <cmd> <upload-dir> <completed-dir> (required)")
		checkerTimeout = flag.Duration("checker-timeout", 5*time.Minute, "per-submission checker run timeout")

		queueDriver  = flag.String("queue-driver", queue.DriverKafka, "queue driver (kafka|stdio)")
		queueBrokers = flag.String("queue-brokers", os.Getenv("PASS_QUEUE_BROKERS"), "queue brokers (comma-separated, required for kafka)")
		queueGroup   = flag.String("queue-group", "pass-worker", "queue consumer group (required for kafka)")
		topic        = flag.String("submission-topic", dispatch.DefaultTopic, "queue topic carrying dispatched submissions")

		maxInflight = flag.Int("max-inflight", 1, "checker runs allowed in parallel")
		ackTimeout  = flag.Duration("queue-ack-timeout", 5*time.Second, "timeout for queue message acknowledgements")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *postgresDSN == "" || *uploadRoot == "" || *completedRoot == "" || *checkerCmd == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn, --upload-root, --completed-root, and --checker-cmd are required")
		os.Exit(2)
	}
	if *queueDriver == queue.DriverKafka && strings.TrimSpace(*queueBrokers) == "" {
		fmt.Fprintln(os.Stderr, "error: --queue-brokers is required for the kafka driver")
		os.Exit(2)
	}
	if *maxInflight <= 0 || *checkerTimeout <= 0 || *ackTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --max-inflight, --checker-timeout, and --queue-ack-timeout must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, *postgresDSN)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pool.Close()

	store, err := submissionpg.New(pool)
	if err != nil {
		log.Error("init submission store", "err", err)
		os.Exit(2)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		log.Error("ensure submission schema", "err", err)
		os.Exit(2)
	}

	recorder, err := auditpg.New(pool, log)
	if err != nil {
		log.Error("init action recorder", "err", err)
		os.Exit(2)
	}
	if err := recorder.EnsureSchema(ctx); err != nil {
		log.Error("ensure action recorder schema", "err", err)
		os.Exit(2)
	}

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		Group:   *queueGroup,
		Topics:  []string{*topic},
	})
	if err != nil {
		log.Error("init queue consumer", "err", err)
		os.Exit(2)
	}
	defer consumer.Close()

	layout := uploaddir.Layout{
		UploadRoot:    *uploadRoot,
		CompletedRoot: *completedRoot,
	}
	check := checkerFunc(layout, *checkerCmd, *checkerTimeout)

	worker, err := dispatch.NewWorker(dispatch.WorkerConfig{
		MaxInflight: *maxInflight,
		AckTimeout:  *ackTimeout,
	}, store, consumer, check, recorder, log)
	if err != nil {
		log.Error("init worker", "err", err)
		os.Exit(2)
	}

	log.Info("pass-worker consuming", "topic", *topic, "group", *queueGroup, "checker", *checkerCmd)
	if err := worker.Run(ctx); err != nil {
		log.Error("worker stopped", "err", err)
		os.Exit(1)
	}
}

// checkerFunc runs the external checker against a claimed upload
// directory. A non-zero checker exit is a verdict, not an error; only
// failures to run the checker at all are returned as errors so the
// row goes back to the queue.
func checkerFunc(layout uploaddir.Layout, cmdPath string, timeout time.Duration) dispatch.CheckFunc {
	return func(ctx context.Context, rec submission.Record, _ dispatch.Message) (int, error) {
		id := rec.Identity()
		uploadDir := layout.UploadDir(id)
		if _, err := os.Stat(uploadDir); err != nil {
			return 0, fmt.Errorf("upload dir: %w", err)
		}

		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(runCtx, cmdPath, uploadDir, layout.CompletedDir(id))
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		err := cmd.Run()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		if err != nil {
			return 0, fmt.Errorf("run checker: %w", err)
		}
		return 0, nil
	}
}
