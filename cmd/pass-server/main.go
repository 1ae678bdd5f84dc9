package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	auditpg "github.com/pass-dev/pass-server/internal/audit/postgres"
	"github.com/pass-dev/pass-server/internal/blobstore"
	"github.com/pass-dev/pass-server/internal/catalog"
	"github.com/pass-dev/pass-server/internal/dispatch"
	"github.com/pass-dev/pass-server/internal/httpapi"
	identitypg "github.com/pass-dev/pass-server/internal/identity/postgres"
	"github.com/pass-dev/pass-server/internal/intake"
	"github.com/pass-dev/pass-server/internal/queue"
	"github.com/pass-dev/pass-server/internal/requeue"
	submissionpg "github.com/pass-dev/pass-server/internal/submission/postgres"
	"github.com/pass-dev/pass-server/internal/uploaddir"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "warning: could not read .env:", err)
	}

	var (
		listenAddr = flag.String("listen", "127.0.0.1:8080", "HTTP listen address")

		postgresDSN = flag.String("postgres-dsn", os.Getenv("PASS_POSTGRES_DSN"), "Postgres DSN (required)")

		uploadRoot    = flag.String("upload-root", os.Getenv("PASS_UPLOAD_ROOT"), "root directory for incoming uploads (required)")
		completedRoot = flag.String("completed-root", os.Getenv("PASS_COMPLETED_ROOT"), "root directory for checker results (required)")

		resourcesURL       = flag.String("resources-url", os.Getenv("PASS_RESOURCES_URL"), "course resources XML URL (required)")
		includeDebug       = flag.Bool("include-debug-courses", false, "expose courses marked debug in the catalog")
		checkerTimeout     = flag.Int64("checker-timeout-seconds", 300, "per-submission checker timeout written to the settings file")
		checkerBasePath    = flag.String("checker-base-path", "", "base path recorded for submissions with sub-directories (empty uses the built-in default)")
		strictTimestamps   = flag.Bool("strict-timestamps", false, "refuse to requeue uploads whose settings timestamp disagrees with the directory name")
		maxUploadBytes     = flag.Int64("max-upload-bytes", 64<<20, "multipart upload size limit")
		submissionTopic    = flag.String("submission-topic", dispatch.DefaultTopic, "queue topic for dispatched submissions")
		queueDriver        = flag.String("queue-driver", queue.DriverKafka, "queue driver (kafka|stdio)")
		queueBrokers       = flag.String("queue-brokers", os.Getenv("PASS_QUEUE_BROKERS"), "queue brokers (comma-separated, required for kafka)")
		blobDriver         = flag.String("blob-driver", blobstore.DriverS3, "archive blob store driver (s3|memory)")
		blobBucket         = flag.String("blob-bucket", os.Getenv("PASS_BLOB_BUCKET"), "archive bucket (required for s3 driver)")
		blobPrefix         = flag.String("blob-prefix", "", "key prefix for archived uploads")
		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")
		coursesCacheTTL    = flag.Duration("courses-cache-ttl", 30*time.Second, "TTL for the course list response cache")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 60*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 60*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *postgresDSN == "" || *uploadRoot == "" || *completedRoot == "" || *resourcesURL == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn, --upload-root, --completed-root, and --resources-url are required")
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *queueDriver == queue.DriverKafka && strings.TrimSpace(*queueBrokers) == "" {
		fmt.Fprintln(os.Stderr, "error: --queue-brokers is required for the kafka driver")
		os.Exit(2)
	}
	if *blobDriver == blobstore.DriverS3 && strings.TrimSpace(*blobBucket) == "" {
		fmt.Fprintln(os.Stderr, "error: --blob-bucket is required for the s3 driver")
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

	directory, err := identitypg.New(pool)
	if err != nil {
		log.Error("init user directory", "err", err)
		os.Exit(2)
	}
	if err := directory.EnsureSchema(ctx); err != nil {
		log.Error("ensure user schema", "err", err)
		os.Exit(2)
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
	})
	if err != nil {
		log.Error("init queue producer", "err", err)
		os.Exit(2)
	}
	defer producer.Close()

	blobs, err := newBlobStore(ctx, *blobDriver, *blobBucket, *blobPrefix)
	if err != nil {
		log.Error("init blob store", "err", err)
		os.Exit(2)
	}

	cat, err := catalog.New(catalog.Config{
		ResourcesURL: *resourcesURL,
		IncludeDebug: *includeDebug,
	})
	if err != nil {
		log.Error("init course catalog", "err", err)
		os.Exit(2)
	}

	layout := uploaddir.Layout{
		UploadRoot:    *uploadRoot,
		CompletedRoot: *completedRoot,
	}

	publisher := &dispatch.Publisher{
		Store:    store,
		Producer: producer,
		Topic:    *submissionTopic,
		Recorder: recorder,
		Log:      log,
	}

	svc := &intake.Service{
		Assignments: cat,
		Directory:   directory,
		Layout:      layout,
		Allocator:   uploaddir.NewAllocator(layout, recorder),
		Publisher:   publisher,
		Recorder:    recorder,
		Log:         log,
		Timeout:     *checkerTimeout,
		BasePath:    *checkerBasePath,
	}

	admin := &requeue.Administrator{
		Store:            store,
		Layout:           layout,
		Publisher:        publisher,
		Directory:        directory,
		Blobs:            blobs,
		Recorder:         recorder,
		Log:              log,
		StrictTimestamps: *strictTimestamps,
	}

	handler, err := httpapi.NewHandler(httpapi.Config{
		MaxUploadBytes:          *maxUploadBytes,
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		CoursesCacheTTL:         *coursesCacheTTL,
	}, svc, admin, cat, store, log)
	if err != nil {
		log.Error("init http handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("pass-server listening", "addr", *listenAddr, "uploadRoot", *uploadRoot, "topic", *submissionTopic)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func newBlobStore(ctx context.Context, driver, bucket, prefix string) (blobstore.Store, error) {
	cfg := blobstore.Config{
		Driver: strings.ToLower(strings.TrimSpace(driver)),
		Bucket: strings.TrimSpace(bucket),
		Prefix: strings.TrimSpace(prefix),
	}
	if cfg.Driver == blobstore.DriverS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		cfg.S3Client = awss3.NewFromConfig(awsCfg)
	}
	return blobstore.New(cfg)
}
