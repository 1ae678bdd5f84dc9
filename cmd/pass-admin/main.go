package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	auditpg "github.com/pass-dev/pass-server/internal/audit/postgres"
	"github.com/pass-dev/pass-server/internal/blobstore"
	"github.com/pass-dev/pass-server/internal/dispatch"
	"github.com/pass-dev/pass-server/internal/identity"
	identitypg "github.com/pass-dev/pass-server/internal/identity/postgres"
	"github.com/pass-dev/pass-server/internal/queue"
	"github.com/pass-dev/pass-server/internal/requeue"
	submissionpg "github.com/pass-dev/pass-server/internal/submission/postgres"
	"github.com/pass-dev/pass-server/internal/uploaddir"
)

const usage = `usage: pass-admin <command> [flags]

commands:
  list      show upload directories and their database rows
  requeue   push uploads back onto the checker queue
  delete    remove upload directories, optionally archiving them first
`

type stringListFlag []string

func (f *stringListFlag) String() string {
	if f == nil {
		return ""
	}
	return strings.Join(*f, ",")
}

func (f *stringListFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("value must not be empty")
	}
	*f = append(*f, v)
	return nil
}

func main() {
	if err := runMain(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdout io.Writer) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "warning: could not read .env:", err)
	}

	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing command")
	}

	switch args[0] {
	case "list":
		return runList(args[1:], stdout)
	case "requeue":
		return runRequeue(args[1:], stdout)
	case "delete":
		return runDelete(args[1:], stdout)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

type sharedFlags struct {
	postgresDSN   *string
	uploadRoot    *string
	completedRoot *string
	operator      *string
	operatorID    *int64
}

func addSharedFlags(fs *flag.FlagSet) sharedFlags {
	return sharedFlags{
		postgresDSN:   fs.String("postgres-dsn", os.Getenv("PASS_POSTGRES_DSN"), "Postgres DSN (required)"),
		uploadRoot:    fs.String("upload-root", os.Getenv("PASS_UPLOAD_ROOT"), "root directory for incoming uploads (required)"),
		completedRoot: fs.String("completed-root", os.Getenv("PASS_COMPLETED_ROOT"), "root directory for checker results (required)"),
		operator:      fs.String("operator", os.Getenv("PASS_OPERATOR"), "operator username recorded in the action log (required)"),
		operatorID:    fs.Int64("operator-id", 0, "operator user id recorded in the action log (required)"),
	}
}

func (f sharedFlags) validate() error {
	if *f.postgresDSN == "" || *f.uploadRoot == "" || *f.completedRoot == "" {
		return errors.New("--postgres-dsn, --upload-root, and --completed-root are required")
	}
	if strings.TrimSpace(*f.operator) == "" || *f.operatorID <= 0 {
		return errors.New("--operator and --operator-id are required")
	}
	return nil
}

func (f sharedFlags) requestContext() identity.RequestContext {
	return identity.NewRequestContext(*f.operatorID, strings.TrimSpace(*f.operator), identity.RoleAdmin)
}

// adminEnv bundles the stores every subcommand needs. close releases
// the pool and, when present, the queue producer.
type adminEnv struct {
	admin *requeue.Administrator
	close func()
}

func newAdminEnv(ctx context.Context, f sharedFlags, producer queue.Producer, topic string, blobs blobstore.Store) (*adminEnv, error) {
	pool, err := pgxpool.New(ctx, *f.postgresDSN)
	if err != nil {
		return nil, fmt.Errorf("init pgx pool: %w", err)
	}

	store, err := submissionpg.New(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	recorder, err := auditpg.New(pool, nil)
	if err != nil {
		pool.Close()
		return nil, err
	}
	directory, err := identitypg.New(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}

	var publisher requeue.Publisher
	if producer != nil {
		publisher = &dispatch.Publisher{
			Store:    store,
			Producer: producer,
			Topic:    topic,
			Recorder: recorder,
		}
	}

	env := &adminEnv{
		admin: &requeue.Administrator{
			Store: store,
			Layout: uploaddir.Layout{
				UploadRoot:    *f.uploadRoot,
				CompletedRoot: *f.completedRoot,
			},
			Publisher: publisher,
			Directory: directory,
			Blobs:     blobs,
			Recorder:  recorder,
		},
		close: func() {
			if producer != nil {
				_ = producer.Close()
			}
			pool.Close()
		},
	}
	return env, nil
}

func runList(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("pass-admin list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	shared := addSharedFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := shared.validate(); err != nil {
		return err
	}

	ctx := context.Background()
	env, err := newAdminEnv(ctx, shared, nil, "", nil)
	if err != nil {
		return err
	}
	defer env.close()

	entries, err := env.admin.List(ctx, shared.requestContext())
	if err != nil {
		return err
	}
	for _, e := range entries {
		status := "-"
		rowID := "-"
		if e.Record != nil {
			status = e.Record.Status.String()
			rowID = fmt.Sprintf("%d", e.Record.ID)
		}
		line := fmt.Sprintf("%s\trow=%s\tstatus=%s\tstudents=%s",
			e.DirName, rowID, status, strings.Join(e.Students, ","))
		if len(e.DataErrors) > 0 {
			line += "\terrors=" + strings.Join(e.DataErrors, "; ")
		}
		fmt.Fprintln(stdout, line)
	}
	return nil
}

func runRequeue(args []string, stdout io.Writer) error {
	var dirs stringListFlag
	fs := flag.NewFlagSet("pass-admin requeue", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	shared := addSharedFlags(fs)
	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver (kafka|stdio)")
	queueBrokers := fs.String("queue-brokers", os.Getenv("PASS_QUEUE_BROKERS"), "queue brokers (comma-separated, required for kafka)")
	topic := fs.String("submission-topic", dispatch.DefaultTopic, "queue topic for dispatched submissions")
	strict := fs.Bool("strict-timestamps", false, "refuse uploads whose settings timestamp disagrees with the directory name")
	fs.Var(&dirs, "dir", "upload directory name (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := shared.validate(); err != nil {
		return err
	}
	if len(dirs) == 0 {
		return errors.New("at least one --dir is required")
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		Writer:  stdout,
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	env, err := newAdminEnv(ctx, shared, producer, *topic, nil)
	if err != nil {
		_ = producer.Close()
		return err
	}
	defer env.close()
	env.admin.StrictTimestamps = *strict

	outcomes, err := env.admin.Requeue(ctx, shared.requestContext(), dirs)
	if err != nil {
		return err
	}

	failed := 0
	for _, o := range outcomes {
		line := fmt.Sprintf("%s\t%s", o.Dir, o.Kind)
		if o.SubmissionID != 0 {
			line += fmt.Sprintf("\trow=%d", o.SubmissionID)
		}
		if o.Err != nil {
			line += "\t" + o.Err.Error()
		}
		if o.Kind == requeue.OutcomeFailed {
			failed++
		}
		fmt.Fprintln(stdout, line)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d directories failed", failed, len(outcomes))
	}
	return nil
}

func runDelete(args []string, stdout io.Writer) error {
	var dirs stringListFlag
	fs := flag.NewFlagSet("pass-admin delete", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	shared := addSharedFlags(fs)
	archive := fs.Bool("archive", false, "pack each directory into the blob store before removal")
	deleteRows := fs.Bool("delete-db", false, "also delete the submission rows")
	blobDriver := fs.String("blob-driver", blobstore.DriverS3, "archive blob store driver (s3|memory)")
	blobBucket := fs.String("blob-bucket", os.Getenv("PASS_BLOB_BUCKET"), "archive bucket (required with --archive)")
	blobPrefix := fs.String("blob-prefix", "", "key prefix for archived uploads")
	fs.Var(&dirs, "dir", "upload directory name (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := shared.validate(); err != nil {
		return err
	}
	if len(dirs) == 0 {
		return errors.New("at least one --dir is required")
	}

	ctx := context.Background()

	var blobs blobstore.Store
	if *archive {
		cfg := blobstore.Config{
			Driver: strings.ToLower(strings.TrimSpace(*blobDriver)),
			Bucket: strings.TrimSpace(*blobBucket),
			Prefix: strings.TrimSpace(*blobPrefix),
		}
		if cfg.Driver == blobstore.DriverS3 {
			if cfg.Bucket == "" {
				return errors.New("--blob-bucket is required with --archive")
			}
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return fmt.Errorf("load aws config: %w", err)
			}
			cfg.S3Client = awss3.NewFromConfig(awsCfg)
		}
		var err error
		blobs, err = blobstore.New(cfg)
		if err != nil {
			return err
		}
	}

	env, err := newAdminEnv(ctx, shared, nil, "", blobs)
	if err != nil {
		return err
	}
	defer env.close()

	outcomes, err := env.admin.Delete(ctx, shared.requestContext(), dirs, requeue.DeleteOptions{
		Archive:    *archive,
		DeleteRows: *deleteRows,
	})
	if err != nil {
		return err
	}

	failed := 0
	for _, o := range outcomes {
		line := o.Dir
		if o.Archived {
			line += "\tarchived=" + o.ArchiveKey
		}
		if o.RowDeleted {
			line += fmt.Sprintf("\trow=%d deleted", o.SubmissionID)
		}
		if o.Err != nil {
			line += "\t" + o.Err.Error()
			failed++
		}
		fmt.Fprintln(stdout, line)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d directories failed", failed, len(outcomes))
	}
	return nil
}
