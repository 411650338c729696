package bootstrap

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"worker_server/adapter/out/blob"
	"worker_server/adapter/out/persistence"
	"worker_server/adapter/out/provider/gmail"
	"worker_server/adapter/out/provider/ocr"
	"worker_server/adapter/out/queue"
	"worker_server/config"
	"worker_server/core/domain"
	"worker_server/core/port/in"
	"worker_server/core/port/out"
	"worker_server/core/service/attachment"
	"worker_server/core/service/notification"
	syncsvc "worker_server/core/service/sync"
	"worker_server/core/service/vault"
	"worker_server/core/service/watch"
	"worker_server/infra/database"
	"worker_server/pkg/logger"
	"worker_server/pkg/metrics"
)

// Dependencies wires every C1-C12 component against its concrete adapter.
type Dependencies struct {
	Config *config.Config

	DB     *sqlx.DB
	PGPool *pgxpool.Pool
	Redis  *redis.Client

	Users      domain.UserRepository
	Processed  out.ProcessedEmailRepository
	Extractions out.ExtractionRepository

	Vault       in.VaultService
	GmailFactory *gmail.GmailClientFactory
	OCR         out.OCRProvider
	Blob        out.BlobStore
	Queue       *queue.Producer

	SyncService       in.SyncService
	AttachmentService in.AttachmentService
	WebhookService    in.WebhookService
	WatchService      in.WatchService

	ZLog zerolog.Logger
}

func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()

	deps.ZLog = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Str("service", "mailbox-worker").Logger()

	pgPool, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	deps.PGPool = pgPool
	cleanups = append(cleanups, pgPool.Close)

	sqlDB := sqlx.NewDb(stdlib.OpenDBFromPool(pgPool), "pgx")
	deps.DB = sqlDB
	cleanups = append(cleanups, func() { sqlDB.Close() })
	metrics.RegisterPool("postgres", sqlDB.DB)

	redisClient, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	deps.Redis = redisClient
	cleanups = append(cleanups, func() { redisClient.Close() })

	deps.Users = persistence.NewUserAdapter(sqlDB)
	deps.Processed = persistence.NewProcessedEmailAdapter(sqlDB)
	deps.Extractions = persistence.NewExtractionAdapter(sqlDB)

	vaultService, err := vault.New([]byte(cfg.EncryptionKey))
	if err != nil {
		return nil, nil, fmt.Errorf("init token vault: %w", err)
	}
	deps.Vault = vaultService

	deps.GmailFactory = gmail.NewGmailClientFactory(&gmail.GmailConfig{
		ClientID:     cfg.GmailClientID,
		ClientSecret: cfg.GmailClientSecret,
		RedirectURL:  cfg.GmailRedirectURI,
		ProjectID:    cfg.GoogleCloudProjectID,
		TopicName:    cfg.PubSubTopicName,
	}, deps.Users, deps.Vault, redisClient)

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.AWSRegion),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("load aws config: %w", err)
	}
	deps.Blob = blob.NewS3Store(s3.NewFromConfig(awsCfg), cfg.AWSS3Bucket)
	deps.OCR = ocr.NewClient(textract.NewFromConfig(awsCfg), deps.Blob, cfg.AWSS3Bucket)

	deps.Queue = queue.NewProducer(redisClient)

	lock := syncsvc.NewInProcessLock()
	deps.SyncService = syncsvc.NewService(deps.Users, deps.GmailFactory, deps.Processed, deps.Queue, lock, deps.ZLog)
	deps.AttachmentService = attachment.NewService(deps.OCR, deps.Extractions, domain.DefaultAttachmentRetryPolicy(), deps.ZLog)
	deps.WebhookService = notification.NewService(deps.Queue, deps.ZLog)
	deps.WatchService = watch.NewService(deps.Users, deps.GmailFactory, cfg.PubSubTopicName, deps.ZLog)

	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	logger.Info("dependencies initialized: postgres, redis, gmail factory, textract, s3, redis streams")
	return deps, cleanup, nil
}

func (d *Dependencies) HealthCheck(ctx context.Context) error {
	if err := d.DB.PingContext(ctx); err != nil {
		return err
	}
	if d.Redis != nil {
		if err := d.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// queueConsumerGroup matches Producer.Counts' hardcoded PEL group name so
// depth reporting and actual consumer-group delivery stay in agreement.
func queueConsumerGroup(kind domain.JobKind) string {
	return string(kind) + "-workers"
}

func newConsumers(redisClient *redis.Client, kind domain.JobKind, count int, workerID string, retry domain.RetryPolicy, zlog zerolog.Logger) []out.QueueConsumer {
	consumers := make([]out.QueueConsumer, 0, count)
	for i := 0; i < count; i++ {
		consumers = append(consumers, queue.NewConsumer(redisClient, queue.ConsumerConfig{
			Group:        queueConsumerGroup(kind),
			ConsumerName: fmt.Sprintf("%s-%d", workerID, i),
			Logger:       zlog,
			Retry:        retry,
			Retention:    domain.FailedRetention(),
		}))
	}
	return consumers
}
