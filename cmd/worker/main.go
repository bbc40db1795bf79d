package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/oakline/concierge/internal/audit"
	"github.com/oakline/concierge/internal/auth"
	"github.com/oakline/concierge/internal/chat"
	"github.com/oakline/concierge/internal/config"
	"github.com/oakline/concierge/internal/contacts"
	"github.com/oakline/concierge/internal/jobs"
	"github.com/oakline/concierge/internal/kms"
	"github.com/oakline/concierge/internal/scheduler"
	"github.com/oakline/concierge/internal/storage"
	"github.com/oakline/concierge/internal/syncstate"
	"github.com/oakline/concierge/internal/tokenvault"
	"github.com/oakline/concierge/pkg/logger"
)

// The worker runs only the job scheduler, for deployments that keep the
// API instances free of background load.
func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.Setup(cfg.Env)
	log.Info("worker_startup", "env", cfg.Env)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Env,
		}); err != nil {
			log.Error("sentry_init_failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx := context.Background()

	storage.SetTenantRole(cfg.DBTenantRole)
	pool, err := storage.NewPostgres(ctx, cfg.DatabaseURL, cfg.DBPoolSize)
	if err != nil {
		log.Error("database_connect_failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	var gateway kms.Gateway
	if cfg.LocalKEK != "" {
		gateway, err = kms.NewLocalGateway(cfg.LocalKEK)
	} else {
		gateway, err = kms.NewAWSGateway(ctx, cfg.KMSKeyID, cfg.AWSRegion)
	}
	if err != nil {
		log.Error("kms_init_failed", "error", err)
		os.Exit(1)
	}
	keyring := storage.NewKeyring(pool, gateway)

	redisURL := cfg.RedisURL
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Error("redis_url_parse_failed", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		log.Error("aws_config_load_failed", "error", err)
		os.Exit(1)
	}
	cold := chat.NewS3Store(s3.NewFromConfig(awsCfg), cfg.ArchiveBucket)

	auditor := audit.NewDBLogger(pool, log)
	authSvc := auth.NewService(pool, gateway)
	google := auth.NewGoogleProvider(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURI)
	vault := tokenvault.New(pool, keyring, google, cfg.RefreshBuffer, log)
	syncStore := syncstate.NewStore(pool)
	contactRepo := contacts.NewRepo(pool)

	chatRepo := chat.NewRepo(pool)
	hot := chat.NewHot(rdb, cfg.HotWindowDays, cfg.MaxCachedPerSession, log)
	chatSvc := chat.NewService(chatRepo, hot, cold, keyring, auditor, log)

	sched := scheduler.New(cfg.JobTimeout, log)
	runner := &jobs.Runner{
		Sync:              syncStore,
		Resolver:          contacts.NewResolver(contactRepo, log),
		Vault:             vault,
		Chat:              chatSvc,
		ChatRepo:          chatRepo,
		Auth:              authSvc,
		Contacts:          jobs.NewGooglePeople(),
		Timezones:         jobs.NewGoogleCalendar(),
		Audit:             auditor,
		Logger:            log,
		RefreshBuffer:     cfg.RefreshBuffer,
		ArchiveWindowDays: cfg.ArchiveWindowDays,
	}
	if err := runner.Register(sched); err != nil {
		log.Error("job_registration_failed", "error", err)
		os.Exit(1)
	}

	sched.Start()
	log.Info("worker_running")

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	sig := <-shutdown
	log.Info("shutdown_signal_received", "signal", sig)

	if err := sched.Stop(30 * time.Second); err != nil {
		log.Error("scheduler_drain_failed", "error", err)
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := auditor.Close(flushCtx); err != nil {
		log.Error("audit_flush_failed", "error", err)
	}
	log.Info("worker_shutdown_complete")
}
