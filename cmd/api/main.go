package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/oakline/concierge/internal/api"
	"github.com/oakline/concierge/internal/audit"
	"github.com/oakline/concierge/internal/auth"
	"github.com/oakline/concierge/internal/chat"
	"github.com/oakline/concierge/internal/config"
	"github.com/oakline/concierge/internal/contacts"
	"github.com/oakline/concierge/internal/jobs"
	"github.com/oakline/concierge/internal/kms"
	"github.com/oakline/concierge/internal/profile"
	"github.com/oakline/concierge/internal/scheduler"
	"github.com/oakline/concierge/internal/storage"
	"github.com/oakline/concierge/internal/syncstate"
	"github.com/oakline/concierge/internal/tokenvault"
	"github.com/oakline/concierge/pkg/logger"
)

func main() {
	// Env files are optional; production relies on system env vars.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.Setup(cfg.Env)
	log.Info("application_startup", "env", cfg.Env)

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			TracesSampleRate: 1.0,
			Environment:      cfg.Env,
		})
		if err != nil {
			log.Error("sentry_init_failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
			log.Info("sentry_initialized")
		}
	}

	ctx := context.Background()

	if cfg.DatabaseURL == "" {
		log.Error("database_url_missing")
		os.Exit(1)
	}
	if cfg.IsProduction() {
		if err := config.ValidateOrigins(cfg.AllowedOrigins); err != nil {
			log.Error("cors_config_invalid", "error", err)
			os.Exit(1)
		}
	}

	storage.SetTenantRole(cfg.DBTenantRole)
	pool, err := storage.NewPostgres(ctx, cfg.DatabaseURL, cfg.DBPoolSize)
	if err != nil {
		log.Error("database_connect_failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	log.Info("database_connected")

	// KMS gateway: local KEK for dev/test, AWS KMS otherwise.
	var gateway kms.Gateway
	if cfg.LocalKEK != "" {
		gateway, err = kms.NewLocalGateway(cfg.LocalKEK)
		if err != nil {
			log.Error("local_kms_init_failed", "error", err)
			os.Exit(1)
		}
		log.Warn("kms_local_gateway", "details", "dev_mode_only")
	} else {
		gateway, err = kms.NewAWSGateway(ctx, cfg.KMSKeyID, cfg.AWSRegion)
		if err != nil {
			log.Error("aws_kms_init_failed", "error", err)
			os.Exit(1)
		}
	}
	keyring := storage.NewKeyring(pool, gateway)

	// Hot tier.
	redisURL := cfg.RedisURL
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
		log.Warn("redis_url_default", "url", redisURL)
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Error("redis_url_parse_failed", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	// Cold tier.
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		log.Error("aws_config_load_failed", "error", err)
		os.Exit(1)
	}
	cold := chat.NewS3Store(s3.NewFromConfig(awsCfg), cfg.ArchiveBucket)

	auditor := audit.NewDBLogger(pool, log)

	authSvc := auth.NewService(pool, gateway)
	google := auth.NewGoogleProvider(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURI)
	tokens, err := auth.NewJWTProvider(cfg.JWTSecret, cfg.JWTExpiry)
	if err != nil {
		log.Error("jwt_provider_init_failed", "error", err)
		os.Exit(1)
	}

	vault := tokenvault.New(pool, keyring, google, cfg.RefreshBuffer, log)
	syncStore := syncstate.NewStore(pool)
	contactRepo := contacts.NewRepo(pool)
	resolver := contacts.NewResolver(contactRepo, log)

	chatRepo := chat.NewRepo(pool)
	hot := chat.NewHot(rdb, cfg.HotWindowDays, cfg.MaxCachedPerSession, log)
	chatSvc := chat.NewService(chatRepo, hot, cold, keyring, auditor, log)
	profileRepo := profile.NewRepo(pool, keyring)

	server := api.NewServer(api.Deps{
		Config:   &cfg,
		Pool:     pool,
		Logger:   log,
		Auth:     authSvc,
		Google:   google,
		Tokens:   tokens,
		Vault:    vault,
		Sync:     syncStore,
		Contacts: contactRepo,
		Chat:     chatSvc,
		Profile:  profileRepo,
		Auditor:  auditor,
	})

	// Background jobs run in-process alongside the API.
	sched := scheduler.New(cfg.JobTimeout, log)
	runner := &jobs.Runner{
		Sync:              syncStore,
		Resolver:          resolver,
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

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server_listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("server_startup_failed", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		log.Info("shutdown_signal_received", "signal", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful_shutdown_failed", "error", err)
			_ = srv.Close()
		}

		// Let in-flight jobs drain before the pool closes under them.
		if err := sched.Stop(30 * time.Second); err != nil {
			log.Error("scheduler_drain_failed", "error", err)
		}
		if err := auditor.Close(shutdownCtx); err != nil {
			log.Error("audit_flush_failed", "error", err)
		}

		pool.Close()
		log.Info("server_shutdown_complete")
	}
}
