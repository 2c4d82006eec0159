package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/database"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/router"
	"github.com/noah-isme/gema-grader/internal/service"
	cloud "github.com/noah-isme/gema-grader/pkg/cloudinary"
	"github.com/noah-isme/gema-grader/pkg/docker"
	"github.com/noah-isme/gema-grader/pkg/grading"
	"github.com/noah-isme/gema-grader/pkg/lti"
)

const (
	admissionPrefix = "grader:admission"
	ltiHTTPTimeout  = 15 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", cfg.AppName).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.ConnectPostgres(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	if err := database.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	redisClient, err := database.ConnectRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer natsConn.Drain()
	}

	blobs, err := newBlobStore(cfg, repository.NewBlobRepository(db), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create blob store")
	}

	client, engineCheck, closeClient, err := newGradingClient(ctx, cfg, natsConn, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create grading client")
	}
	defer closeClient()

	publishers, ltiPublishers, err := newScorePublishers(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create lti publishers")
	}
	for _, publisher := range ltiPublishers {
		publisher.Start(ctx)
	}

	watcher := service.NewSubmissionWatcher(logger)
	hooks := []service.Hook{service.NewLatestCacheHook(redisClient), watcher}
	if natsConn != nil && cfg.EventSubject != "" {
		hooks = append(hooks, service.NewNATSEventHook(natsConn, cfg.EventSubject))
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	submissionRepo := repository.NewSubmissionRepository(db, cfg.MaxResultBytes)
	userTaskRepo := repository.NewUserTaskRepository(db)
	taskRepo := repository.NewGradingTaskRepository(db)
	membershipRepo := repository.NewCourseMembershipRepository(db)

	admission := service.NewRedisAdmissionGuard(redisClient, admissionPrefix, logger)
	retention := service.NewRetentionPolicy(submissionRepo, userTaskRepo, taskRepo, blobs, logger)
	completion := service.NewCompletionHandler(submissionRepo, userTaskRepo, taskRepo, blobs, admission, hooks, publishers, logger)
	dispatcher := service.NewSubmissionDispatcher(service.DispatcherStores{
		Submissions: submissionRepo,
		UserTasks:   userTaskRepo,
		Tasks:       taskRepo,
		Memberships: membershipRepo,
		Blobs:       blobs,
	}, client, completion, retention, admission, publishers, validate, service.DispatcherConfig{
		AdmissionSlack:   cfg.AdmissionSlack,
		DefaultTimeLimit: cfg.DefaultTimeLimit,
		Launcher:         cfg.Launcher,
	}, logger)

	recovered, err := dispatcher.RecoverInterrupted(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to recover interrupted submissions")
	}
	if recovered > 0 {
		logger.Warn().Int64("count", recovered).Msg("interrupted submissions marked as failed")
	}

	queries := service.NewSubmissionQueryService(submissionRepo, blobs, redisClient, cfg.LatestCacheTTL, validate, logger)
	exporter := service.NewArchiveExporter(blobs, membershipRepo, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{
		Logger:       &logger,
		AllowOrigins: cfg.CORSAllowOrigins,
		AccessLog:    cfg.AppEnv == "development",
	})
	router.Register(app, cfg, router.Dependencies{
		SubmissionHandler: handler.NewSubmissionHandler(dispatcher, queries, validate, logger),
		WatchHandler:      handler.NewWatchHandler(queries, watcher, cfg.WatchTimeout, logger),
		ExportHandler:     handler.NewExportHandler(queries, exporter, validate, logger),
		JWTMiddleware:     middleware.JWTProtected(cfg.JWTSecret),
		HealthChecks:      healthChecks(db, redisClient, natsConn, engineCheck),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	waitForShutdown(ctx, app, logger)
	for _, publisher := range ltiPublishers {
		publisher.Wait()
	}
}

func newBlobStore(cfg config.Config, fallback *repository.BlobRepository, logger zerolog.Logger) (service.BlobStore, error) {
	if cfg.BlobBackend != config.BlobBackendCloudinary {
		return fallback, nil
	}
	return cloud.New(cloud.Config{
		CloudName: cfg.CloudinaryCloudName,
		APIKey:    cfg.CloudinaryAPIKey,
		APISecret: cfg.CloudinaryAPISecret,
		Folder:    cfg.CloudinaryUploadFolder,
	}, logger)
}

func newGradingClient(ctx context.Context, cfg config.Config, conn *nats.Conn, logger zerolog.Logger) (grading.Client, handler.DependencyCheck, func(), error) {
	if cfg.GradingBackend == config.GradingBackendNATS {
		client, err := grading.NewNATSClient(conn, grading.NATSConfig{
			Prefix:           cfg.NATSPrefix,
			DefaultTimeLimit: cfg.DefaultTimeLimit,
			ResultSlack:      cfg.NATSResultSlack,
		}, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := client.Start(ctx); err != nil {
			return nil, nil, nil, err
		}
		return client, nil, func() {}, nil
	}

	executor, err := docker.NewDockerExecutor(docker.Config{
		Host:           cfg.DockerHost,
		Timeout:        cfg.DefaultTimeLimit,
		MemoryLimitMB:  int64(cfg.MemoryLimitMB),
		CPUShares:      int64(cfg.CPUShares),
		MaxOutputBytes: cfg.MaxOutputBytes,
		PullMissing:    cfg.PullEnvironments,
		Logger:         logger,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	client, err := grading.NewLocalClient(executor, grading.LocalConfig{
		Workers:          cfg.Workers,
		QueueSize:        cfg.QueueSize,
		WorkspaceRoot:    cfg.WorkspaceRoot,
		DefaultTimeLimit: cfg.DefaultTimeLimit,
		DefaultMemoryMB:  cfg.MemoryLimitMB,
		CPUShares:        int64(cfg.CPUShares),
	}, logger)
	if err != nil {
		_ = executor.Close()
		return nil, nil, nil, err
	}
	return client, executor.Ping, func() {
		client.Close()
		_ = executor.Close()
	}, nil
}

func newScorePublishers(cfg config.Config, logger zerolog.Logger) ([]service.ScorePublisher, []*lti.Publisher, error) {
	httpClient := &http.Client{Timeout: ltiHTTPTimeout}
	queue := lti.QueueConfig{
		Size:        cfg.LTIQueueSize,
		MaxAttempts: cfg.LTIMaxAttempts,
		Backoff:     cfg.LTIRetryBackoff,
	}

	var publishers []service.ScorePublisher
	var ltiPublishers []*lti.Publisher

	if len(cfg.LTI11Secrets) > 0 {
		publisher := lti.NewPublisher(lti.Version11, lti.NewOutcomeSender(cfg.LTI11Secrets, httpClient), queue, logger)
		ltiPublishers = append(ltiPublishers, publisher)
		publishers = append(publishers, service.NewLTIScorePublisher(publisher, logger))
	}

	if cfg.LTI13PrivateKeyPath != "" {
		pemBytes, err := os.ReadFile(cfg.LTI13PrivateKeyPath)
		if err != nil {
			return nil, nil, err
		}
		key, err := lti.ParsePrivateKey(pemBytes)
		if err != nil {
			return nil, nil, err
		}
		sender, err := lti.NewAGSSender(lti.AGSConfig{
			ClientID:   cfg.LTI13ClientID,
			TokenURL:   cfg.LTI13TokenURL,
			KeyID:      cfg.LTI13KeyID,
			PrivateKey: key,
		}, httpClient)
		if err != nil {
			return nil, nil, err
		}
		publisher := lti.NewPublisher(lti.Version13, sender, queue, logger)
		ltiPublishers = append(ltiPublishers, publisher)
		publishers = append(publishers, service.NewLTIScorePublisher(publisher, logger))
	}

	return publishers, ltiPublishers, nil
}

func healthChecks(db *gorm.DB, redisClient *redis.Client, conn *nats.Conn, engine handler.DependencyCheck) map[string]handler.DependencyCheck {
	checks := map[string]handler.DependencyCheck{
		"postgres": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	}
	if engine != nil {
		checks["docker"] = engine
	}
	if conn != nil {
		checks["nats"] = func(context.Context) error {
			if !conn.IsConnected() {
				return fmt.Errorf("nats connection is %s", conn.Status())
			}
			return nil
		}
	}
	return checks
}

func waitForShutdown(ctx context.Context, app *fiber.App, logger zerolog.Logger) {
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("server stopped")
}
