package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mailpilot/billing"
	"mailpilot/campaign"
	"mailpilot/config"
	controller "mailpilot/controllers"
	"mailpilot/dispatcher"
	"mailpilot/importer"
	"mailpilot/lock"
	"mailpilot/mailer"
	"mailpilot/middleware"
	"mailpilot/queue"
	"mailpilot/quota"
	"mailpilot/repository"
	"mailpilot/routes"
	"mailpilot/storage"
	"mailpilot/utils"
	"mailpilot/worker"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig

	logger := utils.NewLogger(cfg.LogLevel, cfg.Environment)
	if err := utils.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		logger.WithError(err).Warn("error reporting disabled")
	}
	defer sentry.Flush(2 * time.Second)

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	db := config.DB

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		var err error
		if rdb, err = config.NewRedisClient(ctx, cfg.Redis); err != nil {
			logger.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
	}

	consumer := cfg.Queue.Consumer
	if consumer == "" {
		consumer, _ = os.Hostname()
	}

	q, err := newQueue(ctx, cfg, rdb, consumer, logger)
	if err != nil {
		logger.Fatalf("Failed to open queue: %v", err)
	}
	defer q.Close()

	files, err := newStore(ctx, cfg)
	if err != nil {
		logger.Fatalf("Failed to open storage: %v", err)
	}
	transport, err := newTransport(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to configure mail transport: %v", err)
	}

	var locker lock.Locker = lock.NewLocalLocker()
	if rdb != nil {
		locker = lock.NewRedisLocker(rdb)
	}

	// Repositories
	users := repository.NewUserRepository(db)
	usage := repository.NewUsageRepository(db)
	contacts := repository.NewContactRepository(db)
	templates := repository.NewTemplateRepository(db)
	campaigns := repository.NewCampaignRepository(db)
	jobs := repository.NewJobRepository(db)
	subscriptions := repository.NewSubscriptionRepository(db)

	// Services
	evaluator := quota.NewEvaluator(usage, usage, logger.WithField("component", "quota"))
	enqueuer := worker.NewEnqueuer(q, jobs, logger.WithField("component", "enqueuer"))
	lifecycle := campaign.NewStateMachine(campaigns, enqueuer, logger.WithField("component", "campaign"))
	imp := importer.NewImporter(contacts, templates, files, logger.WithField("component", "importer"))
	disp := dispatcher.NewDispatcher(campaigns, lifecycle, transport, locker, dispatcher.Options{
		SendTimeout: cfg.Dispatch.SendTimeout,
		Concurrency: cfg.Dispatch.Concurrency,
		LockTTL:     cfg.Dispatch.LockTTL,
		FromEmail:   cfg.Mail.FromEmail,
		FromName:    cfg.Mail.FromName,
	}, logger.WithField("component", "dispatcher"))
	billingService := billing.NewService(
		billing.NewStripeClient(cfg.StripeSecretKey, cfg.StripeWebhookSecret),
		subscriptions,
		logger.WithField("component", "billing"),
	)

	// Background workers
	pool := worker.NewPool(q, jobs, cfg.Queue.Workers, cfg.Queue.MaxAttempts, logger.WithField("component", "worker"))
	pool.Handle(queue.TypeImportContacts, importHandler(imp))
	pool.OnDeadLetter(queue.TypeImportContacts, importFailed(imp, logger.WithField("component", "worker")))
	pool.Handle(queue.TypeSendCampaign, sendHandler(disp, logger.WithField("component", "worker")))
	pool.Start(ctx)

	recovery := worker.NewRecoveryWorker(campaigns, enqueuer, cfg.Dispatch.SweepEvery, cfg.Dispatch.StaleAfter,
		logger.WithField("component", "recovery"))
	go recovery.Start(ctx)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		BodyLimit: int(cfg.MaxUploadBytes) + 1<<20,
	})
	app.Use(middleware.CORS(middleware.DefaultCORSConfig(cfg.CORSOrigins...)))

	deps := routes.Deps{
		Users:          users,
		Quota:          evaluator,
		JWTSecret:      cfg.JWTSecret,
		RateLimitSends: cfg.RateLimitSends,
		Templates:      controller.NewTemplateController(db, files, enqueuer, cfg.MaxUploadBytes, logger.WithField("controller", "template")),
		Contacts:       controller.NewContactController(db, logger.WithField("controller", "contact")),
		Campaigns:      controller.NewCampaignController(db, lifecycle, logger.WithField("controller", "campaign")),
		Usage:          controller.NewQuotaController(evaluator, logger.WithField("controller", "quota")),
		Billing:        controller.NewBillingController(billingService, logger.WithField("controller", "billing")),
		Jobs:           controller.NewJobController(jobs, logger.WithField("controller", "job")),
	}
	if rdb != nil {
		deps.RateStore = middleware.NewRedisStorage(rdb, "mailpilot:rl:")
	}
	routes.SetupRoutes(app, deps)

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		logger.Info("shutting down")

		cancel()
		if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
			logger.WithError(err).Error("server shutdown failed")
		}
	}()

	// Start server
	port := cfg.ServerPort
	logger.Infof("Server starting on port %s", port)
	if err := app.Listen(":" + port); err != nil {
		logger.WithError(err).Error("server stopped")
	}

	cancel()
	pool.Wait()
}

func newQueue(ctx context.Context, cfg config.Config, rdb *redis.Client, consumer string, logger *logrus.Logger) (queue.Queue, error) {
	switch cfg.Queue.Driver {
	case "redis":
		rq := queue.NewRedisQueue(rdb, cfg.Queue.Name, consumer)
		n, err := rq.Recover(ctx)
		if err != nil {
			return nil, fmt.Errorf("recovering in-flight jobs: %w", err)
		}
		if n > 0 {
			logger.WithField("jobs", n).Info("requeued jobs left in flight by a previous run")
		}
		go rq.Heartbeat(ctx, 10*time.Second, func(err error) {
			logger.WithError(err).Warn("queue heartbeat failed")
		})
		return rq, nil
	case "rabbitmq":
		return queue.NewRabbitQueue(cfg.Queue.RabbitMQURL, cfg.Queue.Name, consumer, cfg.Queue.Prefetch)
	default:
		logger.Warn("using the in-memory queue; jobs are lost on restart")
		return queue.NewMemoryQueue(1024), nil
	}
}

func newStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	if cfg.Storage.Driver == "s3" {
		return storage.NewS3Store(ctx, cfg.Storage.S3Bucket, cfg.Storage.S3Prefix,
			cfg.AWS.Region, cfg.AWS.AccessKeyID, cfg.AWS.SecretAccessKey)
	}
	return storage.NewDiskStore(cfg.Storage.LocalRoot)
}

func newTransport(ctx context.Context, cfg config.Config, logger *logrus.Logger) (mailer.Transport, error) {
	switch cfg.Mail.Driver {
	case "smtp":
		return mailer.NewSMTPTransport(cfg.Mail.SMTPHost, cfg.Mail.SMTPPort, cfg.Mail.SMTPUsername, cfg.Mail.SMTPPassword), nil
	case "ses":
		return mailer.NewSESTransport(ctx, cfg.AWS.Region, cfg.AWS.AccessKeyID, cfg.AWS.SecretAccessKey)
	default:
		return mailer.NewLogTransport(logger.WithField("component", "mailer")), nil
	}
}
