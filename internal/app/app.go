// Package app wires the configured components into a runnable engine.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/timmy/genflow/internal/config"
	"github.com/timmy/genflow/internal/lock"
	"github.com/timmy/genflow/internal/logger"
	"github.com/timmy/genflow/internal/notify"
	"github.com/timmy/genflow/internal/provider"
	"github.com/timmy/genflow/internal/repository"
	"github.com/timmy/genflow/internal/service"
	"github.com/timmy/genflow/internal/storage"
)

// App holds the services shared by the API server and the CLI.
type App struct {
	Config     *config.Config
	DB         *gorm.DB
	Storage    storage.ObjectStorage
	Hub        *notify.Hub
	Ledger     *service.LedgerService
	Notifier   *service.NotifierService
	Reconciler *service.ReconcilerService
	Generation *service.GenerationService
	Compiler   *service.PromptCompilerService
	Scheduler  *service.Scheduler

	redis     *redis.Client
	logger    *logger.Logger
	closeOnce sync.Once
}

type bucketEnsurer interface {
	EnsureBucket(ctx context.Context) error
}

// New connects to the database, storage and lock backend and builds the services.
// withHub enables the WebSocket hub used by the API server.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, withHub bool) (*App, error) {
	a := &App{Config: cfg, logger: log}

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.DB = db

	objectStorage, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if b, ok := objectStorage.(bucketEnsurer); ok {
		if err := b.EnsureBucket(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to ensure storage bucket: %w", err)
		}
	}
	a.Storage = objectStorage

	registry, err := provider.NewRegistryFromConfig(cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to build provider registry: %w", err)
	}

	var locker lock.Locker = lock.NewMemoryLocker()
	if cfg.Redis.Enabled {
		client, err := lock.Connect(ctx, cfg.Redis)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.redis = client
		locker = lock.NewRedisLocker(client, cfg.Redis.KeyPrefix, cfg.Redis.LockTTL)
		log.Info("Using Redis job locks")
	}

	var publisher service.Publisher
	if withHub {
		a.Hub = notify.NewHub(cfg.Server.CORS.AllowedOrigins)
		publisher = a.Hub
	}
	var alerts notify.AlertSender
	if tg := notify.NewTelegramSender(cfg.Notifier); tg != nil {
		alerts = tg
	} else {
		log.Info("Operator alerts disabled: telegram not configured")
	}

	jobs := repository.NewJobRepository(db)
	a.Ledger = service.NewLedgerService(db, repository.NewCreditRepository(db), log)
	a.Notifier = service.NewNotifierService(repository.NewNotificationRepository(db), publisher, alerts,
		service.NotifierConfig{
			LowBalanceThreshold: cfg.Credits.LowBalanceThreshold,
			PublicBaseURL:       cfg.Notifier.PublicBaseURL,
			AlertTimeout:        cfg.Notifier.Timeout,
		}, log)

	relocator := service.NewRelocatorService(objectStorage, &service.RelocatorConfig{
		Timeout:  cfg.Storage.DownloadTimeout,
		MaxBytes: cfg.Storage.MaxDownloadBytes,
	}, log)

	a.Reconciler = service.NewReconcilerService(db, jobs, a.Ledger, registry, relocator, a.Notifier, locker, log,
		&service.ReconcilerConfig{
			Workers:        cfg.Reconciler.Workers,
			BatchSize:      cfg.Reconciler.BatchSize,
			SubTaskTimeout: cfg.Reconciler.SubTaskTimeout,
			LockWait:       cfg.Reconciler.LockWait,
		})
	a.Generation = service.NewGenerationService(db, jobs, a.Ledger, registry, a.Notifier, log,
		&service.GenerationConfig{
			CreditsPerAngle: cfg.Credits.CreditsPerAngle,
			MaxQuantity:     cfg.Credits.MaxQuantity,
		})
	a.Compiler = service.NewPromptCompilerService(&service.PromptCompilerConfig{
		Enabled:    cfg.LLM.Enabled,
		Model:      cfg.LLM.Model,
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		Timeout:    cfg.LLM.Timeout,
		CreditCost: cfg.LLM.CreditCost,
	}, a.Ledger, log)
	a.Scheduler = service.NewScheduler(a.Reconciler, cfg.Reconciler.Interval, log)

	log.WithFields(logger.Fields{
		"storage": objectStorage.Backend(),
		"models":  len(registry.Models()),
	}).Info("Engine initialized")

	return a, nil
}

// Close stops the scheduler, flushes pending alerts and releases connections.
// Calling it more than once is a no-op.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Notifier != nil {
		a.Notifier.Wait()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close redis client")
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			sqlDB.Close()
		}
	}
}
