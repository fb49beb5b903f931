package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/genflow/internal/api"
	"github.com/timmy/genflow/internal/api/middleware"
	"github.com/timmy/genflow/internal/app"
	"github.com/timmy/genflow/internal/config"
	"github.com/timmy/genflow/internal/logger"
)

func main() {
	// Initialize logger from LOG_* environment variables
	appLogger := logger.New(logger.LoadFromEnv())
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := app.New(ctx, cfg, appLogger, true)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize engine")
	}
	defer engine.Close()

	if cfg.Reconciler.Enabled {
		engine.Scheduler.Start(context.WithoutCancel(ctx))
	} else {
		appLogger.Info("Background reconciliation disabled")
	}
	if cfg.Server.AdminToken == "" {
		appLogger.Warn("Admin API disabled: server.admin_token is empty")
	}

	router := api.SetupRouter(&api.Deps{
		DB:             engine.DB,
		StorageBackend: engine.Storage.Backend(),
		Generation:     engine.Generation,
		Compiler:       engine.Compiler,
		Reconciler:     engine.Reconciler,
		Scheduler:      engine.Scheduler,
		Ledger:         engine.Ledger,
		Notifier:       engine.Notifier,
		Hub:            engine.Hub,
		SignupBonus:    cfg.Credits.SignupBonus,
		AdminToken:     cfg.Server.AdminToken,
		CORS: middleware.CORSConfig{
			AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
			AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
		},
		Logger: appLogger,
	}, cfg.Server.Mode)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-ctx.Done()
	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}

	appLogger.Info("Server exited")
}
