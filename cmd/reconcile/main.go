package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/timmy/genflow/internal/app"
	"github.com/timmy/genflow/internal/config"
	"github.com/timmy/genflow/internal/logger"
	"github.com/timmy/genflow/internal/service"
)

func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "genflow-reconcile",
	})
	logger.SetDefaultLogger(appLogger)

	// Parse command line flags
	jobID := flag.String("job", "", "Reconcile a single job instead of every outstanding subtask")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, stopping after in-flight subtasks")
		cancel()
	}()

	engine, err := app.New(ctx, cfg, appLogger, false)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize engine")
	}
	defer engine.Close()

	var stats *service.ReconcileStats
	if *jobID != "" {
		appLogger.WithField(logger.FieldJobID, *jobID).Info("Reconciling job")
		stats, err = engine.Reconciler.ReconcileJob(ctx, *jobID)
	} else {
		appLogger.Info("Reconciling outstanding subtasks")
		stats, err = engine.Reconciler.ReconcileOutstanding(ctx)
	}
	if err != nil {
		engine.Close()
		appLogger.WithError(err).Fatal("Reconciliation failed")
	}

	appLogger.WithFields(logger.Fields{
		"scanned":   stats.Scanned,
		"completed": stats.Completed,
		"failed":    stats.Failed,
		"timed_out": stats.TimedOut,
		"pending":   stats.Pending,
		"errors":    stats.Errors,
	}).Info("Reconciliation completed")

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(stats); err != nil {
		appLogger.WithError(err).Error("Failed to print stats")
	}
}
