package service

import (
	"context"
	"sync"
	"time"

	"github.com/timmy/genflow/internal/logger"
)

// PassRunner runs one reconciliation pass.
type PassRunner interface {
	ReconcileOutstanding(ctx context.Context) (*ReconcileStats, error)
}

// SchedulerStatus is a snapshot of the scheduler for the admin API.
type SchedulerStatus struct {
	Running   bool            `json:"running"`
	Interval  string          `json:"interval"`
	LastRunAt *time.Time      `json:"last_run_at,omitempty"`
	LastStats *ReconcileStats `json:"last_stats,omitempty"`
	LastError string          `json:"last_error,omitempty"`
}

// Scheduler triggers reconciliation passes on a fixed interval.
// Passes never overlap, including manual ones started through RunOnce.
type Scheduler struct {
	runner   PassRunner
	interval time.Duration
	logger   *logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	passMu sync.Mutex

	statusMu  sync.RWMutex
	lastRunAt *time.Time
	lastStats *ReconcileStats
	lastErr   error
}

// NewScheduler creates a scheduler. interval defaults to 30s.
func NewScheduler(runner PassRunner, interval time.Duration, log *logger.Logger) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &Scheduler{runner: runner, interval: interval, logger: log}
}

// Start runs one pass immediately and then one per interval until Stop is
// called or ctx is cancelled. Calling Start on a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn("Reconciler scheduler already running")
		return
	}

	runCtx, cancel := context.WithCancel(logger.SetComponent(ctx, "scheduler"))
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(runCtx, s.done)

	s.logger.WithField("interval", s.interval.String()).Info("Reconciler scheduler started")
}

// Stop cancels the loop and waits for the in-flight pass. It is safe to call
// when the scheduler is not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.cancel()
	<-s.done
	s.running = false
	s.cancel = nil
	s.done = nil

	s.logger.Info("Reconciler scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single pass, waiting for any pass already in progress.
func (s *Scheduler) RunOnce(ctx context.Context) (*ReconcileStats, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats, err := s.runner.ReconcileOutstanding(ctx)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Error("Reconciliation pass failed")
	}

	now := time.Now()
	s.statusMu.Lock()
	s.lastRunAt = &now
	if stats != nil {
		s.lastStats = stats
	}
	s.lastErr = err
	s.statusMu.Unlock()

	return stats, err
}

// Status returns the current scheduler state.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	s.statusMu.RLock()
	defer s.statusMu.RUnlock()

	st := SchedulerStatus{
		Running:   running,
		Interval:  s.interval.String(),
		LastRunAt: s.lastRunAt,
		LastStats: s.lastStats,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
