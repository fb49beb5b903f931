package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/lock"
	"github.com/timmy/genflow/internal/logger"
	"github.com/timmy/genflow/internal/provider"
	"github.com/timmy/genflow/internal/repository"
)

// Failure reasons recorded on subtasks the engine fails itself.
const (
	ReasonTimeout          = "timeout"
	ReasonCancelled        = "cancelled"
	ReasonNoResultArtifact = "no result artifact"
)

// ReconcilerConfig holds configuration for the reconciler
type ReconcilerConfig struct {
	Workers        int
	BatchSize      int
	SubTaskTimeout time.Duration
	LockWait       time.Duration
}

// ReconcilerService drives outstanding subtasks to a terminal state.
type ReconcilerService struct {
	db        *gorm.DB
	jobs      *repository.JobRepository
	ledger    *LedgerService
	registry  *provider.Registry
	relocator Relocator
	notifier  *NotifierService
	locker    lock.Locker
	logger    *logger.Logger

	workers        int
	batchSize      int
	subTaskTimeout time.Duration
	lockWait       time.Duration
	now            func() time.Time
}

// NewReconcilerService creates a new reconciler
func NewReconcilerService(
	db *gorm.DB,
	jobs *repository.JobRepository,
	ledger *LedgerService,
	registry *provider.Registry,
	relocator Relocator,
	notifier *NotifierService,
	locker lock.Locker,
	log *logger.Logger,
	cfg *ReconcilerConfig,
) *ReconcilerService {
	s := &ReconcilerService{
		db:             db,
		jobs:           jobs,
		ledger:         ledger,
		registry:       registry,
		relocator:      relocator,
		notifier:       notifier,
		locker:         locker,
		logger:         log,
		workers:        cfg.Workers,
		batchSize:      cfg.BatchSize,
		subTaskTimeout: cfg.SubTaskTimeout,
		lockWait:       cfg.LockWait,
		now:            time.Now,
	}
	if s.workers <= 0 {
		s.workers = 1
	}
	if s.batchSize <= 0 {
		s.batchSize = 100
	}
	if s.lockWait <= 0 {
		s.lockWait = 30 * time.Second
	}
	return s
}

func (s *ReconcilerService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// ReconcileStats counts subtask outcomes of one pass.
type ReconcileStats struct {
	Scanned   int64     `json:"scanned"`
	Completed int64     `json:"completed"`
	Failed    int64     `json:"failed"`
	TimedOut  int64     `json:"timed_out"`
	Pending   int64     `json:"pending"`
	Errors    int64     `json:"errors"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

type outcome int

const (
	outcomePending outcome = iota
	outcomeCompleted
	outcomeFailed
	outcomeTimedOut
	outcomeSkipped
	outcomeError
)

// ReconcileOutstanding runs one pass over the oldest non-terminal subtasks of all jobs.
func (s *ReconcilerService) ReconcileOutstanding(ctx context.Context) (*ReconcileStats, error) {
	ctx = logger.SetComponent(ctx, "reconciler")

	subTasks, err := s.jobs.ListOutstandingSubTasks(ctx, s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list outstanding subtasks: %w", err)
	}

	stats := s.run(ctx, subTasks)

	s.log(ctx).WithFields(logger.Fields{
		"scanned":              stats.Scanned,
		"completed":            stats.Completed,
		"failed":               stats.Failed,
		"timed_out":            stats.TimedOut,
		"pending":              stats.Pending,
		"errors":               stats.Errors,
		logger.FieldDurationMs: stats.EndTime.Sub(stats.StartTime).Milliseconds(),
	}).Info("Reconciliation pass completed")
	return stats, nil
}

// ReconcileJob reconciles every outstanding subtask of one job, then recomputes
// the job status. Running it on a terminal job changes nothing.
func (s *ReconcilerService) ReconcileJob(ctx context.Context, jobID string) (*ReconcileStats, error) {
	ctx = logger.SetJobID(logger.SetComponent(ctx, "reconciler"), jobID)

	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	subTasks, err := s.jobs.ListOutstandingSubTasksByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subtasks: %w", err)
	}

	stats := s.run(ctx, subTasks)

	if err := s.finalizeJob(ctx, job); err != nil {
		return stats, err
	}
	return stats, nil
}

// CancelJob fails every outstanding subtask of a job with reason "cancelled"
// and refunds their shares. Returns domain.ErrJobNotCancellable when nothing is outstanding.
func (s *ReconcilerService) CancelJob(ctx context.Context, userID, jobID string) (*domain.Job, error) {
	ctx = logger.SetJobID(logger.SetUserID(ctx, userID), jobID)

	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, domain.ErrNotFound
	}

	subTasks, err := s.jobs.ListOutstandingSubTasksByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subtasks: %w", err)
	}

	cancelled := 0
	for i := range subTasks {
		won, err := s.fail(ctx, job, &subTasks[i], ReasonCancelled)
		if err != nil {
			return nil, err
		}
		if won {
			cancelled++
		}
	}
	if cancelled == 0 {
		return nil, domain.ErrJobNotCancellable
	}

	s.log(ctx).WithField(logger.FieldCount, cancelled).Info("Job cancelled")
	return s.jobs.GetWithSubTasks(ctx, jobID)
}

// run fans subtasks out to the worker pool and collects their outcomes.
func (s *ReconcilerService) run(ctx context.Context, subTasks []domain.SubTask) *ReconcileStats {
	stats := &ReconcileStats{StartTime: s.now()}
	if len(subTasks) == 0 {
		stats.EndTime = s.now()
		return stats
	}

	jobs := newJobCache(s.jobs)
	itemsChan := make(chan *domain.SubTask, s.workers*2)
	resultsChan := make(chan outcome, s.workers*2)

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for st := range itemsChan {
				resultsChan <- s.reconcileSubTask(ctx, jobs, st)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		for out := range resultsChan {
			atomic.AddInt64(&stats.Scanned, 1)
			switch out {
			case outcomeCompleted:
				atomic.AddInt64(&stats.Completed, 1)
			case outcomeFailed:
				atomic.AddInt64(&stats.Failed, 1)
			case outcomeTimedOut:
				atomic.AddInt64(&stats.TimedOut, 1)
			case outcomePending:
				atomic.AddInt64(&stats.Pending, 1)
			case outcomeError:
				atomic.AddInt64(&stats.Errors, 1)
			}
		}
		close(done)
	}()

feed:
	for i := range subTasks {
		select {
		case itemsChan <- &subTasks[i]:
		case <-ctx.Done():
			break feed
		}
	}

	close(itemsChan)
	wg.Wait()
	close(resultsChan)
	<-done

	stats.EndTime = s.now()
	return stats
}

// reconcileSubTask polls one subtask and applies what it observes.
// A panic is contained here so sibling subtasks keep going.
func (s *ReconcilerService) reconcileSubTask(ctx context.Context, jobs *jobCache, st *domain.SubTask) (out outcome) {
	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldJobID:          st.JobID,
		logger.FieldSubTaskID:      st.ID,
		logger.FieldExternalTaskID: st.ExternalTaskID,
	})

	defer func() {
		if r := recover(); r != nil {
			s.log(ctx).WithField("stack", string(debug.Stack())).Errorf("Panic while reconciling subtask: %v", r)
			out = outcomeError
		}
	}()

	if ctx.Err() != nil {
		return outcomePending
	}
	if st.Status.IsTerminal() {
		return outcomeSkipped
	}

	job, err := jobs.get(ctx, st.JobID)
	if err != nil {
		s.log(ctx).WithError(err).Error("Failed to load job")
		return outcomeError
	}
	ctx = logger.SetUserID(ctx, job.UserID)

	if s.subTaskTimeout > 0 && s.now().After(st.Deadline(s.subTaskTimeout)) {
		won, err := s.fail(ctx, job, st, ReasonTimeout)
		switch {
		case err != nil:
			s.log(ctx).WithError(err).Error("Failed to time out subtask")
			return outcomeError
		case won:
			return outcomeTimedOut
		default:
			return outcomeSkipped
		}
	}

	if st.ExternalTaskID == "" {
		return outcomePending
	}

	// a previous pass saw success but could not relocate; retry the copy only
	if st.ProviderResultURL != "" {
		return s.complete(ctx, job, st, st.ProviderResultURL)
	}

	route, err := s.registry.Resolve(job.ModelKey)
	if err != nil {
		s.log(ctx).WithError(err).Error("No adapter for job model")
		return outcomeError
	}
	ctx = logger.SetProvider(ctx, route.Adapter.Name())

	status, err := route.Adapter.GetTaskStatus(ctx, st.ExternalTaskID)
	if err != nil {
		if incErr := s.jobs.IncrementPollAttempts(ctx, st.ID); incErr != nil {
			s.log(ctx).WithError(incErr).Warn("Failed to record poll attempt")
		}
		if provider.IsRetryable(err) {
			s.log(ctx).WithError(err).Warn("Provider unavailable, will retry next pass")
			return outcomePending
		}
		s.log(ctx).WithError(err).Warn("Status poll failed, will retry next pass")
		return outcomeError
	}

	switch status.State {
	case provider.TaskStateSuccess:
		if len(status.ResultURLs) == 0 {
			return s.failOutcome(ctx, job, st, ReasonNoResultArtifact)
		}
		return s.complete(ctx, job, st, status.ResultURLs[0])
	case provider.TaskStateFail:
		reason := status.FailureReason
		if reason == "" {
			reason = "provider reported failure"
		}
		return s.failOutcome(ctx, job, st, reason)
	default:
		return outcomePending
	}
}

// complete relocates the artifact and finalizes the subtask. When relocation
// fails the provider URL is kept and the subtask stays processing.
func (s *ReconcilerService) complete(ctx context.Context, job *domain.Job, st *domain.SubTask, providerURL string) outcome {
	rel, err := s.relocator.Relocate(ctx, RelocateRequest{
		UserID:    job.UserID,
		JobID:     job.ID,
		SubTaskID: st.ID,
		SourceURL: providerURL,
	})
	if err != nil {
		s.log(ctx).WithError(err).WithField("relocation_attempts", st.RelocationAttempts+1).
			Warn("Artifact relocation failed, will retry next pass")
		if recErr := s.jobs.RecordPendingRelocation(ctx, st.ID, providerURL); recErr != nil {
			s.log(ctx).WithError(recErr).Error("Failed to record pending relocation")
		}
		return outcomeError
	}

	res, err := s.apply(ctx, job, st, transition{completed: true, resultURL: rel.URL})
	if err != nil {
		s.log(ctx).WithError(err).Error("Failed to complete subtask")
		return outcomeError
	}
	if !res.won {
		return outcomeSkipped
	}
	s.afterTransition(context.WithoutCancel(ctx), job, st, res)
	return outcomeCompleted
}

func (s *ReconcilerService) failOutcome(ctx context.Context, job *domain.Job, st *domain.SubTask, reason string) outcome {
	won, err := s.fail(ctx, job, st, reason)
	switch {
	case err != nil:
		s.log(ctx).WithError(err).Error("Failed to fail subtask")
		return outcomeError
	case won:
		return outcomeFailed
	default:
		return outcomeSkipped
	}
}

// fail marks the subtask failed, refunds its share and notifies. won is false
// when another writer already finished the subtask.
func (s *ReconcilerService) fail(ctx context.Context, job *domain.Job, st *domain.SubTask, reason string) (bool, error) {
	res, err := s.apply(ctx, job, st, transition{reason: reason})
	if err != nil {
		return false, err
	}
	if res.won {
		s.afterTransition(context.WithoutCancel(ctx), job, st, res)
	}
	return res.won, nil
}

type transition struct {
	completed bool
	resultURL string
	reason    string
}

type transitionResult struct {
	tr       transition
	won      bool
	refunded int
	balance  int
	finished *domain.Job // set when the job reached a terminal status
}

// apply writes a terminal subtask transition under the job lock. The subtask
// update, refund, counters and job status commit in one transaction.
func (s *ReconcilerService) apply(ctx context.Context, job *domain.Job, st *domain.SubTask, tr transition) (*transitionResult, error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	unlock, err := lock.Acquire(lockCtx, s.locker, "job:"+job.ID, 25*time.Millisecond)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to lock job %s: %w", job.ID, err)
	}
	defer func() {
		if err := unlock(context.Background()); err != nil && !errors.Is(err, lock.ErrNotHeld) {
			s.log(ctx).WithError(err).Warn("Failed to release job lock")
		}
	}()

	res := &transitionResult{tr: tr}
	err = repository.RunInTx(ctx, s.db, func(tx *gorm.DB) error {
		jobs := s.jobs.WithTx(tx)
		now := s.now()

		var err error
		if tr.completed {
			res.won, err = jobs.CompleteSubTask(ctx, st.ID, tr.resultURL, now)
		} else {
			res.won, err = jobs.FailSubTask(ctx, st.ID, tr.reason, now)
		}
		if err != nil || !res.won {
			return err
		}

		completed, failed := 0, 0
		if tr.completed {
			completed = 1
		} else {
			failed = 1
			if job.CreditsPerSubtask > 0 {
				balance, applied, err := s.ledger.RefundTx(ctx, tx, RefundRequest{
					UserID:    job.UserID,
					Amount:    job.CreditsPerSubtask,
					Reason:    "refund: " + tr.reason,
					JobID:     job.ID,
					SubTaskID: st.ID,
				})
				if err != nil {
					return err
				}
				if applied {
					res.refunded = job.CreditsPerSubtask
					res.balance = balance
				}
			}
		}

		if err := jobs.ApplyOutcome(ctx, job.ID, completed, failed, res.refunded); err != nil {
			return err
		}
		updated, becameTerminal, err := jobs.RecomputeStatus(ctx, job.ID)
		if err != nil {
			return err
		}
		if becameTerminal {
			res.finished = updated
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// finalizeJob recomputes the job status and notifies when it turns terminal.
func (s *ReconcilerService) finalizeJob(ctx context.Context, job *domain.Job) error {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	unlock, err := lock.Acquire(lockCtx, s.locker, "job:"+job.ID, 25*time.Millisecond)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to lock job %s: %w", job.ID, err)
	}
	defer unlock(context.Background())

	updated, becameTerminal, err := s.jobs.RecomputeStatus(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to recompute job status: %w", err)
	}
	if becameTerminal {
		s.notifyJobFinished(context.WithoutCancel(ctx), updated)
	}
	return nil
}

// afterTransition runs once the transaction has committed. ctx must not be
// cancellable: the state change is already durable and its notifications must follow.
func (s *ReconcilerService) afterTransition(ctx context.Context, job *domain.Job, st *domain.SubTask, res *transitionResult) {
	fields := logger.Fields{logger.FieldStatus: domain.SubTaskStatusCompleted}
	if !res.tr.completed {
		fields[logger.FieldStatus] = domain.SubTaskStatusFailed
		fields["reason"] = res.tr.reason
		fields["refunded"] = res.refunded
	}
	s.log(ctx).WithFields(fields).Info("Subtask finished")

	if !res.tr.completed && res.refunded > 0 {
		s.notifier.Notify(ctx, Event{
			UserID:    job.UserID,
			Kind:      domain.NotificationCreditRefunded,
			Title:     "Generation failed, credits refunded",
			Message:   fmt.Sprintf("%s failed (%s). %d credits were returned to your balance.", subTaskName(st), res.tr.reason, res.refunded),
			ActionURL: s.notifier.JobURL(job.ID),
			Data: map[string]interface{}{
				"job_id":      job.ID,
				"sub_task_id": st.ID,
				"reason":      res.tr.reason,
				"refunded":    res.refunded,
				"balance":     res.balance,
			},
		})
		s.notifier.Alert(ctx, fmt.Sprintf("*Refund* %d credits\nUser: `%s`\nJob: `%s`\nReason: %s",
			res.refunded, job.UserID, job.ID, res.tr.reason))
	}

	if !res.tr.completed && res.refunded == 0 {
		s.notifier.Notify(ctx, Event{
			UserID:    job.UserID,
			Kind:      domain.NotificationGenerationFailed,
			Title:     "Generation failed",
			Message:   fmt.Sprintf("%s failed (%s).", subTaskName(st), res.tr.reason),
			ActionURL: s.notifier.JobURL(job.ID),
			Data: map[string]interface{}{
				"job_id":      job.ID,
				"sub_task_id": st.ID,
				"reason":      res.tr.reason,
			},
		})
	}

	if res.finished != nil {
		s.notifyJobFinished(ctx, res.finished)
	}
}

func (s *ReconcilerService) notifyJobFinished(ctx context.Context, job *domain.Job) {
	ev := Event{
		UserID:    job.UserID,
		ActionURL: s.notifier.JobURL(job.ID),
		Data: map[string]interface{}{
			"job_id":           job.ID,
			"status":           job.Status,
			"completed":        job.CompletedSubtasks,
			"failed":           job.FailedSubtasks,
			"credits_refunded": job.CreditsRefunded,
		},
	}
	switch job.Status {
	case domain.JobStatusCompleted:
		ev.Kind = domain.NotificationGenerationComplete
		ev.Title = "Your generation is ready"
		ev.Message = fmt.Sprintf("All %d results are ready.", job.TotalSubtasks)
	case domain.JobStatusPartiallyFailed:
		ev.Kind = domain.NotificationGenerationComplete
		ev.Title = "Your generation finished with some failures"
		ev.Message = fmt.Sprintf("%d of %d results are ready. %d credits were refunded.",
			job.CompletedSubtasks, job.TotalSubtasks, job.CreditsRefunded)
	default:
		ev.Kind = domain.NotificationGenerationFailed
		ev.Title = "Your generation failed"
		ev.Message = fmt.Sprintf("No results could be generated. %d credits were refunded.", job.CreditsRefunded)
		s.notifier.Alert(ctx, fmt.Sprintf("*Generation failed*\nUser: `%s`\nJob: `%s`\nModel: %s",
			job.UserID, job.ID, job.ModelKey))
	}
	s.notifier.Notify(ctx, ev)
}

func subTaskName(st *domain.SubTask) string {
	if st.Label != "" {
		return st.Label
	}
	return fmt.Sprintf("Result #%d", st.Seq+1)
}

// jobCache loads each job once per pass.
type jobCache struct {
	repo *repository.JobRepository
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func newJobCache(repo *repository.JobRepository) *jobCache {
	return &jobCache{repo: repo, jobs: make(map[string]*domain.Job)}
}

func (c *jobCache) get(ctx context.Context, id string) (*domain.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if job, ok := c.jobs[id]; ok {
		return job, nil
	}
	job, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.jobs[id] = job
	return job, nil
}
