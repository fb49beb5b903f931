package repository

import (
	"context"
	"time"

	"github.com/timmy/genflow/internal/domain"
	"gorm.io/gorm"
)

// JobRepository handles job and subtask persistence.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *JobRepository: repository instance bound to db.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// WithTx returns a copy of the repository bound to tx.
func (r *JobRepository) WithTx(tx *gorm.DB) *JobRepository {
	return &JobRepository{db: tx}
}

// Create inserts a job together with its subtasks.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: job record; job.SubTasks are created in the same statement batch.
// Returns:
//   - error: non-nil if the insert fails.
func (r *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// GetByID retrieves a job without its subtasks.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
// Returns:
//   - *domain.Job: job record if found.
//   - error: domain.ErrNotFound if missing.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

// GetWithSubTasks retrieves a job and its subtasks ordered by sequence.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
// Returns:
//   - *domain.Job: job with SubTasks populated.
//   - error: domain.ErrNotFound if missing.
func (r *JobRepository) GetWithSubTasks(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	err := r.db.WithContext(ctx).
		Preload("SubTasks", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") }).
		First(&job, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

// ListByUser retrieves a page of jobs owned by userID, newest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: owning user.
//   - limit: maximum number of records.
//   - offset: number of records to skip.
// Returns:
//   - []domain.Job: jobs on the page.
//   - int64: total number of jobs for the user.
//   - error: non-nil if the query fails.
func (r *JobRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]domain.Job, int64, error) {
	var jobs []domain.Job
	var total int64

	if err := r.db.WithContext(ctx).Model(&domain.Job{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&jobs).Error
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// UpdateStatus sets the job status unless the job is already terminal.
func (r *JobRepository) UpdateStatus(ctx context.Context, id string, status domain.JobStatus) error {
	return r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status NOT IN ?", id, terminalJobStatuses()).
		Update("status", status).Error
}

// ApplyOutcome increments the job counters for subtasks that just reached a terminal state.
// Callers must only pass deltas for transitions they won via a conditional subtask update.
func (r *JobRepository) ApplyOutcome(ctx context.Context, id string, completed, failed, refunded int) error {
	return r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"completed_subtasks": gorm.Expr("completed_subtasks + ?", completed),
			"failed_subtasks":    gorm.Expr("failed_subtasks + ?", failed),
			"credits_refunded":   gorm.Expr("credits_refunded + ?", refunded),
		}).Error
}

// RecomputeStatus derives the job status from its counters and persists it.
// It is idempotent and never moves a terminal job.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
// Returns:
//   - *domain.Job: the job after recomputation.
//   - bool: true if this call moved the job into a terminal status.
//   - error: non-nil if lookup or update fails.
func (r *JobRepository) RecomputeStatus(ctx context.Context, id string) (*domain.Job, bool, error) {
	job, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if job.Status.IsTerminal() {
		return job, false, nil
	}

	next := domain.DeriveJobStatus(job.TotalSubtasks, job.CompletedSubtasks, job.FailedSubtasks)
	if next == job.Status {
		return job, false, nil
	}

	updates := map[string]interface{}{"status": next}
	now := time.Now()
	if next.IsTerminal() {
		updates["completed_at"] = now
	}

	res := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status NOT IN ?", id, terminalJobStatuses()).
		Updates(updates)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return job, false, nil
	}

	job.Status = next
	if next.IsTerminal() {
		job.CompletedAt = &now
	}
	return job, next.IsTerminal(), nil
}

// GetSubTask retrieves a subtask by ID.
func (r *JobRepository) GetSubTask(ctx context.Context, id string) (*domain.SubTask, error) {
	var st domain.SubTask
	if err := r.db.WithContext(ctx).First(&st, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &st, nil
}

// ListSubTasks retrieves all subtasks of a job ordered by sequence.
func (r *JobRepository) ListSubTasks(ctx context.Context, jobID string) ([]domain.SubTask, error) {
	var subTasks []domain.SubTask
	if err := r.db.WithContext(ctx).Where("job_id = ?", jobID).Order("seq ASC").Find(&subTasks).Error; err != nil {
		return nil, err
	}
	return subTasks, nil
}

// ListOutstandingSubTasks retrieves non-terminal subtasks across all jobs, oldest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - limit: maximum number of subtasks to return.
// Returns:
//   - []domain.SubTask: queued or processing subtasks.
//   - error: non-nil if the query fails.
func (r *JobRepository) ListOutstandingSubTasks(ctx context.Context, limit int) ([]domain.SubTask, error) {
	var subTasks []domain.SubTask
	err := r.db.WithContext(ctx).
		Where("status NOT IN ?", domain.TerminalSubTaskStatuses).
		Order("created_at ASC").
		Limit(limit).
		Find(&subTasks).Error
	if err != nil {
		return nil, err
	}
	return subTasks, nil
}

// ListOutstandingSubTasksByJob retrieves non-terminal subtasks of a single job.
func (r *JobRepository) ListOutstandingSubTasksByJob(ctx context.Context, jobID string) ([]domain.SubTask, error) {
	var subTasks []domain.SubTask
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND status NOT IN ?", jobID, domain.TerminalSubTaskStatuses).
		Order("seq ASC").
		Find(&subTasks).Error
	if err != nil {
		return nil, err
	}
	return subTasks, nil
}

// MarkSubmitted records the provider task ID and moves a queued subtask to processing.
// Returns false if the subtask was no longer queued.
func (r *JobRepository) MarkSubmitted(ctx context.Context, id, externalTaskID string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.SubTask{}).
		Where("id = ? AND status = ?", id, domain.SubTaskStatusQueued).
		Updates(map[string]interface{}{
			"external_task_id": externalTaskID,
			"status":           domain.SubTaskStatusProcessing,
			"submitted_at":     at,
		})
	return res.RowsAffected == 1, res.Error
}

// IncrementPollAttempts bumps the poll counter of a non-terminal subtask.
func (r *JobRepository) IncrementPollAttempts(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&domain.SubTask{}).
		Where("id = ? AND status NOT IN ?", id, domain.TerminalSubTaskStatuses).
		UpdateColumn("poll_attempts", gorm.Expr("poll_attempts + 1")).Error
}

// RecordPendingRelocation stores the provider artifact URL of a subtask whose relocation failed,
// so the next pass can retry the copy without polling the provider again.
func (r *JobRepository) RecordPendingRelocation(ctx context.Context, id, providerURL string) error {
	return r.db.WithContext(ctx).Model(&domain.SubTask{}).
		Where("id = ? AND status NOT IN ?", id, domain.TerminalSubTaskStatuses).
		Updates(map[string]interface{}{
			"provider_result_url": providerURL,
			"relocation_attempts": gorm.Expr("relocation_attempts + 1"),
		}).Error
}

// CompleteSubTask moves a non-terminal subtask to completed with its durable URL.
// Returns false if another writer already finished the subtask.
func (r *JobRepository) CompleteSubTask(ctx context.Context, id, resultURL string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.SubTask{}).
		Where("id = ? AND status NOT IN ?", id, domain.TerminalSubTaskStatuses).
		Updates(map[string]interface{}{
			"status":       domain.SubTaskStatusCompleted,
			"result_url":   resultURL,
			"completed_at": at,
		})
	return res.RowsAffected == 1, res.Error
}

// FailSubTask moves a non-terminal subtask to failed with reason.
// Returns false if another writer already finished the subtask.
func (r *JobRepository) FailSubTask(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.SubTask{}).
		Where("id = ? AND status NOT IN ?", id, domain.TerminalSubTaskStatuses).
		Updates(map[string]interface{}{
			"status":        domain.SubTaskStatusFailed,
			"error_message": reason,
			"completed_at":  at,
		})
	return res.RowsAffected == 1, res.Error
}

func terminalJobStatuses() []domain.JobStatus {
	return []domain.JobStatus{domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusPartiallyFailed}
}
