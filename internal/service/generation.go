package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/logger"
	"github.com/timmy/genflow/internal/prompts"
	"github.com/timmy/genflow/internal/provider"
	"github.com/timmy/genflow/internal/repository"
)

// GenerationConfig holds submission limits and pricing overrides
type GenerationConfig struct {
	CreditsPerAngle int
	MaxQuantity     int
}

// GenerationService accepts generation requests: it charges credits, creates
// the provider tasks and persists the job for the reconciler.
type GenerationService struct {
	db       *gorm.DB
	jobs     *repository.JobRepository
	ledger   *LedgerService
	registry *provider.Registry
	notifier *NotifierService
	logger   *logger.Logger
	cfg      GenerationConfig
	now      func() time.Time
}

// NewGenerationService creates a new generation service
func NewGenerationService(
	db *gorm.DB,
	jobs *repository.JobRepository,
	ledger *LedgerService,
	registry *provider.Registry,
	notifier *NotifierService,
	log *logger.Logger,
	cfg *GenerationConfig,
) *GenerationService {
	c := *cfg
	if c.CreditsPerAngle <= 0 {
		c.CreditsPerAngle = 20
	}
	if c.MaxQuantity <= 0 {
		c.MaxQuantity = 4
	}
	return &GenerationService{
		db:       db,
		jobs:     jobs,
		ledger:   ledger,
		registry: registry,
		notifier: notifier,
		logger:   log,
		cfg:      c,
		now:      time.Now,
	}
}

func (s *GenerationService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// SubmitRequest describes a generation request.
// For multi-angle jobs Prompt is optional and appended to every angle prompt.
type SubmitRequest struct {
	UserID          string         `json:"-"`
	ModelKey        string         `json:"model_key"`
	Kind            domain.JobKind `json:"kind"`
	Prompt          string         `json:"prompt"`
	ReferenceAssets []string       `json:"reference_assets"`
	AspectRatio     string         `json:"aspect_ratio"`
	Resolution      string         `json:"resolution"`
	Quantity        int            `json:"quantity"`
	AngleSet        string         `json:"angle_set"`
}

// JobDetail is a job with its subtasks and credit accounting.
type JobDetail struct {
	*domain.Job
	Charged      int                        `json:"credits_charged"`
	Refunded     int                        `json:"credits_refunded_total"`
	Transactions []domain.CreditTransaction `json:"transactions"`
}

type subTaskPlan struct {
	label  string
	prompt string
}

type submission struct {
	route   *provider.Route
	kind    domain.JobKind
	credits int
	plans   []subTaskPlan
}

func (s *GenerationService) validate(req *SubmitRequest) (*submission, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidRequest)
	}
	route, err := s.registry.Resolve(req.ModelKey)
	if err != nil {
		return nil, err
	}

	sub := &submission{route: route, kind: route.Kind, credits: route.Credits}
	prompt := strings.TrimSpace(req.Prompt)

	switch req.Kind {
	case domain.JobKindMultiAngle:
		if route.Kind != domain.JobKindImage {
			return nil, fmt.Errorf("%w: model %s cannot render angle sets", domain.ErrInvalidRequest, req.ModelKey)
		}
		set, ok := prompts.LookupAngleSet(req.AngleSet)
		if !ok {
			return nil, fmt.Errorf("%w: unknown angle set %q", domain.ErrInvalidRequest, req.AngleSet)
		}
		if len(req.ReferenceAssets) == 0 {
			return nil, fmt.Errorf("%w: multi-angle generation needs a reference image", domain.ErrInvalidRequest)
		}
		sub.kind = domain.JobKindMultiAngle
		sub.credits = s.cfg.CreditsPerAngle
		for _, angle := range set.Angles {
			sub.plans = append(sub.plans, subTaskPlan{label: angle.Label, prompt: prompts.MultiAnglePrompt(angle, prompt)})
		}
		return sub, nil
	case "", route.Kind:
	default:
		return nil, fmt.Errorf("%w: model %s generates %s, not %s", domain.ErrInvalidRequest, req.ModelKey, route.Kind, req.Kind)
	}

	if prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", domain.ErrInvalidRequest)
	}
	quantity := req.Quantity
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 1 || quantity > s.cfg.MaxQuantity {
		return nil, fmt.Errorf("%w: quantity must be between 1 and %d", domain.ErrInvalidRequest, s.cfg.MaxQuantity)
	}
	for i := 0; i < quantity; i++ {
		sub.plans = append(sub.plans, subTaskPlan{prompt: prompt})
	}
	return sub, nil
}

// Submit charges the full job price, creates one provider task per subtask and
// persists the job. A failure on the first provider task rejects the whole
// submission and refunds the charge; later failures only fail their subtask.
func (s *GenerationService) Submit(ctx context.Context, req *SubmitRequest) (*domain.Job, error) {
	sub, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	jobID := uuid.New().String()
	total := sub.credits * len(sub.plans)
	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldUserID:   req.UserID,
		logger.FieldJobID:    jobID,
		logger.FieldModel:    req.ModelKey,
		logger.FieldProvider: sub.route.Adapter.Name(),
	})

	balance, err := s.ledger.Debit(ctx, req.UserID, total,
		fmt.Sprintf("generation: %s x%d", req.ModelKey, len(sub.plans)), jobID)
	if err != nil {
		return nil, err
	}

	// the charge is committed; finish bookkeeping even if the caller goes away
	bookCtx := context.WithoutCancel(ctx)

	now := s.now()
	job := &domain.Job{
		ID:                jobID,
		UserID:            req.UserID,
		ModelKey:          req.ModelKey,
		Kind:              sub.kind,
		Prompt:            req.Prompt,
		AspectRatio:       req.AspectRatio,
		Resolution:        req.Resolution,
		ReferenceAssets:   domain.StringArray(req.ReferenceAssets),
		Status:            domain.JobStatusProcessing,
		TotalSubtasks:     len(sub.plans),
		CreditsPerSubtask: sub.credits,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	for i, plan := range sub.plans {
		st := domain.SubTask{
			ID:        uuid.New().String(),
			JobID:     jobID,
			Seq:       i,
			Label:     plan.label,
			Prompt:    plan.prompt,
			CreatedAt: now,
			UpdatedAt: now,
		}

		externalID, err := sub.route.Adapter.CreateTask(ctx, &provider.CreateTaskInput{
			Model:           sub.route.ProviderModel,
			Prompt:          plan.prompt,
			ReferenceAssets: req.ReferenceAssets,
			AspectRatio:     req.AspectRatio,
			Resolution:      req.Resolution,
			OutputFormat:    sub.route.OutputFormat,
		})
		if err != nil && i == 0 {
			s.log(ctx).WithError(err).Warn("Provider rejected submission")
			s.refundSubmission(bookCtx, job, total)
			return nil, fmt.Errorf("failed to create provider task: %w", err)
		}

		if err != nil {
			s.log(ctx).WithError(err).WithField("seq", i).Warn("Provider task creation failed")
			completedAt := s.now()
			st.Status = domain.SubTaskStatusFailed
			st.ErrorMessage = "submission failed: " + err.Error()
			st.CompletedAt = &completedAt
		} else {
			submittedAt := s.now()
			st.Status = domain.SubTaskStatusProcessing
			st.ExternalTaskID = externalID
			st.SubmittedAt = &submittedAt
		}
		job.SubTasks = append(job.SubTasks, st)
	}

	err = repository.RunInTx(bookCtx, s.db, func(tx *gorm.DB) error {
		refunded := 0
		for _, st := range job.SubTasks {
			if st.Status == domain.SubTaskStatusFailed {
				job.FailedSubtasks++
			}
		}
		if err := s.jobs.WithTx(tx).Create(bookCtx, job); err != nil {
			return err
		}
		for _, st := range job.SubTasks {
			if st.Status != domain.SubTaskStatusFailed {
				continue
			}
			bal, applied, err := s.ledger.RefundTx(bookCtx, tx, RefundRequest{
				UserID:    job.UserID,
				Amount:    job.CreditsPerSubtask,
				Reason:    "refund: submission failed",
				JobID:     job.ID,
				SubTaskID: st.ID,
			})
			if err != nil {
				return err
			}
			if applied {
				refunded += job.CreditsPerSubtask
				balance = bal
			}
		}
		if refunded > 0 {
			if err := s.jobs.WithTx(tx).ApplyOutcome(bookCtx, job.ID, 0, 0, refunded); err != nil {
				return err
			}
			job.CreditsRefunded = refunded
		}
		return nil
	})
	if err != nil {
		s.log(ctx).WithError(err).Error("Failed to persist job")
		s.refundSubmission(bookCtx, job, total)
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	s.log(ctx).WithFields(logger.Fields{
		logger.FieldCount: job.TotalSubtasks,
		"credits":         total,
		"failed":          job.FailedSubtasks,
		"balance":         balance,
	}).Info("Job submitted")

	s.notifier.CheckLowBalance(bookCtx, job.UserID, balance)
	s.notifier.Alert(bookCtx, fmt.Sprintf("*Credits spent* %d\nUser: `%s`\nModel: %s\nJob: `%s`",
		total, job.UserID, job.ModelKey, job.ID))

	return job, nil
}

// refundSubmission returns the whole charge of a submission that was never persisted.
func (s *GenerationService) refundSubmission(ctx context.Context, job *domain.Job, total int) {
	_, err := s.ledger.Refund(ctx, RefundRequest{
		UserID: job.UserID,
		Amount: total,
		Reason: "refund: submission rejected",
		JobID:  job.ID,
	})
	if err != nil {
		s.log(ctx).WithError(err).Error("Failed to refund rejected submission")
		s.notifier.Alert(ctx, fmt.Sprintf("*Refund failed* %d credits\nUser: `%s`\nJob: `%s`", total, job.UserID, job.ID))
	}
}

// GetJob returns a job owned by userID with its subtasks and ledger rows.
func (s *GenerationService) GetJob(ctx context.Context, userID, jobID string) (*JobDetail, error) {
	job, err := s.jobs.GetWithSubTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, domain.ErrNotFound
	}

	txs, err := s.ledger.JobTransactions(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job transactions: %w", err)
	}

	detail := &JobDetail{Job: job, Transactions: txs}
	for _, tx := range txs {
		switch tx.Type {
		case domain.TransactionTypeDebit:
			detail.Charged -= tx.Amount
		case domain.TransactionTypeRefund:
			detail.Refunded += tx.Amount
		}
	}
	return detail, nil
}

// ListJobs returns a page of jobs owned by userID, newest first.
func (s *GenerationService) ListJobs(ctx context.Context, userID string, limit, offset int) ([]domain.Job, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.jobs.ListByUser(ctx, userID, limit, offset)
}

// Models lists the model keys accepted by Submit.
func (s *GenerationService) Models() []*provider.Route {
	return s.registry.Models()
}

// IsClientError reports whether err was caused by the request rather than the system.
func IsClientError(err error) bool {
	return errors.Is(err, domain.ErrInvalidRequest) || errors.Is(err, domain.ErrUnknownModel)
}
