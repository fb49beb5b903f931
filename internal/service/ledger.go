package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/logger"
	"github.com/timmy/genflow/internal/repository"
)

// LedgerService applies credit movements. Every balance change writes its
// CreditTransaction row in the same database transaction.
type LedgerService struct {
	db      *gorm.DB
	credits *repository.CreditRepository
	logger  *logger.Logger
}

// NewLedgerService creates a new ledger service
func NewLedgerService(db *gorm.DB, credits *repository.CreditRepository, log *logger.Logger) *LedgerService {
	return &LedgerService{db: db, credits: credits, logger: log}
}

func (s *LedgerService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// RefundRequest identifies the subtask share being returned.
// SubTaskID keys idempotency; a job-level refund uses the job ID instead.
// Key overrides both for charges that belong to no job.
type RefundRequest struct {
	UserID    string
	Amount    int
	Reason    string
	JobID     string
	SubTaskID string
	Key       string
}

func (r *RefundRequest) idempotencyKey() string {
	if r.Key != "" {
		return r.Key
	}
	if r.SubTaskID != "" {
		return domain.RefundKey(r.SubTaskID)
	}
	return domain.RefundKey("job:" + r.JobID)
}

// BalanceAudit compares the cached balance with the ledger sum.
type BalanceAudit struct {
	UserID     string `json:"user_id"`
	Cached     int    `json:"cached"`
	Ledger     int    `json:"ledger"`
	Consistent bool   `json:"consistent"`
}

// Debit subtracts amount in its own transaction.
// Returns domain.ErrInsufficientCredits when the balance does not cover it.
func (s *LedgerService) Debit(ctx context.Context, userID string, amount int, reason, relatedJobID string) (int, error) {
	var balance int
	err := repository.RunInTx(ctx, s.db, func(tx *gorm.DB) error {
		var err error
		balance, err = s.DebitTx(ctx, tx, userID, amount, reason, relatedJobID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// DebitTx subtracts amount using tx. The balance check and decrement are a single
// conditional UPDATE, so concurrent debits cannot overspend.
func (s *LedgerService) DebitTx(ctx context.Context, tx *gorm.DB, userID string, amount int, reason, relatedJobID string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: debit amount must be positive", domain.ErrInvalidRequest)
	}
	credits := s.credits.WithTx(tx)

	after, applied, err := credits.DebitIfSufficient(ctx, userID, amount)
	if err != nil {
		return 0, fmt.Errorf("failed to debit credits: %w", err)
	}
	if !applied {
		return after, fmt.Errorf("%w: balance %d, required %d", domain.ErrInsufficientCredits, after, amount)
	}

	entry := &domain.CreditTransaction{
		ID:            uuid.New().String(),
		UserID:        userID,
		Amount:        -amount,
		Type:          domain.TransactionTypeDebit,
		Reason:        reason,
		RelatedJobID:  optionalString(relatedJobID),
		BalanceBefore: after + amount,
		BalanceAfter:  after,
		CreatedAt:     time.Now(),
	}
	if err := credits.InsertTransaction(ctx, entry); err != nil {
		return 0, fmt.Errorf("failed to record debit: %w", err)
	}
	return after, nil
}

// Refund returns credits at most once per subtask. A repeated refund is a no-op
// returning the current balance.
func (s *LedgerService) Refund(ctx context.Context, req RefundRequest) (int, error) {
	var balance int
	err := repository.RunInTx(ctx, s.db, func(tx *gorm.DB) error {
		var err error
		balance, _, err = s.RefundTx(ctx, tx, req)
		return err
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// lost a race against another refund of the same share
		return s.credits.GetBalance(ctx, req.UserID)
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// RefundTx refunds using tx so the caller can commit it together with the
// state change that caused it. applied is false when the share was already refunded.
func (s *LedgerService) RefundTx(ctx context.Context, tx *gorm.DB, req RefundRequest) (balance int, applied bool, err error) {
	if req.Amount <= 0 {
		return 0, false, fmt.Errorf("%w: refund amount must be positive", domain.ErrInvalidRequest)
	}
	credits := s.credits.WithTx(tx)
	key := req.idempotencyKey()

	if _, err := credits.FindByIdempotencyKey(ctx, key); err == nil {
		balance, err := credits.GetBalance(ctx, req.UserID)
		return balance, false, err
	} else if !errors.Is(err, domain.ErrNotFound) {
		return 0, false, fmt.Errorf("failed to check refund key: %w", err)
	}

	after, err := credits.AddBalance(ctx, req.UserID, req.Amount)
	if err != nil {
		return 0, false, fmt.Errorf("failed to credit refund: %w", err)
	}

	entry := &domain.CreditTransaction{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		Amount:           req.Amount,
		Type:             domain.TransactionTypeRefund,
		Reason:           req.Reason,
		RelatedJobID:     optionalString(req.JobID),
		RelatedSubTaskID: optionalString(req.SubTaskID),
		IdempotencyKey:   &key,
		BalanceBefore:    after - req.Amount,
		BalanceAfter:     after,
		CreatedAt:        time.Now(),
	}
	if err := credits.InsertTransaction(ctx, entry); err != nil {
		return 0, false, fmt.Errorf("failed to record refund: %w", err)
	}

	s.log(ctx).WithFields(logger.Fields{
		logger.FieldUserID:    req.UserID,
		logger.FieldJobID:     req.JobID,
		logger.FieldSubTaskID: req.SubTaskID,
		"amount":              req.Amount,
		"balance":             after,
	}).Info("Credits refunded")
	return after, true, nil
}

// Grant adds purchased or bonus credits.
func (s *LedgerService) Grant(ctx context.Context, userID string, amount int, txType domain.TransactionType, reason string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: grant amount must be positive", domain.ErrInvalidRequest)
	}
	if txType != domain.TransactionTypePurchase && txType != domain.TransactionTypeBonus {
		return 0, fmt.Errorf("%w: grant type must be purchase or bonus", domain.ErrInvalidRequest)
	}

	var balance int
	err := repository.RunInTx(ctx, s.db, func(tx *gorm.DB) error {
		credits := s.credits.WithTx(tx)
		after, err := credits.AddBalance(ctx, userID, amount)
		if err != nil {
			return err
		}
		balance = after
		return credits.InsertTransaction(ctx, &domain.CreditTransaction{
			ID:            uuid.New().String(),
			UserID:        userID,
			Amount:        amount,
			Type:          txType,
			Reason:        reason,
			BalanceBefore: after - amount,
			BalanceAfter:  after,
			CreatedAt:     time.Now(),
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to grant credits: %w", err)
	}
	return balance, nil
}

// OpenAccount creates the credit account of a new user and grants the signup
// bonus once. It is safe to call on every request.
func (s *LedgerService) OpenAccount(ctx context.Context, userID string, bonus int) (int, error) {
	if bonus <= 0 {
		if err := s.credits.EnsureAccount(ctx, userID); err != nil {
			return 0, fmt.Errorf("failed to open account: %w", err)
		}
		return s.credits.GetBalance(ctx, userID)
	}

	key := "signup:" + userID
	if _, err := s.credits.FindByIdempotencyKey(ctx, key); err == nil {
		return s.credits.GetBalance(ctx, userID)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return 0, fmt.Errorf("failed to check signup bonus: %w", err)
	}

	var balance int
	err := repository.RunInTx(ctx, s.db, func(tx *gorm.DB) error {
		credits := s.credits.WithTx(tx)
		after, err := credits.AddBalance(ctx, userID, bonus)
		if err != nil {
			return err
		}
		balance = after
		return credits.InsertTransaction(ctx, &domain.CreditTransaction{
			ID:             uuid.New().String(),
			UserID:         userID,
			Amount:         bonus,
			Type:           domain.TransactionTypeBonus,
			Reason:         "signup bonus",
			IdempotencyKey: &key,
			BalanceBefore:  after - bonus,
			BalanceAfter:   after,
			CreatedAt:      time.Now(),
		})
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return s.credits.GetBalance(ctx, userID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to grant signup bonus: %w", err)
	}
	s.log(ctx).WithFields(logger.Fields{logger.FieldUserID: userID, "amount": bonus}).Info("Account opened")
	return balance, nil
}

// Balance returns the cached balance of userID.
func (s *LedgerService) Balance(ctx context.Context, userID string) (int, error) {
	return s.credits.GetBalance(ctx, userID)
}

// ListTransactions returns a page of the ledger for userID, newest first.
func (s *LedgerService) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]domain.CreditTransaction, int64, error) {
	return s.credits.ListTransactions(ctx, userID, limit, offset)
}

// JobTransactions returns the debit and refund rows of a job.
func (s *LedgerService) JobTransactions(ctx context.Context, jobID string) ([]domain.CreditTransaction, error) {
	return s.credits.ListByJob(ctx, jobID)
}

// VerifyBalance recomputes the balance from the ledger and compares it with the cache.
func (s *LedgerService) VerifyBalance(ctx context.Context, userID string) (*BalanceAudit, error) {
	cached, err := s.credits.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	sum, err := s.credits.SumTransactions(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &BalanceAudit{UserID: userID, Cached: cached, Ledger: sum, Consistent: cached == sum}, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
