package repository

import (
	"context"
	"errors"
	"time"

	"github.com/timmy/genflow/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreditRepository handles balance and ledger persistence.
// Balance mutations must run inside a transaction together with InsertTransaction.
type CreditRepository struct {
	db *gorm.DB
}

// NewCreditRepository creates a new CreditRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *CreditRepository: repository instance bound to db.
func NewCreditRepository(db *gorm.DB) *CreditRepository {
	return &CreditRepository{db: db}
}

// WithTx returns a copy of the repository bound to tx.
func (r *CreditRepository) WithTx(tx *gorm.DB) *CreditRepository {
	return &CreditRepository{db: tx}
}

// EnsureAccount creates a zero balance row for userID if none exists.
func (r *CreditRepository) EnsureAccount(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.UserCredit{UserID: userID, Balance: 0, UpdatedAt: time.Now()}).Error
}

// GetBalance returns the cached balance for userID, or 0 when the user has no account yet.
func (r *CreditRepository) GetBalance(ctx context.Context, userID string) (int, error) {
	var uc domain.UserCredit
	err := r.db.WithContext(ctx).First(&uc, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uc.Balance, nil
}

// DebitIfSufficient atomically subtracts amount when the balance covers it.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: account owner.
//   - amount: positive number of credits to subtract.
// Returns:
//   - int: balance after the debit (or the current balance when not applied).
//   - bool: true if the debit was applied.
//   - error: non-nil if the update fails.
func (r *CreditRepository) DebitIfSufficient(ctx context.Context, userID string, amount int) (int, bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.UserCredit{}).
		Where("user_id = ? AND balance >= ?", userID, amount).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance - ?", amount),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return 0, false, res.Error
	}
	balance, err := r.GetBalance(ctx, userID)
	if err != nil {
		return 0, false, err
	}
	return balance, res.RowsAffected == 1, nil
}

// AddBalance adds amount to the balance and returns the new value.
func (r *CreditRepository) AddBalance(ctx context.Context, userID string, amount int) (int, error) {
	if err := r.EnsureAccount(ctx, userID); err != nil {
		return 0, err
	}
	err := r.db.WithContext(ctx).Model(&domain.UserCredit{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance + ?", amount),
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		return 0, err
	}
	return r.GetBalance(ctx, userID)
}

// InsertTransaction appends a ledger row.
// A duplicate idempotency key surfaces as gorm.ErrDuplicatedKey.
func (r *CreditRepository) InsertTransaction(ctx context.Context, tx *domain.CreditTransaction) error {
	return r.db.WithContext(ctx).Create(tx).Error
}

// FindByIdempotencyKey returns the ledger row recorded under key.
// Returns domain.ErrNotFound when no row exists.
func (r *CreditRepository) FindByIdempotencyKey(ctx context.Context, key string) (*domain.CreditTransaction, error) {
	var tx domain.CreditTransaction
	if err := r.db.WithContext(ctx).First(&tx, "idempotency_key = ?", key).Error; err != nil {
		return nil, notFound(err)
	}
	return &tx, nil
}

// ListTransactions retrieves a page of ledger rows for userID, newest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: account owner.
//   - limit: maximum number of rows.
//   - offset: number of rows to skip.
// Returns:
//   - []domain.CreditTransaction: ledger rows on the page.
//   - int64: total number of rows for the user.
//   - error: non-nil if the query fails.
func (r *CreditRepository) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]domain.CreditTransaction, int64, error) {
	var rows []domain.CreditTransaction
	var total int64

	if err := r.db.WithContext(ctx).Model(&domain.CreditTransaction{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// ListByJob retrieves every ledger row linked to a job.
func (r *CreditRepository) ListByJob(ctx context.Context, jobID string) ([]domain.CreditTransaction, error) {
	var rows []domain.CreditTransaction
	if err := r.db.WithContext(ctx).Where("related_job_id = ?", jobID).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// SumTransactions returns the signed sum of all ledger rows for userID.
func (r *CreditRepository) SumTransactions(ctx context.Context, userID string) (int, error) {
	var sum int64
	err := r.db.WithContext(ctx).Model(&domain.CreditTransaction{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	if err != nil {
		return 0, err
	}
	return int(sum), nil
}
