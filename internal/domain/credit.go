package domain

import "time"

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TransactionTypeDebit    TransactionType = "debit"
	TransactionTypeRefund   TransactionType = "refund"
	TransactionTypePurchase TransactionType = "purchase"
	TransactionTypeBonus    TransactionType = "bonus"
)

// CreditTransaction is an append-only ledger row. Amount is signed:
// debits are negative, refunds and grants positive.
type CreditTransaction struct {
	ID               string          `gorm:"type:text;primaryKey" json:"id"`
	UserID           string          `gorm:"type:text;not null;index:idx_credit_tx_user" json:"user_id"`
	Amount           int             `gorm:"not null" json:"amount"`
	Type             TransactionType `gorm:"type:text;not null" json:"type"`
	Reason           string          `gorm:"type:text" json:"reason"`
	RelatedJobID     *string         `gorm:"type:text;index:idx_credit_tx_job" json:"related_job_id,omitempty"`
	RelatedSubTaskID *string         `gorm:"type:text" json:"related_sub_task_id,omitempty"`
	IdempotencyKey   *string         `gorm:"type:text;uniqueIndex:idx_credit_tx_idempotency" json:"-"`
	BalanceBefore    int             `gorm:"not null" json:"balance_before"`
	BalanceAfter     int             `gorm:"not null" json:"balance_after"`
	CreatedAt        time.Time       `gorm:"index:idx_credit_tx_user" json:"created_at"`
}

// TableName returns the database table name for CreditTransaction.
func (CreditTransaction) TableName() string {
	return "credit_transactions"
}

// UserCredit caches the current balance for a user. It is only written in
// the same database transaction as the ledger row that changes it.
type UserCredit struct {
	UserID    string    `gorm:"type:text;primaryKey" json:"user_id"`
	Balance   int       `gorm:"not null;default:0" json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for UserCredit.
func (UserCredit) TableName() string {
	return "user_credits"
}

// RefundKey returns the idempotency key guarding the refund of one subtask's share.
func RefundKey(subTaskID string) string {
	return "refund:" + subTaskID
}
