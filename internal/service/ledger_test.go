package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/logger"
	"github.com/timmy/genflow/internal/repository"
)

func newTestLedger(t *testing.T) *LedgerService {
	t.Helper()
	db := newTestDB(t)
	return NewLedgerService(db, repository.NewCreditRepository(db), logger.GetDefault())
}

func TestLedgerDebit(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	if _, err := ledger.Debit(ctx, testUser, 10, "no account", ""); !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Errorf("debit without account: err = %v", err)
	}
	if _, err := ledger.Grant(ctx, testUser, 50, domain.TransactionTypePurchase, "pack"); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	balance, err := ledger.Debit(ctx, testUser, 30, "generation", "job-1")
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if balance != 20 {
		t.Errorf("balance = %d, want 20", balance)
	}
	if _, err := ledger.Debit(ctx, testUser, 21, "generation", "job-2"); !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Errorf("overdraft: err = %v, want ErrInsufficientCredits", err)
	}
	if _, err := ledger.Debit(ctx, testUser, 0, "zero", ""); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("zero debit: err = %v, want ErrInvalidRequest", err)
	}

	txs, total, err := ledger.ListTransactions(ctx, testUser, 10, 0)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if total != 2 || len(txs) != 2 {
		t.Fatalf("transactions = %d (total %d), want 2", len(txs), total)
	}
	for _, tx := range txs {
		if tx.Type == domain.TransactionTypeDebit && (tx.Amount != -30 || tx.BalanceBefore != 50 || tx.BalanceAfter != 20) {
			t.Errorf("debit row = %+v", tx)
		}
	}
}

func TestLedgerConcurrentDebitsNeverOverspend(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	if _, err := ledger.Grant(ctx, testUser, 100, domain.TransactionTypeBonus, "signup"); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.Debit(ctx, testUser, 20, "generation", ""); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 5 {
		t.Errorf("successful debits = %d, want 5", succeeded)
	}
	if b, _ := ledger.Balance(ctx, testUser); b != 0 {
		t.Errorf("balance = %d, want 0", b)
	}
}

func TestLedgerRefundIsIdempotent(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	if _, err := ledger.Grant(ctx, testUser, 40, domain.TransactionTypeBonus, "signup"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if _, err := ledger.Debit(ctx, testUser, 40, "generation", "job-1"); err != nil {
		t.Fatalf("Debit: %v", err)
	}

	req := RefundRequest{UserID: testUser, Amount: 20, Reason: "refund: nsfw", JobID: "job-1", SubTaskID: "st-1"}
	for i := 0; i < 3; i++ {
		balance, err := ledger.Refund(ctx, req)
		if err != nil {
			t.Fatalf("Refund #%d: %v", i, err)
		}
		if balance != 20 {
			t.Errorf("Refund #%d balance = %d, want 20", i, balance)
		}
	}

	// another subtask of the same job is a separate share
	other := req
	other.SubTaskID = "st-2"
	if balance, err := ledger.Refund(ctx, other); err != nil || balance != 40 {
		t.Errorf("second share: balance = %d, err = %v", balance, err)
	}

	txs, err := ledger.JobTransactions(ctx, "job-1")
	if err != nil {
		t.Fatalf("JobTransactions: %v", err)
	}
	if len(txs) != 3 {
		t.Errorf("job transactions = %d, want 3", len(txs))
	}

	audit, err := ledger.VerifyBalance(ctx, testUser)
	if err != nil {
		t.Fatalf("VerifyBalance: %v", err)
	}
	if !audit.Consistent || audit.Cached != 40 {
		t.Errorf("audit = %+v", audit)
	}
}

func TestLedgerGrantValidation(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	testCases := []struct {
		name   string
		amount int
		typ    domain.TransactionType
	}{
		{name: "refund type", amount: 10, typ: domain.TransactionTypeRefund},
		{name: "debit type", amount: 10, typ: domain.TransactionTypeDebit},
		{name: "negative amount", amount: -5, typ: domain.TransactionTypeBonus},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ledger.Grant(ctx, testUser, tc.amount, tc.typ, "x"); !errors.Is(err, domain.ErrInvalidRequest) {
				t.Errorf("err = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestLedgerOpenAccountGrantsBonusOnce(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		balance, err := ledger.OpenAccount(ctx, testUser, 25)
		if err != nil {
			t.Fatalf("OpenAccount #%d: %v", i, err)
		}
		if balance != 25 {
			t.Errorf("OpenAccount #%d balance = %d, want 25", i, balance)
		}
	}

	if balance, err := ledger.OpenAccount(ctx, "user-2", 0); err != nil || balance != 0 {
		t.Errorf("without bonus: balance = %d, err = %v", balance, err)
	}
}
