package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/genflow/internal/api/middleware"
	"github.com/timmy/genflow/internal/service"
)

// CreditHandler exposes the caller's credit balance and ledger.
type CreditHandler struct {
	ledger      *service.LedgerService
	signupBonus int
}

// NewCreditHandler creates a new credit handler
func NewCreditHandler(ledger *service.LedgerService, signupBonus int) *CreditHandler {
	return &CreditHandler{ledger: ledger, signupBonus: signupBonus}
}

// Balance handles GET /api/v1/credits.
func (h *CreditHandler) Balance(c *gin.Context) {
	userID := middleware.UserID(c)
	balance, err := h.ledger.OpenAccount(c.Request.Context(), userID, h.signupBonus)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "balance": balance})
}

// Transactions handles GET /api/v1/credits/transactions.
func (h *CreditHandler) Transactions(c *gin.Context) {
	limit, offset := pagination(c)
	txs, total, err := h.ledger.ListTransactions(c.Request.Context(), middleware.UserID(c), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"total":        total,
		"limit":        limit,
		"offset":       offset,
	})
}
