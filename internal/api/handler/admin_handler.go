package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/logger"
	"github.com/timmy/genflow/internal/service"
)

// AdminHandler handles operator endpoints.
type AdminHandler struct {
	scheduler   *service.Scheduler
	reconciler  *service.ReconcilerService
	ledger      *service.LedgerService
	passTimeout time.Duration
}

// NewAdminHandler creates a new admin handler.
// Parameters:
//   - scheduler: reconciliation scheduler; manual passes go through it so they never overlap.
//   - reconciler: used for single-job reconciliation.
//   - ledger: credit ledger for grants and audits.
// Returns:
//   - *AdminHandler: initialized handler.
func NewAdminHandler(scheduler *service.Scheduler, reconciler *service.ReconcilerService, ledger *service.LedgerService) *AdminHandler {
	return &AdminHandler{
		scheduler:   scheduler,
		reconciler:  reconciler,
		ledger:      ledger,
		passTimeout: 5 * time.Minute,
	}
}

// GrantRequest represents the credit grant API request.
type GrantRequest struct {
	UserID string                 `json:"user_id" binding:"required"`
	Amount int                    `json:"amount" binding:"required,min=1"`
	Type   domain.TransactionType `json:"type"`
	Reason string                 `json:"reason"`
}

// ReconcilerStatus returns the scheduler state and the last pass stats.
func (h *AdminHandler) ReconcilerStatus(c *gin.Context) {
	logger.CtxDebug(c.Request.Context(), "Reconciler status requested: client_ip=%s", c.ClientIP())
	c.JSON(http.StatusOK, h.scheduler.Status())
}

// RunReconciler runs one pass synchronously and returns its stats.
func (h *AdminHandler) RunReconciler(c *gin.Context) {
	ctx := c.Request.Context()
	logger.CtxInfo(ctx, "Manual reconciliation requested: client_ip=%s", c.ClientIP())

	// detached from the request so a client disconnect does not abort the pass midway
	passCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.passTimeout)
	defer cancel()

	startTime := time.Now()
	stats, err := h.scheduler.RunOnce(passCtx)
	duration := time.Since(startTime)
	if err != nil {
		logger.With(logger.Fields{
			logger.FieldDurationMs: duration.Milliseconds(),
		}).Error(ctx, "Manual reconciliation failed: error=%v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	logger.With(logger.Fields{
		logger.FieldDurationMs: duration.Milliseconds(),
		logger.FieldCount:      stats.Scanned,
	}).Info(ctx, "Manual reconciliation completed: completed=%d, failed=%d, timed_out=%d, pending=%d",
		stats.Completed, stats.Failed, stats.TimedOut, stats.Pending)

	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// ReconcileJob reconciles a single job regardless of its owner.
func (h *AdminHandler) ReconcileJob(c *gin.Context) {
	stats, err := h.reconciler.ReconcileJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// GrantCredits adds purchased or bonus credits to a user.
func (h *AdminHandler) GrantCredits(c *gin.Context) {
	ctx := c.Request.Context()

	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.CtxWarn(ctx, "Invalid grant request: client_ip=%s, error=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Type == "" {
		req.Type = domain.TransactionTypePurchase
	}
	if req.Reason == "" {
		req.Reason = "admin grant"
	}

	balance, err := h.ledger.Grant(ctx, req.UserID, req.Amount, req.Type, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}

	logger.With(logger.Fields{
		logger.FieldUserID: req.UserID,
	}).Info(ctx, "Credits granted: amount=%d, type=%s, balance=%d", req.Amount, req.Type, balance)

	c.JSON(http.StatusOK, gin.H{"user_id": req.UserID, "balance": balance})
}

// VerifyBalance compares a user's cached balance with the ledger sum.
func (h *AdminHandler) VerifyBalance(c *gin.Context) {
	ctx := c.Request.Context()
	audit, err := h.ledger.VerifyBalance(ctx, c.Param("user_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !audit.Consistent {
		logger.CtxWarn(ctx, "Balance drift detected: user_id=%s, cached=%d, ledger=%d",
			audit.UserID, audit.Cached, audit.Ledger)
	}
	c.JSON(http.StatusOK, audit)
}
