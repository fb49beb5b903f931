package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/genflow/internal/api/middleware"
	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/logger"
	"github.com/timmy/genflow/internal/prompts"
	"github.com/timmy/genflow/internal/service"
)

// JobHandler handles generation job endpoints.
type JobHandler struct {
	generation  *service.GenerationService
	reconciler  *service.ReconcilerService
	ledger      *service.LedgerService
	signupBonus int
}

// NewJobHandler creates a new job handler.
// Parameters:
//   - generation: submission service.
//   - reconciler: reconciler used for cancel and on-demand reconciliation.
//   - ledger: credit ledger, used to open accounts on first submission.
//   - signupBonus: credits granted to a new account.
// Returns:
//   - *JobHandler: initialized handler.
func NewJobHandler(generation *service.GenerationService, reconciler *service.ReconcilerService, ledger *service.LedgerService, signupBonus int) *JobHandler {
	return &JobHandler{generation: generation, reconciler: reconciler, ledger: ledger, signupBonus: signupBonus}
}

// ModelInfo describes a model clients may submit to.
type ModelInfo struct {
	Key     string         `json:"key"`
	Kind    domain.JobKind `json:"kind"`
	Credits int            `json:"credits"`
}

// Submit handles POST /api/v1/jobs.
func (h *JobHandler) Submit(c *gin.Context) {
	var req service.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	req.UserID = middleware.UserID(c)
	ctx := c.Request.Context()

	if _, err := h.ledger.OpenAccount(ctx, req.UserID, h.signupBonus); err != nil {
		writeError(c, err)
		return
	}

	job, err := h.generation.Submit(ctx, &req)
	if err != nil {
		logger.CtxInfo(ctx, "Submission rejected: model=%s, error=%v", req.ModelKey, err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

// List handles GET /api/v1/jobs.
func (h *JobHandler) List(c *gin.Context) {
	limit, offset := pagination(c)
	jobs, total, err := h.generation.ListJobs(c.Request.Context(), middleware.UserID(c), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// Get handles GET /api/v1/jobs/:id.
func (h *JobHandler) Get(c *gin.Context) {
	detail, err := h.generation.GetJob(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// Cancel handles POST /api/v1/jobs/:id/cancel.
func (h *JobHandler) Cancel(c *gin.Context) {
	job, err := h.reconciler.CancelJob(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Reconcile handles POST /api/v1/jobs/:id/reconcile.
func (h *JobHandler) Reconcile(c *gin.Context) {
	ctx := c.Request.Context()
	userID := middleware.UserID(c)

	// ownership check
	if _, err := h.generation.GetJob(ctx, userID, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}

	stats, err := h.reconciler.ReconcileJob(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	detail, err := h.generation.GetJob(ctx, userID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats, "job": detail})
}

// Models handles GET /api/v1/models.
func (h *JobHandler) Models(c *gin.Context) {
	routes := h.generation.Models()
	models := make([]ModelInfo, 0, len(routes))
	for _, r := range routes {
		models = append(models, ModelInfo{Key: r.ModelKey, Kind: r.Kind, Credits: r.Credits})
	}
	c.JSON(http.StatusOK, gin.H{
		"models":     models,
		"angle_sets": prompts.AngleSets(),
	})
}
