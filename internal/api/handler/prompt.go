package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/genflow/internal/api/middleware"
	"github.com/timmy/genflow/internal/service"
)

// PromptHandler exposes the prompt compiler.
type PromptHandler struct {
	compiler    *service.PromptCompilerService
	ledger      *service.LedgerService
	signupBonus int
}

// NewPromptHandler creates a new prompt handler
func NewPromptHandler(compiler *service.PromptCompilerService, ledger *service.LedgerService, signupBonus int) *PromptHandler {
	return &PromptHandler{compiler: compiler, ledger: ledger, signupBonus: signupBonus}
}

// Cost handles GET /api/v1/prompts/cost.
func (h *PromptHandler) Cost(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"enabled":     h.compiler.IsEnabled(),
		"credit_cost": h.compiler.CreditCost(),
	})
}

// Compile handles POST /api/v1/prompts/compile.
func (h *PromptHandler) Compile(c *gin.Context) {
	var req service.CompileRequest
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

	res, err := h.compiler.Compile(ctx, &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
