package api

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/timmy/genflow/internal/api/handler"
	"github.com/timmy/genflow/internal/api/middleware"
	"github.com/timmy/genflow/internal/logger"
	"github.com/timmy/genflow/internal/notify"
	"github.com/timmy/genflow/internal/service"
)

// Deps bundles what the HTTP layer needs.
type Deps struct {
	DB             *gorm.DB
	StorageBackend string
	Generation     *service.GenerationService
	Compiler       *service.PromptCompilerService
	Reconciler     *service.ReconcilerService
	Scheduler      *service.Scheduler
	Ledger         *service.LedgerService
	Notifier       *service.NotifierService
	Hub            *notify.Hub
	SignupBonus    int
	AdminToken     string
	CORS           middleware.CORSConfig
	Logger         *logger.Logger
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps *Deps, mode string) *gin.Engine {
	// Set Gin mode
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	log := deps.Logger
	if log == nil {
		log = logger.GetDefault()
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(deps.CORS))

	// Create handlers
	healthHandler := handler.NewHealthHandler(deps.DB, deps.StorageBackend)
	jobHandler := handler.NewJobHandler(deps.Generation, deps.Reconciler, deps.Ledger, deps.SignupBonus)
	creditHandler := handler.NewCreditHandler(deps.Ledger, deps.SignupBonus)
	notificationHandler := handler.NewNotificationHandler(deps.Notifier, deps.Hub)
	promptHandler := handler.NewPromptHandler(deps.Compiler, deps.Ledger, deps.SignupBonus)
	adminHandler := handler.NewAdminHandler(deps.Scheduler, deps.Reconciler, deps.Ledger)

	// Health check
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		v1.GET("/models", jobHandler.Models)
		v1.GET("/prompts/cost", promptHandler.Cost)

		user := v1.Group("", middleware.RequireUser())
		{
			// Jobs
			user.POST("/jobs", jobHandler.Submit)
			user.GET("/jobs", jobHandler.List)
			user.GET("/jobs/:id", jobHandler.Get)
			user.POST("/jobs/:id/cancel", jobHandler.Cancel)
			user.POST("/jobs/:id/reconcile", jobHandler.Reconcile)

			// Credits
			user.GET("/credits", creditHandler.Balance)
			user.GET("/credits/transactions", creditHandler.Transactions)

			// Prompt compiler
			user.POST("/prompts/compile", promptHandler.Compile)

			// Notifications
			user.GET("/notifications", notificationHandler.List)
			user.GET("/notifications/stream", notificationHandler.Stream)
			user.POST("/notifications/read-all", notificationHandler.MarkAllRead)
			user.POST("/notifications/:id/read", notificationHandler.MarkRead)
		}

		admin := v1.Group("/admin", middleware.RequireAdmin(deps.AdminToken))
		{
			admin.GET("/reconciler", adminHandler.ReconcilerStatus)
			admin.POST("/reconciler/run", adminHandler.RunReconciler)
			admin.POST("/jobs/:id/reconcile", adminHandler.ReconcileJob)
			admin.POST("/credits/grant", adminHandler.GrantCredits)
			admin.GET("/credits/:user_id/verify", adminHandler.VerifyBalance)
		}
	}

	return r
}
