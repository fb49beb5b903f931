package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/genflow/internal/api/middleware"
	"github.com/timmy/genflow/internal/logger"
	"github.com/timmy/genflow/internal/notify"
	"github.com/timmy/genflow/internal/service"
)

// NotificationHandler serves the in-app notification feed.
type NotificationHandler struct {
	notifier *service.NotifierService
	hub      *notify.Hub
}

// NewNotificationHandler creates a new notification handler. hub may be nil,
// which disables the live stream.
func NewNotificationHandler(notifier *service.NotifierService, hub *notify.Hub) *NotificationHandler {
	return &NotificationHandler{notifier: notifier, hub: hub}
}

// List handles GET /api/v1/notifications.
func (h *NotificationHandler) List(c *gin.Context) {
	ctx := c.Request.Context()
	userID := middleware.UserID(c)
	limit, offset := pagination(c)

	items, err := h.notifier.List(ctx, userID, c.Query("unread_only") == "true", limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	unread, err := h.notifier.UnreadCount(ctx, userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": items, "unread": unread})
}

// MarkRead handles POST /api/v1/notifications/:id/read.
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	if err := h.notifier.MarkRead(c.Request.Context(), middleware.UserID(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// MarkAllRead handles POST /api/v1/notifications/read-all.
func (h *NotificationHandler) MarkAllRead(c *gin.Context) {
	n, err := h.notifier.MarkAllRead(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

// Stream handles GET /api/v1/notifications/stream and upgrades to a WebSocket.
func (h *NotificationHandler) Stream(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "live notifications disabled"})
		return
	}
	if err := h.hub.ServeWS(c.Writer, c.Request, middleware.UserID(c)); err != nil {
		// the upgrader has already written the HTTP error
		logger.CtxWarn(c.Request.Context(), "WebSocket upgrade failed: %v", err)
	}
}
