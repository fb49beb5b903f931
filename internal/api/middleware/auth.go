package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/genflow/internal/logger"
)

const (
	// UserIDHeader is set by the upstream gateway after authenticating the caller.
	UserIDHeader = "X-User-ID"
	// AdminTokenHeader guards the operator endpoints.
	AdminTokenHeader = "X-Admin-Token"

	userIDKey = "user_id"
)

// RequireUser rejects requests without a trusted user ID and adds it to the request logger.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(UserIDHeader)
		if userID == "" || len(userID) > 128 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + UserIDHeader + " header"})
			return
		}
		c.Set(userIDKey, userID)
		c.Request = c.Request.WithContext(logger.SetUserID(c.Request.Context(), userID))
		c.Next()
	}
}

// UserID returns the caller set by RequireUser.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// RequireAdmin checks the operator token. An empty token disables the admin API.
func RequireAdmin(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin API disabled"})
			return
		}
		got := c.GetHeader(AdminTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			logger.CtxWarn(c.Request.Context(), "Admin request rejected: client_ip=%s", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid admin token"})
			return
		}
		c.Next()
	}
}
