// Package handlers provides HTTP API request handlers.
package handlers

import (
	"github.com/gin-gonic/gin"
)

const (
	userIDKey    = "userID"
	userIDHeader = "X-User-ID"
	defaultUser  = "default-user"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// UserMiddleware resolves the requester from the X-User-ID header.
func UserMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.GetHeader(userIDHeader); id != "" {
			c.Set(userIDKey, id)
		}
		c.Next()
	}
}

// getUserID extracts the user ID from the request context.
func getUserID(c *gin.Context) string {
	if userID, exists := c.Get(userIDKey); exists {
		if id, ok := userID.(string); ok && id != "" {
			return id
		}
	}
	return defaultUser
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}
