package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "requestID"
)

// ExtractRequestID returns the id RequestIDMiddleware attached to the request.
func ExtractRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

func newRequestID(c *gin.Context) string {
	if id := c.GetHeader(requestIDHeader); id != "" {
		return id
	}
	return uuid.NewString()
}
