package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xpanvictor/xarvis-realtime/pkg/Logger"
)

// SystemService is what the operational endpoints read from.
type SystemService interface {
	Ready(ctx context.Context) error
	Stats() map[string]any
	ConnectionCount() int
}

type SystemHandler struct {
	service SystemService
	logger  *Logger.Logger
}

func NewSystemHandler(service SystemService, logger *Logger.Logger) *SystemHandler {
	return &SystemHandler{service: service, logger: logger}
}

// Health godoc
// @Summary Liveness probe
// @Success 200 {object} HealthResponse
// @Router /health [get]
func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Ready godoc
// @Summary Readiness probe; pings Redis when configured
// @Success 200 {object} ReadyResponse
// @Failure 503 {object} ErrorResponse
// @Router /ready [get]
func (h *SystemHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.service.Ready(ctx); err != nil {
		h.logger.Warnf("readiness check failed: %v", err)
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "not ready", Details: err.Error()})
		return
	}
	c.JSON(http.StatusOK, ReadyResponse{Status: "ready", Connections: h.service.ConnectionCount()})
}

// Stats godoc
// @Summary Aggregate pool, router, VAD, buffer, processor and recovery counters
// @Success 200 {object} StatsResponse
// @Router /stats [get]
func (h *SystemHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, StatsResponse{Status: "ok", Data: h.service.Stats()})
}
