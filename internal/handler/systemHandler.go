package handler

import (
	"net/http"

	"github.com/aman-churiwal/admission-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/admission-gateway/internal/logger"
	"github.com/gin-gonic/gin"
)

// Handles system-related endpoints
type SystemHandler struct {
	breakers map[string]*circuitbreaker.CircuitBreaker
}

// NewSystemHandler takes the named breakers to expose, such as "store" and
// "upstream".
func NewSystemHandler(breakers map[string]*circuitbreaker.CircuitBreaker) *SystemHandler {
	return &SystemHandler{breakers: breakers}
}

// Handles GET /admin/system/:breaker
func (h *SystemHandler) BreakerStatus(c *gin.Context) {
	name := c.Param("breaker")
	cb, ok := h.breakers[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Circuit breaker not found"})
		return
	}

	c.JSON(http.StatusOK, cb.Metrics())
}

// Handles GET /admin/system
func (h *SystemHandler) AllBreakers(c *gin.Context) {
	statuses := make(map[string]circuitbreaker.Metrics, len(h.breakers))
	for name, cb := range h.breakers {
		statuses[name] = cb.Metrics()
	}
	c.JSON(http.StatusOK, statuses)
}

// Handles POST /admin/system/:breaker/reset
func (h *SystemHandler) ResetBreaker(c *gin.Context) {
	name := c.Param("breaker")
	cb, ok := h.breakers[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Circuit breaker not found"})
		return
	}

	cb.Reset()
	logger.Info("circuit breaker reset by operator", logger.String("breaker", name))

	c.JSON(http.StatusOK, gin.H{
		"message": "Circuit breaker reset successfully",
		"breaker": name,
	})
}
