package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/abuse"
	"github.com/aman-churiwal/admission-gateway/internal/logger"
	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/ratelimit"
	"github.com/aman-churiwal/admission-gateway/internal/service"
	"github.com/gin-gonic/gin"
)

const maxHistoryHours = 24 * 7

// AdminHandler exposes the operator controls of the admission engine.
type AdminHandler struct {
	ledger     *ratelimit.Ledger
	profiler   *abuse.Profiler
	aggregator *service.MetricsAggregator
}

func NewAdminHandler(ledger *ratelimit.Ledger, profiler *abuse.Profiler, aggregator *service.MetricsAggregator) *AdminHandler {
	return &AdminHandler{
		ledger:     ledger,
		profiler:   profiler,
		aggregator: aggregator,
	}
}

type whitelistRequest struct {
	Identifier string `json:"identifier" binding:"required"`
	TTLSeconds int    `json:"ttl_seconds" binding:"required"`
}

// Handles POST /admin/whitelist
func (h *AdminHandler) AddWhitelist(c *gin.Context) {
	var req whitelistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := h.ledger.Whitelist(c.Request.Context(), req.Identifier, ttl); err != nil {
		if errors.Is(err, ratelimit.ErrInvalidTTL) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to whitelist identifier"})
		return
	}

	logger.Info("identifier whitelisted",
		logger.String("identifier", req.Identifier),
		logger.Duration("ttl", ttl),
	)

	c.JSON(http.StatusCreated, gin.H{
		"identifier":  req.Identifier,
		"ttl_seconds": req.TTLSeconds,
		"expires_at":  time.Now().Add(ttl),
	})
}

// Handles DELETE /admin/whitelist/:identifier
func (h *AdminHandler) RemoveWhitelist(c *gin.Context) {
	identifier := c.Param("identifier")

	if err := h.ledger.RemoveWhitelist(c.Request.Context(), identifier); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove whitelist entry"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "Whitelist entry removed",
		"identifier": identifier,
	})
}

// Handles GET /admin/abuse/:identifier
func (h *AdminHandler) GetAbuseRecord(c *gin.Context) {
	report, err := h.profiler.GetRecord(c.Request.Context(), c.Param("identifier"))
	if err != nil {
		if errors.Is(err, abuse.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No abuse record for identifier"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, report)
}

// Handles DELETE /admin/abuse/:identifier
func (h *AdminHandler) Unblock(c *gin.Context) {
	identifier := c.Param("identifier")

	if err := h.profiler.Unblock(c.Request.Context(), identifier); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to unblock identifier"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "Identifier unblocked",
		"identifier": identifier,
	})
}

// Handles GET /admin/quota/:identifier/:category?tier=
func (h *AdminHandler) GetQuota(c *gin.Context) {
	identifier := c.Param("identifier")
	category, err := models.ParseCategory(c.Param("category"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tier := defaultTierFor(identifier)
	if t := c.Query("tier"); t != "" {
		if tier, err = models.ParseTier(t); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	quota, err := h.ledger.GetRemaining(c.Request.Context(), identifier, tier, category)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"identifier": identifier,
		"tier":       tier,
		"category":   category,
		"quota":      quota,
	})
}

// Handles DELETE /admin/quota/:identifier/:category
func (h *AdminHandler) ResetQuota(c *gin.Context) {
	identifier := c.Param("identifier")
	category, err := models.ParseCategory(c.Param("category"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.ledger.ResetLimit(c.Request.Context(), identifier, category); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reset quota"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "Quota reset",
		"identifier": identifier,
		"category":   category,
	})
}

// Handles GET /admin/metrics
func (h *AdminHandler) GetMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.aggregator.GetMetrics())
}

// Handles GET /admin/metrics/history?hours=
func (h *AdminHandler) GetHistory(c *gin.Context) {
	hours := 24
	if v := c.Query("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxHistoryHours {
			c.JSON(http.StatusBadRequest, gin.H{"error": "hours must be between 1 and 168"})
			return
		}
		hours = n
	}

	snapshots, err := h.aggregator.GetHistoricalMetrics(c.Request.Context(), hours)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if snapshots == nil {
		snapshots = []models.MetricSnapshot{}
	}

	resp := gin.H{
		"hours":     hours,
		"snapshots": snapshots,
	}

	// Archive totals are informational; the snapshots above stand on their own.
	totals, err := h.aggregator.GetArchiveTotals(c.Request.Context(), hours)
	if err != nil {
		logger.Warn("failed to read archive totals", logger.Err(err))
	} else if totals != nil {
		resp["archive_totals"] = gin.H{
			"total_requests":   totals.TotalRequests,
			"blocked_requests": totals.BlockedRequests,
			"abuse_detections": totals.AbuseDetections,
		}
	}

	c.JSON(http.StatusOK, resp)
}

// Anonymous identifiers are always FREE; everything else defaults to BASIC
// unless the caller names a tier.
func defaultTierFor(identifier string) models.Tier {
	if strings.HasPrefix(identifier, "ip:") {
		return models.TierFree
	}
	return models.TierBasic
}
