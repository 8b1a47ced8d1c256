package api

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kelvinguchu/t3clone-sub003/utils"

	"github.com/gin-gonic/gin"
)

const healthPingTimeout = time.Second

type resetRequest struct {
	Scope  string `json:"scope" binding:"required"`
	Window string `json:"window" binding:"required"`
}

func (h *APIHandler) authorizeAdmin(c *gin.Context) bool {
	token := c.GetHeader("X-Admin-Token")
	if h.cfg.Admin.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.Admin.Token)) != 1 {
		utils.SendJSONError(c, http.StatusUnauthorized, "Invalid admin token.", nil)
		return false
	}
	return true
}

// ResetRateLimitHandler clears one sliding window for one scope.
// POST /api/admin/ratelimit/reset
func (h *APIHandler) ResetRateLimitHandler(c *gin.Context) {
	if !h.authorizeAdmin(c) {
		return
	}
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendJSONError(c, http.StatusBadRequest, "Both scope and window are required.", err)
		return
	}
	if err := h.limiter.Reset(c.Request.Context(), req.Scope, req.Window); err != nil {
		h.sendServiceError(c, err)
		return
	}
	utils.SendJSONData(c, "Window reset", gin.H{"scope": req.Scope, "window": req.Window})
}

// AbuseEventsHandler lists the hourly rejection audit rows of one client
// address. The address is hashed the same way the gate hashes it.
// GET /api/admin/abuse?ip=
func (h *APIHandler) AbuseEventsHandler(c *gin.Context) {
	if !h.authorizeAdmin(c) {
		return
	}
	ip := strings.TrimSpace(c.Query("ip"))
	if net.ParseIP(ip) == nil {
		utils.SendJSONError(c, http.StatusBadRequest, "A valid ip query parameter is required.", nil)
		return
	}
	if h.gate.abuse == nil {
		utils.SendJSONError(c, http.StatusNotFound, "Abuse audit is not enabled.", nil)
		return
	}
	ipHash := utils.HashIdentifier(h.cfg.Identity.HashSalt, ip)
	events, err := h.gate.abuse.ListByIP(c.Request.Context(), ipHash)
	if err != nil {
		utils.SendJSONError(c, http.StatusInternalServerError, "Failed to read abuse audit.", err)
		return
	}
	utils.SendJSONData(c, "Abuse events", gin.H{"ipHash": ipHash, "events": events})
}

// HealthHandler reports whether the shared store answers.
// GET /healthz
func (h *APIHandler) HealthHandler(c *gin.Context) {
	if h.redis == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": http.StatusServiceUnavailable, "status": "unavailable", "redis": "not configured"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
	defer cancel()
	if err := h.redis.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":     http.StatusServiceUnavailable,
			"status":   "degraded",
			"redis":    err.Error(),
			"failOpen": h.cfg.RateLimit.FailOpen,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "status": "ok", "redis": "ok"})
}
