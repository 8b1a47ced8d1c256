package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/kelvinguchu/t3clone-sub003/config"
	"github.com/kelvinguchu/t3clone-sub003/models"
	"github.com/kelvinguchu/t3clone-sub003/services"
	"github.com/kelvinguchu/t3clone-sub003/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// APIHandler holds all dependencies for API handlers.
type APIHandler struct {
	gate       *RequestGate
	sessions   services.SessionService
	limiter    services.RateLimiter
	completion services.CompletionService
	redis      redis.UniversalClient
	cfg        config.Config
	now        func() time.Time
}

// NewAPIHandler creates a new APIHandler with necessary dependencies.
// completion and redisClient may be nil.
func NewAPIHandler(
	gate *RequestGate,
	sessions services.SessionService,
	limiter services.RateLimiter,
	completion services.CompletionService,
	redisClient redis.UniversalClient,
	cfg config.Config,
) *APIHandler {
	return &APIHandler{
		gate:       gate,
		sessions:   sessions,
		limiter:    limiter,
		completion: completion,
		redis:      redisClient,
		cfg:        cfg,
		now:        gate.now,
	}
}

// sendServiceError maps service errors onto HTTP statuses.
func (h *APIHandler) sendServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrSessionNotFound):
		utils.SendJSONError(c, http.StatusNotFound, "Session not found. Start a new session.", nil)
	case errors.Is(err, models.ErrInvalidInput):
		utils.SendJSONError(c, http.StatusBadRequest, "Invalid session identifiers.", nil, err.Error())
	case errors.Is(err, models.ErrStoreUnavailable):
		utils.SendJSONError(c, http.StatusServiceUnavailable, "Sessions are temporarily unavailable. Please try again shortly.", err)
	default:
		utils.SendJSONError(c, http.StatusInternalServerError, "", err)
	}
}

func (h *APIHandler) sessionResponse(session *models.AnonymousSession, created, degraded bool) models.SessionResponse {
	resp := models.SessionResponse{Created: created, Degraded: degraded}
	if session != nil {
		resp.Session = session
		resp.Remaining = session.Remaining()
		resp.ExpiresAt = session.ExpiresAt(h.sessions.TTL()).UnixMilli()
	}
	return resp
}

// setSessionCookie hands the session id to browsers that do not keep it in
// the header themselves.
func (h *APIHandler) setSessionCookie(c *gin.Context, session *models.AnonymousSession) {
	if session == nil || h.cfg.Session.CookieName == "" {
		return
	}
	maxAge := int(session.ExpiresAt(h.sessions.TTL()).Sub(h.now()).Seconds())
	if maxAge <= 0 {
		return
	}
	secure := c.Request.TLS != nil || c.GetHeader("X-Forwarded-Proto") == "https"
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cfg.Session.CookieName, session.SessionID, maxAge, "/", "", secure, true)
}

func (h *APIHandler) clearSessionCookie(c *gin.Context) {
	if h.cfg.Session.CookieName == "" {
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cfg.Session.CookieName, "", -1, "/", "", false, true)
}
