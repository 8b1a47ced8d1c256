package api

import (
	"log"
	"net/http"
	"strings"

	"github.com/kelvinguchu/t3clone-sub003/utils"

	"github.com/gin-gonic/gin"
)

// GetSessionHandler fetches the presented session, or bootstraps one for the
// client address when no session id is presented.
// GET /api/session
func (h *APIHandler) GetSessionHandler(c *gin.Context) {
	id, err := h.gate.resolveIdentity(c, "")
	if err != nil {
		h.sendServiceError(c, err)
		return
	}
	ctx := c.Request.Context()

	if id.SessionID != "" {
		session, err := h.sessions.Get(ctx, id.SessionID)
		if err != nil {
			h.sendServiceError(c, err)
			return
		}
		utils.SendJSONData(c, "Session found", h.sessionResponse(session, false, false))
		return
	}

	if id.IPHash == "" {
		utils.SendJSONError(c, http.StatusBadRequest, "A session id or client address is required.", nil)
		return
	}
	session, created, err := h.sessions.GetOrCreate(ctx, id.IPHash, id.UserAgentHash, "")
	if err != nil {
		h.sendServiceError(c, err)
		return
	}
	h.setSessionCookie(c, session)
	utils.SendJSONData(c, "Session ready", h.sessionResponse(session, created, false))
}

// GetSessionByIDHandler fetches a session by its id.
// GET /api/session/:id
func (h *APIHandler) GetSessionByIDHandler(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Param("id"))
	if err := validateSessionID(sessionID); err != nil {
		h.sendServiceError(c, err)
		return
	}
	session, err := h.sessions.Get(c.Request.Context(), sessionID)
	if err != nil {
		h.sendServiceError(c, err)
		return
	}
	utils.SendJSONData(c, "Session found", h.sessionResponse(session, false, false))
}

type createSessionRequest struct {
	SessionID string `json:"sessionId"`
	Fresh     bool   `json:"fresh"`
}

// CreateSessionHandler resumes or creates a session. With "fresh": true it
// always creates a new one, limited per client address.
// POST /api/session
func (h *APIHandler) CreateSessionHandler(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.SendJSONError(c, http.StatusBadRequest, "Invalid request format.", err)
			return
		}
	}
	id, err := h.gate.resolveIdentity(c, req.SessionID)
	if err != nil {
		h.sendServiceError(c, err)
		return
	}
	ctx := c.Request.Context()

	if !req.Fresh {
		if id.SessionID == "" && id.IPHash == "" {
			utils.SendJSONError(c, http.StatusBadRequest, "A session id or client address is required.", nil)
			return
		}
		session, created, err := h.sessions.GetOrCreate(ctx, id.IPHash, id.UserAgentHash, id.SessionID)
		if err != nil {
			h.sendServiceError(c, err)
			return
		}
		h.setSessionCookie(c, session)
		utils.SendJSONData(c, "Session ready", h.sessionResponse(session, created, false))
		return
	}

	if id.IPHash == "" {
		utils.SendJSONError(c, http.StatusBadRequest, "A client address is required to start a new session.", nil)
		return
	}
	res := h.limiter.Attempt(ctx, "ip:"+id.IPHash, h.cfg.RateLimit.Create)
	if !res.Allowed {
		if res.Degraded {
			utils.SendJSONError(c, http.StatusServiceUnavailable, "Sessions are temporarily unavailable. Please try again shortly.", nil)
			return
		}
		h.gate.recordAbuse(ctx, id.IPHash, id.SessionID, res.Scope, res.Window)
		h.gate.respondRateLimited(c, res)
		return
	}
	session, err := h.sessions.Create(ctx, id.IPHash, id.UserAgentHash)
	if err != nil {
		h.sendServiceError(c, err)
		return
	}
	h.setSessionCookie(c, session)
	utils.SendJSONData(c, "Session created", h.sessionResponse(session, true, res.Degraded))
}

type mergeSessionsRequest struct {
	FromSessionID string `json:"fromSessionId" binding:"required"`
	ToSessionID   string `json:"toSessionId" binding:"required"`
}

// MergeSessionsHandler folds one session into another.
// POST /api/session/merge
func (h *APIHandler) MergeSessionsHandler(c *gin.Context) {
	var req mergeSessionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendJSONError(c, http.StatusBadRequest, "Both fromSessionId and toSessionId are required.", err)
		return
	}
	if err := validateSessionID(req.FromSessionID); err != nil {
		h.sendServiceError(c, err)
		return
	}
	if err := validateSessionID(req.ToSessionID); err != nil {
		h.sendServiceError(c, err)
		return
	}
	session, err := h.sessions.Merge(c.Request.Context(), req.FromSessionID, req.ToSessionID)
	if err != nil {
		h.sendServiceError(c, err)
		return
	}
	h.setSessionCookie(c, session)
	utils.SendJSONData(c, "Sessions merged", h.sessionResponse(session, false, false))
}

// IncrementMessagesHandler consumes one message of the session's quota after
// the rate limit checks pass.
// PATCH /api/session/:id/messages
func (h *APIHandler) IncrementMessagesHandler(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Param("id"))
	if err := validateSessionID(sessionID); err != nil {
		h.sendServiceError(c, err)
		return
	}
	id, err := h.gate.resolveIdentity(c, sessionID)
	if err != nil {
		h.sendServiceError(c, err)
		return
	}
	adm, ok := h.gate.Admit(c, id, true)
	if !ok {
		return
	}
	utils.SendJSONData(c, "Message counted", h.sessionResponse(adm.Session, false, adm.Degraded))
}

// UpdateSessionHandler refreshes lastActiveAt and the user agent fingerprint.
// PUT /api/session/:id
func (h *APIHandler) UpdateSessionHandler(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Param("id"))
	if err := validateSessionID(sessionID); err != nil {
		h.sendServiceError(c, err)
		return
	}
	uaHash := utils.HashIdentifier(h.cfg.Identity.HashSalt, c.Request.UserAgent())
	session, err := h.sessions.Touch(c.Request.Context(), sessionID, uaHash)
	if err != nil {
		h.sendServiceError(c, err)
		return
	}
	utils.SendJSONData(c, "Session updated", h.sessionResponse(session, false, false))
}

// DeleteSessionHandler removes a session at the user's request.
// DELETE /api/session/:id
func (h *APIHandler) DeleteSessionHandler(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Param("id"))
	if err := validateSessionID(sessionID); err != nil {
		h.sendServiceError(c, err)
		return
	}
	if err := h.sessions.Delete(c.Request.Context(), sessionID); err != nil {
		h.sendServiceError(c, err)
		return
	}
	h.clearSessionCookie(c)
	log.Printf("INFO: [API] Session %s deleted by client.", sessionID)
	utils.SendJSONData(c, "Session deleted", gin.H{"sessionId": sessionID, "deleted": true})
}
