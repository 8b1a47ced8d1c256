package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kelvinguchu/t3clone-sub003/config"
	"github.com/kelvinguchu/t3clone-sub003/models"
	"github.com/kelvinguchu/t3clone-sub003/repository"
	"github.com/kelvinguchu/t3clone-sub003/services"
	"github.com/kelvinguchu/t3clone-sub003/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const abuseRecordTimeout = 250 * time.Millisecond

// identity is what a request tells us about its caller.
type identity struct {
	SessionID     string
	IPHash        string
	UserAgentHash string
	Authenticated bool
}

// Admission is the outcome of a request that passed the gate.
type Admission struct {
	Session  *models.AnonymousSession
	Limit    models.RateLimitResult
	Trust    models.TrustLevel
	Created  bool
	Degraded bool
}

// RequestGate combines session resolution, sliding window checks and the
// daily quota into one admission decision per request.
type RequestGate struct {
	sessions services.SessionService
	limiter  services.RateLimiter
	trust      services.TrustEvaluator
	violations repository.ViolationRepository
	abuse      repository.AbuseRepository
	cfg        config.Config
	now        func() time.Time
}

// NewRequestGate creates a RequestGate. violations and abuse may be nil.
func NewRequestGate(sessions services.SessionService, limiter services.RateLimiter, trust services.TrustEvaluator, violations repository.ViolationRepository, abuse repository.AbuseRepository, cfg config.Config, now func() time.Time) *RequestGate {
	if now == nil {
		now = time.Now
	}
	return &RequestGate{sessions: sessions, limiter: limiter, trust: trust, violations: violations, abuse: abuse, cfg: cfg, now: now}
}

// resolveIdentity reads the session id (explicit argument, header, cookie,
// then query), and hashes the client address and user agent.
func (g *RequestGate) resolveIdentity(c *gin.Context, explicitID string) (identity, error) {
	id := identity{
		IPHash:        utils.HashIdentifier(g.cfg.Identity.HashSalt, utils.ClientIP(c.Request)),
		UserAgentHash: utils.HashIdentifier(g.cfg.Identity.HashSalt, c.Request.UserAgent()),
	}
	if header := g.cfg.Identity.AuthenticatedHeader; header != "" && strings.TrimSpace(c.GetHeader(header)) != "" {
		id.Authenticated = true
	}

	sid := strings.TrimSpace(explicitID)
	if sid == "" {
		sid = strings.TrimSpace(c.GetHeader(g.cfg.Session.HeaderName))
	}
	if sid == "" {
		if cookie, err := c.Cookie(g.cfg.Session.CookieName); err == nil {
			sid = strings.TrimSpace(cookie)
		}
	}
	if sid == "" {
		sid = strings.TrimSpace(c.Query("sessionId"))
	}
	if sid != "" {
		if err := validateSessionID(sid); err != nil {
			return id, err
		}
	}
	id.SessionID = sid
	return id, nil
}

func validateSessionID(sid string) error {
	if _, err := uuid.Parse(sid); err != nil {
		return fmt.Errorf("%w: malformed session id", models.ErrInvalidInput)
	}
	return nil
}

// Admit runs the full admission sequence for a message-consuming request.
// When requireExisting is set the session id must name a live session;
// otherwise the caller is bootstrapped as needed. On rejection the response
// has been written and ok is false.
func (g *RequestGate) Admit(c *gin.Context, id identity, requireExisting bool) (adm *Admission, ok bool) {
	ctx := c.Request.Context()
	adm = &Admission{}

	if id.SessionID == "" && (requireExisting || id.IPHash == "") {
		utils.SendJSONError(c, http.StatusBadRequest, "A session id or client address is required.", nil)
		return nil, false
	}

	var err error
	if requireExisting {
		adm.Session, err = g.sessions.Get(ctx, id.SessionID)
	} else {
		adm.Session, adm.Created, err = g.sessions.GetOrCreate(ctx, id.IPHash, id.UserAgentHash, id.SessionID)
	}
	if err != nil {
		switch {
		case errors.Is(err, models.ErrSessionNotFound):
			utils.SendJSONError(c, http.StatusNotFound, "Session not found. Start a new session.", nil)
			return nil, false
		case errors.Is(err, models.ErrInvalidInput):
			utils.SendJSONError(c, http.StatusBadRequest, "Invalid session identifiers.", nil, err.Error())
			return nil, false
		case errors.Is(err, models.ErrStoreUnavailable):
			if !g.cfg.RateLimit.FailOpen {
				utils.SendJSONError(c, http.StatusServiceUnavailable, "Chat is temporarily unavailable. Please try again shortly.", err)
				return nil, false
			}
			log.Printf("WARN: [RequestGate] Session store unavailable, admitting request without quota enforcement: %v", err)
			adm.Degraded = true
		default:
			utils.SendJSONError(c, http.StatusInternalServerError, "", err)
			return nil, false
		}
	}

	ipHash := id.IPHash
	if ipHash == "" && adm.Session != nil {
		ipHash = adm.Session.IPHash
	}
	signals := g.trust.CollectSignals(ctx, ipHash, adm.Session, id.Authenticated)
	adm.Trust = g.trust.Evaluate(ipHash, id.UserAgentHash, signals)
	if adm.Trust == models.TrustNone {
		utils.SendJSONError(c, http.StatusBadRequest, "Could not identify the client. Enable cookies or sign in.", nil)
		return nil, false
	}
	if adm.Session != nil && adm.Trust != adm.Session.TrustLevel {
		if updated, err := g.sessions.ApplyTrust(ctx, adm.Session.SessionID, adm.Trust); err != nil {
			log.Printf("WARN: [RequestGate] Could not store trust level %s for session %s: %v", adm.Trust, adm.Session.SessionID, err)
		} else {
			adm.Session = updated
		}
	}

	scopes := []string{"ip:" + ipHash}
	if adm.Session != nil {
		scopes = append([]string{"session:" + adm.Session.SessionID}, scopes...)
	}
	tier := g.cfg.RateLimit.Tiers[adm.Trust.TierKey()]
	adm.Limit = g.limiter.AttemptAll(ctx, scopes, tier.Windows)
	if adm.Limit.Degraded {
		adm.Degraded = true
	}
	if !adm.Limit.Allowed && adm.Limit.Degraded {
		utils.SendJSONError(c, http.StatusServiceUnavailable, "Chat is temporarily unavailable. Please try again shortly.", nil)
		return nil, false
	}
	if !adm.Limit.Allowed {
		sessionID := ""
		if adm.Session != nil {
			sessionID = adm.Session.SessionID
		}
		g.recordAbuse(ctx, ipHash, sessionID, adm.Limit.Scope, adm.Limit.Window)
		g.respondRateLimited(c, adm.Limit)
		return nil, false
	}
	setRateLimitHeaders(c, adm.Limit)

	if adm.Session == nil {
		return adm, true
	}
	session, err := g.sessions.IncrementMessageCount(ctx, adm.Session.SessionID)
	switch {
	case err == nil:
		adm.Session = session
	case errors.Is(err, models.ErrQuotaExceeded):
		g.respondQuotaExceeded(c, session)
		return nil, false
	case errors.Is(err, models.ErrSessionNotFound):
		utils.SendJSONError(c, http.StatusNotFound, "Session not found. Start a new session.", nil)
		return nil, false
	case errors.Is(err, models.ErrStoreUnavailable):
		if !g.cfg.RateLimit.FailOpen {
			utils.SendJSONError(c, http.StatusServiceUnavailable, "Chat is temporarily unavailable. Please try again shortly.", err)
			return nil, false
		}
		log.Printf("WARN: [RequestGate] Quota for session %s could not be verified, failing open: %v", adm.Session.SessionID, err)
		adm.Degraded = true
	default:
		utils.SendJSONError(c, http.StatusInternalServerError, "", err)
		return nil, false
	}
	return adm, true
}

// recordAbuse feeds a limiter rejection into the shared violation counter
// read by the trust evaluator, then into the audit trail.
func (g *RequestGate) recordAbuse(ctx context.Context, ipHash, sessionID, scope, window string) {
	if ipHash == "" {
		return
	}
	recCtx, cancel := context.WithTimeout(ctx, abuseRecordTimeout)
	defer cancel()
	if g.violations != nil {
		if err := g.violations.Record(recCtx, ipHash); err != nil {
			log.Printf("WARN: [RequestGate] Failed to record violation: %v", err)
		}
	}
	if g.abuse == nil {
		return
	}
	err := g.abuse.Record(recCtx, &models.AbuseEvent{
		IPHash:     ipHash,
		SessionID:  sessionID,
		Scope:      scope,
		WindowName: window,
		LastSeenAt: g.now(),
	})
	if err != nil {
		log.Printf("WARN: [RequestGate] Failed to record abuse event: %v", err)
	}
}

func (g *RequestGate) respondRateLimited(c *gin.Context, res models.RateLimitResult) {
	retry := res.RetryAfter(g.now())
	secs := int(math.Ceil(retry.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.Itoa(secs))
	setRateLimitHeaders(c, res)
	log.Printf("INFO: [RequestGate] %v, retry in %ds.", res.Err(), secs)

	body := gin.H{
		"code":              http.StatusTooManyRequests,
		"error":             "Too many messages. Please slow down.",
		"rateLimitExceeded": true,
		"window":            res.Window,
		"retryAfter":        secs,
		"resetAt":           res.ResetAt.UnixMilli(),
		"hint":              fmt.Sprintf("Wait %d seconds before sending another message.", secs),
	}
	c.AbortWithStatusJSON(http.StatusTooManyRequests, body)
}

func (g *RequestGate) respondQuotaExceeded(c *gin.Context, session *models.AnonymousSession) {
	limit := g.sessions.DailyLimitFor(models.TrustNew)
	var resetAt int64
	if session != nil {
		limit = session.DailyMessageLimit
		resetAt = session.ExpiresAt(g.sessions.TTL()).UnixMilli()
	}
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"code":          http.StatusTooManyRequests,
		"error":         fmt.Sprintf("You have reached your daily limit of %d messages.", limit),
		"quotaExceeded": true,
		"limit":         limit,
		"resetAt":       resetAt,
		"hint":          "Sign up for a free account to keep chatting, or come back after your quota resets.",
	})
}

func setRateLimitHeaders(c *gin.Context, res models.RateLimitResult) {
	if res.Window == "" {
		return
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}
