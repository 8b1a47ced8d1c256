package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kelvinguchu/t3clone-sub003/config"
	"github.com/kelvinguchu/t3clone-sub003/metrics"
	"github.com/kelvinguchu/t3clone-sub003/models"
	"github.com/kelvinguchu/t3clone-sub003/repository"
)

// SessionService orchestrates the anonymous session lifecycle on top of the
// session repository and the trust evaluator.
type SessionService interface {
	// GetOrCreate resolves explicitID when it names a live session, then the
	// session bootstrapped for ipHash, and creates one otherwise. created
	// reports whether a new session was made.
	GetOrCreate(ctx context.Context, ipHash, userAgentHash, explicitID string) (session *models.AnonymousSession, created bool, err error)
	Get(ctx context.Context, sessionID string) (*models.AnonymousSession, error)
	Create(ctx context.Context, ipHash, userAgentHash string) (*models.AnonymousSession, error)
	Touch(ctx context.Context, sessionID, userAgentHash string) (*models.AnonymousSession, error)
	Delete(ctx context.Context, sessionID string) error
	IncrementMessageCount(ctx context.Context, sessionID string) (*models.AnonymousSession, error)
	Merge(ctx context.Context, fromID, toID string) (*models.AnonymousSession, error)
	ApplyTrust(ctx context.Context, sessionID string, level models.TrustLevel) (*models.AnonymousSession, error)
	DailyLimitFor(level models.TrustLevel) int
	TTL() time.Duration
}

type sessionService struct {
	repo         repository.SessionRepository
	trust        TrustEvaluator
	metrics      *metrics.Metrics
	tiers        map[string]config.Tier
	defaultLimit int
	ttl          time.Duration
}

// NewSessionService creates a SessionService. m may be nil.
func NewSessionService(repo repository.SessionRepository, trust TrustEvaluator, m *metrics.Metrics, cfg config.Config) SessionService {
	if m == nil {
		m = metrics.New(nil)
	}
	limit := cfg.Session.DailyMessageLimit
	if limit <= 0 {
		limit = 10
	}
	return &sessionService{
		repo:         repo,
		trust:        trust,
		metrics:      m,
		tiers:        cfg.RateLimit.Tiers,
		defaultLimit: limit,
		ttl:          cfg.Session.TTL,
	}
}

func (s *sessionService) TTL() time.Duration { return s.ttl }

// DailyLimitFor returns the quota of the tier for level.
func (s *sessionService) DailyLimitFor(level models.TrustLevel) int {
	if tier, ok := s.tiers[level.TierKey()]; ok && tier.DailyMessageLimit > 0 {
		return tier.DailyMessageLimit
	}
	return s.defaultLimit
}

func (s *sessionService) GetOrCreate(ctx context.Context, ipHash, userAgentHash, explicitID string) (*models.AnonymousSession, bool, error) {
	if explicitID != "" {
		session, err := s.repo.Touch(ctx, explicitID)
		if err == nil {
			s.metrics.SessionOps.WithLabelValues("resume").Inc()
			return session, false, nil
		}
		if !errors.Is(err, models.ErrSessionNotFound) {
			return nil, false, err
		}
		log.Printf("INFO: [SessionService] Presented session %s is missing or expired, falling back to IP bootstrap.", explicitID)
	}

	if ipHash == "" {
		return nil, false, fmt.Errorf("%w: no session id and no client address", models.ErrInvalidInput)
	}

	session, err := s.repo.GetByIP(ctx, ipHash)
	if err == nil {
		s.metrics.SessionOps.WithLabelValues("resume_by_ip").Inc()
		return session, false, nil
	}
	if !errors.Is(err, models.ErrSessionNotFound) {
		return nil, false, err
	}

	level := s.initialTrust(ctx, ipHash, userAgentHash)
	session, created, err := s.repo.CreateIfAbsent(ctx, ipHash, userAgentHash, level, s.DailyLimitFor(level))
	if err != nil {
		return nil, false, err
	}
	if created {
		s.metrics.SessionOps.WithLabelValues("create").Inc()
	} else {
		s.metrics.SessionOps.WithLabelValues("resume_by_ip").Inc()
	}
	return session, created, nil
}

func (s *sessionService) Get(ctx context.Context, sessionID string) (*models.AnonymousSession, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", models.ErrInvalidInput)
	}
	return s.repo.Get(ctx, sessionID)
}

// Create always makes a new session, replacing the IP bootstrap pointer.
func (s *sessionService) Create(ctx context.Context, ipHash, userAgentHash string) (*models.AnonymousSession, error) {
	if ipHash == "" {
		return nil, fmt.Errorf("%w: client address is required", models.ErrInvalidInput)
	}
	level := s.initialTrust(ctx, ipHash, userAgentHash)
	session, err := s.repo.Create(ctx, ipHash, userAgentHash, level, s.DailyLimitFor(level))
	if err != nil {
		return nil, err
	}
	s.metrics.SessionOps.WithLabelValues("create").Inc()
	return session, nil
}

// Touch refreshes lastActiveAt, and the user agent hash when it changed.
func (s *sessionService) Touch(ctx context.Context, sessionID, userAgentHash string) (*models.AnonymousSession, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", models.ErrInvalidInput)
	}
	s.metrics.SessionOps.WithLabelValues("touch").Inc()
	session, err := s.repo.Touch(ctx, sessionID)
	if err != nil || userAgentHash == "" || session.UserAgentHash == userAgentHash {
		return session, err
	}
	return s.repo.Update(ctx, sessionID, func(cur *models.AnonymousSession) error {
		cur.UserAgentHash = userAgentHash
		return nil
	})
}

func (s *sessionService) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", models.ErrInvalidInput)
	}
	if err := s.repo.Delete(ctx, sessionID); err != nil {
		return err
	}
	s.metrics.SessionOps.WithLabelValues("delete").Inc()
	return nil
}

func (s *sessionService) IncrementMessageCount(ctx context.Context, sessionID string) (*models.AnonymousSession, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", models.ErrInvalidInput)
	}
	session, err := s.repo.IncrementMessageCount(ctx, sessionID)
	switch {
	case err == nil:
		s.metrics.QuotaDecisions.WithLabelValues(metrics.ResultAllowed).Inc()
	case errors.Is(err, models.ErrQuotaExceeded):
		s.metrics.QuotaDecisions.WithLabelValues(metrics.ResultRejected).Inc()
		if session != nil {
			log.Printf("INFO: [SessionService] Session %s reached its daily quota of %d messages.", sessionID, session.DailyMessageLimit)
		}
	case errors.Is(err, models.ErrStoreUnavailable):
		s.metrics.StoreErrors.WithLabelValues("increment").Inc()
	}
	return session, err
}

// Merge reconciles two identities of the same client into toID. Quota is
// additive but capped, so merging never grants extra messages.
func (s *sessionService) Merge(ctx context.Context, fromID, toID string) (*models.AnonymousSession, error) {
	if fromID == "" || toID == "" {
		return nil, fmt.Errorf("%w: both session ids are required", models.ErrInvalidInput)
	}
	if fromID == toID {
		return nil, fmt.Errorf("%w: cannot merge a session into itself", models.ErrInvalidInput)
	}
	session, err := s.repo.Merge(ctx, fromID, toID)
	if err != nil {
		return nil, err
	}
	s.metrics.SessionOps.WithLabelValues("merge").Inc()
	return session, nil
}

// ApplyTrust stores a re-evaluated trust level and the matching daily limit.
// The limit never drops below the messages already consumed.
func (s *sessionService) ApplyTrust(ctx context.Context, sessionID string, level models.TrustLevel) (*models.AnonymousSession, error) {
	session, err := s.repo.Update(ctx, sessionID, func(cur *models.AnonymousSession) error {
		limit := s.DailyLimitFor(level)
		if limit < cur.MessageCount {
			limit = cur.MessageCount
		}
		cur.TrustLevel = level
		cur.DailyMessageLimit = limit
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Printf("INFO: [SessionService] Session %s re-classified as %s (daily limit %d).", sessionID, level, session.DailyMessageLimit)
	return session, nil
}

func (s *sessionService) initialTrust(ctx context.Context, ipHash, userAgentHash string) models.TrustLevel {
	if s.trust == nil {
		return models.TrustNew
	}
	signals := s.trust.CollectSignals(ctx, ipHash, nil, false)
	level := s.trust.Evaluate(ipHash, userAgentHash, signals)
	s.metrics.TrustLevels.WithLabelValues(level.String()).Inc()
	return level
}
