package services

import (
	"context"
	"log"
	"time"

	"github.com/kelvinguchu/t3clone-sub003/config"
	"github.com/kelvinguchu/t3clone-sub003/models"
	"github.com/kelvinguchu/t3clone-sub003/repository"
)

// TrustSignals are the inputs the evaluator classifies.
type TrustSignals struct {
	Authenticated    bool
	RecentViolations int64
	SessionAge       time.Duration
	HasSession       bool
}

// TrustPolicy holds the thresholds of the classification.
type TrustPolicy struct {
	DefaultLevel       models.TrustLevel
	ViolationThreshold int64
	ViolationLookback  time.Duration
	EstablishedAfter   time.Duration
}

// TrustPolicyFromConfig converts the trust section of the configuration.
func TrustPolicyFromConfig(cfg config.Config) TrustPolicy {
	level := models.ParseTrustLevel(cfg.Trust.DefaultLevel)
	if level == models.TrustNone {
		level = models.TrustNew
	}
	return TrustPolicy{
		DefaultLevel:       level,
		ViolationThreshold: cfg.Trust.ViolationThreshold,
		ViolationLookback:  cfg.Trust.ViolationLookback,
		EstablishedAfter:   cfg.Trust.EstablishedAfter,
	}
}

// TrustEvaluator classifies an identity into a TrustLevel.
type TrustEvaluator interface {
	Evaluate(ipHash, userAgentHash string, signals TrustSignals) models.TrustLevel
	CollectSignals(ctx context.Context, ipHash string, session *models.AnonymousSession, authenticated bool) TrustSignals
}

type trustEvaluator struct {
	policy     TrustPolicy
	violations repository.ViolationRepository
	now        func() time.Time
}

// NewTrustEvaluator creates a TrustEvaluator. violations may be nil, in which
// case no violations are ever reported.
func NewTrustEvaluator(policy TrustPolicy, violations repository.ViolationRepository, now func() time.Time) TrustEvaluator {
	if now == nil {
		now = time.Now
	}
	return &trustEvaluator{policy: policy, violations: violations, now: now}
}

// Evaluate is a pure function of its inputs. Without an IP hash there is no
// usable identity and the result is TrustNone.
func (e *trustEvaluator) Evaluate(ipHash, userAgentHash string, signals TrustSignals) models.TrustLevel {
	switch {
	case signals.Authenticated:
		return models.TrustAuthenticated
	case ipHash == "":
		return models.TrustNone
	case e.policy.ViolationThreshold > 0 && signals.RecentViolations >= e.policy.ViolationThreshold:
		return models.TrustNew
	case userAgentHash == "":
		return models.TrustNew
	case signals.HasSession && signals.RecentViolations == 0 &&
		e.policy.EstablishedAfter > 0 && signals.SessionAge >= e.policy.EstablishedAfter:
		return models.TrustLow
	default:
		return e.policy.DefaultLevel
	}
}

// CollectSignals gathers signals from the session and the shared violation
// counter. A store failure is logged and counts as zero violations.
func (e *trustEvaluator) CollectSignals(ctx context.Context, ipHash string, session *models.AnonymousSession, authenticated bool) TrustSignals {
	signals := TrustSignals{Authenticated: authenticated}
	if session != nil {
		signals.HasSession = true
		signals.SessionAge = e.now().Sub(time.UnixMilli(session.CreatedAt))
	}
	if e.violations == nil || ipHash == "" || e.policy.ViolationLookback <= 0 {
		return signals
	}
	count, err := e.violations.CountSince(ctx, ipHash, e.now().Add(-e.policy.ViolationLookback))
	if err != nil {
		log.Printf("WARN: [TrustEvaluator] Could not read violation count, assuming none: %v", err)
		return signals
	}
	signals.RecentViolations = count
	return signals
}
