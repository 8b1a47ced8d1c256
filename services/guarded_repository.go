package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kelvinguchu/t3clone-sub003/models"
	"github.com/kelvinguchu/t3clone-sub003/repository"
)

// guard runs fn through the breaker. Only ErrStoreUnavailable counts as a
// failure; NotFound and quota rejections are healthy answers from the store.
func guard(cb *CircuitBreaker, op string, fn func() error) error {
	if !cb.Allow() {
		return fmt.Errorf("%w: %s: circuit open", models.ErrStoreUnavailable, op)
	}
	err := fn()
	if errors.Is(err, models.ErrStoreUnavailable) {
		cb.OnFailure()
	} else {
		cb.OnSuccess()
	}
	return err
}

type guardedSessionRepository struct {
	next    repository.SessionRepository
	breaker *CircuitBreaker
}

// NewGuardedSessionRepository wraps repo so calls fail fast with
// ErrStoreUnavailable while breaker is open.
func NewGuardedSessionRepository(repo repository.SessionRepository, breaker *CircuitBreaker) repository.SessionRepository {
	if breaker == nil {
		return repo
	}
	return &guardedSessionRepository{next: repo, breaker: breaker}
}

func (r *guardedSessionRepository) Get(ctx context.Context, sessionID string) (*models.AnonymousSession, error) {
	var session *models.AnonymousSession
	err := guard(r.breaker, "get", func() (err error) {
		session, err = r.next.Get(ctx, sessionID)
		return err
	})
	return session, err
}

func (r *guardedSessionRepository) GetByIP(ctx context.Context, ipHash string) (*models.AnonymousSession, error) {
	var session *models.AnonymousSession
	err := guard(r.breaker, "get by ip", func() (err error) {
		session, err = r.next.GetByIP(ctx, ipHash)
		return err
	})
	return session, err
}

func (r *guardedSessionRepository) Create(ctx context.Context, ipHash, userAgentHash string, trust models.TrustLevel, dailyLimit int) (*models.AnonymousSession, error) {
	var session *models.AnonymousSession
	err := guard(r.breaker, "create", func() (err error) {
		session, err = r.next.Create(ctx, ipHash, userAgentHash, trust, dailyLimit)
		return err
	})
	return session, err
}

func (r *guardedSessionRepository) CreateIfAbsent(ctx context.Context, ipHash, userAgentHash string, trust models.TrustLevel, dailyLimit int) (*models.AnonymousSession, bool, error) {
	var (
		session *models.AnonymousSession
		created bool
	)
	err := guard(r.breaker, "create if absent", func() (err error) {
		session, created, err = r.next.CreateIfAbsent(ctx, ipHash, userAgentHash, trust, dailyLimit)
		return err
	})
	return session, created, err
}

func (r *guardedSessionRepository) Save(ctx context.Context, session *models.AnonymousSession) error {
	return guard(r.breaker, "save", func() error {
		return r.next.Save(ctx, session)
	})
}

func (r *guardedSessionRepository) Update(ctx context.Context, sessionID string, fn func(*models.AnonymousSession) error) (*models.AnonymousSession, error) {
	var session *models.AnonymousSession
	err := guard(r.breaker, "update", func() (err error) {
		session, err = r.next.Update(ctx, sessionID, fn)
		return err
	})
	return session, err
}

func (r *guardedSessionRepository) Touch(ctx context.Context, sessionID string) (*models.AnonymousSession, error) {
	var session *models.AnonymousSession
	err := guard(r.breaker, "touch", func() (err error) {
		session, err = r.next.Touch(ctx, sessionID)
		return err
	})
	return session, err
}

func (r *guardedSessionRepository) Delete(ctx context.Context, sessionID string) error {
	return guard(r.breaker, "delete", func() error {
		return r.next.Delete(ctx, sessionID)
	})
}

func (r *guardedSessionRepository) IncrementMessageCount(ctx context.Context, sessionID string) (*models.AnonymousSession, error) {
	var session *models.AnonymousSession
	err := guard(r.breaker, "increment", func() (err error) {
		session, err = r.next.IncrementMessageCount(ctx, sessionID)
		return err
	})
	return session, err
}

func (r *guardedSessionRepository) Merge(ctx context.Context, fromID, toID string) (*models.AnonymousSession, error) {
	var session *models.AnonymousSession
	err := guard(r.breaker, "merge", func() (err error) {
		session, err = r.next.Merge(ctx, fromID, toID)
		return err
	})
	return session, err
}

type guardedViolationRepository struct {
	next    repository.ViolationRepository
	breaker *CircuitBreaker
}

// NewGuardedViolationRepository wraps repo with breaker.
func NewGuardedViolationRepository(repo repository.ViolationRepository, breaker *CircuitBreaker) repository.ViolationRepository {
	if breaker == nil {
		return repo
	}
	return &guardedViolationRepository{next: repo, breaker: breaker}
}

func (r *guardedViolationRepository) Record(ctx context.Context, ipHash string) error {
	return guard(r.breaker, "record violation", func() error {
		return r.next.Record(ctx, ipHash)
	})
}

func (r *guardedViolationRepository) CountSince(ctx context.Context, ipHash string, since time.Time) (int64, error) {
	var count int64
	err := guard(r.breaker, "count violations", func() (err error) {
		count, err = r.next.CountSince(ctx, ipHash, since)
		return err
	})
	return count, err
}
