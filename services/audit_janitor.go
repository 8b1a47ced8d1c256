package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/kelvinguchu/t3clone-sub003/repository"
)

const auditPurgeTimeout = 10 * time.Second

// AuditJanitor periodically deletes abuse audit rows past their retention.
type AuditJanitor struct {
	repo      repository.AbuseRepository
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
}

// NewAuditJanitor creates an AuditJanitor. Non-positive durations get
// defaults; now may be nil.
func NewAuditJanitor(repo repository.AbuseRepository, retention, interval time.Duration, now func() time.Time) *AuditJanitor {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &AuditJanitor{repo: repo, retention: retention, interval: interval, now: now}
}

// RunOnce purges rows older than the retention.
func (j *AuditJanitor) RunOnce(ctx context.Context) (int64, error) {
	purgeCtx, cancel := context.WithTimeout(ctx, auditPurgeTimeout)
	defer cancel()
	return j.repo.PurgeBefore(purgeCtx, j.now().Add(-j.retention))
}

// Start purges immediately and then on every interval until ctx is done.
func (j *AuditJanitor) Start(ctx context.Context) error {
	if j == nil || j.repo == nil {
		return errors.New("audit janitor is not configured")
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("WARN: [AuditJanitor] Purge failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
