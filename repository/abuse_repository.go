package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kelvinguchu/t3clone-sub003/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AbuseRepository defines the interface for the audit trail of limiter
// rejections. It is not read on the request path; the trust signal lives in
// ViolationRepository.
type AbuseRepository interface {
	Record(ctx context.Context, event *models.AbuseEvent) error
	ListByIP(ctx context.Context, ipHash string) ([]models.AbuseEvent, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type abuseRepository struct {
	db *gorm.DB
}

// NewAbuseRepository creates a new instance of AbuseRepository.
func NewAbuseRepository(db *gorm.DB) AbuseRepository {
	return &abuseRepository{db: db}
}

// Record folds a rejection into the hourly row of its IP hash and window.
// Uses GORM's OnConflict (UPSERT) on the bucket index.
func (r *abuseRepository) Record(ctx context.Context, event *models.AbuseEvent) error {
	if event == nil || event.IPHash == "" {
		return errors.New("abuse event requires an ip hash")
	}
	at := event.LastSeenAt
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	event.LastSeenAt = at
	event.FirstSeenAt = at
	event.BucketStart = at.Truncate(time.Hour).Unix()
	event.Hits = 1

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "ip_hash"}, {Name: "window_name"}, {Name: "bucket_start"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"hits":         gorm.Expr("hits + 1"),
			"last_seen_at": at,
			"scope":        event.Scope,
			"session_id":   event.SessionID,
		}),
	}).Create(event).Error
	if err != nil {
		return fmt.Errorf("failed to record abuse event for scope %s: %w", event.Scope, err)
	}
	return nil
}

// ListByIP returns the audit rows of ipHash, newest bucket first.
func (r *abuseRepository) ListByIP(ctx context.Context, ipHash string) ([]models.AbuseEvent, error) {
	var events []models.AbuseEvent
	if ipHash == "" {
		return events, nil
	}
	err := r.db.WithContext(ctx).
		Where("ip_hash = ?", ipHash).
		Order("bucket_start DESC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list abuse events: %w", err)
	}
	return events, nil
}

// PurgeBefore deletes rows whose latest rejection is older than cutoff.
func (r *abuseRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("last_seen_at < ?", cutoff.UTC()).Delete(&models.AbuseEvent{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge abuse events: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.Printf("INFO: [AbuseRepository] Purged %d abuse events older than %s.", res.RowsAffected, cutoff.Format(time.RFC3339))
	}
	return res.RowsAffected, nil
}
