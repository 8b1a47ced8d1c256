package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/kelvinguchu/t3clone-sub003/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	violationKeyPrefix = "abuse:"
	// Only the count up to the trust threshold matters; older members are
	// dropped past this many.
	maxTrackedViolations = 64
)

// ViolationRepository keeps the recent limiter rejections of each IP hash in
// the shared store, so every replica sees the same velocity signal. Entries
// expire on their own after the lookback.
type ViolationRepository interface {
	Record(ctx context.Context, ipHash string) error
	CountSince(ctx context.Context, ipHash string, since time.Time) (int64, error)
}

type violationRepository struct {
	client   redis.UniversalClient
	lookback time.Duration
	now      func() time.Time
}

// NewViolationRepository creates a Redis-backed ViolationRepository. now may
// be nil.
func NewViolationRepository(client redis.UniversalClient, lookback time.Duration, now func() time.Time) ViolationRepository {
	if now == nil {
		now = time.Now
	}
	if lookback <= 0 {
		lookback = time.Hour
	}
	return &violationRepository{client: client, lookback: lookback, now: now}
}

func violationKey(ipHash string) string { return violationKeyPrefix + ipHash }

// Record adds one rejection at the current time, trims entries older than the
// lookback and refreshes the key's expiry.
func (r *violationRepository) Record(ctx context.Context, ipHash string) error {
	if ipHash == "" {
		return fmt.Errorf("%w: ip hash is required", models.ErrInvalidInput)
	}
	now := r.now().UnixMilli()
	key := violationKey(ipHash)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(now-r.lookback.Milliseconds(), 10))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: strconv.FormatInt(now, 10) + "-" + uuid.NewString()})
		pipe.ZRemRangeByRank(ctx, key, 0, -maxTrackedViolations-1)
		pipe.PExpire(ctx, key, r.lookback)
		return nil
	})
	if err != nil {
		return storeErr("record violation", err)
	}
	return nil
}

// CountSince counts rejections of ipHash at or after since.
func (r *violationRepository) CountSince(ctx context.Context, ipHash string, since time.Time) (int64, error) {
	if ipHash == "" {
		return 0, nil
	}
	count, err := r.client.ZCount(ctx, violationKey(ipHash), strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, storeErr("count violations", err)
	}
	return count, nil
}
