package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/kelvinguchu/t3clone-sub003/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "session:"
	ipIndexPrefix    = "session:ip:"
	maxUpdateRetries = 10
)

// SessionRepository stores anonymous sessions in the shared store. Every
// operation is single-key except Merge, and every write carries an expiry.
type SessionRepository interface {
	Get(ctx context.Context, sessionID string) (*models.AnonymousSession, error)
	GetByIP(ctx context.Context, ipHash string) (*models.AnonymousSession, error)
	Create(ctx context.Context, ipHash, userAgentHash string, trust models.TrustLevel, dailyLimit int) (*models.AnonymousSession, error)
	CreateIfAbsent(ctx context.Context, ipHash, userAgentHash string, trust models.TrustLevel, dailyLimit int) (*models.AnonymousSession, bool, error)
	Save(ctx context.Context, session *models.AnonymousSession) error
	Update(ctx context.Context, sessionID string, fn func(*models.AnonymousSession) error) (*models.AnonymousSession, error)
	Touch(ctx context.Context, sessionID string) (*models.AnonymousSession, error)
	Delete(ctx context.Context, sessionID string) error
	IncrementMessageCount(ctx context.Context, sessionID string) (*models.AnonymousSession, error)
	Merge(ctx context.Context, fromID, toID string) (*models.AnonymousSession, error)
}

type sessionRepository struct {
	client redis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionRepository creates a Redis-backed SessionRepository. ttl is the
// fixed quota period of a session; now may be nil.
func NewSessionRepository(client redis.UniversalClient, ttl time.Duration, now func() time.Time) SessionRepository {
	if now == nil {
		now = time.Now
	}
	return &sessionRepository{client: client, ttl: ttl, now: now}
}

func sessionKey(id string) string { return sessionKeyPrefix + id }

func ipIndexKey(ipHash string) string { return ipIndexPrefix + ipHash }

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", models.ErrStoreUnavailable, op, err)
}

// Get returns the live session, or ErrSessionNotFound when it is missing or
// past its quota period. Expired records are deleted on read.
func (r *sessionRepository) Get(ctx context.Context, sessionID string) (*models.AnonymousSession, error) {
	if sessionID == "" {
		return nil, models.ErrSessionNotFound
	}
	fields, err := r.client.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, storeErr("get", err)
	}
	if len(fields) == 0 {
		return nil, models.ErrSessionNotFound
	}
	session, err := decodeSession(fields)
	if err != nil {
		return nil, err
	}
	if session.IsExpired(r.now(), r.ttl) {
		if delErr := r.client.Del(ctx, sessionKey(sessionID)).Err(); delErr != nil {
			log.Printf("WARN: [SessionRepository] Failed to delete expired session %s: %v", sessionID, delErr)
		}
		return nil, models.ErrSessionNotFound
	}
	return session, nil
}

// GetByIP resolves a session through the IP index.
func (r *sessionRepository) GetByIP(ctx context.Context, ipHash string) (*models.AnonymousSession, error) {
	if ipHash == "" {
		return nil, models.ErrSessionNotFound
	}
	id, err := r.client.Get(ctx, ipIndexKey(ipHash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, storeErr("get by ip", err)
	}
	return r.Get(ctx, id)
}

// Create assigns a fresh session id and points the IP index at it. A
// concurrent Create for the same IP hash wins or loses the index as a whole.
func (r *sessionRepository) Create(ctx context.Context, ipHash, userAgentHash string, trust models.TrustLevel, dailyLimit int) (*models.AnonymousSession, error) {
	now := r.now().UnixMilli()
	session := &models.AnonymousSession{
		SessionID:         uuid.NewString(),
		IPHash:            ipHash,
		UserAgentHash:     userAgentHash,
		CreatedAt:         now,
		LastActiveAt:      now,
		MessageCount:      0,
		DailyMessageLimit: dailyLimit,
		TrustLevel:        trust,
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, sessionKey(session.SessionID), encodeSession(session))
		pipe.PExpire(ctx, sessionKey(session.SessionID), r.ttl)
		if ipHash != "" {
			pipe.Set(ctx, ipIndexKey(ipHash), session.SessionID, r.ttl)
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("create", err)
	}
	log.Printf("INFO: [SessionRepository] Created session %s (trust %s, limit %d).", session.SessionID, trust, dailyLimit)
	return session, nil
}

// CreateIfAbsent returns the live session bootstrapped for ipHash, or creates
// one. created reports which happened.
func (r *sessionRepository) CreateIfAbsent(ctx context.Context, ipHash, userAgentHash string, trust models.TrustLevel, dailyLimit int) (*models.AnonymousSession, bool, error) {
	if ipHash == "" {
		return nil, false, fmt.Errorf("%w: ip hash is required", models.ErrInvalidInput)
	}
	id := uuid.NewString()
	res, err := createIfAbsentScript.Run(ctx, r.client,
		[]string{ipIndexKey(ipHash), sessionKey(id)},
		r.now().UnixMilli(), r.ttl.Milliseconds(), id, ipHash, userAgentHash, dailyLimit, int(trust), sessionKeyPrefix,
	).Slice()
	if err != nil {
		return nil, false, storeErr("create if absent", err)
	}
	status, session, err := decodeScriptReply(res)
	if err != nil {
		return nil, false, err
	}
	created := status == 1
	if created {
		log.Printf("INFO: [SessionRepository] Bootstrapped session %s for new IP hash (trust %s).", session.SessionID, session.TrustLevel)
	}
	return session, created, nil
}

// Save overwrites the whole record and re-applies the expiry of its quota
// period.
func (r *sessionRepository) Save(ctx context.Context, session *models.AnonymousSession) error {
	if session == nil || session.SessionID == "" {
		return fmt.Errorf("%w: session id is required", models.ErrInvalidInput)
	}
	remaining := r.remainingTTL(session)
	if remaining <= 0 {
		return models.ErrSessionNotFound
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		queueSave(ctx, pipe, session, remaining)
		return nil
	})
	if err != nil {
		return storeErr("save", err)
	}
	return nil
}

// Update applies fn to the current record under WATCH and saves it, retrying
// when a concurrent write to the same key aborts the transaction.
func (r *sessionRepository) Update(ctx context.Context, sessionID string, fn func(*models.AnonymousSession) error) (*models.AnonymousSession, error) {
	key := sessionKey(sessionID)
	var updated *models.AnonymousSession
	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return storeErr("update read", err)
		}
		if len(fields) == 0 {
			return models.ErrSessionNotFound
		}
		session, err := decodeSession(fields)
		if err != nil {
			return err
		}
		if session.IsExpired(r.now(), r.ttl) {
			return models.ErrSessionNotFound
		}
		if err := fn(session); err != nil {
			return err
		}
		if session.SessionID != sessionID {
			return fmt.Errorf("%w: session id is immutable", models.ErrInvalidInput)
		}
		remaining := r.remainingTTL(session)
		if remaining <= 0 {
			return models.ErrSessionNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			queueSave(ctx, pipe, session, remaining)
			return nil
		})
		if err != nil {
			return err
		}
		updated = session
		return nil
	}

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, models.ErrSessionNotFound) || errors.Is(err, models.ErrInvalidInput) || errors.Is(err, models.ErrStoreUnavailable) {
			return nil, err
		}
		return nil, storeErr("update", err)
	}
	return nil, storeErr("update", fmt.Errorf("gave up after %d conflicting writes", maxUpdateRetries))
}

// Touch refreshes lastActiveAt of a live session.
func (r *sessionRepository) Touch(ctx context.Context, sessionID string) (*models.AnonymousSession, error) {
	res, err := touchScript.Run(ctx, r.client, []string{sessionKey(sessionID)}, r.now().UnixMilli(), r.ttl.Milliseconds()).Slice()
	if err != nil {
		return nil, storeErr("touch", err)
	}
	status, session, err := decodeScriptReply(res)
	if err != nil {
		return nil, err
	}
	if status < 0 {
		return nil, models.ErrSessionNotFound
	}
	return session, nil
}

// Delete removes the session and its IP index entry.
func (r *sessionRepository) Delete(ctx context.Context, sessionID string) error {
	n, err := deleteScript.Run(ctx, r.client, []string{sessionKey(sessionID)}, ipIndexPrefix, sessionID).Int64()
	if err != nil {
		return storeErr("delete", err)
	}
	if n == 0 {
		return models.ErrSessionNotFound
	}
	log.Printf("INFO: [SessionRepository] Deleted session %s.", sessionID)
	return nil
}

// IncrementMessageCount consumes one message of the session's quota, or
// returns ErrQuotaExceeded without mutating when the quota is spent.
func (r *sessionRepository) IncrementMessageCount(ctx context.Context, sessionID string) (*models.AnonymousSession, error) {
	res, err := incrementScript.Run(ctx, r.client, []string{sessionKey(sessionID)}, r.now().UnixMilli(), r.ttl.Milliseconds()).Slice()
	if err != nil {
		return nil, storeErr("increment", err)
	}
	status, session, err := decodeScriptReply(res)
	if err != nil {
		return nil, err
	}
	switch status {
	case 1:
		return session, nil
	case 0:
		return session, models.ErrQuotaExceeded
	default:
		return nil, models.ErrSessionNotFound
	}
}

// Merge folds fromID into toID and deletes fromID.
func (r *sessionRepository) Merge(ctx context.Context, fromID, toID string) (*models.AnonymousSession, error) {
	res, err := mergeScript.Run(ctx, r.client,
		[]string{sessionKey(fromID), sessionKey(toID)},
		r.now().UnixMilli(), r.ttl.Milliseconds(), ipIndexPrefix,
	).Slice()
	if err != nil {
		return nil, storeErr("merge", err)
	}
	status, session, err := decodeScriptReply(res)
	if err != nil {
		return nil, err
	}
	if status < 0 {
		return nil, models.ErrSessionNotFound
	}
	log.Printf("INFO: [SessionRepository] Merged session %s into %s (messageCount %d).", fromID, toID, session.MessageCount)
	return session, nil
}

func (r *sessionRepository) remainingTTL(session *models.AnonymousSession) time.Duration {
	return session.ExpiresAt(r.ttl).Sub(r.now())
}

func queueSave(ctx context.Context, pipe redis.Pipeliner, session *models.AnonymousSession, ttl time.Duration) {
	key := sessionKey(session.SessionID)
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, encodeSession(session))
	pipe.PExpire(ctx, key, ttl)
}

func encodeSession(s *models.AnonymousSession) map[string]interface{} {
	return map[string]interface{}{
		"sessionId":         s.SessionID,
		"ipHash":            s.IPHash,
		"userAgentHash":     s.UserAgentHash,
		"createdAt":         s.CreatedAt,
		"lastActiveAt":      s.LastActiveAt,
		"messageCount":      s.MessageCount,
		"dailyMessageLimit": s.DailyMessageLimit,
		"trustLevel":        int(s.TrustLevel),
	}
}

func decodeSession(fields map[string]string) (*models.AnonymousSession, error) {
	s := &models.AnonymousSession{
		SessionID:     fields["sessionId"],
		IPHash:        fields["ipHash"],
		UserAgentHash: fields["userAgentHash"],
	}
	if s.SessionID == "" {
		return nil, fmt.Errorf("%w: stored session has no id", models.ErrStoreUnavailable)
	}
	var err error
	if s.CreatedAt, err = parseInt(fields, "createdAt"); err != nil {
		return nil, err
	}
	if s.LastActiveAt, err = parseInt(fields, "lastActiveAt"); err != nil {
		return nil, err
	}
	count, err := parseInt(fields, "messageCount")
	if err != nil {
		return nil, err
	}
	limit, err := parseInt(fields, "dailyMessageLimit")
	if err != nil {
		return nil, err
	}
	trust, err := parseInt(fields, "trustLevel")
	if err != nil {
		return nil, err
	}
	s.MessageCount = int(count)
	s.DailyMessageLimit = int(limit)
	s.TrustLevel = models.TrustLevel(trust)
	return s, nil
}

func parseInt(fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// Lua may hand back a float representation.
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil {
			return 0, fmt.Errorf("%w: field %s: %v", models.ErrStoreUnavailable, name, err)
		}
		v = int64(f)
	}
	return v, nil
}

// decodeScriptReply unpacks the {status, flatHash} replies of the session
// scripts.
func decodeScriptReply(res []interface{}) (int64, *models.AnonymousSession, error) {
	if len(res) == 0 {
		return 0, nil, fmt.Errorf("%w: empty script reply", models.ErrStoreUnavailable)
	}
	status, ok := res[0].(int64)
	if !ok {
		return 0, nil, fmt.Errorf("%w: unexpected script status %T", models.ErrStoreUnavailable, res[0])
	}
	if len(res) < 2 {
		return status, nil, nil
	}
	flat, ok := res[1].([]interface{})
	if !ok {
		return 0, nil, fmt.Errorf("%w: unexpected script payload %T", models.ErrStoreUnavailable, res[1])
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		fields[k] = v
	}
	session, err := decodeSession(fields)
	if err != nil {
		return 0, nil, err
	}
	return status, session, nil
}
