package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kelvinguchu/t3clone-sub003/config"
	"github.com/kelvinguchu/t3clone-sub003/models"
	"github.com/kelvinguchu/t3clone-sub003/repository"
	"github.com/kelvinguchu/t3clone-sub003/services"
	"github.com/kelvinguchu/t3clone-sub003/utils"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockCompletionService is a mock type for the CompletionService interface
type MockCompletionService struct {
	mock.Mock
}

func (m *MockCompletionService) Complete(ctx context.Context, req services.CompletionRequest) (string, string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.String(1), args.Error(2)
}

// MockAbuseRepository is a mock type for the AbuseRepository interface
type MockAbuseRepository struct {
	mock.Mock
}

func (m *MockAbuseRepository) Record(ctx context.Context, event *models.AbuseEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockAbuseRepository) ListByIP(ctx context.Context, ipHash string) ([]models.AbuseEvent, error) {
	args := m.Called(ctx, ipHash)
	return args.Get(0).([]models.AbuseEvent), args.Error(1)
}

func (m *MockAbuseRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type apiFixture struct {
	router     *gin.Engine
	mr         *miniredis.Miniredis
	clock      *testClock
	completion *MockCompletionService
	abuse      *MockAbuseRepository
	violations repository.ViolationRepository
	remoteAddr string
}

type fixtureOptions struct {
	withCompletion bool
	// audit replaces the mocked audit trail when set.
	audit repository.AbuseRepository
	// mr and clock are shared with another fixture to model a second replica.
	mr    *miniredis.Miniredis
	clock *testClock
}

// newAPIFixture wires the real services over miniredis. withCompletion
// controls whether the chat endpoint has a downstream provider.
func newAPIFixture(t *testing.T, cfg config.Config, withCompletion bool) *apiFixture {
	return newAPIFixtureWith(t, cfg, fixtureOptions{withCompletion: withCompletion})
}

func newAPIFixtureWith(t *testing.T, cfg config.Config, opts fixtureOptions) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := opts.mr
	if mr == nil {
		mr = miniredis.RunT(t)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	clock := opts.clock
	if clock == nil {
		clock = &testClock{t: time.UnixMilli(1_700_000_000_000)}
	}
	abuse := new(MockAbuseRepository)
	abuse.On("Record", mock.Anything, mock.Anything).Return(nil).Maybe()
	abuse.On("ListByIP", mock.Anything, mock.Anything).Return([]models.AbuseEvent{}, nil).Maybe()
	var audit repository.AbuseRepository = abuse
	if opts.audit != nil {
		audit = opts.audit
	}

	limiter := services.NewRateLimiter(client, nil, nil, services.RateLimiterOptions{FailOpen: cfg.RateLimit.FailOpen}, clock.Now)
	violations := repository.NewViolationRepository(client, cfg.Trust.ViolationLookback, clock.Now)
	trust := services.NewTrustEvaluator(services.TrustPolicyFromConfig(cfg), violations, clock.Now)
	repo := repository.NewSessionRepository(client, cfg.Session.TTL, clock.Now)
	sessions := services.NewSessionService(repo, trust, nil, cfg)

	var completion services.CompletionService
	mockCompletion := new(MockCompletionService)
	if opts.withCompletion {
		completion = mockCompletion
	}

	gate := NewRequestGate(sessions, limiter, trust, violations, audit, cfg, clock.Now)
	h := NewAPIHandler(gate, sessions, limiter, completion, client, cfg)
	r := gin.New()
	RegisterRoutes(r, h, nil)

	return &apiFixture{
		router:     r,
		mr:         mr,
		clock:      clock,
		completion: mockCompletion,
		abuse:      abuse,
		violations: violations,
		remoteAddr: testRemoteAddr,
	}
}

const testRemoteAddr = "203.0.113.7:5555"

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Identity.HashSalt = "test-salt"
	cfg.Admin.Token = "admin-secret"
	return cfg
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = f.remoteAddr
	req.Header.Set("User-Agent", "test-agent/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w, env
}

func decodeSession(t *testing.T, env envelope) models.SessionResponse {
	t.Helper()
	var resp models.SessionResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	return resp
}

func TestGetSession_BootstrapsAndSetsCookie(t *testing.T) {
	f := newAPIFixture(t, testConfig(), false)

	w, env := f.do(t, http.MethodGet, "/api/session", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decodeSession(t, env)
	assert.True(t, first.Created)
	assert.Equal(t, 10, first.Remaining)
	assert.Equal(t, models.TrustNew, first.Session.TrustLevel)
	assert.Contains(t, w.Header().Get("Set-Cookie"), "anon_session_id="+first.Session.SessionID)

	w, env = f.do(t, http.MethodGet, "/api/session", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	second := decodeSession(t, env)
	assert.False(t, second.Created)
	assert.Equal(t, first.Session.SessionID, second.Session.SessionID)
}

func TestGetSession_MalformedIDIsRejected(t *testing.T) {
	f := newAPIFixture(t, testConfig(), false)

	w, _ := f.do(t, http.MethodGet, "/api/session", nil, map[string]string{"X-Session-Id": "not-a-uuid"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodGet, "/api/session/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetSessionByID_Unknown(t *testing.T) {
	f := newAPIFixture(t, testConfig(), false)
	w, _ := f.do(t, http.MethodGet, "/api/session/6f1c2d3e-4a5b-4c6d-8e7f-8091a2b3c4d5", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestChat_AdmitsThenRateLimits(t *testing.T) {
	f := newAPIFixture(t, testConfig(), true)
	f.completion.On("Complete", mock.Anything, services.CompletionRequest{Message: "hello"}).
		Return("hi there", "gpt-4o-mini", nil).Once()

	w, env := f.do(t, http.MethodPost, "/api/chat", gin.H{"message": "hello"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var reply models.ChatReply
	require.NoError(t, json.Unmarshal(env.Data, &reply))
	assert.Equal(t, "hi there", reply.Reply)
	assert.Equal(t, 9, reply.Remaining)
	assert.NotEmpty(t, reply.SessionID)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w, _ = f.do(t, http.MethodPost, "/api/chat", gin.H{"message": "hello"}, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["rateLimitExceeded"])
	assert.Equal(t, "antispam", body["window"])
	assert.EqualValues(t, 2, body["retryAfter"])

	f.completion.AssertExpectations(t)
	f.abuse.AssertCalled(t, "Record", mock.Anything, mock.MatchedBy(func(e *models.AbuseEvent) bool {
		return e.WindowName == "antispam" && e.Scope != ""
	}))
	assert.True(t, f.mr.Exists("abuse:"+utils.HashIdentifier("test-salt", "203.0.113.7")))
}

func TestChat_NotConfigured(t *testing.T) {
	f := newAPIFixture(t, testConfig(), false)
	w, _ := f.do(t, http.MethodPost, "/api/chat", gin.H{"message": "hello"}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Empty(t, f.mr.Keys(), "no quota is consumed when chat is unavailable")
}

func TestChat_MissingMessage(t *testing.T) {
	f := newAPIFixture(t, testConfig(), true)
	w, _ := f.do(t, http.MethodPost, "/api/chat", gin.H{"sessionId": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChat_DownstreamFailure(t *testing.T) {
	f := newAPIFixture(t, testConfig(), true)
	f.completion.On("Complete", mock.Anything, mock.Anything).Return("", "", errors.New("upstream timeout")).Once()

	w, _ := f.do(t, http.MethodPost, "/api/chat", gin.H{"message": "hello"}, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestChat_FailOpenWhenStoreDown(t *testing.T) {
	f := newAPIFixture(t, testConfig(), true)
	f.completion.On("Complete", mock.Anything, mock.Anything).Return("still here", "m", nil).Once()
	f.mr.SetError("ERR simulated outage")

	w, env := f.do(t, http.MethodPost, "/api/chat", gin.H{"message": "hello"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var reply models.ChatReply
	require.NoError(t, json.Unmarshal(env.Data, &reply))
	assert.True(t, reply.Degraded)
	assert.Equal(t, "still here", reply.Reply)
}

func TestChat_FailClosedWhenStoreDown(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.FailOpen = false
	f := newAPIFixture(t, cfg, true)
	f.mr.SetError("ERR simulated outage")

	w, _ := f.do(t, http.MethodPost, "/api/chat", gin.H{"message": "hello"}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	f.completion.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

// quotaConfig relaxes the sliding windows so only the daily quota bites.
func quotaConfig() config.Config {
	cfg := testConfig()
	for name, tier := range cfg.RateLimit.Tiers {
		tier.Windows = []config.WindowRule{{Name: "burst", Window: time.Minute, Limit: 100}}
		cfg.RateLimit.Tiers[name] = tier
	}
	return cfg
}

func TestIncrementMessages_QuotaExceeded(t *testing.T) {
	f := newAPIFixture(t, quotaConfig(), false)

	_, env := f.do(t, http.MethodGet, "/api/session", nil, nil)
	id := decodeSession(t, env).Session.SessionID

	for i := 0; i < 10; i++ {
		w, env := f.do(t, http.MethodPatch, "/api/session/"+id+"/messages", nil, nil)
		require.Equal(t, http.StatusOK, w.Code, "message %d: %s", i+1, w.Body.String())
		assert.Equal(t, 9-i, decodeSession(t, env).Remaining)
	}

	w, _ := f.do(t, http.MethodPatch, "/api/session/"+id+"/messages", nil, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["quotaExceeded"])
	assert.EqualValues(t, 10, body["limit"])
	assert.Empty(t, w.Header().Get("Retry-After"))
}

func TestIncrementMessages_UnknownSession(t *testing.T) {
	f := newAPIFixture(t, testConfig(), false)
	w, _ := f.do(t, http.MethodPatch, "/api/session/6f1c2d3e-4a5b-4c6d-8e7f-8091a2b3c4d5/messages", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateSession_FreshIsLimitedPerIP(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Create = config.WindowRule{Name: "session_create", Window: time.Hour, Limit: 2}
	f := newAPIFixture(t, cfg, false)

	var ids []string
	for i := 0; i < 2; i++ {
		w, env := f.do(t, http.MethodPost, "/api/session", gin.H{"fresh": true}, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		resp := decodeSession(t, env)
		assert.True(t, resp.Created)
		ids = append(ids, resp.Session.SessionID)
	}
	assert.NotEqual(t, ids[0], ids[1])

	w, _ := f.do(t, http.MethodPost, "/api/session", gin.H{"fresh": true}, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// A plain POST resumes the latest session instead.
	w, env := f.do(t, http.MethodPost, "/api/session", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ids[1], decodeSession(t, env).Session.SessionID)
}

func TestMergeSessions(t *testing.T) {
	f := newAPIFixture(t, quotaConfig(), false)

	_, env := f.do(t, http.MethodPost, "/api/session", gin.H{"fresh": true}, nil)
	from := decodeSession(t, env).Session.SessionID
	_, env = f.do(t, http.MethodPost, "/api/session", gin.H{"fresh": true}, nil)
	to := decodeSession(t, env).Session.SessionID
	for i := 0; i < 3; i++ {
		w, _ := f.do(t, http.MethodPatch, "/api/session/"+from+"/messages", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w, env := f.do(t, http.MethodPost, "/api/session/merge", gin.H{"fromSessionId": from, "toSessionId": to}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	merged := decodeSession(t, env)
	assert.Equal(t, to, merged.Session.SessionID)
	assert.Equal(t, 3, merged.Session.MessageCount)

	w, _ = f.do(t, http.MethodPost, "/api/session/merge", gin.H{"fromSessionId": from, "toSessionId": to}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/session/merge", gin.H{"fromSessionId": to, "toSessionId": to}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateAndDeleteSession(t *testing.T) {
	f := newAPIFixture(t, testConfig(), false)

	_, env := f.do(t, http.MethodGet, "/api/session", nil, nil)
	session := decodeSession(t, env).Session
	f.clock.Advance(time.Minute)

	w, env := f.do(t, http.MethodPut, "/api/session/"+session.SessionID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, session.CreatedAt+time.Minute.Milliseconds(), decodeSession(t, env).Session.LastActiveAt)

	w, _ = f.do(t, http.MethodDelete, "/api/session/"+session.SessionID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Set-Cookie"), "Max-Age=0")

	w, _ = f.do(t, http.MethodGet, "/api/session/"+session.SessionID, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = f.do(t, http.MethodDelete, "/api/session/"+session.SessionID, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResetRateLimit(t *testing.T) {
	f := newAPIFixture(t, testConfig(), false)

	_, env := f.do(t, http.MethodGet, "/api/session", nil, nil)
	id := decodeSession(t, env).Session.SessionID
	w, _ := f.do(t, http.MethodPatch, "/api/session/"+id+"/messages", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = f.do(t, http.MethodPatch, "/api/session/"+id+"/messages", nil, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	reset := gin.H{"scope": "session:" + id, "window": "antispam"}
	w, _ = f.do(t, http.MethodPost, "/api/admin/ratelimit/reset", reset, map[string]string{"X-Admin-Token": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/admin/ratelimit/reset", reset, map[string]string{"X-Admin-Token": "admin-secret"})
	require.Equal(t, http.StatusOK, w.Code)
	// The ip scope still holds the earlier event.
	w, _ = f.do(t, http.MethodPatch, "/api/session/"+id+"/messages", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestResetRateLimit_DisabledWithoutToken(t *testing.T) {
	cfg := testConfig()
	cfg.Admin.Token = ""
	f := newAPIFixture(t, cfg, false)

	w, _ := f.do(t, http.MethodPost, "/api/admin/ratelimit/reset", gin.H{"scope": "ip:x", "window": "burst"}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, testConfig(), false)

	w, _ := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	f.mr.SetError("ERR simulated outage")
	w, _ = f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
