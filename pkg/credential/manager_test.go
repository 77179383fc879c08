package credential

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"modsync/pkg/storage"
	"modsync/pkg/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu             sync.Mutex
	requests       int
	registers      int
	pingStatus     int
	registerStatus int
	registerBody   string
	valid          map[string]bool
	meStatus       int
	retryAfter     string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	switch r.URL.Path {
	case "/ping":
		if f.pingStatus != 0 {
			w.WriteHeader(f.pingStatus)
			return
		}
		_, _ = w.Write([]byte("pong"))
	case "/auth/me":
		if f.meStatus != 0 {
			w.WriteHeader(f.meStatus)
			return
		}
		if !f.valid[r.URL.Query().Get("token")] {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	case "/auth/register":
		f.registers++
		if f.registerStatus != 0 {
			if f.retryAfter != "" {
				w.Header().Set("Retry-After", f.retryAfter)
			}
			w.WriteHeader(f.registerStatus)
			return
		}
		_, _ = w.Write([]byte(f.registerBody))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeAPI) counts() (requests, registers int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests, f.registers
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type recordingNotifier struct {
	notices []Notice
}

func (r *recordingNotifier) Notify(_ context.Context, n Notice) {
	r.notices = append(r.notices, n)
}

type harness struct {
	api      *fakeAPI
	prefs    *storage.MemoryPreferences
	clock    *fakeClock
	notifier *recordingNotifier
	manager  *Manager
}

func newHarness(t *testing.T, cfg Config, api *fakeAPI, opts ...Option) *harness {
	t.Helper()
	if api.valid == nil {
		api.valid = map[string]bool{}
	}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	h := &harness{
		api:      api,
		prefs:    storage.NewMemoryPreferences(),
		clock:    &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		notifier: &recordingNotifier{},
	}
	require.NoError(t, h.prefs.SetString(context.Background(), DefaultScope, PrefDeviceID, "dev-1"))

	cfg.Scheme = "http"
	cfg.ProductionHost = srv.Listener.Addr().String()
	cfg.StagingHost = srv.Listener.Addr().String()
	opts = append([]Option{WithClock(h.clock.now), WithNotifier(h.notifier)}, opts...)
	manager, err := NewManager(cfg, transport.New(), h.prefs, opts...)
	require.NoError(t, err)
	h.manager = manager
	return h
}

func (h *harness) persistedToken(t *testing.T) (string, bool) {
	t.Helper()
	value, ok, err := h.prefs.GetString(context.Background(), DefaultScope, PrefToken)
	require.NoError(t, err)
	return value, ok
}

func TestPrepareRegistersAndPersistsToken(t *testing.T) {
	api := &fakeAPI{registerBody: `{"token":"tok-1"}`, valid: map[string]bool{"tok-1": true}}
	h := newHarness(t, Config{}, api)

	require.True(t, h.manager.Prepare(context.Background()))
	assert.Equal(t, "tok-1", h.manager.Token())
	assert.Equal(t, "dev-1", h.manager.DeviceID())
	assert.Equal(t, h.clock.t.Add(DefaultCooldown), h.manager.BlockadeUntil())

	token, ok := h.persistedToken(t)
	assert.True(t, ok)
	assert.Equal(t, "tok-1", token)
	assert.Empty(t, h.notifier.notices)
}

func TestPrepareUsesCachedToken(t *testing.T) {
	api := &fakeAPI{valid: map[string]bool{"cached": true}}
	h := newHarness(t, Config{}, api)
	require.NoError(t, h.prefs.SetString(context.Background(), DefaultScope, PrefToken, "cached"))

	require.True(t, h.manager.Prepare(context.Background()))
	assert.Equal(t, "cached", h.manager.Token())
	_, registers := api.counts()
	assert.Zero(t, registers)
}

func TestRevokedTokenTriggersReregistration(t *testing.T) {
	api := &fakeAPI{registerBody: `{"token":"fresh"}`, valid: map[string]bool{"fresh": true}}
	h := newHarness(t, Config{}, api)
	require.NoError(t, h.prefs.SetString(context.Background(), DefaultScope, PrefToken, "stale"))

	require.True(t, h.manager.Prepare(context.Background()))
	assert.Equal(t, "fresh", h.manager.Token())
	_, registers := api.counts()
	assert.Equal(t, 1, registers)

	token, _ := h.persistedToken(t)
	assert.Equal(t, "fresh", token)
}

func TestBlockadePreventsNetworkAccess(t *testing.T) {
	api := &fakeAPI{registerBody: `{"token":"tok-1"}`, valid: map[string]bool{"tok-1": true}}
	h := newHarness(t, Config{}, api)
	ctx := context.Background()

	require.True(t, h.manager.Prepare(ctx))
	before, _ := api.counts()

	h.clock.advance(10 * time.Second)
	assert.False(t, h.manager.Prepare(ctx))
	err := h.manager.Ensure(ctx)
	assert.ErrorIs(t, err, ErrBlockaded)
	after, _ := api.counts()
	assert.Equal(t, before, after)

	h.clock.advance(DefaultCooldown)
	assert.True(t, h.manager.Prepare(ctx))
}

func TestPingFailureLeavesBlockadeUntouched(t *testing.T) {
	api := &fakeAPI{pingStatus: http.StatusServiceUnavailable}
	h := newHarness(t, Config{}, api)

	err := h.manager.Ensure(context.Background())
	assert.ErrorIs(t, err, ErrServerUnavailable)
	assert.True(t, h.manager.BlockadeUntil().IsZero())
	assert.Equal(t, []Notice{NoticeServerUnavailable}, h.notifier.notices)
}

func TestRateLimitSetsLongBlockade(t *testing.T) {
	api := &fakeAPI{registerStatus: http.StatusTooManyRequests}
	h := newHarness(t, Config{}, api)

	err := h.manager.Ensure(context.Background())
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, h.clock.t.Add(DefaultRateLimitBlockade), h.manager.BlockadeUntil())
	assert.Empty(t, h.manager.Token())
}

func TestRateLimitHonorsLongerRetryAfter(t *testing.T) {
	api := &fakeAPI{registerStatus: http.StatusTooManyRequests, retryAfter: "10800"}
	h := newHarness(t, Config{}, api)

	err := h.manager.Ensure(context.Background())
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, h.clock.t.Add(3*time.Hour), h.manager.BlockadeUntil())
}

func TestRateLimitOnValidation(t *testing.T) {
	api := &fakeAPI{meStatus: http.StatusTooManyRequests}
	h := newHarness(t, Config{}, api)
	require.NoError(t, h.prefs.SetString(context.Background(), DefaultScope, PrefToken, "cached"))

	assert.False(t, h.manager.Prepare(context.Background()))
	assert.Equal(t, h.clock.t.Add(time.Hour), h.manager.BlockadeUntil())
	token, ok := h.persistedToken(t)
	assert.True(t, ok)
	assert.Equal(t, "cached", token)
}

func TestRegisterParseFailure(t *testing.T) {
	api := &fakeAPI{registerBody: `{"unexpected":1}`}
	h := newHarness(t, Config{}, api)

	err := h.manager.Ensure(context.Background())
	assert.ErrorIs(t, err, ErrTokenParse)
	assert.Equal(t, []Notice{NoticeTokenParseFailed}, h.notifier.notices)
	_, ok := h.persistedToken(t)
	assert.False(t, ok)
}

func TestRegisterValidationFailure(t *testing.T) {
	api := &fakeAPI{registerBody: `{"token":"never-valid"}`}
	h := newHarness(t, Config{}, api)

	err := h.manager.Ensure(context.Background())
	assert.ErrorIs(t, err, ErrTokenValidation)
	assert.Equal(t, []Notice{NoticeTokenValidationFailed}, h.notifier.notices)
	_, ok := h.persistedToken(t)
	assert.False(t, ok)
	assert.Empty(t, h.manager.Token())
}

func TestCustomTokenPath(t *testing.T) {
	api := &fakeAPI{registerBody: `{"data":{"access":"nested"}}`, valid: map[string]bool{"nested": true}}
	h := newHarness(t, Config{TokenPath: "$.data.access"}, api)

	require.True(t, h.manager.Prepare(context.Background()))
	assert.Equal(t, "nested", h.manager.Token())
}

func TestStrictModeRejectsInvalidInMemoryToken(t *testing.T) {
	api := &fakeAPI{registerBody: `{"token":"fresh"}`, valid: map[string]bool{"fresh": true}}
	h := newHarness(t, Config{Strict: true, AllowExternalToken: true}, api)
	require.True(t, h.manager.SetToken("web-session"))

	err := h.manager.Ensure(context.Background())
	assert.ErrorIs(t, err, ErrTokenRejected)
	assert.Empty(t, h.manager.Token())
}

func TestLenientModeDiscardsInvalidInMemoryToken(t *testing.T) {
	api := &fakeAPI{registerBody: `{"token":"fresh"}`, valid: map[string]bool{"fresh": true}}
	h := newHarness(t, Config{AllowExternalToken: true}, api)
	require.True(t, h.manager.SetToken("web-session"))

	require.True(t, h.manager.Prepare(context.Background()))
	assert.Equal(t, "fresh", h.manager.Token())
}

func TestSetTokenRequiresPermission(t *testing.T) {
	h := newHarness(t, Config{}, &fakeAPI{})
	assert.False(t, h.manager.SetToken("web-session"))
	assert.Empty(t, h.manager.Token())
}

func TestChallengeBlocksBeforeNetwork(t *testing.T) {
	api := &fakeAPI{}
	h := newHarness(t, Config{}, api, WithChallenge(func(context.Context) bool { return true }))

	assert.ErrorIs(t, h.manager.Ensure(context.Background()), ErrChallengeRequired)
	requests, _ := api.counts()
	assert.Zero(t, requests)
	assert.True(t, h.manager.BlockadeUntil().IsZero())
}

func TestValidateTokenStatuses(t *testing.T) {
	api := &fakeAPI{valid: map[string]bool{"good": true}}
	h := newHarness(t, Config{}, api)
	ctx := context.Background()
	require.NoError(t, h.prefs.SetString(ctx, DefaultScope, PrefToken, "bad"))

	status, err := h.manager.ValidateToken(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, TokenValid, status)

	status, err = h.manager.ValidateToken(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, TokenRevoked, status)
	_, ok := h.persistedToken(t)
	assert.False(t, ok)

	api.mu.Lock()
	api.meStatus = http.StatusInternalServerError
	api.mu.Unlock()
	status, err = h.manager.ValidateToken(ctx, "good")
	assert.Error(t, err)
	assert.Equal(t, TokenError, status)
}

func TestSeedBlockade(t *testing.T) {
	h := newHarness(t, Config{}, &fakeAPI{})
	now := h.clock.t

	h.manager.SeedBlockade(now.Add(-10 * time.Second))
	assert.Equal(t, now.Add(20*time.Second), h.manager.BlockadeUntil())

	h.manager.SeedBlockade(now.Add(2 * time.Minute))
	assert.True(t, h.manager.BlockadeUntil().IsZero())

	staging := newHarness(t, Config{Environment: Staging}, &fakeAPI{})
	staging.manager.SeedBlockade(now)
	assert.True(t, staging.manager.BlockadeUntil().IsZero())
}

func TestObserveError(t *testing.T) {
	h := newHarness(t, Config{}, &fakeAPI{})

	h.manager.ObserveError(errors.New("boom"))
	assert.True(t, h.manager.BlockadeUntil().IsZero())

	h.manager.ObserveError(&transport.StatusError{Code: http.StatusTooManyRequests})
	assert.Equal(t, h.clock.t.Add(time.Hour), h.manager.BlockadeUntil())

	h.manager.ObserveError(&transport.StatusError{Code: http.StatusTooManyRequests, RetryAfter: time.Minute})
	assert.Equal(t, h.clock.t.Add(time.Hour), h.manager.BlockadeUntil())

	h.manager.ObserveError(&transport.StatusError{Code: http.StatusTooManyRequests, RetryAfter: 2 * time.Hour})
	assert.Equal(t, h.clock.t.Add(2*time.Hour), h.manager.BlockadeUntil())
}

func TestTokenSource(t *testing.T) {
	h := newHarness(t, Config{AllowExternalToken: true}, &fakeAPI{})

	_, err := h.manager.TokenSource().Token()
	assert.Error(t, err)

	h.manager.SetToken("abc")
	token, err := h.manager.TokenSource().Token()
	require.NoError(t, err)
	assert.Equal(t, "abc", token.AccessToken)
	assert.Equal(t, "Bearer", token.TokenType)
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(Config{}, nil, storage.NewMemoryPreferences())
	assert.Error(t, err)
	_, err = NewManager(Config{}, transport.New(), nil)
	assert.Error(t, err)
	_, err = NewManager(Config{Environment: "qa"}, transport.New(), storage.NewMemoryPreferences())
	assert.Error(t, err)
}
