package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"modsync/pkg/storage"
	"modsync/pkg/transport"

	"github.com/PaesslerAG/jsonpath"
	"github.com/charmbracelet/log"
)

var (
	ErrChallengeRequired = errors.New("interactive challenge required")
	ErrBlockaded         = errors.New("requests are blockaded")
	ErrServerUnavailable = errors.New("server unavailable")
	ErrRateLimited       = errors.New("rate limited")
	ErrTokenRejected     = errors.New("in-memory token rejected")
	ErrTokenParse        = errors.New("failed to parse token")
	ErrTokenValidation   = errors.New("failed to validate token")
)

// HTTPClient is the transport used by the manager. Non-2xx answers must be
// reported as *transport.StatusError.
type HTTPClient interface {
	Get(ctx context.Context, rawURL string) ([]byte, error)
	PostJSON(ctx context.Context, rawURL string, payload any) ([]byte, error)
}

// ChallengeFunc reports whether an interactive challenge currently blocks
// network access to the service.
type ChallengeFunc func(ctx context.Context) bool

// TokenStatus is the outcome of a token validation.
type TokenStatus int

const (
	TokenError TokenStatus = iota
	TokenValid
	TokenRevoked
)

func (s TokenStatus) String() string {
	switch s {
	case TokenValid:
		return "valid"
	case TokenRevoked:
		return "revoked"
	default:
		return "error"
	}
}

// Manager acquires, validates and caches the bearer token for one
// environment. Ensure calls must be serialized by the caller; the token and
// blockade accessors may be read concurrently with them.
type Manager struct {
	cfg       Config
	host      string
	client    HTTPClient
	prefs     storage.PreferenceStore
	deviceIDs *DeviceIDs
	notifier  Notifier
	challenge ChallengeFunc
	links     LinkClassifier
	logger    *log.Logger
	now       func() time.Time

	mu            sync.RWMutex
	token         string
	blockadeUntil time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithNotifier sets where user-facing notices go.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) {
		if n != nil {
			m.notifier = n
		}
	}
}

// WithChallenge sets the challenge check run before any network access.
func WithChallenge(fn ChallengeFunc) Option {
	return func(m *Manager) {
		m.challenge = fn
	}
}

// WithLinkClassifier overrides which URLs receive credentials.
func WithLinkClassifier(c LinkClassifier) Option {
	return func(m *Manager) {
		if c != nil {
			m.links = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithDeviceIDs shares a device id source between managers.
func WithDeviceIDs(d *DeviceIDs) Option {
	return func(m *Manager) {
		if d != nil {
			m.deviceIDs = d
		}
	}
}

// WithDeviceIDGenerator sets the generator used for first-time device ids.
func WithDeviceIDGenerator(gen Generator) Option {
	return func(m *Manager) {
		m.deviceIDs = NewDeviceIDs(m.prefs, m.cfg.Scope, gen)
		m.deviceIDs.timeout = m.cfg.DeviceIDTimeout
	}
}

// NewManager constructs a Manager.
func NewManager(cfg Config, client HTTPClient, prefs storage.PreferenceStore, opts ...Option) (*Manager, error) {
	if client == nil {
		return nil, errors.New("credential: http client is required")
	}
	if prefs == nil {
		return nil, errors.New("credential: preference store is required")
	}
	cfg = cfg.withDefaults()
	if _, err := ParseEnvironment(string(cfg.Environment)); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:    cfg,
		client: client,
		prefs:  prefs,
		links:  DomainClassifier{Domain: cfg.Domain},
		logger: log.Default().WithPrefix("modsync/credential"),
		now:    time.Now,
	}
	m.host = cfg.ProductionHost
	if cfg.Environment == Staging {
		m.host = cfg.StagingHost
	}
	m.deviceIDs = NewDeviceIDs(prefs, cfg.Scope, nil)
	m.deviceIDs.timeout = cfg.DeviceIDTimeout
	for _, opt := range opts {
		opt(m)
	}
	if m.notifier == nil {
		m.notifier = LogNotifier{Logger: m.logger}
	}
	return m, nil
}

// Prepare ensures a usable token exists and reports whether the caller may
// proceed with a catalog fetch.
func (m *Manager) Prepare(ctx context.Context) bool {
	if err := m.Ensure(ctx); err != nil {
		switch {
		case errors.Is(err, ErrBlockaded), errors.Is(err, ErrChallengeRequired):
			m.logger.Debug("prepare skipped", "reason", err)
		case errors.Is(err, ErrTokenRejected):
			m.logger.Error("prepare failed", "err", err)
		default:
			m.logger.Warn("prepare failed", "err", err)
		}
		return false
	}
	return true
}

// Ensure is Prepare with the failure reason.
func (m *Manager) Ensure(ctx context.Context) error {
	if m.challenge != nil && m.challenge(ctx) {
		return ErrChallengeRequired
	}
	deviceID, err := m.deviceIDs.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("device id: %w", err)
	}
	if until := m.BlockadeUntil(); m.now().Before(until) {
		return fmt.Errorf("%w until %s", ErrBlockaded, until.Format(time.RFC3339))
	}

	if _, err := m.client.Get(ctx, m.endpoint("/ping")); err != nil {
		m.logger.Error("failed to ping server", "host", m.host, "err", err)
		m.notifier.Notify(ctx, NoticeServerUnavailable)
		return fmt.Errorf("%w: %w", ErrServerUnavailable, err)
	}

	now := m.now()
	m.setBlockade(now.Add(m.cfg.Cooldown))

	token, err := m.resolveToken(ctx, deviceID, now)
	if err != nil {
		return err
	}
	m.setToken(token)
	return nil
}

func (m *Manager) resolveToken(ctx context.Context, deviceID string, now time.Time) (string, error) {
	current := m.Token()
	if current == "" {
		cached, ok, err := m.prefs.GetString(ctx, m.cfg.Scope, PrefToken)
		if err != nil {
			return "", fmt.Errorf("load token: %w", err)
		}
		if ok && cached != "" {
			status, err := m.ValidateToken(ctx, cached)
			switch status {
			case TokenValid:
				m.logger.Info("using cached token")
				return cached, nil
			case TokenError:
				return "", m.failure(err, now)
			}
		}
	} else {
		status, err := m.ValidateToken(ctx, current)
		switch status {
		case TokenValid:
			return current, nil
		case TokenRevoked:
			m.setToken("")
			if m.cfg.Strict {
				return "", ErrTokenRejected
			}
		default:
			return "", m.failure(err, now)
		}
	}
	return m.register(ctx, deviceID, now)
}

func (m *Manager) register(ctx context.Context, deviceID string, now time.Time) (string, error) {
	m.logger.Info("requesting new token")
	body, err := m.client.PostJSON(ctx, m.endpoint("/auth/register"), map[string]string{"device_id": deviceID})
	if err != nil {
		m.logger.Error("failed to get a new token", "err", err)
		return "", m.failure(err, now)
	}
	token, err := m.extractToken(body)
	if err != nil {
		m.logger.Error("failed to parse token", "err", err)
		m.notifier.Notify(ctx, NoticeTokenParseFailed)
		return "", fmt.Errorf("%w: %w", ErrTokenParse, err)
	}

	status, err := m.ValidateToken(ctx, token)
	switch status {
	case TokenValid:
	case TokenRevoked:
		m.logger.Error("failed to validate token")
		m.notifier.Notify(ctx, NoticeTokenValidationFailed)
		return "", ErrTokenValidation
	default:
		return "", m.failure(err, now)
	}

	if err := m.prefs.SetString(ctx, m.cfg.Scope, PrefToken, token); err != nil {
		return "", fmt.Errorf("persist token: %w", err)
	}
	return token, nil
}

func (m *Manager) extractToken(body []byte) (string, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", err
	}
	value, err := jsonpath.Get(m.cfg.TokenPath, doc)
	if err != nil {
		return "", err
	}
	token, ok := value.(string)
	if !ok || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%s is not a non-empty string", m.cfg.TokenPath)
	}
	return token, nil
}

// failure escalates the blockade on rate limiting and wraps err.
func (m *Manager) failure(err error, now time.Time) error {
	if m.rateLimited(err, now) {
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return err
}

// rateLimited blockades for RateLimitBlockade, or for the server's
// Retry-After when that asks for longer.
func (m *Manager) rateLimited(err error, now time.Time) bool {
	if !transport.IsRateLimited(err) {
		return false
	}
	wait := m.cfg.RateLimitBlockade
	if retryAfter := transport.RetryAfter(err); retryAfter > wait {
		wait = retryAfter
	}
	m.logger.Error("we are being rate limited", "err", err, "retry_in", wait)
	m.setBlockade(now.Add(wait))
	return true
}

// ValidateToken checks token against the service. A 401 clears the persisted
// token and reports TokenRevoked; any other failure reports TokenError.
func (m *Manager) ValidateToken(ctx context.Context, token string) (TokenStatus, error) {
	deviceID, err := m.deviceIDs.Bootstrap(ctx)
	if err != nil {
		return TokenError, fmt.Errorf("device id: %w", err)
	}
	target := m.endpoint("/auth/me") + "?token=" + url.QueryEscape(token) + "&device_id=" + url.QueryEscape(deviceID)
	if _, err := m.client.Get(ctx, target); err != nil {
		if transport.IsUnauthorized(err) {
			m.logger.Warn("invalid token, resetting")
			if rmErr := m.prefs.Remove(ctx, m.cfg.Scope, PrefToken); rmErr != nil {
				m.logger.Warn("failed to remove persisted token", "err", rmErr)
			}
			return TokenRevoked, nil
		}
		return TokenError, err
	}
	return TokenValid, nil
}

// ObserveError applies the rate-limit blockade for errors raised outside the
// manager, such as a catalog fetch answered with 429.
func (m *Manager) ObserveError(err error) {
	m.rateLimited(err, m.now())
}

// SeedBlockade derives the initial blockade from the time the catalog cache
// was last written. Ignored in staging.
func (m *Manager) SeedBlockade(cachedAt time.Time) {
	if m.cfg.Environment == Staging || cachedAt.IsZero() {
		return
	}
	until := cachedAt.Add(m.cfg.Cooldown)
	if until.Add(-maxSeedSkew).After(m.now()) {
		until = time.Time{}
	}
	m.setBlockade(until)
}

// SetToken installs a token obtained out of band. It is ignored unless the
// manager allows external tokens.
func (m *Manager) SetToken(token string) bool {
	if !m.cfg.AllowExternalToken {
		return false
	}
	m.setToken(strings.TrimSpace(token))
	return true
}

// Token returns the in-memory token, empty when none is held.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

func (m *Manager) setToken(token string) {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
}

// BootstrapDeviceID loads or generates the device id without touching the network.
func (m *Manager) BootstrapDeviceID(ctx context.Context) (string, error) {
	return m.deviceIDs.Bootstrap(ctx)
}

// DeviceID returns the device id if it has been bootstrapped.
func (m *Manager) DeviceID() string {
	return m.deviceIDs.Cached()
}

// BlockadeUntil returns the instant before which Prepare performs no network work.
func (m *Manager) BlockadeUntil() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blockadeUntil
}

func (m *Manager) setBlockade(until time.Time) {
	m.mu.Lock()
	m.blockadeUntil = until
	m.mu.Unlock()
}

// Environment returns the environment fixed at construction.
func (m *Manager) Environment() Environment {
	return m.cfg.Environment
}

// Host returns the API host of the manager's environment.
func (m *Manager) Host() string {
	return m.host
}

// BaseURL returns scheme://host for the manager's environment.
func (m *Manager) BaseURL() string {
	return m.cfg.Scheme + "://" + m.host
}

func (m *Manager) endpoint(path string) string {
	return m.BaseURL() + path
}
