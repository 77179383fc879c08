package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"modsync/internal"
	"modsync/pkg/catalog"
	"modsync/pkg/credential"
	"modsync/pkg/storage"

	"github.com/charmbracelet/log"
)

// ErrNotReady is returned by Refresh when credentials could not be prepared.
var ErrNotReady = errors.New("repository not ready")

const testModeSuffix = " (Test Mode)"

// Fetcher downloads the raw catalog snapshot.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) ([]byte, error)
}

// Metadata is the collection-level information shown for a repository.
type Metadata struct {
	Name         string `json:"name" yaml:"name"`
	Website      string `json:"website,omitempty" yaml:"website"`
	Support      string `json:"support,omitempty" yaml:"support"`
	Donate       string `json:"donate,omitempty" yaml:"donate"`
	SubmitModule string `json:"submitModule,omitempty" yaml:"submit_module"`
}

// Topics names the default topics for delta events.
type Topics struct {
	Changed string
	Removed string
}

// Config describes one remote catalog.
type Config struct {
	ID          string
	Endpoint    string
	VersionCode int
	VersionName string
	Defaults    Metadata
	Topics      Topics
}

// Repository keeps the local catalog in sync with the remote one. Refresh
// calls are serialized so at most one prepare/reconcile pair runs at a time.
// Readers only wait for the in-memory commit, never for the network.
type Repository struct {
	refreshMu sync.Mutex
	mu        sync.RWMutex

	cfg        Config
	creds      *credential.Manager
	reconciler *catalog.Reconciler
	fetcher    Fetcher
	store      storage.CatalogStore
	publisher  internal.Publisher
	rules      *internal.RuleEngine
	logger     *log.Logger
	now        func() time.Time

	catalog     *catalog.Catalog
	lastRefresh time.Time
	lastErr     error
}

// Option configures a Repository.
type Option func(*Repository)

// WithCatalogStore persists the catalog after every successful refresh.
func WithCatalogStore(store storage.CatalogStore) Option {
	return func(r *Repository) {
		r.store = store
	}
}

// WithPublisher publishes one event per changed or removed module.
func WithPublisher(publisher internal.Publisher) Option {
	return func(r *Repository) {
		r.publisher = publisher
	}
}

// WithRules routes events to rule topics instead of the defaults.
func WithRules(rules *internal.RuleEngine) Option {
	return func(r *Repository) {
		r.rules = rules
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Repository) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

// New constructs a Repository.
func New(cfg Config, creds *credential.Manager, reconciler *catalog.Reconciler, fetcher Fetcher, opts ...Option) (*Repository, error) {
	if creds == nil || reconciler == nil || fetcher == nil {
		return nil, errors.New("repo: credentials, reconciler and fetcher are required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("repo: endpoint is required")
	}
	if cfg.ID == "" {
		cfg.ID = "androidacy"
	}
	if cfg.Defaults.Name == "" {
		cfg.Defaults.Name = catalog.DefaultName
	}
	if cfg.Topics.Changed == "" {
		cfg.Topics.Changed = "modsync.module.changed"
	}
	if cfg.Topics.Removed == "" {
		cfg.Topics.Removed = "modsync.module.removed"
	}
	r := &Repository{
		cfg:        cfg,
		creds:      creds,
		reconciler: reconciler,
		fetcher:    fetcher,
		logger:     internal.NewLogger("repo"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Restore loads the cached catalog, if any, and seeds the request blockade
// from the time it was written.
func (r *Repository) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	record, err := r.store.LoadCatalog(ctx, r.cfg.ID, string(r.creds.Environment()))
	if err != nil {
		return fmt.Errorf("load cached catalog: %w", err)
	}
	if record == nil {
		return nil
	}
	cached := catalog.NewCatalog()
	if err := json.Unmarshal([]byte(record.PayloadJSON), cached); err != nil {
		r.logger.Warn("discarding unreadable catalog cache", "err", err)
		return nil
	}
	if cached.Modules == nil {
		cached.Modules = make(map[string]*catalog.Module)
	}
	r.mu.Lock()
	r.catalog = cached
	r.mu.Unlock()
	r.creds.SeedBlockade(record.UpdatedAt)
	r.logger.Info("restored cached catalog", "modules", cached.Len(), "cached_at", record.UpdatedAt)
	return nil
}

// Refresh runs one prepare, fetch and reconcile cycle.
func (r *Repository) Refresh(ctx context.Context) (catalog.Delta, error) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	delta, err := r.refresh(ctx)
	r.mu.Lock()
	r.lastRefresh = r.now()
	r.lastErr = err
	r.mu.Unlock()
	return delta, err
}

func (r *Repository) refresh(ctx context.Context) (catalog.Delta, error) {
	if err := r.creds.Ensure(ctx); err != nil {
		result := "not_ready"
		if errors.Is(err, credential.ErrBlockaded) || errors.Is(err, credential.ErrChallengeRequired) {
			result = "skipped"
		}
		internal.IncRefresh(r.cfg.ID, result)
		return catalog.Delta{}, fmt.Errorf("%w: %w", ErrNotReady, err)
	}

	target := r.CatalogURL()
	raw, err := r.fetcher.Get(ctx, target)
	if err != nil {
		r.creds.ObserveError(err)
		internal.IncRefresh(r.cfg.ID, "fetch_error")
		return catalog.Delta{}, fmt.Errorf("fetch catalog %s: %w", credential.HideToken(target), err)
	}

	// Reconcile commits into the live catalog, so readers wait for it.
	r.mu.Lock()
	known := make(map[string]struct{}, r.catalog.Len())
	if r.catalog != nil {
		for id := range r.catalog.Modules {
			known[id] = struct{}{}
		}
	}
	updated, delta, err := r.reconciler.Reconcile(raw, r.catalog)
	if err == nil {
		r.catalog = updated
	}
	r.mu.Unlock()
	if err != nil {
		internal.IncReconcileError(r.cfg.ID)
		internal.IncRefresh(r.cfg.ID, "reconcile_error")
		return catalog.Delta{}, err
	}

	internal.IncRefresh(r.cfg.ID, "ok")
	internal.AddModulesChanged(r.cfg.ID, len(delta.Changed))
	internal.AddModulesRemoved(r.cfg.ID, len(delta.Removed))
	r.logger.Info("catalog refreshed", "modules", updated.Len(), "changed", len(delta.Changed), "removed", len(delta.Removed))

	if err := r.persist(ctx); err != nil {
		r.logger.Warn("failed to cache catalog", "err", err)
	}
	r.publish(ctx, delta, known)
	return delta, nil
}

func (r *Repository) persist(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	r.mu.RLock()
	payload, err := json.Marshal(r.catalog)
	lastUpdate := r.catalog.LastUpdate
	r.mu.RUnlock()
	if err != nil {
		return err
	}
	return r.store.SaveCatalog(ctx, storage.CatalogRecord{
		RepoID:      r.cfg.ID,
		Environment: string(r.creds.Environment()),
		PayloadJSON: string(payload),
		LastUpdate:  lastUpdate,
		UpdatedAt:   r.now().UTC(),
	})
}

func (r *Repository) publish(ctx context.Context, delta catalog.Delta, known map[string]struct{}) {
	if r.publisher == nil {
		return
	}
	for _, mod := range delta.Changed {
		name := internal.EventModuleAdded
		if _, ok := known[mod.ID]; ok {
			name = internal.EventModuleUpdated
		}
		r.emit(ctx, name, mod, r.cfg.Topics.Changed)
	}
	for _, mod := range delta.Removed {
		r.emit(ctx, internal.EventModuleRemoved, mod, r.cfg.Topics.Removed)
	}
}

func (r *Repository) emit(ctx context.Context, name string, mod *catalog.Module, defaultTopic string) {
	event, err := internal.NewModuleEvent(r.cfg.ID, name, mod)
	if err != nil {
		r.logger.Error("encode module event", "module", mod.ID, "err", err)
		return
	}
	matches := r.rules.Evaluate(event)
	if len(matches) == 0 {
		matches = []internal.RuleMatch{{Topic: defaultTopic}}
	}
	r.logger.Debug("event", "name", name, "module", mod.ID, "topics", len(matches))
	for _, match := range matches {
		if err := r.publisher.PublishForDrivers(ctx, match.Topic, event, match.Drivers); err != nil {
			r.logger.Error("publish failed", "topic", match.Topic, "module", mod.ID, "err", err)
		}
	}
}

// CatalogURL returns the snapshot URL, carrying credentials and the client
// version once a token is held.
func (r *Repository) CatalogURL() string {
	token := r.creds.Token()
	if token == "" {
		return r.cfg.Endpoint
	}
	return r.cfg.Endpoint +
		"?token=" + url.QueryEscape(token) +
		"&v=" + strconv.Itoa(r.cfg.VersionCode) +
		"&c=" + url.QueryEscape(r.cfg.VersionName) +
		"&device_id=" + url.QueryEscape(r.creds.DeviceID())
}

// Name returns the display name of the repository.
func (r *Repository) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name := r.metadata().Name
	if r.creds.Environment() == credential.Staging {
		name += testModeSuffix
	}
	return name
}

// Metadata returns the collection metadata, falling back to the configured
// defaults for fields the remote has not provided.
func (r *Repository) Metadata() Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metadata()
}

func (r *Repository) metadata() Metadata {
	md := r.cfg.Defaults
	if r.catalog == nil {
		return md
	}
	if r.catalog.Name != "" {
		md.Name = r.catalog.Name
	}
	if r.catalog.Website != "" {
		md.Website = r.catalog.Website
	}
	if r.catalog.Support != "" {
		md.Support = r.catalog.Support
	}
	if r.catalog.Donate != "" {
		md.Donate = r.catalog.Donate
	}
	if r.catalog.SubmitModule != "" {
		md.SubmitModule = r.catalog.SubmitModule
	}
	return md
}

// TryLoadMetadata reports whether the repository still lists mod and
// updates its FlagMetadataInvalid bit accordingly.
func (r *Repository) TryLoadMetadata(mod *catalog.Module) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.catalog.Get(mod.ID) != nil {
		mod.Flags &^= catalog.FlagMetadataInvalid
		return true
	}
	mod.Flags |= catalog.FlagMetadataInvalid
	return false
}

// Modules returns copies of all modules ordered by id.
func (r *Repository) Modules() []catalog.Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sorted := r.catalog.Sorted()
	out := make([]catalog.Module, 0, len(sorted))
	for _, mod := range sorted {
		out = append(out, *mod)
	}
	return out
}

// Module returns a copy of the module with the given id.
func (r *Repository) Module(id string) (catalog.Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mod := r.catalog.Get(id)
	if mod == nil {
		return catalog.Module{}, false
	}
	return *mod, true
}

// Status is a point-in-time summary of the repository.
type Status struct {
	ID            string    `json:"id"`
	Environment   string    `json:"environment"`
	Name          string    `json:"name"`
	Metadata      Metadata  `json:"metadata"`
	Modules       int       `json:"modules"`
	LastUpdate    int64     `json:"lastUpdate"`
	LastRefresh   time.Time `json:"lastRefresh,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
	TokenPresent  bool      `json:"tokenPresent"`
	DeviceID      bool      `json:"deviceIdPresent"`
	BlockadeUntil time.Time `json:"blockadeUntil,omitempty"`
}

// Status summarizes the repository state.
func (r *Repository) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	md := r.metadata()
	name := md.Name
	if r.creds.Environment() == credential.Staging {
		name += testModeSuffix
	}
	st := Status{
		ID:            r.cfg.ID,
		Environment:   string(r.creds.Environment()),
		Name:          name,
		Metadata:      md,
		Modules:       r.catalog.Len(),
		LastRefresh:   r.lastRefresh,
		TokenPresent:  r.creds.Token() != "",
		DeviceID:      r.creds.DeviceID() != "",
		BlockadeUntil: r.creds.BlockadeUntil(),
	}
	if r.catalog != nil {
		st.LastUpdate = r.catalog.LastUpdate
	}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	return st
}
