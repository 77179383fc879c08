package catalog

import (
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
)

const (
	DefaultName    = "Androidacy Modules Repo"
	officialSuffix = " (Official)"
)

// TokenInjector rewrites service URLs to carry credentials.
type TokenInjector interface {
	InjectToken(rawURL string) string
	// BaseURL returns scheme://host used for fallback URLs.
	BaseURL() string
}

// Reconciler merges remote snapshots into a local catalog.
type Reconciler struct {
	injector    TokenInjector
	blacklist   map[string]struct{}
	defaultName string
	normalizer  Normalizer
	logger      *log.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithBlacklist replaces the set of ids that are always skipped.
func WithBlacklist(ids ...string) Option {
	return func(r *Reconciler) {
		r.blacklist = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			r.blacklist[id] = struct{}{}
		}
	}
}

// WithDefaultName sets the collection name used when the snapshot has none.
func WithDefaultName(name string) Option {
	return func(r *Reconciler) {
		if name != "" {
			r.defaultName = name
		}
	}
}

// WithNormalizer replaces DefaultNormalizer.
func WithNormalizer(n Normalizer) Option {
	return func(r *Reconciler) {
		if n != nil {
			r.normalizer = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewReconciler returns a Reconciler that injects credentials through injector.
func NewReconciler(injector TokenInjector, opts ...Option) (*Reconciler, error) {
	if injector == nil {
		return nil, errors.New("catalog: token injector is required")
	}
	r := &Reconciler{
		injector:    injector,
		blacklist:   map[string]struct{}{"ak3-helper": {}},
		defaultName: DefaultName,
		normalizer:  DefaultNormalizer{},
		logger:      log.Default().WithPrefix("modsync/catalog"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Reconcile applies the snapshot in raw to current and returns the updated
// catalog with the delta. When current is non-nil it is updated in place and
// returned. On a *ProtocolError current is left untouched.
func (r *Reconciler) Reconcile(raw []byte, current *Catalog) (*Catalog, Delta, error) {
	doc, err := decodeObject(raw)
	if err != nil {
		return current, Delta{}, &ProtocolError{Index: -1, Reason: "malformed document", Err: err}
	}
	if status := doc.optString("status", ""); status != "success" {
		return current, Delta{}, &ProtocolError{Index: -1, Field: "status", Reason: "response is not a success"}
	}
	name := doc.optString("name", r.defaultName)
	repoName := strings.TrimSuffix(name, officialSuffix)

	items, ok := doc["data"].([]any)
	if !ok {
		return current, Delta{}, &ProtocolError{Index: -1, Field: "data", Reason: "expected an array"}
	}

	staged := make([]Module, 0, len(items))
	for i, item := range items {
		fields, ok := item.(map[string]any)
		if !ok {
			return current, Delta{}, &ProtocolError{Index: i, Reason: "expected an object"}
		}
		mod, keep, err := r.stage(object(fields), i, repoName)
		if err != nil {
			return current, Delta{}, err
		}
		if keep {
			staged = append(staged, mod)
		}
	}

	if current == nil {
		current = NewCatalog()
	}
	if current.Modules == nil {
		current.Modules = make(map[string]*Module)
	}
	delta := r.commit(staged, current)

	current.Name = name
	current.Website = doc.optString("website", "")
	current.Support = doc.optString("support", "")
	current.Donate = doc.optString("donate", "")
	current.SubmitModule = doc.optString("submitModule", "")
	return current, delta, nil
}

// stage validates one entry and builds the module it describes. keep is
// false for entries that are skipped rather than rejected.
func (r *Reconciler) stage(e object, index int, repoName string) (Module, bool, error) {
	fail := func(field string, err error) (Module, bool, error) {
		reason := "malformed value"
		if errors.Is(err, errMissing) {
			reason = "required field is missing"
			err = nil
		}
		return Module{}, false, &ProtocolError{Index: index, Field: field, Reason: reason, Err: err}
	}

	id, err := e.requiredString("codename")
	if err != nil {
		return fail("codename", err)
	}
	if !ValidID(id) {
		r.logger.Debug("skipping module with invalid id", "id", id)
		return Module{}, false, nil
	}
	if _, blocked := r.blacklist[id]; blocked {
		r.logger.Debug("skipping blacklisted module", "id", id)
		return Module{}, false, nil
	}

	updatedAt, err := e.requiredInt("updated_at")
	if err != nil {
		return fail("updated_at", err)
	}
	name, err := e.requiredString("name")
	if err != nil {
		return fail("name", err)
	}
	versionCode, err := e.requiredInt("versionCode")
	if err != nil {
		return fail("versionCode", err)
	}
	minAPI, err := e.requiredInt("minApi")
	if err != nil {
		return fail("minApi", err)
	}
	maxAPI, err := e.requiredInt("maxApi")
	if err != nil {
		return fail("maxApi", err)
	}
	minMagisk, err := e.requiredString("minMagisk")
	if err != nil {
		return fail("minMagisk", err)
	}

	mod := Module{
		ID:          id,
		Name:        name,
		VersionCode: versionCode,
		Version:     e.optString("version", "v"+strconv.FormatInt(versionCode, 10)),
		Author:      e.optString("author", "Unknown"),
		Description: e.optString("description", ""),
		MinAPI:      int(minAPI),
		MaxAPI:      int(maxAPI),
		MinMagisk:   ParseMagiskVersion(minMagisk),
		NeedRamdisk: e.optBool("needRamdisk"),
		ChangeBoot:  e.optBool("changeBoot"),
		MMTReborn:   e.optBool("mmtReborn"),
		Support:     filterURL(e.optString("support", "")),
		Donate:      filterURL(e.optString("donate", "")),
		Config:      e.optString("config", ""),
		Checksum:    e.optString("checksum", ""),
		Downloads:   e.optInt("downloads", 0),
		ZipURL:      filterURL(e.optString("zipUrl", "")),
		NotesURL:    filterURL(e.optString("notesUrl", "")),
		LastUpdated: updatedAt * 1000,
		RepoName:    repoName,
	}
	if mod.ZipURL == "" {
		mod.ZipURL = r.injector.BaseURL() + "/magisk/info/" + id
	}
	if mod.NotesURL == "" {
		mod.NotesURL = r.injector.BaseURL() + "/magisk/readme/" + id
	}
	mod.ZipURL = r.injector.InjectToken(mod.ZipURL)
	mod.NotesURL = r.injector.InjectToken(mod.NotesURL)

	r.normalizer.ApplyFallbacks(&mod)
	if err := r.normalizer.Verify(&mod); err != nil {
		r.logger.Debug("skipping module that failed verification", "id", id, "err", err)
		return Module{}, false, nil
	}
	r.logger.Debug("module", "name", mod.Name, "id", mod.ID, "version", mod.Version, "versionCode", mod.VersionCode)
	return mod, true, nil
}

func (r *Reconciler) commit(staged []Module, current *Catalog) Delta {
	var delta Delta
	seen := make(map[string]struct{}, len(staged))
	changed := make(map[string]struct{})
	var lastUpdate int64

	for i := range staged {
		next := staged[i]
		if next.LastUpdated > lastUpdate {
			lastUpdate = next.LastUpdated
		}
		seen[next.ID] = struct{}{}

		existing, ok := current.Modules[next.ID]
		isChanged := !ok || existing.LastUpdated < next.LastUpdated
		if !ok {
			existing = &Module{}
			current.Modules[next.ID] = existing
		}
		*existing = next

		if _, dup := changed[next.ID]; isChanged && !dup {
			changed[next.ID] = struct{}{}
			delta.Changed = append(delta.Changed, existing)
		}
	}

	for id, mod := range current.Modules {
		if _, ok := seen[id]; !ok {
			delete(current.Modules, id)
			delta.Removed = append(delta.Removed, mod)
		}
	}
	sort.Slice(delta.Removed, func(i, j int) bool { return delta.Removed[i].ID < delta.Removed[j].ID })

	current.LastUpdate = lastUpdate
	return delta
}
