package credential

import (
	"context"
	"errors"
	"sync"
	"time"

	"modsync/pkg/storage"

	"github.com/google/uuid"
)

// Generator produces a new device identifier. It may block.
type Generator interface {
	Generate(ctx context.Context) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context) (string, error) {
	return f(ctx)
}

// UUIDGenerator issues random v4 UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) Generate(context.Context) (string, error) {
	return uuid.NewString(), nil
}

// DeviceIDs loads or generates the persisted device identifier.
// Generation runs at most once at a time; concurrent callers share the result.
type DeviceIDs struct {
	prefs   storage.PreferenceStore
	scope   string
	gen     Generator
	timeout time.Duration

	mu      sync.Mutex
	id      string
	pending *pendingID
}

type pendingID struct {
	done chan struct{}
	id   string
	err  error
}

// NewDeviceIDs returns a DeviceIDs backed by prefs. A nil gen uses UUIDGenerator.
func NewDeviceIDs(prefs storage.PreferenceStore, scope string, gen Generator) *DeviceIDs {
	if gen == nil {
		gen = UUIDGenerator{}
	}
	if scope == "" {
		scope = DefaultScope
	}
	return &DeviceIDs{
		prefs:   prefs,
		scope:   scope,
		gen:     gen,
		timeout: DefaultDeviceIDTimeout,
	}
}

// Bootstrap returns the device id, generating and persisting one when none
// exists. It waits until the id is available or ctx is done.
func (d *DeviceIDs) Bootstrap(ctx context.Context) (string, error) {
	d.mu.Lock()
	if d.id != "" {
		id := d.id
		d.mu.Unlock()
		return id, nil
	}
	if d.pending == nil {
		stored, ok, err := d.prefs.GetString(ctx, d.scope, PrefDeviceID)
		if err != nil {
			d.mu.Unlock()
			return "", err
		}
		if ok && stored != "" {
			d.id = stored
			d.mu.Unlock()
			return stored, nil
		}
		d.pending = &pendingID{done: make(chan struct{})}
		go d.generate(d.pending)
	}
	p := d.pending
	d.mu.Unlock()

	select {
	case <-p.done:
		return p.id, p.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Cached returns the device id if it is already known.
func (d *DeviceIDs) Cached() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

func (d *DeviceIDs) generate(p *pendingID) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	id, err := d.gen.Generate(ctx)
	if err == nil && id == "" {
		err = errors.New("device id generator returned an empty id")
	}
	if err == nil {
		err = d.prefs.SetString(ctx, d.scope, PrefDeviceID, id)
	}

	d.mu.Lock()
	if err == nil {
		d.id = id
		p.id = id
	}
	p.err = err
	d.pending = nil
	d.mu.Unlock()
	close(p.done)
}
