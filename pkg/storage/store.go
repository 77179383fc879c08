package storage

import (
	"context"
	"time"
)

// CatalogRecord stores the last reconciled catalog snapshot for one repository.
type CatalogRecord struct {
	RepoID      string
	Environment string
	PayloadJSON string
	LastUpdate  int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PreferenceStore persists small string values grouped by scope.
// GetString returns ok=false when the key has never been written.
type PreferenceStore interface {
	GetString(ctx context.Context, scope, key string) (value string, ok bool, err error)
	SetString(ctx context.Context, scope, key, value string) error
	Remove(ctx context.Context, scope, key string) error
}

// CatalogStore defines persistence for cached catalog snapshots.
type CatalogStore interface {
	SaveCatalog(ctx context.Context, record CatalogRecord) error
	LoadCatalog(ctx context.Context, repoID, environment string) (*CatalogRecord, error)
	Close() error
}
