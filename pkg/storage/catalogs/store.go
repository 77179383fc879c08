package catalogs

import (
	"context"
	"errors"
	"time"

	"modsync/pkg/storage"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store implements storage.CatalogStore on top of GORM.
type Store struct {
	db    *gorm.DB
	table string
}

type row struct {
	RepoID      string    `gorm:"column:repo_id;size:128;not null;uniqueIndex:idx_catalog_repo_env"`
	Environment string    `gorm:"column:environment;size:32;not null;uniqueIndex:idx_catalog_repo_env"`
	PayloadJSON string    `gorm:"column:payload_json;type:text"`
	LastUpdate  int64     `gorm:"column:last_update"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// Open creates a GORM-backed catalog cache.
func Open(cfg storage.Config) (*Store, error) {
	gormDB, err := storage.OpenGorm(cfg)
	if err != nil {
		return nil, err
	}
	table := cfg.Table
	if table == "" {
		table = "modsync_catalogs"
	}
	store := &Store{
		db:    gormDB,
		table: table,
	}
	if cfg.AutoMigrate {
		if err := store.migrate(); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Close closes the underlying DB connection.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return storage.CloseGorm(s.db)
}

// SaveCatalog inserts or replaces the cached snapshot for a repository.
func (s *Store) SaveCatalog(ctx context.Context, record storage.CatalogRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	if record.RepoID == "" {
		return errors.New("repo id is required")
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = now
	}

	data := toRow(record)
	return s.tableDB().
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "repo_id"}, {Name: "environment"}},
			DoUpdates: clause.AssignmentColumns([]string{"payload_json", "last_update", "updated_at"}),
		}).
		Create(&data).Error
}

// LoadCatalog returns the cached snapshot, or nil when none was saved.
func (s *Store) LoadCatalog(ctx context.Context, repoID, environment string) (*storage.CatalogRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	var data row
	err := s.tableDB().
		WithContext(ctx).
		Where("repo_id = ? AND environment = ?", repoID, environment).
		Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record := fromRow(data)
	return &record, nil
}

func (s *Store) migrate() error {
	return s.tableDB().AutoMigrate(&row{})
}

func (s *Store) tableDB() *gorm.DB {
	return s.db.Table(s.table)
}

func toRow(record storage.CatalogRecord) row {
	return row{
		RepoID:      record.RepoID,
		Environment: record.Environment,
		PayloadJSON: record.PayloadJSON,
		LastUpdate:  record.LastUpdate,
		CreatedAt:   record.CreatedAt,
		UpdatedAt:   record.UpdatedAt,
	}
}

func fromRow(data row) storage.CatalogRecord {
	return storage.CatalogRecord{
		RepoID:      data.RepoID,
		Environment: data.Environment,
		PayloadJSON: data.PayloadJSON,
		LastUpdate:  data.LastUpdate,
		CreatedAt:   data.CreatedAt,
		UpdatedAt:   data.UpdatedAt,
	}
}
