package preferences

import (
	"context"
	"errors"
	"time"

	"modsync/pkg/storage"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store implements storage.PreferenceStore on top of GORM.
type Store struct {
	db    *gorm.DB
	table string
}

type row struct {
	Scope     string    `gorm:"column:scope;size:128;not null;uniqueIndex:idx_pref_scope_key"`
	Key       string    `gorm:"column:pref_key;size:128;not null;uniqueIndex:idx_pref_scope_key"`
	Value     string    `gorm:"column:value;type:text"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// Open creates a GORM-backed preference store.
func Open(cfg storage.Config) (*Store, error) {
	gormDB, err := storage.OpenGorm(cfg)
	if err != nil {
		return nil, err
	}
	table := cfg.Table
	if table == "" {
		table = "modsync_preferences"
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

// GetString reads a preference value.
func (s *Store) GetString(ctx context.Context, scope, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, errors.New("store is not initialized")
	}
	var data row
	err := s.tableDB().
		WithContext(ctx).
		Where("scope = ? AND pref_key = ?", scope, key).
		Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return data.Value, true, nil
}

// SetString inserts or updates a preference value.
func (s *Store) SetString(ctx context.Context, scope, key, value string) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	if key == "" {
		return errors.New("preference key is required")
	}
	now := time.Now().UTC()
	data := row{Scope: scope, Key: key, Value: value, CreatedAt: now, UpdatedAt: now}
	return s.tableDB().
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "scope"}, {Name: "pref_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&data).Error
}

// Remove deletes a preference value. Missing keys are not an error.
func (s *Store) Remove(ctx context.Context, scope, key string) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	return s.tableDB().
		WithContext(ctx).
		Where("scope = ? AND pref_key = ?", scope, key).
		Delete(&row{}).Error
}

func (s *Store) migrate() error {
	return s.tableDB().AutoMigrate(&row{})
}

func (s *Store) tableDB() *gorm.DB {
	return s.db.Table(s.table)
}
