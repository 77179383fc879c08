package preferences

import (
	"context"
	"path/filepath"
	"testing"

	"modsync/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(storage.Config{
		Driver:      "sqlite",
		DSN:         filepath.Join(t.TempDir(), "prefs.db"),
		AutoMigrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreSetGetRemove(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, ok, err := store.GetString(ctx, "androidacy", "device_id")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetString(ctx, "androidacy", "device_id", "dev-1"))
	require.NoError(t, store.SetString(ctx, "androidacy", "device_id", "dev-2"))
	require.NoError(t, store.SetString(ctx, "other", "device_id", "dev-x"))

	value, ok, err := store.GetString(ctx, "androidacy", "device_id")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "dev-2", value)

	require.NoError(t, store.Remove(ctx, "androidacy", "device_id"))
	_, ok, err = store.GetString(ctx, "androidacy", "device_id")
	require.NoError(t, err)
	assert.False(t, ok)

	value, ok, err = store.GetString(ctx, "other", "device_id")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "dev-x", value)
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(storage.Config{Driver: "sqlite"})
	assert.Error(t, err)

	_, err = Open(storage.Config{Driver: "oracle", DSN: "x"})
	assert.Error(t, err)
}

func TestMemoryPreferencesMatchesStore(t *testing.T) {
	ctx := context.Background()
	for name, store := range map[string]storage.PreferenceStore{
		"memory": storage.NewMemoryPreferences(),
		"gorm":   openTestStore(t),
	} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.SetString(ctx, "s", "k", ""))
			value, ok, err := store.GetString(ctx, "s", "k")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Empty(t, value)
			require.NoError(t, store.Remove(ctx, "s", "missing"))
		})
	}
}
