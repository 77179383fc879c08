package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"modsync/pkg/credential"
	"modsync/pkg/storage"
	"modsync/pkg/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubInjector struct{}

func (stubInjector) InjectToken(rawURL string) string { return rawURL }

func (stubInjector) BaseURL() string { return "https://production-api.androidacy.com" }

func entry(id string, updatedAt int64) map[string]any {
	return map[string]any{
		"codename":    id,
		"updated_at":  updatedAt,
		"name":        "Module " + id,
		"versionCode": 10,
		"minApi":      21,
		"maxApi":      34,
		"minMagisk":   "24.1",
	}
}

func snapshot(t *testing.T, entries ...map[string]any) []byte {
	t.Helper()
	data := make([]any, 0, len(entries))
	for _, e := range entries {
		data = append(data, e)
	}
	raw, err := json.Marshal(map[string]any{
		"status":       "success",
		"name":         "Androidacy Modules Repo (Official)",
		"website":      "https://www.androidacy.com/modules-repo/",
		"support":      "https://t.me/androidacy_discussions",
		"donate":       "https://www.androidacy.com/membership-join/",
		"submitModule": "https://www.androidacy.com/module-repository-applications/",
		"data":         data,
	})
	require.NoError(t, err)
	return raw
}

func newTestReconciler(t *testing.T, opts ...Option) *Reconciler {
	t.Helper()
	r, err := NewReconciler(stubInjector{}, opts...)
	require.NoError(t, err)
	return r
}

func ids(mods []*Module) []string {
	out := make([]string, 0, len(mods))
	for _, m := range mods {
		out = append(out, m.ID)
	}
	return out
}

func TestParseMagiskVersion(t *testing.T) {
	tests := map[string]int{
		"24.1":   24100,
		"20.4":   20400,
		"26.0":   26000,
		"20400":  20400,
		"0":      0,
		"abc":    0,
		"24.x":   0,
		"24.1.2": 0,
		"":       0,
		".5":     0,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseMagiskVersion(in), in)
	}
}

func TestReconcileAddsModulesWithDefaults(t *testing.T) {
	r := newTestReconciler(t)
	first := entry("foo_bar", 1700000000)
	first["checksum"] = ""
	first["config"] = ""
	first["support"] = "not a url"
	first["donate"] = "https://paypal.me/someone"
	second := entry("bazqux", 1700000500)
	second["version"] = "1.2.3"
	second["author"] = "Someone"
	second["minMagisk"] = "20400"
	second["downloads"] = 42
	second["needRamdisk"] = true

	cat, delta, err := r.Reconcile(snapshot(t, first, second), nil)
	require.NoError(t, err)
	require.NotNil(t, cat)

	assert.Equal(t, []string{"foo_bar", "bazqux"}, ids(delta.Changed))
	assert.Empty(t, delta.Removed)
	assert.Equal(t, 2, cat.Len())
	assert.Equal(t, int64(1700000500000), cat.LastUpdate)
	assert.Equal(t, "Androidacy Modules Repo (Official)", cat.Name)
	assert.Equal(t, "https://www.androidacy.com/modules-repo/", cat.Website)
	assert.Equal(t, "https://www.androidacy.com/module-repository-applications/", cat.SubmitModule)

	foo := cat.Get("foo_bar")
	require.NotNil(t, foo)
	assert.Equal(t, "Androidacy Modules Repo", foo.RepoName)
	assert.Equal(t, "v10", foo.Version)
	assert.Equal(t, "Unknown", foo.Author)
	assert.Equal(t, "", foo.Description)
	assert.Equal(t, 24100, foo.MinMagisk)
	assert.Equal(t, int64(1700000000000), foo.LastUpdated)
	assert.Empty(t, foo.Checksum)
	assert.Empty(t, foo.Config)
	assert.Empty(t, foo.Support)
	assert.Equal(t, "https://paypal.me/someone", foo.Donate)

	baz := cat.Get("bazqux")
	require.NotNil(t, baz)
	assert.Equal(t, "1.2.3", baz.Version)
	assert.Equal(t, "Someone", baz.Author)
	assert.Equal(t, 20400, baz.MinMagisk)
	assert.Equal(t, int64(42), baz.Downloads)
	assert.True(t, baz.NeedRamdisk)
	assert.False(t, baz.ChangeBoot)
}

func TestReconcileEqualUpdatedAtIsNotReported(t *testing.T) {
	r := newTestReconciler(t)
	cat, _, err := r.Reconcile(snapshot(t, entry("foo_bar", 100), entry("bazqux", 100)), nil)
	require.NoError(t, err)
	before := cat.Get("foo_bar")

	renamed := entry("foo_bar", 100)
	renamed["name"] = "Renamed"
	same, delta, err := r.Reconcile(snapshot(t, renamed, entry("bazqux", 101)), cat)
	require.NoError(t, err)

	assert.Same(t, cat, same)
	assert.Equal(t, []string{"bazqux"}, ids(delta.Changed))
	assert.Same(t, before, cat.Get("foo_bar"))
	assert.Equal(t, "Renamed", cat.Get("foo_bar").Name)

	_, delta, err = r.Reconcile(snapshot(t, entry("foo_bar", 99), entry("bazqux", 101)), cat)
	require.NoError(t, err)
	assert.Empty(t, delta.Changed)
}

func TestReconcilePrunesMissingModules(t *testing.T) {
	r := newTestReconciler(t)
	cat, _, err := r.Reconcile(snapshot(t, entry("aaa", 1), entry("bbb", 1), entry("ccc", 1)), nil)
	require.NoError(t, err)

	_, delta, err := r.Reconcile(snapshot(t, entry("bbb", 1)), cat)
	require.NoError(t, err)
	assert.Equal(t, []string{"aaa", "ccc"}, ids(delta.Removed))
	assert.Empty(t, delta.Changed)
	assert.Equal(t, 1, cat.Len())
	assert.Nil(t, cat.Get("aaa"))

	_, delta, err = r.Reconcile(snapshot(t), cat)
	require.NoError(t, err)
	assert.Equal(t, []string{"bbb"}, ids(delta.Removed))
	assert.Zero(t, cat.Len())
	assert.Zero(t, cat.LastUpdate)
}

func TestReconcileRejectsInvalidIDs(t *testing.T) {
	r := newTestReconciler(t)
	blacklisted := entry("ak3-helper", 5)
	incomplete := map[string]any{"codename": "ab"}
	cat, delta, err := r.Reconcile(snapshot(t,
		incomplete,
		entry("a b c", 5),
		entry("nul\x00id", 5),
		blacklisted,
		entry("okay", 5),
	), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"okay"}, ids(delta.Changed))
	assert.Equal(t, 1, cat.Len())
}

func TestReconcileCustomBlacklist(t *testing.T) {
	r := newTestReconciler(t, WithBlacklist("blocked"))
	cat, _, err := r.Reconcile(snapshot(t, entry("blocked", 1), entry("ak3-helper", 1)), nil)
	require.NoError(t, err)
	assert.Nil(t, cat.Get("blocked"))
	assert.NotNil(t, cat.Get("ak3-helper"))
}

func TestReconcileFallbackURLsCarryCredentials(t *testing.T) {
	prefs := storage.NewMemoryPreferences()
	ctx := context.Background()
	require.NoError(t, prefs.SetString(ctx, credential.DefaultScope, credential.PrefDeviceID, "d"))
	manager, err := credential.NewManager(credential.Config{AllowExternalToken: true}, transport.New(), prefs)
	require.NoError(t, err)
	deviceID, err := manager.BootstrapDeviceID(ctx)
	require.NoError(t, err)
	require.Equal(t, "d", deviceID)
	manager.SetToken("abc")

	r, err := NewReconciler(manager)
	require.NoError(t, err)
	withURL := entry("hosted", 1)
	withURL["zipUrl"] = "https://github.com/o/r/releases/download/v1/hosted.zip"

	cat, _, err := r.Reconcile(snapshot(t, entry("foo_bar", 1), withURL), nil)
	require.NoError(t, err)

	foo := cat.Get("foo_bar")
	assert.Equal(t, "https://production-api.androidacy.com/magisk/info/foo_bar?token=abc&device_id=d", foo.ZipURL)
	assert.Equal(t, "https://production-api.androidacy.com/magisk/readme/foo_bar?token=abc&device_id=d", foo.NotesURL)
	assert.Equal(t, "https://github.com/o/r/releases/download/v1/hosted.zip", cat.Get("hosted").ZipURL)

	shown := foo.Redacted()
	assert.Equal(t, "https://production-api.androidacy.com/magisk/info/foo_bar?token=<hidden>&device_id=d", shown.ZipURL)
	assert.Equal(t, "https://production-api.androidacy.com/magisk/readme/foo_bar?token=<hidden>&device_id=d", shown.NotesURL)
	assert.Contains(t, foo.ZipURL, "token=abc")
}

func TestReconcileProtocolErrorLeavesCatalogUntouched(t *testing.T) {
	r := newTestReconciler(t)
	cat, _, err := r.Reconcile(snapshot(t, entry("aaa", 1), entry("bbb", 1)), nil)
	require.NoError(t, err)
	lastUpdate := cat.LastUpdate

	broken := entry("ccc", 50)
	delete(broken, "minApi")
	got, delta, err := r.Reconcile(snapshot(t, entry("aaa", 9), broken), cat)
	require.Error(t, err)

	var protoErr *ProtocolError
	require.True(t, errors.As(err, &protoErr))
	assert.Equal(t, 1, protoErr.Index)
	assert.Equal(t, "minApi", protoErr.Field)
	assert.Same(t, cat, got)
	assert.True(t, delta.Empty())
	assert.Equal(t, 2, cat.Len())
	assert.Equal(t, int64(1000), cat.Get("aaa").LastUpdated)
	assert.Equal(t, lastUpdate, cat.LastUpdate)
}

func TestReconcileMalformedField(t *testing.T) {
	r := newTestReconciler(t)
	bad := entry("aaa", 1)
	bad["versionCode"] = "ten"
	_, _, err := r.Reconcile(snapshot(t, bad), nil)

	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "versionCode", protoErr.Field)
	assert.Equal(t, "malformed value", protoErr.Reason)
}

func TestReconcileRejectsUnsuccessfulStatus(t *testing.T) {
	r := newTestReconciler(t)
	for _, raw := range []string{
		`{"status":"error","data":[]}`,
		`{"data":[]}`,
		`{"status":"success"}`,
		`not json`,
	} {
		_, _, err := r.Reconcile([]byte(raw), nil)
		var protoErr *ProtocolError
		assert.ErrorAs(t, err, &protoErr, raw)
	}
}

func TestReconcileDefaultName(t *testing.T) {
	r := newTestReconciler(t, WithDefaultName("Fallback Repo"))
	cat, _, err := r.Reconcile([]byte(`{"status":"success","data":[{"codename":"abc","updated_at":"7","name":"x","versionCode":1,"minApi":1,"maxApi":0,"minMagisk":20400}]}`), nil)
	require.NoError(t, err)
	assert.Equal(t, "Fallback Repo", cat.Name)
	mod := cat.Get("abc")
	require.NotNil(t, mod)
	assert.Equal(t, "Fallback Repo", mod.RepoName)
	assert.Equal(t, int64(7000), mod.LastUpdated)
	assert.Equal(t, 20400, mod.MinMagisk)
}

func TestReconcileDeduplicatesChangedEntries(t *testing.T) {
	r := newTestReconciler(t)
	_, delta, err := r.Reconcile(snapshot(t, entry("dup", 1), entry("dup", 2)), nil)
	require.NoError(t, err)
	require.Len(t, delta.Changed, 1)
	assert.Equal(t, int64(2000), delta.Changed[0].LastUpdated)
}

type rejectingNormalizer struct {
	DefaultNormalizer
	reject string
}

func (n rejectingNormalizer) Verify(m *Module) error {
	if m.ID == n.reject {
		return errors.New("rejected")
	}
	return n.DefaultNormalizer.Verify(m)
}

func TestReconcileSkipsEntriesFailingVerification(t *testing.T) {
	r := newTestReconciler(t, WithNormalizer(rejectingNormalizer{reject: "bad"}))
	cat, delta, err := r.Reconcile(snapshot(t, entry("bad", 1), entry("good", 1)), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, ids(delta.Changed))
	assert.Nil(t, cat.Get("bad"))
}

func TestCatalogSorted(t *testing.T) {
	cat := NewCatalog()
	cat.Modules["zzz"] = &Module{ID: "zzz"}
	cat.Modules["aaa"] = &Module{ID: "aaa"}
	assert.Equal(t, []string{"aaa", "zzz"}, ids(cat.Sorted()))

	var nilCat *Catalog
	assert.Zero(t, nilCat.Len())
	assert.Nil(t, nilCat.Get("x"))
}

func TestNewReconcilerRequiresInjector(t *testing.T) {
	_, err := NewReconciler(nil)
	assert.Error(t, err)
}
