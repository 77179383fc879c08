package internal

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestLoadConfigDefaults tests that the default values are applied correctly when loading a config.
func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	if err := os.WriteFile(path, []byte("{}\n"), 0o600); err != nil {
		t.Fatalf("write app config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.AppConfig.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.AppConfig.Server.Port)
	}
	if cfg.Repository.Environment != "production" {
		t.Fatalf("expected production environment, got %q", cfg.Repository.Environment)
	}
	if cfg.Repository.ProductionEndpoint != "https://production-api.androidacy.com/magisk/repo" {
		t.Fatalf("unexpected production endpoint %q", cfg.Repository.ProductionEndpoint)
	}
	if cfg.Repository.DefaultName != "Androidacy Modules Repo" {
		t.Fatalf("unexpected default name %q", cfg.Repository.DefaultName)
	}
	if len(cfg.Repository.Blacklist) != 1 || cfg.Repository.Blacklist[0] != "ak3-helper" {
		t.Fatalf("expected default blacklist, got %v", cfg.Repository.Blacklist)
	}
	if cfg.HTTP.UserAgent != "modsync/dev" {
		t.Fatalf("expected default user agent, got %q", cfg.HTTP.UserAgent)
	}
	if Millis(cfg.Refresh.IntervalMS) != time.Hour {
		t.Fatalf("expected hourly refresh, got %d ms", cfg.Refresh.IntervalMS)
	}
	if cfg.AppConfig.Watermill.Driver != "gochannel" {
		t.Fatalf("expected default watermill driver, got %q", cfg.AppConfig.Watermill.Driver)
	}
	if len(cfg.AppConfig.Watermill.Drivers) != 0 {
		t.Fatalf("expected no default drivers, got %v", cfg.AppConfig.Watermill.Drivers)
	}
	if cfg.AppConfig.Watermill.GoChannel.OutputChannelBuffer != 64 {
		t.Fatalf("expected default gochannel output buffer, got %d", cfg.AppConfig.Watermill.GoChannel.OutputChannelBuffer)
	}
	if cfg.AppConfig.Watermill.HTTP.Mode != "topic_url" {
		t.Fatalf("expected default http mode topic_url, got %q", cfg.AppConfig.Watermill.HTTP.Mode)
	}
	if cfg.Watermill.Topics.Changed != "modsync.module.changed" || cfg.Watermill.Topics.Removed != "modsync.module.removed" {
		t.Fatalf("unexpected default topics %+v", cfg.Watermill.Topics)
	}
	if cfg.Watermill.RiverQueue.Kind != "modsync.module" {
		t.Fatalf("unexpected river kind %q", cfg.Watermill.RiverQueue.Kind)
	}
}

// TestLoadConfigExpandsEnv tests that environment variables are substituted before decoding.
func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("MODSYNC_TEST_DSN", "file:modsync.db")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "repository:\n  environment: staging\nstorage:\n  driver: sqlite\n  dsn: ${MODSYNC_TEST_DSN}\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Storage.DSN != "file:modsync.db" {
		t.Fatalf("expected expanded dsn, got %q", cfg.Storage.DSN)
	}
	if cfg.Repository.Environment != "staging" {
		t.Fatalf("expected staging, got %q", cfg.Repository.Environment)
	}
}

// TestLoadConfigInvalidEnvironment tests that an unknown environment is rejected.
func TestLoadConfigInvalidEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("repository:\n  environment: qa\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for unknown environment")
	}
}

// TestLoadConfigInvalidRule tests that loading a config with an invalid rule returns an error.
func TestLoadConfigInvalidRule(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "rules:\n  - when: minApi <= 23\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write rules config: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for missing emit")
	}
}

// TestLoadConfigTrimsFields tests that the fields in a rule are trimmed correctly.
func TestLoadConfigTrimsFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "rules:\n  - when: \"  needRamdisk == true  \"\n    emit: \"  module.ramdisk  \"\n    drivers: [\" gochannel \", \"\"]\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write rules config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load rules config: %v", err)
	}
	if cfg.Rules[0].When != "needRamdisk == true" {
		t.Fatalf("expected trimmed when, got %q", cfg.Rules[0].When)
	}
	if cfg.Rules[0].Emit != "module.ramdisk" {
		t.Fatalf("expected trimmed emit, got %q", cfg.Rules[0].Emit)
	}
	if len(cfg.Rules[0].Drivers) != 1 || cfg.Rules[0].Drivers[0] != "gochannel" {
		t.Fatalf("expected trimmed drivers, got %v", cfg.Rules[0].Drivers)
	}
}

// TestEventTopics tests that rule topics follow the configured defaults without duplicates.
func TestEventTopics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.yaml")
	content := `
watermill:
  topics:
    removed: gone
worker:
  group: mirror
rules:
  - when: minApi <= 21
    emit: legacy
  - when: needRamdisk == true
    emit: legacy
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write app config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	topics := cfg.EventTopics()
	want := []string{"modsync.module.changed", "gone", "legacy"}
	if len(topics) != len(want) {
		t.Fatalf("expected %v, got %v", want, topics)
	}
	for i := range want {
		if topics[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, topics)
		}
	}
	if cfg.Worker.Group != "mirror" || cfg.Worker.Retries != 3 || Millis(cfg.Worker.TimeoutMS) != 30*time.Second {
		t.Fatalf("unexpected worker config %+v", cfg.Worker)
	}
}
