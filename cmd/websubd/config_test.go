package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"mauve.dev/websub"
)

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))

	if err != nil {
		t.Fatal("unable to load config:", err)
	}

	if cfg.Listen != ":8080" {
		t.Errorf("expected default listen address, got %q", cfg.Listen)
	}

	if cfg.Store.Driver != "bolt" {
		t.Errorf("expected default store driver, got %q", cfg.Store.Driver)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")

	cfg := Default()
	cfg.Listen = ":9090"
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = "hub.db"
	cfg.Hub.Hasher = "sha512"
	cfg.Hub.DefaultLease = 2 * time.Hour

	if err := Save(path, cfg); err != nil {
		t.Fatal("unable to save config:", err)
	}

	got, err := Load(path)

	if err != nil {
		t.Fatal("unable to load config:", err)
	}

	if got.Listen != ":9090" {
		t.Errorf("expected listen :9090, got %q", got.Listen)
	}

	if got.Store.Driver != "sqlite" || got.Store.Path != "hub.db" {
		t.Errorf("unexpected store config %+v", got.Store)
	}

	if got.Hub.Hasher != "sha512" {
		t.Errorf("expected hasher sha512, got %q", got.Hub.Hasher)
	}

	if got.Hub.DefaultLease != 2*time.Hour {
		t.Errorf("expected default lease 2h, got %v", got.Hub.DefaultLease)
	}
}

func TestLoadPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	if err := os.WriteFile(path, []byte("listen: \":9999\"\n"), 0644); err != nil {
		t.Fatal("unable to write config:", err)
	}

	cfg, err := Load(path)

	if err != nil {
		t.Fatal("unable to load config:", err)
	}

	if cfg.Listen != ":9999" {
		t.Errorf("expected listen :9999, got %q", cfg.Listen)
	}

	// Sections the file omits keep their defaults
	if cfg.Store.Driver != "bolt" {
		t.Errorf("expected default store driver, got %q", cfg.Store.Driver)
	}

	if cfg.Hub.Hasher != "sha256" {
		t.Errorf("expected default hasher, got %q", cfg.Hub.Hasher)
	}
}

func TestOverrides(t *testing.T) {
	values, err := overrides([]string{
		"remote_publish=true",
		"deliver.queue_size=128",
		"verify.timeout=2s",
	})

	if err != nil {
		t.Fatal("unable to expand overrides:", err)
	}

	cfg := websub.DefaultConfig()

	if err := cfg.Merge(values); err != nil {
		t.Fatal("unable to merge overrides:", err)
	}

	if !cfg.RemotePublish {
		t.Error("expected remote publishing to be enabled")
	}

	if cfg.Deliver.QueueSize != 128 {
		t.Errorf("expected queue size 128, got %d", cfg.Deliver.QueueSize)
	}

	if cfg.Verify.Timeout != 2*time.Second {
		t.Errorf("expected 2s verify timeout, got %v", cfg.Verify.Timeout)
	}
}

func TestOverridesRejectsBadPairs(t *testing.T) {
	for _, pair := range []string{"queue_size", "=5"} {
		if _, err := overrides([]string{pair}); err == nil {
			t.Errorf("%q: expected an error", pair)
		}
	}
}
