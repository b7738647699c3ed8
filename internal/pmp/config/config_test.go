package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWhenFileAbsent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if cfg != want {
		t.Fatalf("Load() = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadParsesYamlFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pmp.yaml")
	content := "listen_address: \":9999\"\nmax_queue_size: 50\nserver_caption: \"My Server\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddress != ":9999" || cfg.MaxQueueSize != 50 || cfg.ServerCaption != "My Server" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	// Fields absent from the file keep their defaults.
	if cfg.MusicDir != Default().MusicDir {
		t.Fatalf("MusicDir = %q, want default %q", cfg.MusicDir, Default().MusicDir)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pmp.yaml")
	if err := os.WriteFile(path, []byte("listen_address: \":1111\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("PMP_LISTEN_ADDRESS", ":2222")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddress != ":2222" {
		t.Fatalf("ListenAddress = %q, want env override :2222", cfg.ListenAddress)
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pmp.yaml")
	if err := os.WriteFile(path, []byte("server_caption: \"first\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	reloaded := make(chan Config, 1)
	w, err := NewWatcher(path, func(c Config) { reloaded <- c })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("server_caption: \"second\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile (update): %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.ServerCaption != "second" {
			t.Fatalf("ServerCaption = %q, want \"second\"", cfg.ServerCaption)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("expected reload callback to fire after file write")
	}
}
