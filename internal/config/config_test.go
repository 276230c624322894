package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/smartem/epuwatch/internal/epu/queue"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Processing.Interval != time.Second {
		t.Errorf("Processing.Interval = %v, want 1s", cfg.Processing.Interval)
	}
	if cfg.Processing.BatchSize != 50 {
		t.Errorf("Processing.BatchSize = %d, want 50", cfg.Processing.BatchSize)
	}
	if cfg.Orphans.Timeout != 5*time.Minute {
		t.Errorf("Orphans.Timeout = %v, want 5m", cfg.Orphans.Timeout)
	}
	if cfg.Store.Backend != StoreSQLite {
		t.Errorf("Store.Backend = %q, want sqlite", cfg.Store.Backend)
	}
	if len(cfg.Watch.Patterns) != 2 {
		t.Errorf("Watch.Patterns = %v, want the two default globs", cfg.Watch.Patterns)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

// TestLoad_TOML verifies file values override defaults and duration strings
// decode.
func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "epuwatch.toml", `
[watch]
dir = "/data/epu/session-42"
patterns = ["**/*.dm"]

[processing]
interval = "250ms"
batch_size = 20

[queue]
eviction = "lowest-priority"

[store]
backend = "memory"
`)

	cfg, err := Load(NewViper(), path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.File != path {
		t.Errorf("File = %q, want %q", cfg.File, path)
	}
	if cfg.Watch.Dir != "/data/epu/session-42" {
		t.Errorf("Watch.Dir = %q", cfg.Watch.Dir)
	}
	if len(cfg.Watch.Patterns) != 1 || cfg.Watch.Patterns[0] != "**/*.dm" {
		t.Errorf("Watch.Patterns = %v", cfg.Watch.Patterns)
	}
	if cfg.Processing.Interval != 250*time.Millisecond {
		t.Errorf("Processing.Interval = %v, want 250ms", cfg.Processing.Interval)
	}
	if cfg.Processing.BatchSize != 20 {
		t.Errorf("Processing.BatchSize = %d, want 20", cfg.Processing.BatchSize)
	}
	if cfg.Orphans.CheckInterval != time.Minute {
		t.Errorf("Orphans.CheckInterval = %v, want default 1m", cfg.Orphans.CheckInterval)
	}

	opts, err := cfg.QueueOptions()
	if err != nil {
		t.Fatalf("QueueOptions() failed: %v", err)
	}
	if opts.Eviction != queue.EvictLowestPriority {
		t.Errorf("Eviction = %v, want lowest-priority", opts.Eviction)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "epuwatch.yaml", `
orphans:
  timeout: 90s
retry:
  max_retries: 7
`)

	cfg, err := Load(NewViper(), path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Orphans.Timeout != 90*time.Second {
		t.Errorf("Orphans.Timeout = %v, want 90s", cfg.Orphans.Timeout)
	}
	if cfg.Retry.MaxRetries != 7 {
		t.Errorf("Retry.MaxRetries = %d, want 7", cfg.Retry.MaxRetries)
	}
}

// TestLoad_Env verifies EPUWATCH_* variables override the config file.
func TestLoad_Env(t *testing.T) {
	path := writeFile(t, "epuwatch.toml", "[processing]\nbatch_size = 20\n")
	t.Setenv("EPUWATCH_PROCESSING_BATCH_SIZE", "75")
	t.Setenv("EPUWATCH_WATCH_DIR", "/from/env")
	t.Setenv("EPUWATCH_ORPHANS_CHECK_INTERVAL", "15s")

	cfg, err := Load(NewViper(), path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Processing.BatchSize != 75 {
		t.Errorf("Processing.BatchSize = %d, want 75 from env", cfg.Processing.BatchSize)
	}
	if cfg.Watch.Dir != "/from/env" {
		t.Errorf("Watch.Dir = %q, want /from/env", cfg.Watch.Dir)
	}
	if cfg.Orphans.CheckInterval != 15*time.Second {
		t.Errorf("Orphans.CheckInterval = %v, want 15s", cfg.Orphans.CheckInterval)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(NewViper(), filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("Load() should fail when an explicit config file is missing")
	}
}

// TestLoad_SearchWithoutFile verifies the search path tolerates no file.
func TestLoad_SearchWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(NewViper(), "")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.File != "" {
		t.Errorf("File = %q, want empty", cfg.File)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero interval", func(c *Config) { c.Processing.Interval = 0 }, "processing.interval"},
		{"zero batch", func(c *Config) { c.Processing.BatchSize = 0 }, "processing.batch_size"},
		{"zero queue", func(c *Config) { c.Queue.MaxSize = 0 }, "queue.max_size"},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }, "retry.max_retries"},
		{"bad eviction", func(c *Config) { c.Queue.Eviction = "random" }, "eviction policy"},
		{"bad store", func(c *Config) { c.Store.Backend = "postgres" }, "unknown store backend"},
		{"bad pattern", func(c *Config) { c.Watch.Patterns = []string{"Metadata/[x"} }, "watch.patterns"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestResolveWatchDir(t *testing.T) {
	cfg := Default()
	if _, err := cfg.ResolveWatchDir(); !errors.Is(err, ErrNoWatchDir) {
		t.Errorf("ResolveWatchDir() error = %v, want ErrNoWatchDir", err)
	}

	dir := t.TempDir()
	cfg.Watch.Dir = dir
	got, err := cfg.ResolveWatchDir()
	if err != nil {
		t.Fatalf("ResolveWatchDir() failed: %v", err)
	}
	if got != dir {
		t.Errorf("ResolveWatchDir() = %q, want %q", got, dir)
	}

	cfg.Watch.Dir = filepath.Join(dir, "missing")
	if _, err := cfg.ResolveWatchDir(); err == nil {
		t.Error("ResolveWatchDir() should fail for a missing directory")
	}
}

// TestWriteFile verifies a written config file loads back to the same
// settings and is not overwritten by default.
func TestWriteFile(t *testing.T) {
	cfg := Default()
	cfg.Watch.Dir = "/data/epu"
	cfg.Processing.Interval = 750 * time.Millisecond
	cfg.Dashboard.Enabled = true

	path := filepath.Join(t.TempDir(), "conf", "epuwatch.toml")
	if err := cfg.WriteFile(path, false); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if err := cfg.WriteFile(path, false); err == nil {
		t.Error("WriteFile() should refuse to overwrite without overwrite=true")
	}
	if err := cfg.WriteFile(path, true); err != nil {
		t.Errorf("WriteFile() with overwrite failed: %v", err)
	}

	loaded, err := Load(NewViper(), path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if loaded.Watch.Dir != "/data/epu" || loaded.Processing.Interval != 750*time.Millisecond || !loaded.Dashboard.Enabled {
		t.Errorf("loaded config differs: %+v", loaded)
	}
}

func TestWriteYAML(t *testing.T) {
	var b strings.Builder
	if err := Default().WriteYAML(&b); err != nil {
		t.Fatalf("WriteYAML() failed: %v", err)
	}
	out := b.String()
	for _, want := range []string{"interval: 1s", "batch_size: 50", "backend: sqlite", "eviction: highest-priority"} {
		if !strings.Contains(out, want) {
			t.Errorf("YAML missing %q:\n%s", want, out)
		}
	}
}

func TestConversions(t *testing.T) {
	cfg := Default()
	dc := cfg.DaemonConfig("/data/epu", nil)
	if dc.WatchDir != "/data/epu" || dc.BatchSize != cfg.Processing.BatchSize || dc.OrphanTimeout != cfg.Orphans.Timeout {
		t.Errorf("DaemonConfig() = %+v", dc)
	}
	if rc := cfg.RetryConfig(nil); rc.MaxRetries != cfg.Retry.MaxRetries {
		t.Errorf("RetryConfig().MaxRetries = %d", rc.MaxRetries)
	}
	if oc := cfg.OrphanConfig(nil); oc.Timeout != cfg.Orphans.Timeout {
		t.Errorf("OrphanConfig().Timeout = %v", oc.Timeout)
	}
	if lo := cfg.LoggingOptions(); lo.MaxSizeMB != 100 {
		t.Errorf("LoggingOptions().MaxSizeMB = %d", lo.MaxSizeMB)
	}
}
