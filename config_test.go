package cloudguard

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

func TestDurationUnmarshalForms(t *testing.T) {
	var cfg struct {
		A Duration `yaml:"a"`
		B Duration `yaml:"b"`
		C Duration `yaml:"c"`
	}
	data := []byte("a: 90s\nb: 60\nc: 1.5\n")
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if cfg.A.Std() != 90*time.Second {
		t.Fatalf("duration string: got %s, want 90s", cfg.A)
	}
	if cfg.B.Std() != 60*time.Second {
		t.Fatalf("bare integer should be seconds: got %s, want 60s", cfg.B)
	}
	if cfg.C.Std() != 1500*time.Millisecond {
		t.Fatalf("fractional seconds: got %s, want 1.5s", cfg.C)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig with empty path should use defaults: %v", err)
	}
	if cfg.RateLimit.Limit != 10 {
		t.Fatalf("default limit = %d, want 10", cfg.RateLimit.Limit)
	}
	if cfg.RateLimit.Window.Std() != 60*time.Second {
		t.Fatalf("default window = %s, want 60s", cfg.RateLimit.Window)
	}
	if cfg.Detection.Scorer != "statistical" {
		t.Fatalf("default scorer = %q, want statistical", cfg.Detection.Scorer)
	}
}

func TestLoadConfigOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
rateLimit:
  limit: 42
  window: 30s
detection:
  scorer: ensemble
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.RateLimit.Limit != 42 {
		t.Fatalf("limit = %d, want 42", cfg.RateLimit.Limit)
	}
	if cfg.RateLimit.Window.Std() != 30*time.Second {
		t.Fatalf("window = %s, want 30s", cfg.RateLimit.Window)
	}
	if cfg.Detection.Scorer != "ensemble" {
		t.Fatalf("scorer = %q, want ensemble", cfg.Detection.Scorer)
	}
	// Untouched sections keep their defaults.
	if cfg.Baseline.MaxInstances != 3 {
		t.Fatalf("maxInstances = %d, want default 3", cfg.Baseline.MaxInstances)
	}
}

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func waitForLimit(t *testing.T, limiter *RateLimiter, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if limiter.Snapshot().Limit == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("limiter snapshot limit = %d, want %d", limiter.Snapshot().Limit, want)
}

func TestWatchConfigSwapsLimiterSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfigFile(t, path, "rateLimit:\n  limit: 10\n  window: 60s\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	limiter := NewRateLimiter(NewInMemoryCounterStore(), cfg.RateLimit, zerolog.Nop(), NewInMemoryMetricsCollector())

	cw, err := WatchConfig(path, limiter, zerolog.Nop())
	if err != nil {
		t.Fatalf("WatchConfig failed: %v", err)
	}
	defer cw.Stop()

	writeConfigFile(t, path, "rateLimit:\n  limit: 25\n  window: 30s\n")
	waitForLimit(t, limiter, 25)
	if got := limiter.Snapshot().Window; got != 30*time.Second {
		t.Fatalf("window after reload = %s, want 30s", got)
	}
}

func TestWatchConfigKeepsPreviousOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfigFile(t, path, "rateLimit:\n  limit: 10\n  window: 60s\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	limiter := NewRateLimiter(NewInMemoryCounterStore(), cfg.RateLimit, zerolog.Nop(), NewInMemoryMetricsCollector())

	cw, err := WatchConfig(path, limiter, zerolog.Nop())
	if err != nil {
		t.Fatalf("WatchConfig failed: %v", err)
	}
	defer cw.Stop()

	// An invalid rewrite must not disturb the snapshot in force.
	writeConfigFile(t, path, "rateLimit:\n  limit: -5\n")
	writeConfigFile(t, path, "rateLimit:\n  limit: 7\n  window: 60s\n")
	waitForLimit(t, limiter, 7)
}

func TestWatchConfigIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfigFile(t, path, "rateLimit:\n  limit: 10\n  window: 60s\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	limiter := NewRateLimiter(NewInMemoryCounterStore(), cfg.RateLimit, zerolog.Nop(), NewInMemoryMetricsCollector())

	cw, err := WatchConfig(path, limiter, zerolog.Nop())
	if err != nil {
		t.Fatalf("WatchConfig failed: %v", err)
	}

	// The watcher observes the whole directory, so a sibling write fires
	// an event it must skip.
	writeConfigFile(t, filepath.Join(dir, "other.yaml"), "rateLimit:\n  limit: 99\n")
	time.Sleep(100 * time.Millisecond)
	if got := limiter.Snapshot().Limit; got != 10 {
		t.Fatalf("sibling file write changed limit to %d", got)
	}

	if err := cw.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("rateLimit:\n  limit: -1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("negative limit should fail validation")
	}
}
