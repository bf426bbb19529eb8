package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return logger, &buf
}

func writeTestConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "test-config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

const validConfig = `
circuit_breakers:
  - name: payment-gateway
    failure_threshold: 3
rate_limits:
  - name: booking-api
    requests_per_minute: 60
`

const validConfigUpdated = `
circuit_breakers:
  - name: payment-gateway
    failure_threshold: 3
  - name: sms-provider
    failure_threshold: 5
rate_limits:
  - name: booking-api
    requests_per_minute: 120
`

const invalidConfig = `
circuit_breakers:
  - name: payment-gateway
  - name: payment-gateway
`

func TestReloader_Current(t *testing.T) {
	logger, _ := newTestLogger()
	dir := t.TempDir()
	path := writeTestConfig(t, dir, validConfig)

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load initial config: %v", err)
	}

	r := NewReloader(path, initial, logger)
	cfg := r.Current()
	if len(cfg.CircuitBreakers) != 1 {
		t.Errorf("expected 1 circuit breaker, got %d", len(cfg.CircuitBreakers))
	}
}

func TestReloader_Reload_ValidConfig(t *testing.T) {
	logger, _ := newTestLogger()
	dir := t.TempDir()
	path := writeTestConfig(t, dir, validConfig)

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load initial config: %v", err)
	}

	r := NewReloader(path, initial, logger)

	if err := os.WriteFile(path, []byte(validConfigUpdated), 0644); err != nil {
		t.Fatalf("failed to update config: %v", err)
	}

	if !r.Reload() {
		t.Fatal("expected reload to succeed")
	}

	cfg := r.Current()
	if len(cfg.CircuitBreakers) != 2 {
		t.Errorf("expected 2 circuit breakers after reload, got %d", len(cfg.CircuitBreakers))
	}
	if cfg.RateLimits[0].RequestsPerMinute != 120 {
		t.Errorf("expected 120 rpm after reload, got %d", cfg.RateLimits[0].RequestsPerMinute)
	}
}

func TestReloader_Reload_InvalidConfigKeepsCurrent(t *testing.T) {
	logger, logBuf := newTestLogger()
	dir := t.TempDir()
	path := writeTestConfig(t, dir, validConfig)

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load initial config: %v", err)
	}

	r := NewReloader(path, initial, logger)

	if err := os.WriteFile(path, []byte(invalidConfig), 0644); err != nil {
		t.Fatalf("failed to update config: %v", err)
	}

	if r.Reload() {
		t.Fatal("expected reload to fail for invalid config")
	}

	cfg := r.Current()
	if cfg.RateLimits[0].RequestsPerMinute != 60 {
		t.Errorf("expected original 60 rpm preserved, got %d", cfg.RateLimits[0].RequestsPerMinute)
	}

	if !strings.Contains(logBuf.String(), "config reload failed") {
		t.Error("expected error to be logged")
	}
}

func TestReloader_OnReload_Callback(t *testing.T) {
	logger, _ := newTestLogger()
	dir := t.TempDir()
	path := writeTestConfig(t, dir, validConfig)

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load initial config: %v", err)
	}

	r := NewReloader(path, initial, logger)

	var callbackCalled bool
	var callbackRPM int
	r.OnReload(func(cfg *Config) {
		callbackCalled = true
		callbackRPM = cfg.RateLimits[0].RequestsPerMinute
	})

	if err := os.WriteFile(path, []byte(validConfigUpdated), 0644); err != nil {
		t.Fatalf("failed to update config: %v", err)
	}

	r.Reload()

	if !callbackCalled {
		t.Fatal("expected callback to be called")
	}
	if callbackRPM != 120 {
		t.Errorf("expected callback to receive 120 rpm, got %d", callbackRPM)
	}
}

func TestReloader_OnReload_NotCalledOnFailure(t *testing.T) {
	logger, _ := newTestLogger()
	dir := t.TempDir()
	path := writeTestConfig(t, dir, validConfig)

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load initial config: %v", err)
	}

	r := NewReloader(path, initial, logger)

	callbackCalled := false
	r.OnReload(func(cfg *Config) {
		callbackCalled = true
	})

	if err := os.WriteFile(path, []byte(invalidConfig), 0644); err != nil {
		t.Fatalf("failed to update config: %v", err)
	}

	r.Reload()

	if callbackCalled {
		t.Fatal("callback should not be called on failed reload")
	}
}

func TestReloader_FileWatch(t *testing.T) {
	logger, _ := newTestLogger()
	dir := t.TempDir()
	path := writeTestConfig(t, dir, validConfig)

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load initial config: %v", err)
	}

	r := NewReloader(path, initial, logger)

	reloadDone := make(chan struct{}, 1)
	r.OnReload(func(cfg *Config) {
		select {
		case reloadDone <- struct{}{}:
		default:
		}
	})

	r.Start()
	defer r.Stop()

	// Give the watcher time to initialize
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(validConfigUpdated), 0644); err != nil {
		t.Fatalf("failed to update config: %v", err)
	}

	select {
	case <-reloadDone:
		cfg := r.Current()
		if len(cfg.CircuitBreakers) != 2 {
			t.Errorf("expected 2 circuit breakers after file watch reload, got %d", len(cfg.CircuitBreakers))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("file watch reload timed out")
	}
}

func TestReloader_LogChanges(t *testing.T) {
	logger, logBuf := newTestLogger()
	dir := t.TempDir()
	path := writeTestConfig(t, dir, validConfig)

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load initial config: %v", err)
	}

	r := NewReloader(path, initial, logger)

	if err := os.WriteFile(path, []byte(validConfigUpdated), 0644); err != nil {
		t.Fatalf("failed to update config: %v", err)
	}

	r.Reload()

	logOutput := logBuf.String()
	if !strings.Contains(logOutput, "circuit breaker count changed") {
		t.Error("expected breaker count change to be logged")
	}
}
