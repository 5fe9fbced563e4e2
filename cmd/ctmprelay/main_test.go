package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/philsphicas/ctmprelay/internal/config"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		input   string
		wantLvl slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"DEBUG", slog.LevelDebug},  // case-insensitive
		{"WARN", slog.LevelWarn},    // case-insensitive
		{"unknown", slog.LevelInfo}, // default
		{"", slog.LevelInfo},        // empty defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			logger := newLogger(tt.input, "text")
			if logger == nil {
				t.Fatal("newLogger returned nil")
			}
			if !logger.Enabled(context.Background(), tt.wantLvl) {
				t.Errorf("newLogger(%q): expected level %v to be enabled", tt.input, tt.wantLvl)
			}
			if tt.wantLvl > slog.LevelDebug {
				if logger.Enabled(context.Background(), slog.LevelDebug) {
					t.Errorf("newLogger(%q): Debug should be disabled for level %v", tt.input, tt.wantLvl)
				}
			}
		})
	}
}

// captureStderr runs fn with os.Stderr redirected and returns what it wrote.
func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stderr
	defer func() { os.Stderr = old }()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stderr = w

	fn()

	w.Close()
	buf := make([]byte, 4096)
	n, _ := r.Read(buf)
	r.Close()
	return string(buf[:n])
}

func TestNewLoggerWritesToStderr(t *testing.T) {
	output := captureStderr(t, func() {
		newLogger("info", "text").Info("test message", "key", "value")
	})
	if !strings.Contains(output, "test message") {
		t.Errorf("expected logger output to contain %q, got %q", "test message", output)
	}
}

func TestNewLoggerJSON(t *testing.T) {
	output := captureStderr(t, func() {
		newLogger("info", "JSON").Info("frame dropped", "reason", "bad_magic")
	})
	var rec map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, output)
	}
	if rec["msg"] != "frame dropped" || rec["reason"] != "bad_magic" {
		t.Errorf("record = %v", rec)
	}
}

func TestVersion(t *testing.T) {
	if version == "" {
		t.Error("version should not be empty")
	}

	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Errorf("version output = %q, want %q", out.String(), version)
	}
}

// parseServe returns the serve command with args parsed, the way cobra
// leaves it just before RunE.
func parseServe(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd, _, err := rootCmd().Find([]string{"serve"})
	if err != nil {
		t.Fatalf("find serve: %v", err)
	}
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return cmd
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CTMPRELAY_CONFIG",
		"CTMPRELAY_SOURCE_ADDR",
		"CTMPRELAY_DEST_ADDR",
		"CTMPRELAY_DEST_WS_ADDR",
		"CTMPRELAY_METRICS_ADDR",
		"CTMPRELAY_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestResolveConfigDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := resolveConfig(parseServe(t))
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}
	if cfg != config.Defaults() {
		t.Errorf("cfg = %+v, want defaults", cfg)
	}
}

func TestResolveConfigPrecedence(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "relay.yaml")
	content := `
listen:
  source: 127.0.0.1:1001
  dest: 127.0.0.1:1002
limits:
  pool_size: 32
  queue_depth: 8
logging:
  level: warn
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CTMPRELAY_CONFIG", path)
	t.Setenv("CTMPRELAY_DEST_ADDR", "127.0.0.1:2002")
	t.Setenv("CTMPRELAY_METRICS_ADDR", "127.0.0.1:9090")

	cmd := parseServe(t,
		"--metrics-addr", "127.0.0.1:9191",
		"--queue-depth", "16",
		"--write-timeout", "2s",
		"--log-format", "json",
	)
	cfg, err := resolveConfig(cmd)
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"source from file", cfg.Listen.Source, "127.0.0.1:1001"},
		{"dest from env", cfg.Listen.Dest, "127.0.0.1:2002"},
		{"metrics from flag", cfg.Metrics.Addr, "127.0.0.1:9191"},
		{"pool size from file", cfg.Limits.PoolSize, 32},
		{"queue depth from flag", cfg.Limits.QueueDepth, 16},
		{"write timeout from flag", cfg.Limits.WriteTimeout.D(), 2 * time.Second},
		{"log level from file", cfg.Logging.Level, "warn"},
		{"log format from flag", cfg.Logging.Format, "json"},
		{"max payload default", cfg.Limits.MaxPayload, config.Defaults().Limits.MaxPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestResolveConfigInvalid(t *testing.T) {
	clearEnv(t)
	if _, err := resolveConfig(parseServe(t, "--pool-size", "1")); err == nil {
		t.Error("expected validation error for --pool-size 1")
	}

	t.Setenv("CTMPRELAY_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))
	if _, err := resolveConfig(parseServe(t)); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestServerConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Listen.DestWS = "127.0.0.1:0"
	cfg.Limits.QueueWait = 0
	cfg.Limits.TCPKeepAlive = 0

	sc := serverConfig(cfg, slog.Default(), nil)
	if sc.DestWSAddr != "127.0.0.1:0" {
		t.Errorf("DestWSAddr = %q", sc.DestWSAddr)
	}
	if sc.QueueWait >= 0 {
		t.Errorf("QueueWait = %v, want negative (no wait)", sc.QueueWait)
	}
	if sc.TCPKeepAlive >= 0 {
		t.Errorf("TCPKeepAlive = %v, want negative (disabled)", sc.TCPKeepAlive)
	}
	if sc.WriteTimeout != cfg.Limits.WriteTimeout.D() {
		t.Errorf("WriteTimeout = %v", sc.WriteTimeout)
	}
}

func TestResolveMetrics(t *testing.T) {
	m, ln, err := resolveMetrics("")
	if err != nil || m != nil || ln != nil {
		t.Fatalf("disabled metrics: m=%v ln=%v err=%v", m, ln, err)
	}

	m, ln, err = resolveMetrics("127.0.0.1:0")
	if err != nil {
		t.Fatalf("resolveMetrics: %v", err)
	}
	defer ln.Close()
	if m == nil {
		t.Fatal("expected metrics instance")
	}

	if _, _, err := resolveMetrics(ln.Addr().String()); err == nil {
		t.Error("expected error binding an address in use")
	}
}
