package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.DBDriver != "sqlite" {
		t.Errorf("DBDriver = %q, want sqlite", cfg.DBDriver)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.SIPConfig != "/etc/asterisk/pjsip.conf" {
		t.Errorf("SIPConfig = %q", cfg.SIPConfig)
	}
	if cfg.ReconcileInterval != time.Minute {
		t.Errorf("ReconcileInterval = %s, want 1m", cfg.ReconcileInterval)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if cfg.TLSEnabled() {
		t.Error("TLS enabled by default")
	}
}

func TestEnvVarOverride(t *testing.T) {
	t.Setenv("PROVISIONER_HTTP_PORT", "9090")
	t.Setenv("PROVISIONER_DATA_DIR", "/tmp/provisioner-test")
	t.Setenv("PROVISIONER_LOG_LEVEL", "DEBUG")
	t.Setenv("PROVISIONER_RECONCILE_INTERVAL", "30s")
	t.Setenv("PROVISIONER_SETTINGS_OVERWRITE", "true")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.DataDir != "/tmp/provisioner-test" {
		t.Errorf("DataDir = %q, want /tmp/provisioner-test", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.ReconcileInterval != 30*time.Second {
		t.Errorf("ReconcileInterval = %s, want 30s", cfg.ReconcileInterval)
	}
	if !cfg.SettingsOverwrite {
		t.Error("SettingsOverwrite not applied from env")
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	t.Setenv("PROVISIONER_HTTP_PORT", "9090")
	t.Setenv("PROVISIONER_LOG_LEVEL", "debug")

	cfg, err := Load([]string{"--http-port", "3000", "--log-level", "warn"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override env)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestInvalidEnvValue(t *testing.T) {
	t.Setenv("PROVISIONER_HTTP_PORT", "eighty")
	_, err := Load(nil)
	if err == nil || !strings.Contains(err.Error(), "PROVISIONER_HTTP_PORT") {
		t.Fatalf("error = %v, want one naming PROVISIONER_HTTP_PORT", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"invalid port", []string{"--http-port", "99999"}},
		{"invalid log level", []string{"--log-level", "verbose"}},
		{"invalid log format", []string{"--log-format", "xml"}},
		{"tls mismatch", []string{"--tls-cert", "cert.pem"}},
		{"unknown driver", []string{"--db-driver", "mysql"}},
		{"postgres without url", []string{"--db-driver", "postgres"}},
		{"empty sip config", []string{"--sip-config", ""}},
		{"short reconcile interval", []string{"--reconcile-interval", "10ms"}},
		{"zero signup burst", []string{"--signup-burst", "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tt.args); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestEncryptionKeyBytes(t *testing.T) {
	cfg := &Config{}
	if key, err := cfg.EncryptionKeyBytes(); key != nil || err != nil {
		t.Errorf("empty key = %v, %v", key, err)
	}

	cfg.EncryptionKey = strings.Repeat("ab", 32)
	key, err := cfg.EncryptionKeyBytes()
	if err != nil || len(key) != 32 {
		t.Errorf("EncryptionKeyBytes() = %d bytes, %v", len(key), err)
	}

	cfg.EncryptionKey = "abcd"
	if _, err := cfg.EncryptionKeyBytes(); err == nil {
		t.Error("short key accepted")
	}
}

func TestJWTSecretGenerated(t *testing.T) {
	cfg := &Config{}
	key, err := cfg.JWTSecretBytes()
	if err != nil || len(key) != 32 {
		t.Fatalf("JWTSecretBytes() = %d bytes, %v", len(key), err)
	}
	again, err := cfg.JWTSecretBytes()
	if err != nil || !bytes.Equal(key, again) {
		t.Error("generated secret not kept for the process lifetime")
	}
}

func TestSlogHandler(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{LogLevel: "info", LogFormat: "json"}
	slog.New(cfg.SlogHandler(&buf)).Info("hello", "extension", "3000")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("json output: %v (%q)", err, buf.String())
	}
	if rec["extension"] != "3000" {
		t.Errorf("record = %v", rec)
	}

	buf.Reset()
	cfg.LogFormat = "text"
	slog.New(cfg.SlogHandler(&buf)).Debug("hidden")
	slog.New(cfg.SlogHandler(&buf)).Info("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("text output = %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Error("colour codes written to a non-terminal")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
