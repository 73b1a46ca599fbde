package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// Config holds all runtime configuration for the provisioner.
// Precedence: CLI flags > env vars > defaults.
//
// Provisioning policy (range, features, contexts, SMTP) is not here: it
// lives in system_config and is seeded from SettingsFile.
type Config struct {
	DataDir     string
	DBDriver    string // "sqlite" or "postgres"
	DatabaseURL string // postgres DSN
	HTTPPort    int
	TLSCert     string
	TLSKey      string
	LogLevel    string
	LogFormat   string // "text" or "json"

	EncryptionKey string // 32-byte hex-encoded key for AES-256-GCM
	JWTSecret     string // hex-encoded 32-byte secret for admin tokens

	SettingsFile      string // YAML seed applied to system_config at startup
	SettingsOverwrite bool   // let the seed replace values already stored

	AsteriskBinary  string
	SIPConfig       string
	VoicemailConfig string
	DialplanConfig  string
	ProbeTarget     string // host:port answering SIP OPTIONS after a reload

	ReconcileInterval time.Duration
	SignupRate        float64 // signups per second per client IP
	SignupBurst       int
}

// defaults
const (
	defaultDataDir           = "./data"
	defaultDBDriver          = "sqlite"
	defaultHTTPPort          = 8080
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultAsteriskBinary    = "asterisk"
	defaultConfigDir         = "/etc/asterisk"
	defaultReconcileInterval = time.Minute
	defaultSignupRate        = 0.2
	defaultSignupBurst       = 3
)

// envPrefix is the prefix for all provisioner environment variables.
const envPrefix = "PROVISIONER_"

// Load parses configuration from args (without the program name) and
// environment variables.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("provisioner", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the sqlite database")
	fs.StringVar(&cfg.DBDriver, "db-driver", defaultDBDriver, "database driver (sqlite, postgres)")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "postgres connection string (db-driver=postgres)")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.EncryptionKey, "encryption-key", "", "hex-encoded 32-byte key encrypting pending config fragments at rest")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for admin JWT signing (auto-generated if empty)")
	fs.StringVar(&cfg.SettingsFile, "settings-file", "", "YAML file seeding provisioning settings")
	fs.BoolVar(&cfg.SettingsOverwrite, "settings-overwrite", false, "let the settings file replace values already stored")
	fs.StringVar(&cfg.AsteriskBinary, "asterisk-binary", defaultAsteriskBinary, "Asterisk CLI used for reloads")
	fs.StringVar(&cfg.SIPConfig, "sip-config", filepath.Join(defaultConfigDir, "pjsip.conf"), "SIP endpoint configuration file")
	fs.StringVar(&cfg.VoicemailConfig, "voicemail-config", filepath.Join(defaultConfigDir, "voicemail.conf"), "voicemail configuration file")
	fs.StringVar(&cfg.DialplanConfig, "dialplan-config", filepath.Join(defaultConfigDir, "extensions.conf"), "dialplan configuration file")
	fs.StringVar(&cfg.ProbeTarget, "probe-target", "", "SIP host:port probed with OPTIONS after reload (disabled if empty)")
	fs.DurationVar(&cfg.ReconcileInterval, "reconcile-interval", defaultReconcileInterval, "how often pending config fragments are retried")
	fs.Float64Var(&cfg.SignupRate, "signup-rate", defaultSignupRate, "self-service signups per second per client IP")
	fs.IntVar(&cfg.SignupBurst, "signup-burst", defaultSignupBurst, "self-service signup burst per client IP")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	if err := applyEnvOverrides(fs); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// EnvName returns the environment variable that overrides flag name.
func EnvName(name string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// applyEnvOverrides sets every flag not given on the command line from its
// environment variable, if present.
func applyEnvOverrides(fs *flag.FlagSet) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil || set[f.Name] {
			return
		}
		val, ok := os.LookupEnv(EnvName(f.Name))
		if !ok || val == "" {
			return
		}
		if serr := fs.Set(f.Name, val); serr != nil {
			err = fmt.Errorf("%s: %w", EnvName(f.Name), serr)
		}
	})
	return err
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	c.DBDriver = strings.ToLower(c.DBDriver)
	switch c.DBDriver {
	case "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("database-url is required when db-driver is postgres")
		}
	default:
		return fmt.Errorf("db-driver must be one of sqlite, postgres; got %q", c.DBDriver)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	// TLS cert and key must both be set or both be empty.
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}

	for name, path := range map[string]string{
		"sip-config":       c.SIPConfig,
		"voicemail-config": c.VoicemailConfig,
		"dialplan-config":  c.DialplanConfig,
	} {
		if path == "" {
			return fmt.Errorf("%s must not be empty", name)
		}
	}

	if c.ReconcileInterval < time.Second {
		return fmt.Errorf("reconcile-interval must be at least 1s, got %s", c.ReconcileInterval)
	}
	if c.SignupRate <= 0 || c.SignupBurst < 1 {
		return fmt.Errorf("signup-rate must be positive and signup-burst at least 1")
	}

	return nil
}

// TLSEnabled returns true if manual TLS certificates are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != ""
}

// EncryptionKeyBytes returns the decoded 32-byte encryption key, or nil if
// no key is configured.
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler for w: JSON, or tint's text handler
// with colour when w is a terminal.
func (c *Config) SlogHandler(w io.Writer) slog.Handler {
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: c.SlogLevel()})
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      c.SlogLevel(),
		TimeFormat: time.DateTime,
		NoColor:    !isTerminal(w),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == "error" && a.Value.Kind() == slog.KindAny {
				if err, ok := a.Value.Any().(error); ok {
					return tint.Err(err)
				}
			}
			return a
		},
	})
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
