// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

// Package config loads authd configuration from a YAML file, command-line
// flags, and the DATABASE_URL environment variable.
package config

import (
	"errors"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/sensfusion/authd/internal/auth"
	"github.com/sensfusion/authd/internal/logging"
	"github.com/sensfusion/authd/internal/xdg"
)

// Config is the complete authd configuration.
type Config struct {
	Log      LogConfig      `koanf:"log" yaml:"log"`
	Database DatabaseConfig `koanf:"database" yaml:"database"`
	Auth     AuthConfig     `koanf:"auth" yaml:"auth"`
	Session  SessionConfig  `koanf:"session" yaml:"session"`
	HTTP     HTTPConfig     `koanf:"http" yaml:"http"`
	GRPC     GRPCConfig     `koanf:"grpc" yaml:"grpc"`
	Metrics  MetricsConfig  `koanf:"metrics" yaml:"metrics"`
	TLS      TLSConfig      `koanf:"tls" yaml:"tls"`
}

// LogConfig configures logging.
type LogConfig struct {
	Format string `koanf:"format" yaml:"format"`
	Level  string `koanf:"level" yaml:"level"`
}

// DatabaseConfig configures the Postgres pool. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL            string        `koanf:"url" yaml:"url"`
	MaxConns       int32         `koanf:"max_conns" yaml:"max_conns"`
	ConnectTimeout time.Duration `koanf:"connect_timeout" yaml:"connect_timeout"`
	ConnectRetries uint64        `koanf:"connect_retries" yaml:"connect_retries"`
	AutoMigrate    bool          `koanf:"auto_migrate" yaml:"auto_migrate"`
}

// AuthConfig configures password policy, hashing, lockout, and resets.
type AuthConfig struct {
	PasswordMinLength int           `koanf:"password_min_length" yaml:"password_min_length"`
	Hash              HashConfig    `koanf:"hash" yaml:"hash"`
	Lockout           LockoutConfig `koanf:"lockout" yaml:"lockout"`
	ResetTokenTTL     time.Duration `koanf:"reset_token_ttl" yaml:"reset_token_ttl"`
}

// LockoutConfig locks an account after Threshold consecutive failed logins.
// A zero threshold disables locking.
type LockoutConfig struct {
	Threshold int           `koanf:"threshold" yaml:"threshold"`
	Duration  time.Duration `koanf:"duration" yaml:"duration"`
}

// HashConfig holds argon2id costs. Concurrency 0 means GOMAXPROCS.
type HashConfig struct {
	Time        uint32 `koanf:"time" yaml:"time"`
	MemoryKiB   uint32 `koanf:"memory_kib" yaml:"memory_kib"`
	Threads     uint8  `koanf:"threads" yaml:"threads"`
	Concurrency int    `koanf:"concurrency" yaml:"concurrency"`
}

// SessionConfig configures session lifetime and cleanup.
type SessionConfig struct {
	TTL           time.Duration `koanf:"ttl" yaml:"ttl"`
	SweepInterval time.Duration `koanf:"sweep_interval" yaml:"sweep_interval"`
}

// HTTPConfig configures the JSON API listener. TrustProxyHeaders takes the
// client address from X-Forwarded-For and X-Real-IP; enable it only when
// every request arrives through a proxy that sets them.
type HTTPConfig struct {
	Addr              string        `koanf:"addr" yaml:"addr"`
	RequestTimeout    time.Duration `koanf:"request_timeout" yaml:"request_timeout"`
	TrustProxyHeaders bool          `koanf:"trust_proxy_headers" yaml:"trust_proxy_headers"`
}

// GRPCConfig configures the gRPC listener. An empty address disables it.
type GRPCConfig struct {
	Addr string `koanf:"addr" yaml:"addr"`
}

// MetricsConfig configures the observability listener. An empty address
// disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr" yaml:"addr"`
}

// TLSConfig enables TLS on the HTTP and gRPC listeners when both files are
// set.
type TLSConfig struct {
	CertFile string `koanf:"cert_file" yaml:"cert_file"`
	KeyFile  string `koanf:"key_file" yaml:"key_file"`
}

// Enabled reports whether a certificate pair is configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// Default returns the built-in configuration.
func Default() Config {
	params := auth.DefaultArgon2Params()
	return Config{
		Log: LogConfig{Format: "json", Level: "info"},
		Database: DatabaseConfig{
			MaxConns:       10,
			ConnectTimeout: 5 * time.Second,
			ConnectRetries: 5,
			AutoMigrate:    true,
		},
		Auth: AuthConfig{
			PasswordMinLength: auth.DefaultMinPasswordLength,
			Hash: HashConfig{
				Time:      params.Time,
				MemoryKiB: params.MemoryKiB,
				Threads:   params.Threads,
			},
			Lockout: LockoutConfig{
				Threshold: auth.DefaultLockoutThreshold,
				Duration:  auth.DefaultLockoutDuration,
			},
			ResetTokenTTL: auth.DefaultResetTokenTTL,
		},
		Session: SessionConfig{
			TTL:           auth.DefaultSessionTTL,
			SweepInterval: auth.DefaultSweepInterval,
		},
		HTTP:    HTTPConfig{Addr: ":8080", RequestTimeout: 10 * time.Second},
		GRPC:    GRPCConfig{Addr: ":9090"},
		Metrics: MetricsConfig{Addr: ":9100"},
	}
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"log-format":            "log.format",
	"log-level":             "log.level",
	"database-url":          "database.url",
	"database-max-conns":    "database.max_conns",
	"database-auto-migrate": "database.auto_migrate",
	"password-min-length":   "auth.password_min_length",
	"hash-concurrency":      "auth.hash.concurrency",
	"lockout-threshold":     "auth.lockout.threshold",
	"lockout-duration":      "auth.lockout.duration",
	"session-ttl":           "session.ttl",
	"sweep-interval":        "session.sweep_interval",
	"http-addr":             "http.addr",
	"trust-proxy-headers":   "http.trust_proxy_headers",
	"grpc-addr":             "grpc.addr",
	"metrics-addr":          "metrics.addr",
	"tls-cert":              "tls.cert_file",
	"tls-key":               "tls.key_file",
}

// RegisterFlags adds the serve flags to flags with defaults from Default.
func RegisterFlags(flags *pflag.FlagSet) {
	d := Default()
	flags.String("log-format", d.Log.Format, "log format (json or text)")
	flags.String("log-level", d.Log.Level, "log level (debug, info, warn, error)")
	flags.String("database-url", d.Database.URL, "Postgres URL; empty uses the in-memory store")
	flags.Int32("database-max-conns", d.Database.MaxConns, "maximum pool connections")
	flags.Bool("database-auto-migrate", d.Database.AutoMigrate, "apply migrations on startup")
	flags.Int("password-min-length", d.Auth.PasswordMinLength, "minimum password length")
	flags.Int("hash-concurrency", d.Auth.Hash.Concurrency, "concurrent password hashes (0 = GOMAXPROCS)")
	flags.Int("lockout-threshold", d.Auth.Lockout.Threshold, "failed logins that lock an account (0 disables)")
	flags.Duration("lockout-duration", d.Auth.Lockout.Duration, "how long a locked account stays locked")
	flags.Duration("session-ttl", d.Session.TTL, "session lifetime")
	flags.Duration("sweep-interval", d.Session.SweepInterval, "interval between inactive session sweeps")
	flags.String("http-addr", d.HTTP.Addr, "HTTP API listen address")
	flags.Bool("trust-proxy-headers", d.HTTP.TrustProxyHeaders,
		"take client IPs from X-Forwarded-For/X-Real-IP (only behind a trusted proxy)")
	flags.String("grpc-addr", d.GRPC.Addr, "gRPC listen address (empty disables)")
	flags.String("metrics-addr", d.Metrics.Addr, "metrics and health listen address (empty disables)")
	flags.String("tls-cert", "", "TLS certificate file for the HTTP and gRPC listeners")
	flags.String("tls-key", "", "TLS key file for the HTTP and gRPC listeners")
}

// Load builds the effective configuration. Precedence, highest first:
// changed flags, the config file, DATABASE_URL, flag defaults, Default.
// An empty path means the XDG default file, which may be absent.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = xdg.ConfigFile()
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
		}
	}

	if !k.Exists("database.url") {
		if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
			if err := k.Set("database.url", dsn); err != nil {
				return nil, oops.Code("CONFIG_LOAD_FAILED").With("key", "database.url").Wrap(err)
			}
		}
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("operation", "load flags").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("operation", "decode").Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func invalid(key, format string, args ...any) error {
	return oops.Code("CONFIG_INVALID").With("key", key).Errorf(format, args...)
}

// Validate checks every option and names the first bad key.
func (c *Config) Validate() error {
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return invalid("log.format", "log.format must be json or text, got %q", c.Log.Format)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level", "log.level %q is not a level", c.Log.Level)
	}
	if c.Database.URL != "" {
		if _, err := url.Parse(c.Database.URL); err != nil {
			return invalid("database.url", "database.url is not a URL")
		}
	}
	if c.Database.MaxConns < 1 {
		return invalid("database.max_conns", "database.max_conns must be positive")
	}
	if c.Database.ConnectTimeout <= 0 {
		return invalid("database.connect_timeout", "database.connect_timeout must be positive")
	}
	if c.Auth.PasswordMinLength < 1 || c.Auth.PasswordMinLength > auth.MaxPasswordLength {
		return invalid("auth.password_min_length",
			"auth.password_min_length must be between 1 and %d", auth.MaxPasswordLength)
	}
	if err := c.Argon2Params().Validate(); err != nil {
		return invalid("auth.hash", "auth.hash: %s", err.Error())
	}
	if c.Auth.Hash.Concurrency < 0 {
		return invalid("auth.hash.concurrency", "auth.hash.concurrency cannot be negative")
	}
	if c.Auth.Lockout.Threshold < 0 {
		return invalid("auth.lockout.threshold", "auth.lockout.threshold cannot be negative")
	}
	if c.Auth.Lockout.Threshold > 0 && c.Auth.Lockout.Duration <= 0 {
		return invalid("auth.lockout.duration", "auth.lockout.duration must be positive when lockout is enabled")
	}
	if c.Auth.ResetTokenTTL <= 0 {
		return invalid("auth.reset_token_ttl", "auth.reset_token_ttl must be positive")
	}
	if c.Session.TTL <= 0 {
		return invalid("session.ttl", "session.ttl must be positive")
	}
	if c.Session.SweepInterval <= 0 {
		return invalid("session.sweep_interval", "session.sweep_interval must be positive")
	}
	if c.HTTP.Addr == "" {
		return invalid("http.addr", "http.addr is required")
	}
	if c.HTTP.RequestTimeout <= 0 {
		return invalid("http.request_timeout", "http.request_timeout must be positive")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return invalid("tls", "tls.cert_file and tls.key_file must be set together")
	}
	return nil
}

// Argon2Params returns the configured hash costs.
func (c *Config) Argon2Params() auth.Argon2Params {
	return auth.Argon2Params{
		Time:      c.Auth.Hash.Time,
		MemoryKiB: c.Auth.Hash.MemoryKiB,
		Threads:   c.Auth.Hash.Threads,
	}
}

// LockoutPolicy returns the configured lockout policy.
func (c *Config) LockoutPolicy() auth.LockoutPolicy {
	return auth.LockoutPolicy{Threshold: c.Auth.Lockout.Threshold, Duration: c.Auth.Lockout.Duration}
}

// YAML renders the configuration with the database password masked.
func (c *Config) YAML() ([]byte, error) {
	redacted := *c
	redacted.Database.URL = redactURL(c.Database.URL)
	out, err := yamlv3.Marshal(&redacted)
	if err != nil {
		return nil, oops.Code("CONFIG_ENCODE_FAILED").Wrap(err)
	}
	return out, nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, hasPassword := u.User.Password(); !hasPassword {
		return raw
	}
	return strings.Replace(u.Redacted(), "xxxxx", logging.Redacted, 1)
}
