package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DUET_"

// Config is the server runtime configuration.
type Config struct {
	HTTP        HTTPConfig        `koanf:"http"`
	Log         LogConfig         `koanf:"log"`
	Database    DatabaseConfig    `koanf:"database"`
	Redis       RedisConfig       `koanf:"redis"`
	Auth        AuthConfig        `koanf:"auth"`
	Attachments AttachmentsConfig `koanf:"attachments"`
	WS          WSConfig          `koanf:"ws"`
	API         APIConfig         `koanf:"api"`
}

type HTTPConfig struct {
	Addr              string        `koanf:"addr"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	MaxHeaderBytes    int           `koanf:"max_header_bytes"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`

	CORSAllowedOrigins   []string `koanf:"cors_allowed_origins"`
	CORSAllowCredentials bool     `koanf:"cors_allow_credentials"`
	CORSMaxAgeSeconds    int      `koanf:"cors_max_age_seconds"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// DatabaseConfig selects Postgres persistence. An empty URL runs on in-memory stores.
type DatabaseConfig struct {
	URL           string `koanf:"url"`
	MaxConns      int32  `koanf:"max_conns"`
	MinConns      int32  `koanf:"min_conns"`
	Schema        string `koanf:"schema"`
	NotifyChannel string `koanf:"notify_channel"`
	AutoMigrate   bool   `koanf:"auto_migrate"`
	RequireReady  bool   `koanf:"require_ready"`
}

// RedisConfig enables the profile cache when URL is set.
type RedisConfig struct {
	URL        string        `koanf:"url"`
	ProfileTTL time.Duration `koanf:"profile_ttl"`
}

type AuthConfig struct {
	// JWTSecret signs and verifies access tokens. When JWTSecretParam is set the
	// secret is read from AWS SSM Parameter Store instead.
	JWTSecret      string        `koanf:"jwt_secret"`
	JWTSecretParam string        `koanf:"jwt_secret_param"`
	Issuer         string        `koanf:"issuer"`
	TokenTTL       time.Duration `koanf:"token_ttl"`
	ClockSkew      time.Duration `koanf:"clock_skew"`
	AWSRegion      string        `koanf:"aws_region"`
}

type AttachmentsConfig struct {
	// Backend is "disk" or "s3".
	Backend      string   `koanf:"backend"`
	Bucket       string   `koanf:"bucket"`
	MaxBytes     int64    `koanf:"max_bytes"`
	AllowedTypes []string `koanf:"allowed_types"`

	DiskRoot    string `koanf:"disk_root"`
	DiskBaseURL string `koanf:"disk_base_url"`

	S3Region        string `koanf:"s3_region"`
	S3PublicBaseURL string `koanf:"s3_public_base_url"`
}

type WSConfig struct {
	DevInsecure       bool          `koanf:"dev_insecure"`
	OriginRequired    bool          `koanf:"origin_required"`
	AllowedOrigins    []string      `koanf:"allowed_origins"`
	SendQueueSize     int           `koanf:"send_queue_size"`
	SubscriptionQueue int           `koanf:"subscription_queue"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `koanf:"heartbeat_timeout"`
	RateEvents        int           `koanf:"rate_events"`
	RateWindow        time.Duration `koanf:"rate_window"`
	MaxSubscriptions  int           `koanf:"max_subscriptions"`
}

type APIConfig struct {
	MaxBodyBytes    int64   `koanf:"max_body_bytes"`
	AppendPerSecond float64 `koanf:"append_per_second"`
	AppendBurst     int     `koanf:"append_burst"`
}

// defaults is the bottom configuration layer. Every key here can be overridden by
// the TOML file and by DUET_<KEY> with dots replaced by underscores.
var defaults = map[string]any{
	"http.addr":                   "0.0.0.0:8080",
	"http.read_header_timeout":    "5s",
	"http.read_timeout":           "15s",
	"http.write_timeout":          "15s",
	"http.idle_timeout":           "60s",
	"http.max_header_bytes":       1 << 20,
	"http.shutdown_timeout":       "10s",
	"http.cors_allowed_origins":   []string{},
	"http.cors_allow_credentials": false,
	"http.cors_max_age_seconds":   600,

	"log.level":  "info",
	"log.format": "json",

	"database.url":            "",
	"database.max_conns":      10,
	"database.min_conns":      0,
	"database.schema":         "duet",
	"database.notify_channel": "duet_messages",
	"database.auto_migrate":   true,
	"database.require_ready":  false,

	"redis.url":         "",
	"redis.profile_ttl": "5m",

	"auth.jwt_secret":       "",
	"auth.jwt_secret_param": "",
	"auth.issuer":           "duet",
	"auth.token_ttl":        "15m",
	"auth.clock_skew":       "30s",
	"auth.aws_region":       "",

	"attachments.backend":            "disk",
	"attachments.bucket":             "message-attachments",
	"attachments.max_bytes":          5 << 20,
	"attachments.allowed_types":      []string{"image/*"},
	"attachments.disk_root":          "./data/attachments",
	"attachments.disk_base_url":      "",
	"attachments.s3_region":          "",
	"attachments.s3_public_base_url": "",

	"ws.dev_insecure":       false,
	"ws.origin_required":    true,
	"ws.allowed_origins":    []string{},
	"ws.send_queue_size":    64,
	"ws.subscription_queue": 256,
	"ws.heartbeat_interval": "25s",
	"ws.heartbeat_timeout":  "5s",
	"ws.rate_events":        120,
	"ws.rate_window":        "10s",
	"ws.max_subscriptions":  32,

	"api.max_body_bytes":    1 << 20,
	"api.append_per_second": 5.0,
	"api.append_burst":      20,
}

// LoadConfig layers defaults, the optional TOML file at path, and DUET_ environment
// variables, in that order.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return Config{}, fmt.Errorf("config defaults: %w", err)
	}

	if path = strings.TrimSpace(path); path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	keys := envKeys(defaults)
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string { return keys[s] }), nil); err != nil {
		return Config{}, fmt.Errorf("config env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config decode: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail late at runtime.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	switch c.Attachments.Backend {
	case "disk", "s3":
	default:
		errs = append(errs, fmt.Errorf("attachments.backend must be disk or s3, got %q", c.Attachments.Backend))
	}
	if c.Attachments.MaxBytes <= 0 {
		errs = append(errs, errors.New("attachments.max_bytes must be positive"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "pretty", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json, pretty or text, got %q", c.Log.Format))
	}
	if c.Database.MinConns > c.Database.MaxConns && c.Database.MaxConns > 0 {
		errs = append(errs, errors.New("database.min_conns exceeds database.max_conns"))
	}
	return errors.Join(errs...)
}
