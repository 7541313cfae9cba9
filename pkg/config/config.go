// Package config loads pledged settings from defaults, an optional YAML
// file, an optional .env file and PLEDGES_* environment variables, in that
// order of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "pledges.config"

const (
	EnvPrefix         = "pledges"
	MinSecretLength   = 32
	DefaultConfigFile = "pledges.yaml"
)

// Storage backends.
const (
	StorageMemory    = "memory"
	StorageBolt      = "bolt"
	StorageDatastore = "datastore"
	StorageSQLite    = "sqlite"
)

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

type Config struct {
	ListenAddress string   `yaml:"listen-address" split_words:"true"`
	BaseURL       string   `yaml:"base-url"       envconfig:"BASE_URL"`
	CORSOrigins   []string `yaml:"cors-origins"   envconfig:"CORS_ORIGINS"`
	RateLimit     float64  `yaml:"rate-limit"     split_words:"true"`
	RateBurst     int      `yaml:"rate-burst"     split_words:"true"`

	Storage           string `yaml:"storage"`
	BoltPath          string `yaml:"bolt-path"          split_words:"true"`
	SQLitePath        string `yaml:"sqlite-path"        envconfig:"SQLITE_PATH"`
	DatastoreProject  string `yaml:"datastore-project"  split_words:"true"`
	DatastoreDatabase string `yaml:"datastore-database" split_words:"true"`
	DatastoreEndpoint string `yaml:"datastore-endpoint" split_words:"true"`

	TokenSecret                   string        `yaml:"token-secret"                      split_words:"true"`
	PreviousTokenSecret           string        `yaml:"previous-token-secret"             split_words:"true"`
	PreviousTokenSecretValidUntil time.Time     `yaml:"previous-token-secret-valid-until" split_words:"true"`
	ConfirmTokenTTL               time.Duration `yaml:"confirm-token-ttl"                 envconfig:"CONFIRM_TOKEN_TTL"`

	PlatformURL          string  `yaml:"platform-url"           envconfig:"PLATFORM_URL"`
	PlatformClientID     string  `yaml:"platform-client-id"     envconfig:"PLATFORM_CLIENT_ID"`
	PlatformClientSecret string  `yaml:"platform-client-secret" split_words:"true"`
	PlatformTokenURL     string  `yaml:"platform-token-url"     envconfig:"PLATFORM_TOKEN_URL"`
	PlatformRPS          float64 `yaml:"platform-rps"           envconfig:"PLATFORM_RPS"`
	ProfileEditURL       string  `yaml:"profile-edit-url"       envconfig:"PROFILE_EDIT_URL"`

	MailerWebhookURL string `yaml:"mailer-webhook-url" envconfig:"MAILER_WEBHOOK_URL"`
	MailerFrom       string `yaml:"mailer-from"        split_words:"true"`

	SweepEnabled    bool          `yaml:"sweep-enabled"     split_words:"true"`
	SweepInterval   time.Duration `yaml:"sweep-interval"    split_words:"true"`
	SweepMaxPledges int           `yaml:"sweep-max-pledges" split_words:"true"`

	LogLevel  string `yaml:"log-level"  split_words:"true"`
	LogFormat string `yaml:"log-format" split_words:"true"`
}

// Default returns the built-in settings. It has no token secret, so it does
// not validate on its own.
func Default() *Config {
	return &Config{
		ListenAddress:   ":8080",
		BaseURL:         "http://localhost:8080",
		RateLimit:       5,
		RateBurst:       20,
		Storage:         StorageMemory,
		BoltPath:        "pledges.db",
		SQLitePath:      "pledges.sqlite",
		ConfirmTokenTTL: 24 * time.Hour,
		PlatformRPS:     10,
		SweepEnabled:    true,
		SweepInterval:   time.Hour,
		SweepMaxPledges: 1000,
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// Load builds a Config. A missing configFile or envFile is skipped; an empty
// name means none. Values already in the environment win over envFile.
func Load(configFile, envFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("error reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(buf, cfg); err != nil {
				return nil, fmt.Errorf("error parsing config file: %w", err)
			}
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error loading env file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if len(c.TokenSecret) < MinSecretLength {
		errs = append(errs, fmt.Errorf("token-secret must be at least %d bytes", MinSecretLength))
	}
	if c.PreviousTokenSecret != "" {
		if len(c.PreviousTokenSecret) < MinSecretLength {
			errs = append(errs, fmt.Errorf("previous-token-secret must be at least %d bytes", MinSecretLength))
		}
		if c.PreviousTokenSecretValidUntil.IsZero() {
			errs = append(errs, errors.New("previous-token-secret-valid-until is required with previous-token-secret"))
		}
	}
	switch c.Storage {
	case StorageMemory, StorageBolt, StorageSQLite:
	case StorageDatastore:
		if c.DatastoreProject == "" {
			errs = append(errs, errors.New("datastore-project is required for datastore storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage))
	}
	if c.ConfirmTokenTTL <= 0 {
		errs = append(errs, errors.New("confirm-token-ttl must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep-interval must be positive"))
	}
	if c.SweepMaxPledges <= 0 {
		errs = append(errs, errors.New("sweep-max-pledges must be positive"))
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		errs = append(errs, errors.New("rate-limit and rate-burst must be positive"))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("log-format must be json or text, got %q", c.LogFormat))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log-level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// NewLogger builds the process logger described by the log settings.
func (c *Config) NewLogger() *slog.Logger {
	level, _ := c.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
