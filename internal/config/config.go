// Package config loads runtime settings from CRYOCORE_* environment
// variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"cryocore/internal/blob"
	"cryocore/internal/core"
	"cryocore/pkg/domain"
)

// S3 holds backup bucket settings.
type S3 struct {
	Region          string `env:"REGION" envDefault:"us-east-1"`
	Bucket          string `env:"BUCKET"`
	Prefix          string `env:"PREFIX" envDefault:"cryocore"`
	Endpoint        string `env:"ENDPOINT"`
	AccessKeyID     string `env:"ACCESS_KEY_ID"`
	SecretAccessKey string `env:"SECRET_ACCESS_KEY"`
	SessionToken    string `env:"SESSION_TOKEN"`
	PathStyle       bool   `env:"PATH_STYLE"`
}

// Config is the full runtime configuration.
type Config struct {
	StorageDriver string `env:"CRYOCORE_STORAGE_DRIVER" envDefault:"yaml" validate:"oneof=memory yaml sqlite postgres"`
	YAMLPath      string `env:"CRYOCORE_YAML_PATH" envDefault:"inventory.yaml"`
	SQLitePath    string `env:"CRYOCORE_SQLITE_PATH" envDefault:"cryocore.db"`
	PostgresDSN   string `env:"CRYOCORE_POSTGRES_DSN" validate:"required_if=StorageDriver postgres"`
	WatchYAML     bool   `env:"CRYOCORE_WATCH_YAML" envDefault:"true"`

	BackupDriver string `env:"CRYOCORE_BACKUP_DRIVER" envDefault:"fs" validate:"oneof=fs s3 memory"`
	BackupDir    string `env:"CRYOCORE_BACKUP_DIR" envDefault:"backups"`
	BackupKeep   int    `env:"CRYOCORE_BACKUP_KEEP" envDefault:"200" validate:"min=0"`
	S3           S3     `envPrefix:"CRYOCORE_S3_"`

	AuditPath  string        `env:"CRYOCORE_AUDIT_PATH" envDefault:"audit/events.jsonl"`
	UndoWindow time.Duration `env:"CRYOCORE_UNDO_WINDOW" envDefault:"30s"`

	LogLevel  string `env:"CRYOCORE_LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	LogFormat string `env:"CRYOCORE_LOG_FORMAT" envDefault:"text" validate:"oneof=text json"`
	Metrics   string `env:"CRYOCORE_METRICS" envDefault:"prometheus" validate:"oneof=prometheus expvar none"`
	Tracing   string `env:"CRYOCORE_TRACING" envDefault:"none" validate:"oneof=none otel json"`
	HTTPAddr  string `env:"CRYOCORE_HTTP_ADDR" envDefault:":8080"`
}

var validate = validator.New()

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the environment.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerations and cross-field requirements.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.BackupDriver == "s3" && c.S3.Bucket == "" {
		return fmt.Errorf("invalid config: CRYOCORE_S3_BUCKET is required for the s3 backup driver")
	}
	return nil
}

// Storage returns the inventory store settings.
func (c Config) Storage(seed *domain.Document) core.StorageConfig {
	return core.StorageConfig{
		Driver:      core.StorageDriver(c.StorageDriver),
		YAMLPath:    c.YAMLPath,
		SQLitePath:  c.SQLitePath,
		PostgresDSN: c.PostgresDSN,
		Seed:        seed,
	}
}

// Blob returns the backup blob store settings.
func (c Config) Blob() blob.Config {
	return blob.Config{
		Driver: blob.Driver(c.BackupDriver),
		FSRoot: c.BackupDir,
		S3: blob.S3Config{
			Region:          c.S3.Region,
			Bucket:          c.S3.Bucket,
			Prefix:          c.S3.Prefix,
			Endpoint:        c.S3.Endpoint,
			AccessKeyID:     c.S3.AccessKeyID,
			SecretAccessKey: c.S3.SecretAccessKey,
			SessionToken:    c.S3.SessionToken,
			PathStyle:       c.S3.PathStyle,
		},
	}
}

// Level maps LogLevel onto slog.
func (c Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
