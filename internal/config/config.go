// Package config loads and validates application configuration from a YAML
// file and BOT_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration values.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Gemini    GeminiConfig    `mapstructure:"gemini"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Search    SearchConfig    `mapstructure:"search"`
	Status    StatusConfig    `mapstructure:"status"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// LoggerConfig controls log output.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// TelegramConfig holds the chat transport settings.
type TelegramConfig struct {
	Token   string `mapstructure:"token"    validate:"required"`
	AdminID int64  `mapstructure:"admin_id" validate:"required,gt=0"`
}

// GeminiConfig holds settings for the Gemini API client.
type GeminiConfig struct {
	APIKey            string        `mapstructure:"api_key"             validate:"required"`
	ModelName         string        `mapstructure:"model_name"          validate:"required"`
	EmbeddingModel    string        `mapstructure:"embedding_model"     validate:"required"`
	Temperature       float32       `mapstructure:"temperature"         validate:"min=0,max=2"`
	MaxRetries        int           `mapstructure:"max_retries"         validate:"min=0,max=10"`
	RetryDelaySeconds int           `mapstructure:"retry_delay_seconds" validate:"min=1,max=60"`
	Timeout           time.Duration `mapstructure:"timeout"             validate:"min=1s,max=10m"`
}

// IngestConfig holds the topic ingestion throttle knobs.
type IngestConfig struct {
	// MinInterval is the minimum time between two extraction runs for a group.
	MinInterval time.Duration `mapstructure:"min_interval" validate:"min=1s"`
	// MinMessages is the minimum number of new messages required before a
	// batch becomes eligible for extraction.
	MinMessages int `mapstructure:"min_messages" validate:"min=1"`
	// MaxBatch caps the number of messages handed to the extractor per run.
	MaxBatch int `mapstructure:"max_batch" validate:"min=1"`
}

// SearchConfig holds retrieval and quality-gate knobs.
type SearchConfig struct {
	MaxCandidates       int     `mapstructure:"max_candidates"       validate:"min=1"`
	MaxAccepted         int     `mapstructure:"max_accepted"         validate:"min=1"`
	DistanceThreshold   float64 `mapstructure:"distance_threshold"   validate:"gt=0,lte=2"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold" validate:"gte=0,lte=1"`
}

// StatusConfig holds the operational status server settings.
type StatusConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

// SchedulerConfig holds per-task schedules for the gocron scheduler.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks"`
}

// TaskConfig enables and schedules a single background task.
type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// LoadConfig reads configuration from the given YAML path, applies defaults
// and environment overrides, and validates the result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix("BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		// Missing config file is fine; defaults plus env vars may be enough.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.json", true)

	v.SetDefault("database.path", "storage.db")

	// Registered empty so AutomaticEnv can surface them; validation still
	// requires real values.
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.admin_id", 0)
	v.SetDefault("gemini.api_key", "")

	v.SetDefault("gemini.model_name", "gemini-2.0-flash")
	v.SetDefault("gemini.embedding_model", "gemini-embedding-001")
	v.SetDefault("gemini.temperature", 1.0)
	v.SetDefault("gemini.max_retries", 3)
	v.SetDefault("gemini.retry_delay_seconds", 5)
	v.SetDefault("gemini.timeout", 2*time.Minute)

	// Tightened from 15m/5 to reduce topic-boundary blending across
	// unrelated subtopics.
	v.SetDefault("ingest.min_interval", 5*time.Minute)
	v.SetDefault("ingest.min_messages", 2)
	v.SetDefault("ingest.max_batch", 400)

	v.SetDefault("search.max_candidates", 10)
	v.SetDefault("search.max_accepted", 15)
	v.SetDefault("search.distance_threshold", 0.4)
	v.SetDefault("search.confidence_threshold", 0.5)

	v.SetDefault("status.addr", ":8080")

	v.SetDefault("scheduler.tasks.ingest_sweep.enabled", true)
	v.SetDefault("scheduler.tasks.ingest_sweep.schedule", "*/5 * * * *")
	v.SetDefault("scheduler.tasks.sql_maintenance.enabled", true)
	v.SetDefault("scheduler.tasks.sql_maintenance.schedule", "0 4 * * *")
}
