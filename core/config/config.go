package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Token string `yaml:"token" envconfig:"BOT_TOKEN" validate:"required"`
	// BotID scopes sessions and deduplication; 0 means "take it from getMe".
	BotID    int64   `yaml:"bot_id" envconfig:"TELEGRAM_BOT_ID" validate:"gte=0"`
	AdminIDs []int64 `yaml:"admin_ids" envconfig:"TELEGRAM_ADMIN_IDS"`
	RunMode  string  `yaml:"run_mode" envconfig:"TELEGRAM_RUN_MODE" validate:"oneof=webhook longpoll"`
	// LongPollTimeoutSeconds defines long polling timeout; 0 -> default
	LongPollTimeoutSeconds int `yaml:"longpoll_timeout_seconds" envconfig:"TELEGRAM_LONGPOLL_TIMEOUT_SECONDS" validate:"gte=0"`
	// MaxConcurrentUpdates bounds how many updates are handled at once.
	MaxConcurrentUpdates int `yaml:"max_concurrent_updates" envconfig:"TELEGRAM_MAX_CONCURRENT_UPDATES" validate:"gte=1"`
	// RateLimitMS is the minimum gap between command runs of one user; 0 disables it.
	RateLimitMS int `yaml:"rate_limit_ms" envconfig:"TELEGRAM_RATE_LIMIT_MS" validate:"gte=0"`
}

// WebhookConfig specifies webhook settings.
type WebhookConfig struct {
	URL    string `yaml:"url" envconfig:"WEBHOOK_URL"`
	Listen string `yaml:"listen" envconfig:"WEBHOOK_LISTEN"`
	Port   int    `yaml:"port" envconfig:"WEBHOOK_PORT"`
}

// LoggingConfig defines logging related configuration.
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format      string `yaml:"format" envconfig:"LOG_FORMAT"`
	KeysOrder   string `yaml:"keys_order"`
	DebugSample string `yaml:"debug_sample"`
	Dir         string `yaml:"dir" envconfig:"LOG_DIR"`
	File        string `yaml:"file" envconfig:"LOG_FILE"`
	// Profile indicates environment profile such as "debug" or "prod".
	Profile string `yaml:"profile" envconfig:"LOG_PROFILE"`
}

// SessionConfig selects the session backend and its expiry policy.
type SessionConfig struct {
	Backend              string `yaml:"backend" envconfig:"SESSION_BACKEND" validate:"oneof=memory postgres mongo"`
	TTLSeconds           int    `yaml:"ttl_seconds" envconfig:"SESSION_TTL_SECONDS" validate:"gte=1"`
	SweepIntervalSeconds int    `yaml:"sweep_interval_seconds" envconfig:"SESSION_SWEEP_INTERVAL_SECONDS" validate:"gte=0"`
}

// TTL returns the inactivity window after which a session is treated as fresh.
func (c SessionConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// SweepInterval returns the period of the background sweeper; 0 disables it.
func (c SessionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// DedupConfig configures update deduplication.
// Mode "window" keeps a bounded set of recent ids and tolerates reordering,
// "watermark" only remembers the highest processed id.
type DedupConfig struct {
	Mode    string `yaml:"mode" envconfig:"DEDUP_MODE" validate:"oneof=window watermark"`
	Window  int    `yaml:"window" envconfig:"DEDUP_WINDOW" validate:"gte=1"`
	Backend string `yaml:"backend" envconfig:"DEDUP_BACKEND" validate:"oneof=memory postgres"`
}

// OutboundConfig holds the two rate budgets of the outbound queue.
type OutboundConfig struct {
	GlobalPerSecond       float64 `yaml:"global_per_second" envconfig:"OUTBOUND_GLOBAL_PER_SECOND" validate:"gt=0"`
	GlobalBurst           int     `yaml:"global_burst" envconfig:"OUTBOUND_GLOBAL_BURST" validate:"gte=1"`
	PerRecipientPerSecond float64 `yaml:"per_recipient_per_second" envconfig:"OUTBOUND_PER_RECIPIENT_PER_SECOND" validate:"gt=0"`
	PerRecipientBurst     int     `yaml:"per_recipient_burst" envconfig:"OUTBOUND_PER_RECIPIENT_BURST" validate:"gte=1"`
	QueueSize             int     `yaml:"queue_size" envconfig:"OUTBOUND_QUEUE_SIZE" validate:"gte=1"`
	Workers               int     `yaml:"workers" envconfig:"OUTBOUND_WORKERS" validate:"gte=1"`
	MaxAttempts           int     `yaml:"max_attempts" envconfig:"OUTBOUND_MAX_ATTEMPTS" validate:"gte=1"`
	RetryBackoffMS        int     `yaml:"retry_backoff_ms" envconfig:"OUTBOUND_RETRY_BACKOFF_MS" validate:"gte=0"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host           string `yaml:"host" envconfig:"DB_HOST"`
	Port           string `yaml:"port" envconfig:"DB_PORT"`
	User           string `yaml:"user" envconfig:"DB_USER"`
	Password       string `yaml:"password" envconfig:"DB_PASSWORD"`
	Name           string `yaml:"name" envconfig:"DB_NAME"`
	SSLMode        string `yaml:"sslmode" envconfig:"DB_SSLMODE"`
	MaxConnections int    `yaml:"max_connections" envconfig:"DB_MAX_CONNECTIONS"`
	MigrationsDir  string `yaml:"migrations_dir" envconfig:"DB_MIGRATIONS_DIR"`
}

// MongoConfig holds MongoDB connection settings for the mongo session backend.
type MongoConfig struct {
	URI        string `yaml:"uri" envconfig:"MONGO_URI"`
	Database   string `yaml:"database" envconfig:"MONGO_DATABASE"`
	Collection string `yaml:"collection" envconfig:"MONGO_COLLECTION"`
}

// HTTPConfig configures the operational HTTP API. Empty Listen disables it.
type HTTPConfig struct {
	Listen string `yaml:"listen" envconfig:"HTTP_LISTEN"`
}

const (
	// RunModeWebhook selects webhook mode for Telegram updates.
	RunModeWebhook = "webhook"
	// RunModeLongpoll selects long-polling mode for Telegram updates.
	RunModeLongpoll = "longpoll"
)

const (
	// BackendMemory keeps state in the process.
	BackendMemory = "memory"
	// BackendPostgres keeps state in PostgreSQL.
	BackendPostgres = "postgres"
	// BackendMongo keeps state in MongoDB.
	BackendMongo = "mongo"
)

// Config aggregates the configuration of the bot core.
type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Logging  LoggingConfig  `yaml:"logging"`
	Session  SessionConfig  `yaml:"session"`
	Dedup    DedupConfig    `yaml:"dedup"`
	Outbound OutboundConfig `yaml:"outbound"`
	Database DatabaseConfig `yaml:"database"`
	Mongo    MongoConfig    `yaml:"mongo"`
	HTTP     HTTPConfig     `yaml:"http"`
}

// Load reads configuration from a YAML file and environment variables.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize applies defaults and validates the configuration.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}

	applyDefaults(cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Telegram.RunMode == RunModeWebhook {
		if strings.TrimSpace(cfg.Webhook.URL) == "" {
			return fmt.Errorf("webhook.url is required when telegram.run_mode is 'webhook'")
		}
		if strings.TrimSpace(cfg.Webhook.Listen) == "" {
			return fmt.Errorf("webhook.listen is required when telegram.run_mode is 'webhook'")
		}
		if cfg.Webhook.Port <= 0 {
			return fmt.Errorf("webhook.port must be > 0 when telegram.run_mode is 'webhook'")
		}
	}

	if cfg.NeedsPostgres() && strings.TrimSpace(cfg.Database.Host) == "" {
		return fmt.Errorf("database.host is required for the postgres backend")
	}
	if cfg.Session.Backend == BackendMongo && strings.TrimSpace(cfg.Mongo.URI) == "" {
		return fmt.Errorf("mongo.uri is required for the mongo session backend")
	}
	return nil
}

// NeedsPostgres reports whether any backend is configured to use PostgreSQL.
func (c *Config) NeedsPostgres() bool {
	return c.Session.Backend == BackendPostgres || c.Dedup.Backend == BackendPostgres
}

func applyDefaults(cfg *Config) {
	rm := strings.ToLower(strings.TrimSpace(cfg.Telegram.RunMode))
	if rm == "" || rm == "polling" {
		rm = RunModeLongpoll
	}
	cfg.Telegram.RunMode = rm
	if cfg.Telegram.MaxConcurrentUpdates == 0 {
		cfg.Telegram.MaxConcurrentUpdates = 16
	}

	cfg.Session.Backend = lowerOr(cfg.Session.Backend, BackendMemory)
	if cfg.Session.TTLSeconds == 0 {
		cfg.Session.TTLSeconds = 3600
	}

	cfg.Dedup.Mode = lowerOr(cfg.Dedup.Mode, "window")
	cfg.Dedup.Backend = lowerOr(cfg.Dedup.Backend, BackendMemory)
	if cfg.Dedup.Window == 0 {
		cfg.Dedup.Window = 1024
	}

	o := &cfg.Outbound
	if o.GlobalPerSecond == 0 {
		o.GlobalPerSecond = 30
	}
	if o.GlobalBurst == 0 {
		o.GlobalBurst = 30
	}
	if o.PerRecipientPerSecond == 0 {
		o.PerRecipientPerSecond = 1
	}
	if o.PerRecipientBurst == 0 {
		o.PerRecipientBurst = 1
	}
	if o.QueueSize == 0 {
		o.QueueSize = 1024
	}
	if o.Workers == 0 {
		o.Workers = 4
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBackoffMS == 0 {
		o.RetryBackoffMS = 2000
	}

	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 10
	}
	if cfg.Database.MigrationsDir == "" {
		cfg.Database.MigrationsDir = "migrations"
	}
	if cfg.Mongo.Database == "" {
		cfg.Mongo.Database = "convobot"
	}
	if cfg.Mongo.Collection == "" {
		cfg.Mongo.Collection = "sessions"
	}
}

func lowerOr(v, def string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return def
	}
	return v
}
