// Package config centralises configuration parsing for the run sync service.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const maxPageSize = 200

// Config captures runtime configuration values for the run sync service.
type Config struct {
	HTTPAddress        string        `env:"HTTP_ADDRESS" envDefault:":8080"`
	PostgresURL        string        `env:"POSTGRES_URL"`
	KafkaBrokers       []string      `env:"KAFKA_BROKERS" envDefault:"kafka:9092" envSeparator:","`
	SchemaRegistryURL  string        `env:"SCHEMA_REGISTRY_URL" envDefault:"http://schema-registry:8081"`
	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"2s"`
	OutboxBatchSize    int           `env:"OUTBOX_BATCH_SIZE" envDefault:"25"`
	DLQPollInterval    time.Duration `env:"DLQ_POLL_INTERVAL" envDefault:"1m"`
	DLQMaxRetries      int           `env:"DLQ_MAX_RETRIES" envDefault:"5"`
	DLQBaseDelay       time.Duration `env:"DLQ_BASE_DELAY" envDefault:"1m"`
	JWTSecret          string        `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`
	JWTIssuer          string        `env:"JWT_ISSUER" envDefault:"runsync.identity"`
	CORSOrigin         string        `env:"CORS_ORIGIN" envDefault:"http://localhost:5173"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`

	Strava StravaConfig
	Sync   SyncConfig
}

// StravaConfig describes the remote account and the registered OAuth client.
type StravaConfig struct {
	AccountID    string `env:"STRAVA_ACCOUNT_ID" envDefault:"default"`
	APIBaseURL   string `env:"STRAVA_API_URL" envDefault:"https://www.strava.com/api/v3"`
	TokenURL     string `env:"STRAVA_TOKEN_URL" envDefault:"https://www.strava.com/oauth/token"`
	ClientID     string `env:"STRAVA_CLIENT_ID"`
	ClientSecret string `env:"STRAVA_CLIENT_SECRET"`
}

// SyncConfig holds the sync policy knobs.
type SyncConfig struct {
	ActivityKind      string        `env:"SYNC_ACTIVITY_KIND" envDefault:"Run"`
	TimezoneBiasHours int           `env:"SYNC_TIMEZONE_BIAS_HOURS" envDefault:"6"`
	StalenessInterval time.Duration `env:"SYNC_STALENESS_INTERVAL" envDefault:"6h"`
	PageSize          int           `env:"SYNC_PAGE_SIZE" envDefault:"200"`
	PageCap           int           `env:"SYNC_PAGE_CAP" envDefault:"20"`
	HTTPTimeout       time.Duration `env:"SYNC_HTTP_TIMEOUT" envDefault:"15s"`
	Timeout           time.Duration `env:"SYNC_TIMEOUT" envDefault:"5m"`
	FailureBackoff    time.Duration `env:"SYNC_FAILURE_BACKOFF" envDefault:"1m"`
	TokenSafetyMargin time.Duration `env:"SYNC_TOKEN_SAFETY_MARGIN" envDefault:"5m"`
	ScheduleInterval  time.Duration `env:"SYNC_SCHEDULE_INTERVAL" envDefault:"15m"`
	TriggerTopic      string        `env:"SYNC_TRIGGER_TOPIC"`
	ConsumerGroupID   string        `env:"CONSUMER_GROUP_ID" envDefault:"runsync"`
	LocationDelimiter string        `env:"SYNC_LOCATION_DELIMITER" envDefault:" en "`
	UnknownLocation   string        `env:"SYNC_UNKNOWN_LOCATION" envDefault:"Unknown location"`
}

// TimezoneBias returns the fixed correction added to remote local start times.
func (s SyncConfig) TimezoneBias() time.Duration {
	return time.Duration(s.TimezoneBiasHours) * time.Hour
}

// Load reads environment variables into Config, applying sensible defaults for local dev.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalise() error {
	c.KafkaBrokers = trimAll(c.KafkaBrokers)
	if c.Sync.PageSize <= 0 || c.Sync.PageSize > maxPageSize {
		c.Sync.PageSize = maxPageSize
	}
	if c.Sync.PageCap <= 0 {
		return fmt.Errorf("SYNC_PAGE_CAP must be > 0, got %d", c.Sync.PageCap)
	}
	if c.Sync.StalenessInterval <= 0 {
		return fmt.Errorf("SYNC_STALENESS_INTERVAL must be > 0, got %s", c.Sync.StalenessInterval)
	}
	if c.Sync.FailureBackoff < 0 {
		return fmt.Errorf("SYNC_FAILURE_BACKOFF must not be negative")
	}
	if c.Sync.TokenSafetyMargin < 0 {
		c.Sync.TokenSafetyMargin = 0
	}
	if c.Strava.AccountID == "" {
		return fmt.Errorf("STRAVA_ACCOUNT_ID must not be empty")
	}
	return nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
