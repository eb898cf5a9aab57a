package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Webhooks  WebhooksConfig  `mapstructure:"webhooks"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	// EmbeddedWorker runs the delivery worker inside the API process.
	EmbeddedWorker bool `mapstructure:"embedded_worker"`
	// TrustForwardedFor takes the audit client IP from X-Forwarded-For.
	TrustForwardedFor bool `mapstructure:"trust_forwarded_for"`
	// WorkerMetricsAddr is where cmd/worker serves /metrics and /health.
	WorkerMetricsAddr string `mapstructure:"worker_metrics_addr"`
}

type DatabaseConfig struct {
	Driver         string `mapstructure:"driver"` // sqlite3 or postgres
	DSN            string `mapstructure:"dsn"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type JWTConfig struct {
	Secret         string        `mapstructure:"secret"`
	Issuer         string        `mapstructure:"issuer"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

type RateLimitConfig struct {
	EventsPerSecond float64 `mapstructure:"events_per_second"`
	EventsBurst     int     `mapstructure:"events_burst"`
}

type WebhooksConfig struct {
	WorkerCount             int           `mapstructure:"worker_count"`
	MaxAttempts             int           `mapstructure:"max_attempts"`
	RetryBackoff            string        `mapstructure:"retry_backoff"`
	RequestTimeout          time.Duration `mapstructure:"request_timeout"`
	PollInterval            time.Duration `mapstructure:"poll_interval"`
	BatchSize               int           `mapstructure:"batch_size"`
	LeaseDuration           time.Duration `mapstructure:"lease_duration"`
	PerWorkspaceConcurrency int           `mapstructure:"per_workspace_concurrency"`
	PerWebhookRate          float64       `mapstructure:"per_webhook_rate"`
	PerWebhookBurst         int           `mapstructure:"per_webhook_burst"`
	UserAgentProduct        string        `mapstructure:"user_agent_product"`
	EmitTimeout             time.Duration `mapstructure:"emit_timeout"`
	TestEventEnabled        bool          `mapstructure:"test_event_enabled"`
}

type SecretsConfig struct {
	EncryptionKey      string        `mapstructure:"encryption_key"`
	DefaultGracePeriod time.Duration `mapstructure:"default_grace_period"`
	MaxGracePeriod     time.Duration `mapstructure:"max_grace_period"`
	CleanupSchedule    string        `mapstructure:"cleanup_schedule"`
}

type AuditConfig struct {
	RetentionDays          int    `mapstructure:"retention_days"`
	PurgeSchedule          string `mapstructure:"purge_schedule"`
	RecordDeliveryFailures bool   `mapstructure:"record_delivery_failures"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.embedded_worker", false)
	v.SetDefault("server.trust_forwarded_for", false)
	v.SetDefault("server.worker_metrics_addr", ":9091")

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "file:data/hookrelay.db?_foreign_keys=on&_busy_timeout=5000")
	v.SetDefault("database.max_connections", 10)

	v.SetDefault("jwt.issuer", "hookrelay")
	v.SetDefault("jwt.access_token_ttl", time.Hour)

	v.SetDefault("rate_limit.events_per_second", 50.0)
	v.SetDefault("rate_limit.events_burst", 100)

	v.SetDefault("webhooks.worker_count", 8)
	v.SetDefault("webhooks.max_attempts", 3)
	v.SetDefault("webhooks.retry_backoff", "1s,5s,15s")
	v.SetDefault("webhooks.request_timeout", 10*time.Second)
	v.SetDefault("webhooks.poll_interval", time.Second)
	v.SetDefault("webhooks.batch_size", 100)
	v.SetDefault("webhooks.lease_duration", 30*time.Second)
	v.SetDefault("webhooks.per_workspace_concurrency", 4)
	v.SetDefault("webhooks.per_webhook_rate", 10.0)
	v.SetDefault("webhooks.per_webhook_burst", 20)
	v.SetDefault("webhooks.user_agent_product", "HookRelay")
	v.SetDefault("webhooks.emit_timeout", 5*time.Second)
	v.SetDefault("webhooks.test_event_enabled", true)

	v.SetDefault("secrets.default_grace_period", 24*time.Hour)
	v.SetDefault("secrets.max_grace_period", 7*24*time.Hour)
	v.SetDefault("secrets.cleanup_schedule", "@every 1h")

	v.SetDefault("audit.retention_days", 365)
	v.SetDefault("audit.purge_schedule", "0 3 * * *")
	v.SetDefault("audit.record_delivery_failures", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects settings the delivery engine cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite3 or postgres, got %q", c.Database.Driver)
	}

	if c.Webhooks.MaxAttempts < 1 {
		return fmt.Errorf("webhooks.max_attempts must be at least 1")
	}
	if _, err := c.Webhooks.Backoff(); err != nil {
		return err
	}
	if c.Webhooks.RequestTimeout <= 0 {
		return fmt.Errorf("webhooks.request_timeout must be positive")
	}
	// A lease that can expire mid-request lets a second worker send again.
	if c.Webhooks.LeaseDuration <= c.Webhooks.RequestTimeout {
		return fmt.Errorf("webhooks.lease_duration (%s) must exceed webhooks.request_timeout (%s)",
			c.Webhooks.LeaseDuration, c.Webhooks.RequestTimeout)
	}

	if _, err := c.Secrets.Key(); err != nil {
		return err
	}
	if c.Secrets.DefaultGracePeriod < 0 || c.Secrets.DefaultGracePeriod > c.Secrets.MaxGracePeriod {
		return fmt.Errorf("secrets.default_grace_period must be between 0 and secrets.max_grace_period")
	}

	return nil
}

// Backoff parses retry_backoff ("1s,5s,15s") into delays.
func (c WebhooksConfig) Backoff() ([]time.Duration, error) {
	parts := strings.Split(c.RetryBackoff, ",")
	delays := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		d, err := time.ParseDuration(p)
		if err != nil {
			return nil, fmt.Errorf("webhooks.retry_backoff: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("webhooks.retry_backoff: delays must be positive, got %s", p)
		}
		delays = append(delays, d)
	}
	if len(delays) == 0 {
		return nil, fmt.Errorf("webhooks.retry_backoff must list at least one delay")
	}
	return delays, nil
}

// Key decodes the hex encryption key used to seal signing secrets at rest.
func (c SecretsConfig) Key() ([]byte, error) {
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("secrets.encryption_key must be hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("secrets.encryption_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}
