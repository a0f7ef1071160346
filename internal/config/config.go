// Package config loads relay configuration from a YAML file and RELAY_*
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/relay/internal/queue"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nesting levels: RELAY_QUEUE__BATCH_SIZE sets queue.batch_size.
const EnvPrefix = "RELAY_"

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverBolt     = "bolt"
	DriverMemory   = "memory"
)

// Config holds application configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Log      LogConfig      `koanf:"log"`
	Queue    QueueConfig    `koanf:"queue"`
	Auth     AuthConfig     `koanf:"auth"`
	SMS      SMSConfig      `koanf:"sms"`
	Email    EmailConfig    `koanf:"email"`
	Kafka    KafkaConfig    `koanf:"kafka"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required,numeric"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required,numeric,nefield=Port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig selects and tunes the queue store.
type DatabaseConfig struct {
	Driver          string        `koanf:"driver" validate:"oneof=postgres sqlite bolt memory"`
	URL             string        `koanf:"url" validate:"required_unless=Driver memory"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout" validate:"gt=0"`
	ConnectAttempts int           `koanf:"connect_attempts" validate:"gte=1"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// QueueConfig holds claim, processing and reaper settings.
type QueueConfig struct {
	WorkerID       string        `koanf:"worker_id"`
	PollInterval   time.Duration `koanf:"poll_interval" validate:"gt=0"`
	BatchSize      int           `koanf:"batch_size" validate:"min=1,max=1000"`
	Concurrency    int           `koanf:"concurrency" validate:"min=1,max=256"`
	BackoffWindow  time.Duration `koanf:"backoff_window" validate:"gte=0"`
	StaleAfter     time.Duration `koanf:"stale_after" validate:"gt=0"`
	ReapInterval   time.Duration `koanf:"reap_interval" validate:"gt=0"`
	MaxAttempts    int           `koanf:"max_attempts" validate:"min=1,max=100"`
	ProcessTimeout time.Duration `koanf:"process_timeout" validate:"gt=0"`
}

// AuthConfig holds admin API authentication. An empty secret disables auth.
type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret" validate:"omitempty,min=32"`
}

// SMSConfig configures the sms handler.
type SMSConfig struct {
	Enabled    bool          `koanf:"enabled"`
	GatewayURL string        `koanf:"gateway_url" validate:"required_if=Enabled true,omitempty,url"`
	APIKey     string        `koanf:"api_key"`
	Sender     string        `koanf:"sender" validate:"max=11"`
	Timeout    time.Duration `koanf:"timeout"`
	RateLimit  float64       `koanf:"rate_limit" validate:"gte=0"`
	Burst      int           `koanf:"burst" validate:"gte=0"`
	MaxLength  int           `koanf:"max_length" validate:"gte=0"`
}

// EmailConfig configures the email handler.
type EmailConfig struct {
	Enabled      bool          `koanf:"enabled"`
	SMTPHost     string        `koanf:"smtp_host" validate:"required_if=Enabled true"`
	SMTPPort     int           `koanf:"smtp_port" validate:"gte=0,lte=65535"`
	SMTPUser     string        `koanf:"smtp_user"`
	SMTPPassword string        `koanf:"smtp_password"`
	FromAddress  string        `koanf:"from_address" validate:"required_if=Enabled true"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
}

// KafkaConfig configures the kafka handler.
type KafkaConfig struct {
	Enabled      bool          `koanf:"enabled"`
	Brokers      []string      `koanf:"brokers" validate:"required_if=Enabled true,dive,hostname_port"`
	Topic        string        `koanf:"topic"`
	RequiredAcks int           `koanf:"required_acks" validate:"oneof=-1 1"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// ClaimerConfig returns the claimer settings of the queue section.
func (q QueueConfig) ClaimerConfig() queue.ClaimerConfig {
	return queue.ClaimerConfig{
		WorkerID:       q.WorkerID,
		PollInterval:   q.PollInterval,
		BatchSize:      q.BatchSize,
		Concurrency:    q.Concurrency,
		BackoffWindow:  q.BackoffWindow,
		ProcessTimeout: q.ProcessTimeout,
	}
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          DriverPostgres,
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Queue: QueueConfig{
			PollInterval:   5 * time.Second,
			BatchSize:      10,
			Concurrency:    5,
			BackoffWindow:  30 * time.Second,
			StaleAfter:     10 * time.Minute,
			ReapInterval:   time.Minute,
			MaxAttempts:    3,
			ProcessTimeout: 30 * time.Second,
		},
		SMS: SMSConfig{
			Sender:  "relay",
			Timeout: 10 * time.Second,
		},
		Email: EmailConfig{
			SMTPPort:    587,
			DialTimeout: 10 * time.Second,
		},
		Kafka: KafkaConfig{
			RequiredAcks: -1,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads configuration from path (optional) and the environment,
// applies defaults and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Queue.WorkerID == "" {
		cfg.Queue.WorkerID = queue.DefaultWorkerID()
	}
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// The reaper must never recover a claim that is still being worked on.
	maxAge := c.Queue.ClaimerConfig().MaxClaimAge()
	if c.Queue.StaleAfter <= maxAge {
		return fmt.Errorf("invalid config: queue.stale_after (%s) must exceed %s, the longest a claim can stay unsettled with this batch_size, concurrency and process_timeout",
			c.Queue.StaleAfter, maxAge)
	}
	return nil
}

// envKey maps RELAY_QUEUE__BATCH_SIZE to queue.batch_size.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// splitList expands comma separated entries, as produced by env overrides.
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
