// Package config loads the worker configuration from a YAML file with
// environment variable overrides. Defaults are applied before validation so
// a minimal file only needs the required options: the queue URL, the DLQ
// URL, and the secret name.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full configuration surface of the worker.
type Config struct {
	Queue         QueueConfig         `yaml:"queue"`
	Worker        WorkerConfig        `yaml:"worker"`
	Database      DatabaseConfig      `yaml:"database"`
	Breaker       BreakerConfig       `yaml:"breaker"`
	Secrets       SecretsConfig       `yaml:"secrets"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// QueueConfig configures the broker client and its poll loop.
type QueueConfig struct {
	QueueURL                  string   `yaml:"queue_url"`
	DLQURL                    string   `yaml:"dlq_url"`
	PollInterval              Duration `yaml:"poll_interval"`
	MaxMessagesPerBatch       int      `yaml:"max_messages_per_batch"`
	VisibilityTimeout         Duration `yaml:"visibility_timeout"`
	VisibilityExtendThreshold float64  `yaml:"visibility_extend_threshold"`
	MaxReceives               int      `yaml:"max_receives"`
}

// WorkerConfig configures the task pipeline.
type WorkerConfig struct {
	Concurrency         int      `yaml:"concurrency"`
	ShutdownGracePeriod Duration `yaml:"shutdown_grace_period"`
	MaxOrderTotal       string   `yaml:"max_order_total"`
}

// MaxOrderTotalDecimal parses the configured order-total ceiling. Validation
// guarantees the value parses, so errors here indicate a programming error.
func (w WorkerConfig) MaxOrderTotalDecimal() decimal.Decimal {
	d, err := decimal.NewFromString(w.MaxOrderTotal)
	if err != nil {
		panic(fmt.Sprintf("unvalidated max_order_total %q: %v", w.MaxOrderTotal, err))
	}
	return d
}

// DatabaseConfig configures the connection pool. Connection identity comes
// from the secret store, never from this file.
type DatabaseConfig struct {
	MinConns       int      `yaml:"min_conns"`
	MaxConns       int      `yaml:"max_conns"`
	IdleTimeout    Duration `yaml:"idle_timeout"`
	AcquireTimeout Duration `yaml:"acquire_timeout"`
}

// BreakerConfig configures the circuit breaker guarding database calls.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	Cooldown         Duration `yaml:"cooldown"`
}

// SecretsConfig configures the credential fetch from the secret store.
type SecretsConfig struct {
	SecretName     string   `yaml:"secret_name"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	MaxAttempts    int      `yaml:"max_attempts"`
}

// ObservabilityConfig configures logging, tracing, and metrics.
type ObservabilityConfig struct {
	ServiceName       string `yaml:"service_name"`
	LogFormat         string `yaml:"log_format"`
	LogLevel          string `yaml:"log_level"`
	CollectorEndpoint string `yaml:"collector_endpoint"`
	MetricsPort       string `yaml:"metrics_port"`
}

// Load reads the configuration file, applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Defaults()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadFromEnv(config); err != nil {
		return nil, err
	}

	if err := validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// Defaults returns a configuration with every documented default applied.
func Defaults() *Config {
	return &Config{
		Queue: QueueConfig{
			PollInterval:              Duration(1 * time.Second),
			MaxMessagesPerBatch:       10,
			VisibilityTimeout:         Duration(30 * time.Second),
			VisibilityExtendThreshold: 0.5,
			MaxReceives:               3,
		},
		Worker: WorkerConfig{
			Concurrency:         0, // 0 means "same as database.max_conns"
			ShutdownGracePeriod: Duration(30 * time.Second),
			MaxOrderTotal:       "1000000",
		},
		Database: DatabaseConfig{
			MinConns:       2,
			MaxConns:       10,
			IdleTimeout:    Duration(5 * time.Minute),
			AcquireTimeout: Duration(5 * time.Second),
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         Duration(30 * time.Second),
		},
		Secrets: SecretsConfig{
			InitialBackoff: Duration(500 * time.Millisecond),
			MaxBackoff:     Duration(10 * time.Second),
			MaxAttempts:    5,
		},
		Observability: ObservabilityConfig{
			ServiceName: "order-worker",
			LogFormat:   "json",
			LogLevel:    "info",
			MetricsPort: "9090",
		},
	}
}

func loadFromEnv(config *Config) error {
	if v := os.Getenv("QUEUE_URL"); v != "" {
		config.Queue.QueueURL = v
	}
	if v := os.Getenv("DLQ_URL"); v != "" {
		config.Queue.DLQURL = v
	}
	if v := os.Getenv("SECRET_NAME"); v != "" {
		config.Secrets.SecretName = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Observability.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		config.Observability.LogFormat = v
	}
	if v := os.Getenv("COLLECTOR_ENDPOINT"); v != "" {
		config.Observability.CollectorEndpoint = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		config.Observability.MetricsPort = v
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WORKER_CONCURRENCY: %w", err)
		}
		config.Worker.Concurrency = n
	}
	return nil
}

func validate(config *Config) error {
	if config.Queue.QueueURL == "" {
		return fmt.Errorf("queue URL is required")
	}
	if config.Queue.DLQURL == "" {
		return fmt.Errorf("dead-letter queue URL is required")
	}
	if config.Secrets.SecretName == "" {
		return fmt.Errorf("secret name is required")
	}
	if config.Queue.MaxMessagesPerBatch < 1 || config.Queue.MaxMessagesPerBatch > 10 {
		return fmt.Errorf("max messages per batch must be between 1 and 10")
	}
	if config.Queue.VisibilityExtendThreshold <= 0 || config.Queue.VisibilityExtendThreshold >= 1 {
		return fmt.Errorf("visibility extend threshold must be between 0 and 1")
	}
	if config.Queue.VisibilityTimeout.Std() <= 0 {
		return fmt.Errorf("visibility timeout must be greater than 0")
	}
	if config.Queue.MaxReceives < 1 {
		return fmt.Errorf("max receives must be greater than 0")
	}
	if config.Worker.Concurrency < 0 {
		return fmt.Errorf("worker concurrency must be non-negative")
	}
	if config.Database.MaxConns < 1 {
		return fmt.Errorf("max connections must be greater than 0")
	}
	if config.Database.MinConns < 0 || config.Database.MinConns > config.Database.MaxConns {
		return fmt.Errorf("min connections must be between 0 and max connections")
	}
	if total, err := decimal.NewFromString(config.Worker.MaxOrderTotal); err != nil || !total.IsPositive() {
		return fmt.Errorf("max order total must be a positive decimal")
	}
	if config.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be greater than 0")
	}
	if config.Breaker.Cooldown.Std() <= 0 {
		return fmt.Errorf("breaker cooldown must be greater than 0")
	}
	if config.Secrets.MaxAttempts < 1 {
		return fmt.Errorf("secret fetch max attempts must be greater than 0")
	}
	switch config.Observability.LogFormat {
	case "human", "json":
	default:
		return fmt.Errorf("unsupported log format %q", config.Observability.LogFormat)
	}
	if config.Worker.Concurrency == 0 {
		config.Worker.Concurrency = config.Database.MaxConns
	}
	return nil
}
