package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Service     string            `mapstructure:"service"`
	Database    DatabaseConfig    `mapstructure:"database"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Consumer    ConsumerConfig    `mapstructure:"consumer"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	AWS         AWSConfig         `mapstructure:"aws"`
	PG          PGConfig          `mapstructure:"pg"`
	Log         LogConfig         `mapstructure:"log"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type HTTPConfig struct {
	Port         int      `mapstructure:"port"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	GroupID string `mapstructure:"group_id"`
}

type ConsumerConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

type OutboxConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

type IdempotencyConfig struct {
	Backend  string        `mapstructure:"backend"`
	Table    string        `mapstructure:"table"`
	BoltPath string        `mapstructure:"bolt_path"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type AWSConfig struct {
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

type PGConfig struct {
	Mode      string        `mapstructure:"mode"`
	BaseURL   string        `mapstructure:"base_url"`
	SecretKey string        `mapstructure:"secret_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var defaults = map[string]any{
	"http.port":             8080,
	"http.allow_origins":    []string{"*"},
	"kafka.brokers":         "localhost:9092",
	"kafka.group_id":        "",
	"consumer.max_attempts": 3,
	"consumer.backoff":      time.Second,
	"outbox.interval":       500 * time.Millisecond,
	"outbox.batch_size":     100,
	"idempotency.backend":   "bolt",
	"idempotency.table":     "saga-idempotency",
	"idempotency.bolt_path": "saga-idempotency.db",
	"idempotency.ttl":       30 * time.Minute,
	"aws.region":            "ap-northeast-2",
	"aws.endpoint":          "",
	"pg.mode":               "fake",
	"pg.base_url":           "https://api.tosspayments.com",
	"pg.secret_key":         "",
	"pg.timeout":            10 * time.Second,
	"log.level":             "info",
	"log.format":            "json",
	"database.url":          "",
}

// Load reads defaults, then the optional YAML file, then the environment
// (database.url <- DATABASE_URL). service names the running process and
// seeds the consumer group when none is configured.
func Load(service, path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Service = service
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = service + "-service"
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("database.url is required (DATABASE_URL)")
	}
	if c.Consumer.MaxAttempts < 1 {
		return fmt.Errorf("consumer.max_attempts must be >= 1, got %d", c.Consumer.MaxAttempts)
	}
	switch c.Idempotency.Backend {
	case "bolt", "dynamodb":
	default:
		return fmt.Errorf("unknown idempotency.backend %q", c.Idempotency.Backend)
	}
	switch c.PG.Mode {
	case "fake", "http":
	default:
		return fmt.Errorf("unknown pg.mode %q", c.PG.Mode)
	}
	return nil
}
