// Package config собирает настройки сервиса: дефолты, YAML-файл и
// переменные окружения, в порядке возрастания приоритета.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration — time.Duration с разбором YAML-строк вида "30s", "5m".
type Duration time.Duration

// UnmarshalYAML разбирает длительность из строки.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std возвращает стандартный time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// StorageConfig выбирает бэкенд keyed-хранилища.
type StorageConfig struct {
	// Backend: "memory" или "postgres".
	Backend     string `yaml:"backend"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// KafkaConfig описывает подключение к брокерам. Пустой список брокеров
// означает работу без Kafka: уведомления остаются в памяти процесса.
type KafkaConfig struct {
	Brokers    []string `yaml:"brokers"`
	GroupID    string   `yaml:"group_id"`
	MaxRetries int      `yaml:"max_retries"`
}

// Enabled сообщает, настроена ли Kafka.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// SagaConfig — тайминги и пул саг.
type SagaConfig struct {
	Timeout           Duration `yaml:"timeout"`
	StepTimeout       Duration `yaml:"step_timeout"`
	RetryInitialDelay Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay     Duration `yaml:"retry_max_delay"`
	RetryMaxAttempts  int      `yaml:"retry_max_attempts"`
	Workers           int      `yaml:"workers"`
	QueueSize         int      `yaml:"queue_size"`
}

// BreakerConfig — пороги размыкателя платёжного провайдера.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	SuccessThreshold int      `yaml:"success_threshold"`
	Timeout          Duration `yaml:"timeout"`
}

// IdempotencyConfig — срок жизни записей и параметры фоновой очистки.
type IdempotencyConfig struct {
	TTL             Duration `yaml:"ttl"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
	CleanupBatch    int      `yaml:"cleanup_batch"`
}

// Config — полная конфигурация сервиса.
type Config struct {
	HTTPAddr    string            `yaml:"http_addr"`
	LogLevel    string            `yaml:"log_level"`
	Storage     StorageConfig     `yaml:"storage"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Saga        SagaConfig        `yaml:"saga"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
}

// Default возвращает конфигурацию для локального запуска без внешних
// зависимостей: in-memory хранилище, без Kafka.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		LogLevel: "info",
		Storage: StorageConfig{
			Backend: "memory",
		},
		Kafka: KafkaConfig{
			GroupID:    "orderflow-notifications",
			MaxRetries: 3,
		},
		Saga: SagaConfig{
			Timeout:           Duration(5 * time.Minute),
			StepTimeout:       Duration(30 * time.Second),
			RetryInitialDelay: Duration(100 * time.Millisecond),
			RetryMaxDelay:     Duration(5 * time.Second),
			RetryMaxAttempts:  3,
			Workers:           8,
			QueueSize:         64,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          Duration(30 * time.Second),
		},
		Idempotency: IdempotencyConfig{
			TTL:             Duration(24 * time.Hour),
			CleanupInterval: Duration(10 * time.Minute),
			CleanupBatch:    500,
		},
	}
}

// Load строит конфигурацию: дефолты, затем YAML-файл (если path непуст),
// затем переменные окружения.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		c.HTTPAddr = addr
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		c.Storage.Backend = "postgres"
		c.Storage.PostgresDSN = dsn
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = strings.Split(brokers, ",")
	}
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage backend postgres requires postgres_dsn")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("http_addr is required")
	}
	if c.Saga.RetryMaxAttempts <= 0 {
		return fmt.Errorf("saga retry_max_attempts must be positive")
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker thresholds must be positive")
	}
	if c.Idempotency.TTL.Std() <= 0 {
		return fmt.Errorf("idempotency ttl must be positive")
	}
	return nil
}
