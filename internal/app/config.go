package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/service/numbering"
	"github.com/vladislavdragonenkov/storefront/internal/service/shipping"
)

const (
	// StorageDriverMemory хранит документы в памяти процесса.
	StorageDriverMemory = "memory"
	// StorageDriverPostgres хранит документы в PostgreSQL.
	StorageDriverPostgres = "postgres"

	// ObjectsDriverDefault хранит custom objects в основном хранилище.
	ObjectsDriverDefault = "default"
	// ObjectsDriverRedis хранит custom objects (счётчики, checkout info) в Redis.
	ObjectsDriverRedis = "redis"
)

// Config описывает настройки запуска приложения.
type Config struct {
	GRPCAddr    string `yaml:"grpc_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`

	StorageDriver       string `yaml:"storage_driver"`
	PostgresDSN         string `yaml:"postgres_dsn"`
	PostgresAutoMigrate bool   `yaml:"postgres_auto_migrate"`

	ObjectsDriver string `yaml:"objects_driver"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	KafkaBrokers       string `yaml:"kafka_brokers"`
	KafkaTopic         string `yaml:"kafka_topic"`
	CatalogTopic       string `yaml:"catalog_topic"`
	CatalogConsumerGrp string `yaml:"catalog_consumer_group"`

	OutboxPollInterval time.Duration `yaml:"outbox_poll_interval"`
	OutboxBatchSize    int           `yaml:"outbox_batch_size"`
	OutboxMaxAttempts  int           `yaml:"outbox_max_attempts"`
	OutboxRetryDelay   time.Duration `yaml:"outbox_retry_delay"`
	OutboxRetention    time.Duration `yaml:"outbox_retention"`
	OutboxCleanupEvery time.Duration `yaml:"outbox_cleanup_interval"`
	OutboxBacklogLimit int           `yaml:"outbox_backlog_limit"`
	OutboxBacklogAge   time.Duration `yaml:"outbox_backlog_age"`

	OrderNumberStart    int64 `yaml:"order_number_start"`
	CustomerNumberStart int64 `yaml:"customer_number_start"`

	ShippingMethods []shipping.Method `yaml:"shipping_methods"`
}

// DefaultConfig возвращает конфигурацию для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:            ":50051",
		MetricsAddr:         ":9090",
		LogLevel:            "info",
		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		ObjectsDriver:       ObjectsDriverDefault,
		KafkaTopic:          kafka.TopicCheckoutEvents,
		CatalogTopic:        kafka.TopicCatalogVariants,
		CatalogConsumerGrp:  kafka.DefaultConsumerGroup,
		OutboxPollInterval:  time.Second,
		OutboxBatchSize:     100,
		OutboxMaxAttempts:   5,
		OutboxRetryDelay:    100 * time.Millisecond,
		OutboxRetention:     24 * time.Hour,
		OutboxCleanupEvery:  10 * time.Minute,
		OutboxBacklogLimit:  1000,
		OutboxBacklogAge:    5 * time.Minute,
		OrderNumberStart:    numbering.OrderNumbers.Initial,
		CustomerNumberStart: numbering.CustomerNumbers.Initial,
		ShippingMethods:     shipping.DefaultMethods(),
	}
}

// LoadConfig собирает конфигурацию: значения по умолчанию, затем YAML-файл
// из STOREFRONT_CONFIG_FILE, затем переменные окружения.
func LoadConfig() (Config, error) {
	return loadConfig(os.Getenv)
}

func loadConfig(getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()

	if path := strings.TrimSpace(getenv("STOREFRONT_CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if _, err := shipping.NewCatalog(cfg.ShippingMethods); err != nil {
		return Config{}, fmt.Errorf("shipping_methods: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("STOREFRONT_GRPC_ADDR", &cfg.GRPCAddr)
	str("STOREFRONT_METRICS_ADDR", &cfg.MetricsAddr)
	str("STOREFRONT_LOG_LEVEL", &cfg.LogLevel)
	str("STOREFRONT_STORAGE_DRIVER", &cfg.StorageDriver)
	str("STOREFRONT_POSTGRES_DSN", &cfg.PostgresDSN)
	str("STOREFRONT_OBJECTS_DRIVER", &cfg.ObjectsDriver)
	str("STOREFRONT_REDIS_ADDR", &cfg.RedisAddr)
	str("STOREFRONT_REDIS_PASSWORD", &cfg.RedisPassword)
	str("KAFKA_BROKERS", &cfg.KafkaBrokers)
	str("STOREFRONT_KAFKA_TOPIC", &cfg.KafkaTopic)
	str("STOREFRONT_CATALOG_TOPIC", &cfg.CatalogTopic)
	str("STOREFRONT_CATALOG_CONSUMER_GROUP", &cfg.CatalogConsumerGrp)

	if v := strings.TrimSpace(getenv("STOREFRONT_POSTGRES_AUTO_MIGRATE")); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("STOREFRONT_POSTGRES_AUTO_MIGRATE: %w", err)
		}
		cfg.PostgresAutoMigrate = parsed
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"STOREFRONT_REDIS_DB", &cfg.RedisDB},
		{"STOREFRONT_OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize},
		{"STOREFRONT_OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts},
		{"STOREFRONT_OUTBOX_BACKLOG_LIMIT", &cfg.OutboxBacklogLimit},
	}
	for _, item := range ints {
		if v := strings.TrimSpace(getenv(item.key)); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", item.key, err)
			}
			*item.dst = parsed
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"STOREFRONT_OUTBOX_POLL_INTERVAL", &cfg.OutboxPollInterval},
		{"STOREFRONT_OUTBOX_RETRY_DELAY", &cfg.OutboxRetryDelay},
		{"STOREFRONT_OUTBOX_RETENTION", &cfg.OutboxRetention},
		{"STOREFRONT_OUTBOX_CLEANUP_INTERVAL", &cfg.OutboxCleanupEvery},
		{"STOREFRONT_OUTBOX_BACKLOG_AGE", &cfg.OutboxBacklogAge},
	}
	for _, item := range durations {
		if v := strings.TrimSpace(getenv(item.key)); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", item.key, err)
			}
			*item.dst = parsed
		}
	}

	counters := []struct {
		key string
		dst *int64
	}{
		{"STOREFRONT_ORDER_NUMBER_START", &cfg.OrderNumberStart},
		{"STOREFRONT_CUSTOMER_NUMBER_START", &cfg.CustomerNumberStart},
	}
	for _, item := range counters {
		if v := strings.TrimSpace(getenv(item.key)); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", item.key, err)
			}
			*item.dst = parsed
		}
	}
	return nil
}

// Brokers возвращает список Kafka brokers; пустой список выключает Kafka.
func (c Config) Brokers() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// Level разбирает уровень логирования; неизвестное значение даёт info.
func (c Config) Level() log.Level {
	level, err := log.ParseLevel(strings.TrimSpace(c.LogLevel))
	if err != nil {
		return log.InfoLevel
	}
	return level
}
