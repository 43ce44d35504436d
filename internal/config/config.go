package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the push delivery service
type Config struct {
	API        APIConfig                 `mapstructure:"api"`
	Redis      RedisConfig               `mapstructure:"redis"`
	Kafka      KafkaConfig               `mapstructure:"kafka"`
	Firebase   FirebaseConfig            `mapstructure:"firebase"`
	Delivery   DeliveryConfig            `mapstructure:"delivery"`
	RateLimits RateLimitConfig           `mapstructure:"rate_limits"`
	Metrics    MetricsConfig             `mapstructure:"metrics"`
	Categories map[string]CategoryConfig `mapstructure:"categories"`
}

// APIConfig holds HTTP API server configuration
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// RedisConfig holds Redis configuration. An empty Addr disables Redis and
// with it the cross-process per-device throttle.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig holds Kafka ingest configuration. Empty Brokers disable the
// ingest consumer.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// FirebaseConfig holds Firebase Cloud Messaging configuration
type FirebaseConfig struct {
	CredentialsPath string `mapstructure:"credentials_path"`
}

// DeliveryConfig holds tuning for the queue and sender
type DeliveryConfig struct {
	MaxRetries             int  `mapstructure:"max_retries"`
	RetryDelaySeconds      int  `mapstructure:"retry_delay_seconds"`
	BatchSize              int  `mapstructure:"batch_size"`
	DrainWorkers           int  `mapstructure:"drain_workers"`
	DrainIntervalSeconds   int  `mapstructure:"drain_interval_seconds"`
	MaxQueueAgeHours       int  `mapstructure:"max_queue_age_hours"`
	SendTimeoutSeconds     int  `mapstructure:"send_timeout_seconds"`
	DeliveryTimeoutSeconds int  `mapstructure:"delivery_timeout_seconds"`
	TrackOpens             bool `mapstructure:"track_opens"`
	TrackDelivery          bool `mapstructure:"track_delivery"`
	RetentionDays          int  `mapstructure:"retention_days"`
}

// RetryDelay returns the backoff base as a duration.
func (d DeliveryConfig) RetryDelay() time.Duration {
	return time.Duration(d.RetryDelaySeconds) * time.Second
}

// DrainInterval returns the drain loop tick as a duration.
func (d DeliveryConfig) DrainInterval() time.Duration {
	return time.Duration(d.DrainIntervalSeconds) * time.Second
}

// SendTimeout returns the per-device transport timeout as a duration.
func (d DeliveryConfig) SendTimeout() time.Duration {
	return time.Duration(d.SendTimeoutSeconds) * time.Second
}

// MaxQueueAge returns the maximum age of a queued item. Zero disables
// age-based expiry.
func (d DeliveryConfig) MaxQueueAge() time.Duration {
	return time.Duration(d.MaxQueueAgeHours) * time.Hour
}

// Retention returns how long per-notification delivery results are kept.
func (d DeliveryConfig) Retention() time.Duration {
	return time.Duration(d.RetentionDays) * 24 * time.Hour
}

// RateLimitConfig holds global send rate limits
type RateLimitConfig struct {
	MaxPerUserPerHour     int `mapstructure:"max_per_user_per_hour"`
	MaxPerUserPerDay      int `mapstructure:"max_per_user_per_day"`
	MaxPerDevicePerMinute int `mapstructure:"max_per_device_per_minute"`
}

// MetricsConfig holds monitoring configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// CategoryConfig describes per-category delivery defaults. The table is
// configuration, not behavior: deployments may replace it at startup.
type CategoryConfig struct {
	DefaultPriority string `mapstructure:"default_priority"`
	DefaultEnabled  bool   `mapstructure:"default_enabled"`
	TTLSeconds      int    `mapstructure:"ttl_seconds"`
	Sound           string `mapstructure:"sound"`
	Icon            string `mapstructure:"icon"`
}

// DefaultCategories returns the built-in category table used when the config
// file does not supply one.
func DefaultCategories() map[string]CategoryConfig {
	return map[string]CategoryConfig{
		"price_alert": {
			DefaultPriority: "high",
			DefaultEnabled:  true,
			TTLSeconds:      300,
			Sound:           "default",
			Icon:            "chart",
		},
		"order_update": {
			DefaultPriority: "urgent",
			DefaultEnabled:  true,
			TTLSeconds:      600,
			Sound:           "default",
			Icon:            "order",
		},
		"risk_alert": {
			DefaultPriority: "urgent",
			DefaultEnabled:  true,
			TTLSeconds:      300,
			Sound:           "alarm",
			Icon:            "warning",
		},
		"portfolio_summary": {
			DefaultPriority: "normal",
			DefaultEnabled:  true,
			TTLSeconds:      86400,
			Sound:           "",
			Icon:            "portfolio",
		},
		"system": {
			DefaultPriority: "low",
			DefaultEnabled:  true,
			TTLSeconds:      86400,
			Sound:           "",
			Icon:            "info",
		},
	}
}

// LoadConfig loads configuration from environment variables and config files
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set default values
	setDefaults()

	// Read from environment variables
	viper.AutomaticEnv()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		log.Println("Config file not found, using environment variables and defaults")
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if len(config.Categories) == 0 {
		config.Categories = DefaultCategories()
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// API defaults
	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("api.port", 8080)

	// Redis defaults
	viper.SetDefault("redis.addr", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Kafka defaults
	viper.SetDefault("kafka.brokers", []string{})
	viper.SetDefault("kafka.topic", "push-delivery-requests")
	viper.SetDefault("kafka.group_id", "push-delivery")

	// Delivery defaults
	viper.SetDefault("delivery.max_retries", 3)
	viper.SetDefault("delivery.retry_delay_seconds", 60)
	viper.SetDefault("delivery.batch_size", 50)
	viper.SetDefault("delivery.drain_workers", 2)
	viper.SetDefault("delivery.drain_interval_seconds", 1)
	viper.SetDefault("delivery.max_queue_age_hours", 24)
	viper.SetDefault("delivery.send_timeout_seconds", 10)
	viper.SetDefault("delivery.delivery_timeout_seconds", 30)
	viper.SetDefault("delivery.track_opens", true)
	viper.SetDefault("delivery.track_delivery", true)
	viper.SetDefault("delivery.retention_days", 7)

	// Rate limit defaults
	viper.SetDefault("rate_limits.max_per_user_per_hour", 20)
	viper.SetDefault("rate_limits.max_per_user_per_day", 100)
	viper.SetDefault("rate_limits.max_per_device_per_minute", 10)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9091)
	viper.SetDefault("metrics.path", "/metrics")

	// Map environment variables
	viper.BindEnv("api.host", "API_HOST")
	viper.BindEnv("api.port", "API_PORT")
	viper.BindEnv("redis.addr", "REDIS_ADDR")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	viper.BindEnv("kafka.topic", "KAFKA_TOPIC")
	viper.BindEnv("firebase.credentials_path", "FIREBASE_CREDENTIALS_PATH")
	viper.BindEnv("delivery.max_retries", "DELIVERY_MAX_RETRIES")
	viper.BindEnv("delivery.retry_delay_seconds", "DELIVERY_RETRY_DELAY_SECONDS")
	viper.BindEnv("delivery.batch_size", "DELIVERY_BATCH_SIZE")
	viper.BindEnv("delivery.drain_workers", "DELIVERY_DRAIN_WORKERS")
	viper.BindEnv("delivery.send_timeout_seconds", "DELIVERY_SEND_TIMEOUT_SECONDS")
}
