package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete configuration for the support core service
type Config struct {
	Environment   string              `mapstructure:"environment"`
	Debug         bool                `mapstructure:"debug"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Risk          RiskConfig          `mapstructure:"risk"`
	Keywords      KeywordsConfig      `mapstructure:"keywords"`
	Matching      MatchingConfig      `mapstructure:"matching"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
}

// ServerConfig contains server configuration
type ServerConfig struct {
	HTTPPort int `mapstructure:"http_port"`
}

// DatabaseConfig contains database configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig contains Redis configuration for the realtime bridge
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// KafkaConfig contains Kafka configuration
type KafkaConfig struct {
	Brokers []string     `mapstructure:"brokers"`
	Topics  TopicsConfig `mapstructure:"topics"`
}

// TopicsConfig contains Kafka topic configuration
type TopicsConfig struct {
	SessionEvents string `mapstructure:"session_events"`
	QueueEvents   string `mapstructure:"queue_events"`
	AlertEvents   string `mapstructure:"alert_events"`
}

// RiskConfig contains risk analysis configuration
type RiskConfig struct {
	ClassifierURL       string        `mapstructure:"classifier_url"`
	ClassifierAPIKey    string        `mapstructure:"classifier_api_key"`
	ClassifierTimeout   time.Duration `mapstructure:"classifier_timeout"`
	ClassifierRatePerS  int           `mapstructure:"classifier_rate_per_s"`
	LengthThreshold     int           `mapstructure:"length_threshold"`
	EscalationThreshold float64       `mapstructure:"escalation_threshold"`
}

// KeywordsConfig contains keyword registry configuration
type KeywordsConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// MatchingConfig contains matching engine configuration
type MatchingConfig struct {
	CandidateLimit int `mapstructure:"candidate_limit"`
	DrainBatchSize int `mapstructure:"drain_batch_size"`
}

// NotificationsConfig contains notification configuration
type NotificationsConfig struct {
	Email EmailConfig `mapstructure:"email"`
	SMS   SMSConfig   `mapstructure:"sms"`
}

// EmailConfig contains email notification configuration
type EmailConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	SendGridAPIKey  string `mapstructure:"sendgrid_api_key"`
	FromAddress     string `mapstructure:"from_address"`
	FromName        string `mapstructure:"from_name"`
	RateLimitPerMin int    `mapstructure:"rate_limit_per_min"`
}

// SMSConfig contains SMS notification configuration
type SMSConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	TwilioSID       string `mapstructure:"twilio_sid"`
	TwilioToken     string `mapstructure:"twilio_token"`
	FromNumber      string `mapstructure:"from_number"`
	RateLimitPerMin int    `mapstructure:"rate_limit_per_min"`
}

// SchedulerConfig contains scheduler configuration
type SchedulerConfig struct {
	Enabled               bool          `mapstructure:"enabled"`
	QueueSweepInterval    time.Duration `mapstructure:"queue_sweep_interval"`
	KeywordReloadInterval time.Duration `mapstructure:"keyword_reload_interval"`
	AlertReminderInterval time.Duration `mapstructure:"alert_reminder_interval"`
	AlertReminderAge      time.Duration `mapstructure:"alert_reminder_age"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/support-core")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SUPPORT_CORE")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("debug", false)

	viper.SetDefault("server.http_port", 8086)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "havenlink_support")
	viper.SetDefault("database.username", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.migrations_path", "file://migrations")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.channel", "support-core.realtime")

	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.topics.session_events", "support-session-events")
	viper.SetDefault("kafka.topics.queue_events", "support-queue-events")
	viper.SetDefault("kafka.topics.alert_events", "support-alert-events")

	viper.SetDefault("risk.classifier_url", "http://localhost:9200/v1/score")
	viper.SetDefault("risk.classifier_timeout", "5s")
	viper.SetDefault("risk.classifier_rate_per_s", 20)
	viper.SetDefault("risk.length_threshold", 100)
	viper.SetDefault("risk.escalation_threshold", 80)

	viper.SetDefault("keywords.cache_ttl", "1m")

	viper.SetDefault("matching.candidate_limit", 5)
	viper.SetDefault("matching.drain_batch_size", 50)

	viper.SetDefault("notifications.email.enabled", false)
	viper.SetDefault("notifications.email.from_address", "alerts@havenlink.org")
	viper.SetDefault("notifications.email.from_name", "HavenLink Safeguarding")
	viper.SetDefault("notifications.email.rate_limit_per_min", 60)

	viper.SetDefault("notifications.sms.enabled", false)
	viper.SetDefault("notifications.sms.rate_limit_per_min", 10)

	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.queue_sweep_interval", "30s")
	viper.SetDefault("scheduler.keyword_reload_interval", "5m")
	viper.SetDefault("scheduler.alert_reminder_interval", "10m")
	viper.SetDefault("scheduler.alert_reminder_age", "15m")
}
