package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the automation service
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	API        APIConfig        `mapstructure:"api"`
	Channels   ChannelsConfig   `mapstructure:"channels"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Automation AutomationConfig `mapstructure:"automation"`
}

// DatabaseConfig holds SQL store configuration
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	Path     string `mapstructure:"path"`
}

// DSN returns the data source name for the configured driver
func (c DatabaseConfig) DSN() string {
	if c.Driver == "sqlite3" {
		return c.Path
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Brokers      []string `mapstructure:"brokers"`
	TriggerTopic string   `mapstructure:"trigger_topic"`
	GroupID      string   `mapstructure:"group_id"`
}

// Enabled reports whether any broker is configured
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0 && c.Brokers[0] != ""
}

// APIConfig holds API server configuration
type APIConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	GRPCPort int    `mapstructure:"grpc_port"`
}

// ChannelsConfig holds third-party provider configurations
type ChannelsConfig struct {
	SendGrid SendGridConfig `mapstructure:"sendgrid"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	Twilio   TwilioConfig   `mapstructure:"twilio"`
	Firebase FirebaseConfig `mapstructure:"firebase"`
	Line     LineConfig     `mapstructure:"line"`
}

// SendGridConfig holds SendGrid email configuration
type SendGridConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	FromEmail string        `mapstructure:"from_email"`
	FromName  string        `mapstructure:"from_name"`
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// SMTPConfig holds SMTP email configuration, used when no SendGrid key is set
type SMTPConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// TwilioConfig holds Twilio SMS configuration
type TwilioConfig struct {
	AccountSID string        `mapstructure:"account_sid"`
	AuthToken  string        `mapstructure:"auth_token"`
	FromNumber string        `mapstructure:"from_number"`
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// FirebaseConfig holds Firebase push notification configuration
type FirebaseConfig struct {
	CredentialsPath string        `mapstructure:"credentials_path"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// LineConfig holds LINE Messaging API configuration for the chat channel
type LineConfig struct {
	ChannelToken string        `mapstructure:"channel_token"`
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// MetricsConfig holds monitoring configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// AutomationConfig holds rule engine settings
type AutomationConfig struct {
	Horizon             time.Duration `mapstructure:"horizon"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	PollBatchSize       int           `mapstructure:"poll_batch_size"`
	DispatchConcurrency int           `mapstructure:"dispatch_concurrency"`
	Timezone            string        `mapstructure:"timezone"`
	GuardBackend        string        `mapstructure:"guard_backend"`
	QueueBackend        string        `mapstructure:"queue_backend"`
	SeedFile            string        `mapstructure:"seed_file"`
}

// Location resolves the configured time zone
func (c AutomationConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// LoadDotEnv loads a .env file into the process environment if one exists
func LoadDotEnv(paths ...string) error {
	if err := godotenv.Load(paths...); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// LoadConfig loads configuration from environment variables and config files
func LoadConfig() (*Config, error) {
	return load(viper.New(), ".", "./config")
}

func load(v *viper.Viper, paths ...string) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		log.Println("Config file not found, using environment variables and defaults")
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if config.Database.Driver != "postgres" && config.Database.Driver != "sqlite3" && config.Database.Driver != "memory" {
		return nil, fmt.Errorf("unsupported database driver %q", config.Database.Driver)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "automation")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.path", "automation.db")

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Kafka defaults
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.trigger_topic", "automation-triggers")
	v.SetDefault("kafka.group_id", "automation-worker")

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.grpc_port", 9090)

	// Channel defaults
	v.SetDefault("channels.sendgrid.from_email", "noreply@example.com")
	v.SetDefault("channels.sendgrid.from_name", "Tutoring Center")
	v.SetDefault("channels.sendgrid.base_url", "https://api.sendgrid.com")
	v.SetDefault("channels.sendgrid.timeout", 10*time.Second)
	v.SetDefault("channels.smtp.port", 587)
	v.SetDefault("channels.smtp.timeout", 10*time.Second)
	v.SetDefault("channels.twilio.base_url", "https://api.twilio.com")
	v.SetDefault("channels.twilio.timeout", 10*time.Second)
	v.SetDefault("channels.firebase.timeout", 10*time.Second)
	v.SetDefault("channels.line.base_url", "https://api.line.me")
	v.SetDefault("channels.line.timeout", 10*time.Second)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9091)
	v.SetDefault("metrics.path", "/metrics")

	// Automation defaults
	v.SetDefault("automation.horizon", 48*time.Hour)
	v.SetDefault("automation.poll_interval", 30*time.Second)
	v.SetDefault("automation.poll_batch_size", 100)
	v.SetDefault("automation.dispatch_concurrency", 8)
	v.SetDefault("automation.timezone", "UTC")
	v.SetDefault("automation.guard_backend", "ledger")
	v.SetDefault("automation.queue_backend", "ledger")

	// Map environment variables
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.database", "DB_NAME")
	v.BindEnv("database.path", "DB_PATH")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("channels.sendgrid.api_key", "SENDGRID_API_KEY")
	v.BindEnv("channels.smtp.password", "SMTP_PASSWORD")
	v.BindEnv("channels.twilio.account_sid", "TWILIO_ACCOUNT_SID")
	v.BindEnv("channels.twilio.auth_token", "TWILIO_AUTH_TOKEN")
	v.BindEnv("channels.twilio.from_number", "TWILIO_FROM_NUMBER")
	v.BindEnv("channels.firebase.credentials_path", "FIREBASE_CREDENTIALS_PATH")
	v.BindEnv("channels.line.channel_token", "LINE_CHANNEL_TOKEN")
	v.BindEnv("automation.seed_file", "AUTOMATION_SEED_FILE")
}
