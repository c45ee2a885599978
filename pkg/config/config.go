package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends for reservation state
const (
	StorageBackendPostgres = "postgres"
	StorageBackendMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	App            AppConfig         `mapstructure:"app"`
	Server         ServerConfig      `mapstructure:"server"`
	Database       DatabaseConfig    `mapstructure:"database"`
	Redis          RedisConfig       `mapstructure:"redis"`
	Kafka          KafkaConfig       `mapstructure:"kafka"`
	JWT            JWTConfig         `mapstructure:"jwt"`
	OTel           OTelConfig        `mapstructure:"otel"`
	Reservation    ReservationConfig `mapstructure:"reservation"`
	Outbox         OutboxConfig      `mapstructure:"outbox"`
	MigrateOnStart bool              `mapstructure:"migrate_on_start"`
}

// AppConfig holds application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	Debug       bool   `mapstructure:"debug"`
	Version     string `mapstructure:"version"`
	LogLevel    string `mapstructure:"log_level"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolTimeout  time.Duration `mapstructure:"pool_timeout"`
}

// Addr returns the Redis address
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// KafkaConfig holds Kafka/Redpanda connection settings
type KafkaConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Brokers       []string `mapstructure:"brokers"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
	ClientID      string   `mapstructure:"client_id"`

	// EventsTopic receives every outbound reservation event
	EventsTopic              string `mapstructure:"events_topic"`
	CancellationRequestTopic string `mapstructure:"cancellation_request_topic"`
}

// JWTConfig holds JWT settings for operator endpoints
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ServiceName    string        `mapstructure:"service_name"`
	CollectorAddr  string        `mapstructure:"collector_addr"`
	SampleRatio    float64       `mapstructure:"sample_ratio"`
	MetricInterval time.Duration `mapstructure:"metric_interval"`
}

// ReservationConfig holds hold and commit settings
type ReservationConfig struct {
	HoldTTL          time.Duration `mapstructure:"hold_ttl"`
	HoldMaxLifetime  time.Duration `mapstructure:"hold_max_lifetime"`
	CommitTimeout    time.Duration `mapstructure:"commit_timeout"`
	CommitMaxRetries int           `mapstructure:"commit_max_retries"`
	StorageBackend   string        `mapstructure:"storage_backend"` // postgres, memory
}

// OutboxConfig holds outbox worker settings
type OutboxConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxRetries    int           `mapstructure:"max_retries"`
	Retention     time.Duration `mapstructure:"retention"`
	CleanupPeriod time.Duration `mapstructure:"cleanup_period"`
}

// Load loads configuration from environment variables and an optional .env file
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")

	// A missing .env is fine, environment variables still apply
	_ = v.ReadInConfig()

	return load(v)
}

// LoadWithPath loads configuration from a specific path
func LoadWithPath(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("env")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{}
	bindConfig(v, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("APP_NAME", "seat-reservation")
	v.SetDefault("APP_ENVIRONMENT", "development")
	v.SetDefault("APP_DEBUG", true)
	v.SetDefault("APP_VERSION", "1.0.0")
	v.SetDefault("APP_LOG_LEVEL", "info")

	// Server defaults
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8083)
	v.SetDefault("SERVER_READ_TIMEOUT", "15s")
	v.SetDefault("SERVER_WRITE_TIMEOUT", "15s")
	v.SetDefault("SERVER_IDLE_TIMEOUT", "60s")
	v.SetDefault("SERVER_SHUTDOWN_TIMEOUT", "30s")

	// Database defaults
	v.SetDefault("DATABASE_HOST", "localhost")
	v.SetDefault("DATABASE_PORT", 5432)
	v.SetDefault("DATABASE_USER", "postgres")
	v.SetDefault("DATABASE_PASSWORD", "postgres")
	v.SetDefault("DATABASE_DBNAME", "reservation_db")
	v.SetDefault("DATABASE_SSLMODE", "disable")
	v.SetDefault("DATABASE_MAX_OPEN_CONNS", 50)
	v.SetDefault("DATABASE_MAX_IDLE_CONNS", 10)
	v.SetDefault("DATABASE_CONN_MAX_LIFETIME", "1h")
	v.SetDefault("DATABASE_CONN_MAX_IDLE_TIME", "30m")

	// Redis defaults
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_POOL_SIZE", 100)
	v.SetDefault("REDIS_MIN_IDLE_CONNS", 10)
	v.SetDefault("REDIS_DIAL_TIMEOUT", "5s")
	v.SetDefault("REDIS_READ_TIMEOUT", "3s")
	v.SetDefault("REDIS_WRITE_TIMEOUT", "3s")
	v.SetDefault("REDIS_POOL_TIMEOUT", "4s")

	// Kafka defaults
	v.SetDefault("KAFKA_ENABLED", true)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_CONSUMER_GROUP", "seat-reservation")
	v.SetDefault("KAFKA_CLIENT_ID", "seat-reservation")
	v.SetDefault("KAFKA_EVENTS_TOPIC", "reservation-events")
	v.SetDefault("KAFKA_CANCELLATION_REQUEST_TOPIC", "booking.cancellation-requested")

	// JWT defaults
	v.SetDefault("JWT_SECRET", "your-secret-key-change-in-production")
	v.SetDefault("JWT_ISSUER", "booking-rush")

	// OTel defaults
	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_SERVICE_NAME", "seat-reservation")
	v.SetDefault("OTEL_COLLECTOR_ADDR", "localhost:4317")
	v.SetDefault("OTEL_SAMPLE_RATIO", 1.0)
	v.SetDefault("OTEL_METRIC_INTERVAL", "15s")

	// Reservation defaults
	v.SetDefault("RESERVATION_HOLD_TTL", "5m")
	v.SetDefault("RESERVATION_HOLD_MAX_LIFETIME", "15m")
	v.SetDefault("RESERVATION_COMMIT_TIMEOUT", "10s")
	v.SetDefault("RESERVATION_COMMIT_MAX_RETRIES", 2)
	v.SetDefault("RESERVATION_STORAGE_BACKEND", StorageBackendPostgres)

	// Outbox defaults
	v.SetDefault("OUTBOX_POLL_INTERVAL", "1s")
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("OUTBOX_MAX_RETRIES", 5)
	v.SetDefault("OUTBOX_RETENTION", "168h")
	v.SetDefault("OUTBOX_CLEANUP_PERIOD", "1h")

	v.SetDefault("MIGRATE_ON_START", false)
}

func bindConfig(v *viper.Viper, cfg *Config) {
	// App
	cfg.App.Name = v.GetString("APP_NAME")
	cfg.App.Environment = v.GetString("APP_ENVIRONMENT")
	cfg.App.Debug = v.GetBool("APP_DEBUG")
	cfg.App.Version = v.GetString("APP_VERSION")
	cfg.App.LogLevel = v.GetString("APP_LOG_LEVEL")

	// Server
	cfg.Server.Host = v.GetString("SERVER_HOST")
	cfg.Server.Port = v.GetInt("SERVER_PORT")
	cfg.Server.ReadTimeout = v.GetDuration("SERVER_READ_TIMEOUT")
	cfg.Server.WriteTimeout = v.GetDuration("SERVER_WRITE_TIMEOUT")
	cfg.Server.IdleTimeout = v.GetDuration("SERVER_IDLE_TIMEOUT")
	cfg.Server.ShutdownTimeout = v.GetDuration("SERVER_SHUTDOWN_TIMEOUT")

	// Database
	cfg.Database.Host = v.GetString("DATABASE_HOST")
	cfg.Database.Port = v.GetInt("DATABASE_PORT")
	cfg.Database.User = v.GetString("DATABASE_USER")
	cfg.Database.Password = v.GetString("DATABASE_PASSWORD")
	cfg.Database.DBName = v.GetString("DATABASE_DBNAME")
	cfg.Database.SSLMode = v.GetString("DATABASE_SSLMODE")
	cfg.Database.MaxOpenConns = v.GetInt("DATABASE_MAX_OPEN_CONNS")
	cfg.Database.MaxIdleConns = v.GetInt("DATABASE_MAX_IDLE_CONNS")
	cfg.Database.ConnMaxLifetime = v.GetDuration("DATABASE_CONN_MAX_LIFETIME")
	cfg.Database.ConnMaxIdleTime = v.GetDuration("DATABASE_CONN_MAX_IDLE_TIME")

	// Redis
	cfg.Redis.Host = v.GetString("REDIS_HOST")
	cfg.Redis.Port = v.GetInt("REDIS_PORT")
	cfg.Redis.Password = v.GetString("REDIS_PASSWORD")
	cfg.Redis.DB = v.GetInt("REDIS_DB")
	cfg.Redis.PoolSize = v.GetInt("REDIS_POOL_SIZE")
	cfg.Redis.MinIdleConns = v.GetInt("REDIS_MIN_IDLE_CONNS")
	cfg.Redis.DialTimeout = v.GetDuration("REDIS_DIAL_TIMEOUT")
	cfg.Redis.ReadTimeout = v.GetDuration("REDIS_READ_TIMEOUT")
	cfg.Redis.WriteTimeout = v.GetDuration("REDIS_WRITE_TIMEOUT")
	cfg.Redis.PoolTimeout = v.GetDuration("REDIS_POOL_TIMEOUT")

	// Kafka
	cfg.Kafka.Enabled = v.GetBool("KAFKA_ENABLED")
	cfg.Kafka.Brokers = splitAndTrim(v.GetString("KAFKA_BROKERS"))
	cfg.Kafka.ConsumerGroup = v.GetString("KAFKA_CONSUMER_GROUP")
	cfg.Kafka.ClientID = v.GetString("KAFKA_CLIENT_ID")
	cfg.Kafka.EventsTopic = v.GetString("KAFKA_EVENTS_TOPIC")
	cfg.Kafka.CancellationRequestTopic = v.GetString("KAFKA_CANCELLATION_REQUEST_TOPIC")

	// JWT
	cfg.JWT.Secret = v.GetString("JWT_SECRET")
	cfg.JWT.Issuer = v.GetString("JWT_ISSUER")

	// OTel
	cfg.OTel.Enabled = v.GetBool("OTEL_ENABLED")
	cfg.OTel.ServiceName = v.GetString("OTEL_SERVICE_NAME")
	cfg.OTel.CollectorAddr = v.GetString("OTEL_COLLECTOR_ADDR")
	cfg.OTel.SampleRatio = v.GetFloat64("OTEL_SAMPLE_RATIO")
	cfg.OTel.MetricInterval = v.GetDuration("OTEL_METRIC_INTERVAL")

	// Reservation
	cfg.Reservation.HoldTTL = v.GetDuration("RESERVATION_HOLD_TTL")
	cfg.Reservation.HoldMaxLifetime = v.GetDuration("RESERVATION_HOLD_MAX_LIFETIME")
	cfg.Reservation.CommitTimeout = v.GetDuration("RESERVATION_COMMIT_TIMEOUT")
	cfg.Reservation.CommitMaxRetries = v.GetInt("RESERVATION_COMMIT_MAX_RETRIES")
	cfg.Reservation.StorageBackend = strings.ToLower(v.GetString("RESERVATION_STORAGE_BACKEND"))

	// Outbox
	cfg.Outbox.PollInterval = v.GetDuration("OUTBOX_POLL_INTERVAL")
	cfg.Outbox.BatchSize = v.GetInt("OUTBOX_BATCH_SIZE")
	cfg.Outbox.MaxRetries = v.GetInt("OUTBOX_MAX_RETRIES")
	cfg.Outbox.Retention = v.GetDuration("OUTBOX_RETENTION")
	cfg.Outbox.CleanupPeriod = v.GetDuration("OUTBOX_CLEANUP_PERIOD")

	cfg.MigrateOnStart = v.GetBool("MIGRATE_ON_START")
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return errors.New("app name is required")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.JWT.Secret == "" {
		return errors.New("JWT secret is required")
	}
	if c.IsProduction() && c.JWT.Secret == "your-secret-key-change-in-production" {
		return errors.New("JWT secret must be changed in production")
	}

	switch c.Reservation.StorageBackend {
	case StorageBackendPostgres:
		if c.Database.Host == "" || c.Database.DBName == "" {
			return errors.New("DATABASE_HOST and DATABASE_DBNAME are required for the postgres backend")
		}
	case StorageBackendMemory:
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Reservation.StorageBackend)
	}

	if c.Reservation.HoldTTL <= 0 {
		return fmt.Errorf("hold TTL must be positive, got %s", c.Reservation.HoldTTL)
	}
	if c.Reservation.HoldMaxLifetime < c.Reservation.HoldTTL {
		return fmt.Errorf("hold max lifetime %s is shorter than hold TTL %s",
			c.Reservation.HoldMaxLifetime, c.Reservation.HoldTTL)
	}
	if c.Reservation.CommitMaxRetries < 0 {
		return fmt.Errorf("commit max retries must not be negative, got %d", c.Reservation.CommitMaxRetries)
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("KAFKA_BROKERS is required when kafka is enabled")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}
