package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		App:    AppConfig{Name: "seat-reservation", Environment: "development"},
		Server: ServerConfig{Port: 8083},
		Database: DatabaseConfig{
			Host:   "localhost",
			DBName: "reservation_db",
		},
		JWT: JWTConfig{Secret: "secret"},
		Reservation: ReservationConfig{
			HoldTTL:          5 * time.Minute,
			HoldMaxLifetime:  15 * time.Minute,
			CommitMaxRetries: 2,
			StorageBackend:   StorageBackendPostgres,
		},
		Kafka: KafkaConfig{Enabled: true, Brokers: []string{"localhost:9092"}},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing app name", mutate: func(c *Config) { c.App.Name = "" }, wantErr: "app name"},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: "invalid server port"},
		{name: "missing jwt secret", mutate: func(c *Config) { c.JWT.Secret = "" }, wantErr: "JWT secret"},
		{
			name: "default secret in production",
			mutate: func(c *Config) {
				c.App.Environment = "production"
				c.JWT.Secret = "your-secret-key-change-in-production"
			},
			wantErr: "changed in production",
		},
		{name: "unknown backend", mutate: func(c *Config) { c.Reservation.StorageBackend = "sqlite" }, wantErr: "unknown storage backend"},
		{
			name: "memory backend needs no database",
			mutate: func(c *Config) {
				c.Reservation.StorageBackend = StorageBackendMemory
				c.Database = DatabaseConfig{}
			},
		},
		{name: "postgres backend needs database", mutate: func(c *Config) { c.Database.Host = "" }, wantErr: "DATABASE_HOST"},
		{name: "zero hold ttl", mutate: func(c *Config) { c.Reservation.HoldTTL = 0 }, wantErr: "hold TTL"},
		{
			name:    "max lifetime shorter than ttl",
			mutate:  func(c *Config) { c.Reservation.HoldMaxLifetime = time.Minute },
			wantErr: "max lifetime",
		},
		{name: "negative retries", mutate: func(c *Config) { c.Reservation.CommitMaxRetries = -1 }, wantErr: "retries"},
		{name: "kafka without brokers", mutate: func(c *Config) { c.Kafka.Brokers = nil }, wantErr: "KAFKA_BROKERS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "seat-reservation", cfg.App.Name)
	assert.Equal(t, 5*time.Minute, cfg.Reservation.HoldTTL)
	assert.Equal(t, 15*time.Minute, cfg.Reservation.HoldMaxLifetime)
	assert.Equal(t, 2, cfg.Reservation.CommitMaxRetries)
	assert.Equal(t, StorageBackendPostgres, cfg.Reservation.StorageBackend)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "booking.cancellation-requested", cfg.Kafka.CancellationRequestTopic)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RESERVATION_HOLD_TTL", "90s")
	t.Setenv("RESERVATION_STORAGE_BACKEND", "MEMORY")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.Reservation.HoldTTL)
	assert.Equal(t, StorageBackendMemory, cfg.Reservation.StorageBackend)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "x", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=x sslmode=disable", d.DSN())
}
