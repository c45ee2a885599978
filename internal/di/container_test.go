package di

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prohmpiriya/seat-reservation/pkg/config"
	"github.com/prohmpiriya/seat-reservation/pkg/kafka"
)

func testConfig(backend string) *config.Config {
	return &config.Config{
		App:   config.AppConfig{Name: "seat-reservation"},
		Kafka: config.KafkaConfig{EventsTopic: "reservation-events"},
		Reservation: config.ReservationConfig{
			HoldTTL:          5 * time.Minute,
			HoldMaxLifetime:  15 * time.Minute,
			CommitTimeout:    time.Second,
			CommitMaxRetries: 1,
			StorageBackend:   backend,
		},
		Outbox: config.OutboxConfig{PollInterval: time.Second, BatchSize: 10, MaxRetries: 5},
	}
}

func TestNewContainer_MemoryBackend(t *testing.T) {
	c, err := NewContainer(context.Background(), &ContainerConfig{Config: testConfig(config.StorageBackendMemory)})
	require.NoError(t, err)

	assert.NotNil(t, c.Stores)
	assert.NotNil(t, c.Holds)
	assert.NotNil(t, c.Validator)
	assert.NotNil(t, c.Committer)
	assert.NotNil(t, c.ReservationHandler)
	assert.NotNil(t, c.AdminHandler)
	assert.Nil(t, c.OutboxWorker)
	assert.Nil(t, c.CancellationConsumer)

	require.NoError(t, c.StartWorkers(context.Background()))
	c.StopWorkers()
}

func TestNewContainer_WithPublisherBuildsOutboxWorker(t *testing.T) {
	c, err := NewContainer(context.Background(), &ContainerConfig{
		Config:    testConfig(config.StorageBackendMemory),
		Publisher: kafka.NoOpProducer{},
	})
	require.NoError(t, err)

	assert.NotNil(t, c.OutboxWorker)
	assert.Nil(t, c.CancellationConsumer)

	require.NoError(t, c.StartWorkers(context.Background()))
	c.StopWorkers()
}

func TestNewContainer_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  *ContainerConfig
	}{
		{name: "nil config", cfg: nil},
		{name: "postgres without connections", cfg: &ContainerConfig{Config: testConfig(config.StorageBackendPostgres)}},
		{name: "unknown backend", cfg: &ContainerConfig{Config: testConfig("cassandra")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewContainer(context.Background(), tt.cfg)
			assert.Error(t, err)
		})
	}
}
