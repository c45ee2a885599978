package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/prohmpiriya/seat-reservation/internal/domain"
	pkgredis "github.com/prohmpiriya/seat-reservation/pkg/redis"
	"github.com/prohmpiriya/seat-reservation/pkg/telemetry"
)

//go:embed scripts/acquire_holds.lua
var acquireHoldsScript string

//go:embed scripts/release_holds.lua
var releaseHoldsScript string

// Script names for caching
const (
	scriptAcquireHolds = "acquire_holds"
	scriptReleaseHolds = "release_holds"
)

// Codes returned per key by acquire_holds.lua
const (
	holdConflict int64 = 0
	holdGranted  int64 = 1
	holdRenewed  int64 = 2
)

// HoldKey returns the Redis key of a seat hold. The event id is a hash tag
// so every hold of an event lands in the same cluster slot.
func HoldKey(eventID, seatID string) string {
	return fmt.Sprintf("hold:{%s}:%s", eventID, seatID)
}

// HoldStoreConfig bounds hold lifetimes
type HoldStoreConfig struct {
	TTL         time.Duration
	MaxLifetime time.Duration
}

func (c *HoldStoreConfig) withDefaults() HoldStoreConfig {
	out := HoldStoreConfig{TTL: domain.DefaultHoldTTL, MaxLifetime: domain.DefaultHoldMaxLifetime}
	if c == nil {
		return out
	}
	if c.TTL > 0 {
		out.TTL = c.TTL
	}
	if c.MaxLifetime > 0 {
		out.MaxLifetime = c.MaxLifetime
	}
	return out
}

// RedisHoldStore implements HoldStore with Lua scripts so each call is
// atomic across all of its seats
type RedisHoldStore struct {
	client *pkgredis.Client
	cfg    HoldStoreConfig
}

// NewRedisHoldStore creates a new RedisHoldStore
func NewRedisHoldStore(client *pkgredis.Client, cfg *HoldStoreConfig) *RedisHoldStore {
	return &RedisHoldStore{client: client, cfg: cfg.withDefaults()}
}

// LoadScripts loads all Lua scripts into Redis
func (s *RedisHoldStore) LoadScripts(ctx context.Context) error {
	scripts := map[string]string{
		scriptAcquireHolds: acquireHoldsScript,
		scriptReleaseHolds: releaseHoldsScript,
	}

	for name, script := range scripts {
		if _, err := s.client.LoadScript(ctx, name, script); err != nil {
			return fmt.Errorf("failed to load script %s: %w", name, err)
		}
	}
	return nil
}

func holdKeys(eventID string, seatIDs []string) []string {
	keys := make([]string, len(seatIDs))
	for i, id := range seatIDs {
		keys[i] = HoldKey(eventID, id)
	}
	return keys
}

// Acquire holds seats for a session in one script call
func (s *RedisHoldStore) Acquire(ctx context.Context, eventID string, seatIDs []string, sessionID string, ttl time.Duration) (*domain.AcquireResult, error) {
	result := &domain.AcquireResult{}
	if len(seatIDs) == 0 {
		return result, nil
	}

	ctx, span := telemetry.StartSpan(ctx, "repo.redis.hold.acquire")
	defer span.End()
	span.SetAttributes(
		attribute.String("event_id", eventID),
		attribute.Int("seat_count", len(seatIDs)),
	)

	if ttl <= 0 {
		ttl = s.cfg.TTL
	}

	cmd := s.client.EvalWithFallback(ctx, scriptAcquireHolds, acquireHoldsScript,
		holdKeys(eventID, seatIDs),
		sessionID,                        // ARGV[1]: session_id
		ttl.Milliseconds(),               // ARGV[2]: ttl_ms
		s.cfg.MaxLifetime.Milliseconds(), // ARGV[3]: max_lifetime_ms
	)
	codesPerSeat, err := cmd.Int64Slice()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to execute acquire_holds script: %w", err)
	}
	if len(codesPerSeat) != len(seatIDs) {
		err := fmt.Errorf("unexpected acquire_holds result length: %d", len(codesPerSeat))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	for i, code := range codesPerSeat {
		switch code {
		case holdGranted:
			result.Granted = append(result.Granted, seatIDs[i])
		case holdRenewed:
			result.Renewed = append(result.Renewed, seatIDs[i])
		default:
			result.Conflicts = append(result.Conflicts, seatIDs[i])
		}
	}

	span.SetAttributes(attribute.Int("conflicts", len(result.Conflicts)))
	span.SetStatus(codes.Ok, "")
	return result, nil
}

// Release deletes the session's holds on the given seats
func (s *RedisHoldStore) Release(ctx context.Context, eventID string, seatIDs []string, sessionID string) (int, error) {
	if len(seatIDs) == 0 {
		return 0, nil
	}

	ctx, span := telemetry.StartSpan(ctx, "repo.redis.hold.release")
	defer span.End()

	released, err := s.client.EvalWithFallback(ctx, scriptReleaseHolds, releaseHoldsScript,
		holdKeys(eventID, seatIDs), sessionID).Int64()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to execute release_holds script: %w", err)
	}
	return int(released), nil
}

// IsHeldByOther reports whether a different session holds the seat
func (s *RedisHoldStore) IsHeldByOther(ctx context.Context, eventID, seatID, sessionID string) (bool, error) {
	owner, err := s.client.Client().HGet(ctx, HoldKey(eventID, seatID), "session").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read hold: %w", err)
	}
	return owner != sessionID, nil
}

// Holders maps held seats to the session holding them
func (s *RedisHoldStore) Holders(ctx context.Context, eventID string, seatIDs []string) (map[string]string, error) {
	holders := make(map[string]string)
	if len(seatIDs) == 0 {
		return holders, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(seatIDs))
	for i, id := range seatIDs {
		cmds[i] = pipe.HGet(ctx, HoldKey(eventID, id), "session")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read holds: %w", err)
	}

	for i, cmd := range cmds {
		owner, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read hold %s: %w", seatIDs[i], err)
		}
		holders[seatIDs[i]] = owner
	}
	return holders, nil
}

// Ensure RedisHoldStore implements HoldStore
var _ HoldStore = (*RedisHoldStore)(nil)
