package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/seat-reservation/pkg/response"
	"github.com/redis/go-redis/v9"
)

const (
	// IdempotencyKeyHeader is the header name for idempotency key
	IdempotencyKeyHeader = "X-Idempotency-Key"
	// ContextKeyIdempotencyKey is the context key for idempotency key
	ContextKeyIdempotencyKey = "idempotency_key"
	// DefaultIdempotencyTTL is how long a completed response is replayed
	DefaultIdempotencyTTL = 24 * time.Hour
	// DefaultProcessingTTL bounds how long an in-flight marker blocks retries
	DefaultProcessingTTL = 60 * time.Second
	// IdempotencyKeyPrefix is the Redis key prefix for idempotency records
	IdempotencyKeyPrefix = "idempotency:"
)

// IdempotencyStatus represents the status of an idempotency record
type IdempotencyStatus string

const (
	StatusProcessing IdempotencyStatus = "processing"
	StatusCompleted  IdempotencyStatus = "completed"
)

// IdempotencyRecord stores the state of an idempotent request
type IdempotencyRecord struct {
	Key          string            `json:"key"`
	Status       IdempotencyStatus `json:"status"`
	RequestHash  string            `json:"request_hash"`
	ResponseCode int               `json:"response_code"`
	ResponseBody string            `json:"response_body"`
	CreatedAt    time.Time         `json:"created_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// RedisClient is the subset of go-redis used for idempotency records
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// IdempotencyConfig holds configuration for idempotency middleware
type IdempotencyConfig struct {
	Redis RedisClient
	// TTL for completed records
	TTL time.Duration
	// TTL for processing records
	ProcessingTTL time.Duration
	// Required rejects requests without a key when true, otherwise they pass through
	Required bool
}

// DefaultIdempotencyConfig returns default configuration
func DefaultIdempotencyConfig(redis RedisClient) *IdempotencyConfig {
	return &IdempotencyConfig{
		Redis:         redis,
		TTL:           DefaultIdempotencyTTL,
		ProcessingTTL: DefaultProcessingTTL,
	}
}

// IdempotencyMiddleware replays the stored response for a repeated
// X-Idempotency-Key with the same method, path and body. Server errors are
// not stored, so a client can retry after a 5xx with the same key.
func IdempotencyMiddleware(config *IdempotencyConfig) gin.HandlerFunc {
	if config.TTL == 0 {
		config.TTL = DefaultIdempotencyTTL
	}
	if config.ProcessingTTL == 0 {
		config.ProcessingTTL = DefaultProcessingTTL
	}

	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader(IdempotencyKeyHeader)
		if idempotencyKey == "" {
			if config.Required {
				c.AbortWithStatusJSON(http.StatusBadRequest, response.Error("MISSING_IDEMPOTENCY_KEY", "X-Idempotency-Key header is required"))
				return
			}
			c.Next()
			return
		}

		c.Set(ContextKeyIdempotencyKey, idempotencyKey)

		var bodyBytes []byte
		if c.Request.Body != nil {
			bodyBytes, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
		}

		requestHash := generateRequestHash(c, bodyBytes)
		redisKey := IdempotencyKeyPrefix + idempotencyKey
		ctx := c.Request.Context()

		existing, err := getIdempotencyRecord(ctx, config.Redis, redisKey)
		if err != nil && !errors.Is(err, redis.Nil) {
			// Redis unavailable: fail open
			c.Next()
			return
		}
		if existing != nil {
			replayOrReject(c, existing, requestHash)
			return
		}

		record := &IdempotencyRecord{
			Key:         idempotencyKey,
			Status:      StatusProcessing,
			RequestHash: requestHash,
			CreatedAt:   time.Now(),
		}

		if !trySetIdempotencyRecord(ctx, config.Redis, redisKey, record, config.ProcessingTTL) {
			// Lost the race to a concurrent request with the same key
			if existing, _ = getIdempotencyRecord(ctx, config.Redis, redisKey); existing != nil {
				replayOrReject(c, existing, requestHash)
				return
			}
		}

		rw := &idempotencyResponseWriter{
			ResponseWriter: c.Writer,
			body:           bytes.NewBuffer(nil),
			status:         http.StatusOK,
		}
		c.Writer = rw

		c.Next()

		// Detach from the request so a client disconnect does not leave the marker behind
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()

		if rw.status >= http.StatusInternalServerError {
			_ = config.Redis.Del(saveCtx, redisKey).Err()
			return
		}

		now := time.Now()
		record.Status = StatusCompleted
		record.ResponseCode = rw.status
		record.ResponseBody = rw.body.String()
		record.CompletedAt = &now

		_ = saveIdempotencyRecord(saveCtx, config.Redis, redisKey, record, config.TTL)
	}
}

func replayOrReject(c *gin.Context, existing *IdempotencyRecord, requestHash string) {
	if existing.RequestHash != requestHash {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity,
			response.Error(response.ErrCodeIdempotencyReuse, "Idempotency key already used with different request"))
		return
	}
	if existing.Status == StatusProcessing {
		c.AbortWithStatusJSON(http.StatusConflict,
			response.Error(response.ErrCodeInProgress, "A request with this idempotency key is already being processed"))
		return
	}

	c.Header("Idempotent-Replayed", "true")
	c.Data(existing.ResponseCode, "application/json", []byte(existing.ResponseBody))
	c.Abort()
}

// GetIdempotencyKey extracts idempotency key from gin context
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	key, exists := c.Get(ContextKeyIdempotencyKey)
	if !exists {
		return "", false
	}
	k, ok := key.(string)
	return k, ok
}

// idempotencyResponseWriter captures response for caching
type idempotencyResponseWriter struct {
	gin.ResponseWriter
	body   *bytes.Buffer
	status int
}

func (w *idempotencyResponseWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *idempotencyResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func generateRequestHash(c *gin.Context, body []byte) string {
	h := sha256.New()
	h.Write([]byte(c.Request.Method))
	h.Write([]byte(c.Request.URL.Path))
	if userID, ok := GetUserID(c); ok {
		h.Write([]byte(userID))
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func getIdempotencyRecord(ctx context.Context, redis RedisClient, key string) (*IdempotencyRecord, error) {
	result, err := redis.Get(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	var record IdempotencyRecord
	if err := json.Unmarshal([]byte(result), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func trySetIdempotencyRecord(ctx context.Context, redis RedisClient, key string, record *IdempotencyRecord, ttl time.Duration) bool {
	data, err := json.Marshal(record)
	if err != nil {
		return false
	}

	ok, err := redis.SetNX(ctx, key, string(data), ttl).Result()
	return err == nil && ok
}

func saveIdempotencyRecord(ctx context.Context, redis RedisClient, key string, record *IdempotencyRecord, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return redis.Set(ctx, key, string(data), ttl).Err()
}
