package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-jwt-middleware"

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeRedis is an in-process RedisClient for middleware tests
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string)}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value.(string)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func setupIdempotencyRouter(store RedisClient, status *int, calls *int) *gin.Engine {
	router := gin.New()
	router.Use(IdempotencyMiddleware(DefaultIdempotencyConfig(store)))
	router.POST("/commit", func(c *gin.Context) {
		*calls++
		c.JSON(*status, gin.H{"call": *calls})
	})
	return router
}

func doPost(router *gin.Engine, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/commit", strings.NewReader(body))
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestIdempotencyMiddleware(t *testing.T) {
	t.Run("replays completed response", func(t *testing.T) {
		status, calls := http.StatusCreated, 0
		router := setupIdempotencyRouter(newFakeRedis(), &status, &calls)

		first := doPost(router, "key-1", `{"a":1}`)
		second := doPost(router, "key-1", `{"a":1}`)

		assert.Equal(t, http.StatusCreated, first.Code)
		assert.Equal(t, http.StatusCreated, second.Code)
		assert.Equal(t, first.Body.String(), second.Body.String())
		assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
		assert.Equal(t, 1, calls)
	})

	t.Run("rejects key reuse with different body", func(t *testing.T) {
		status, calls := http.StatusCreated, 0
		router := setupIdempotencyRouter(newFakeRedis(), &status, &calls)

		doPost(router, "key-2", `{"a":1}`)
		w := doPost(router, "key-2", `{"a":2}`)

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, 1, calls)
	})

	t.Run("server errors are not stored", func(t *testing.T) {
		status, calls := http.StatusServiceUnavailable, 0
		store := newFakeRedis()
		router := setupIdempotencyRouter(store, &status, &calls)

		doPost(router, "key-3", `{}`)
		assert.Empty(t, store.data)

		status = http.StatusCreated
		w := doPost(router, "key-3", `{}`)
		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, 2, calls)
	})

	t.Run("in-flight request conflicts", func(t *testing.T) {
		status, calls := http.StatusCreated, 0
		store := newFakeRedis()
		router := setupIdempotencyRouter(store, &status, &calls)

		doPost(router, "key-4", `{}`)
		for k, v := range store.data {
			store.data[k] = strings.Replace(v, string(StatusCompleted), string(StatusProcessing), 1)
		}

		w := doPost(router, "key-4", `{}`)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("key is visible to the handler", func(t *testing.T) {
		router := gin.New()
		router.Use(IdempotencyMiddleware(DefaultIdempotencyConfig(newFakeRedis())))
		router.POST("/commit", func(c *gin.Context) {
			key, ok := GetIdempotencyKey(c)
			c.JSON(http.StatusCreated, gin.H{"key": key, "ok": ok})
		})

		w := doPost(router, "key-5", `{}`)
		assert.JSONEq(t, `{"key":"key-5","ok":true}`, w.Body.String())

		w = doPost(router, "", `{}`)
		assert.JSONEq(t, `{"key":"","ok":false}`, w.Body.String())
	})

	t.Run("missing key passes through when optional", func(t *testing.T) {
		status, calls := http.StatusCreated, 0
		router := setupIdempotencyRouter(newFakeRedis(), &status, &calls)

		doPost(router, "", `{}`)
		doPost(router, "", `{}`)
		assert.Equal(t, 2, calls)
	})
}

func generateTestToken(claims jwt.MapClaims, secret string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, _ := token.SignedString([]byte(secret))
	return tokenString
}

func setupJWTRouter() *gin.Engine {
	router := gin.New()
	ops := router.Group("/ops", JWTMiddleware(&JWTConfig{Secret: testSecret}), RequireRole(RoleAdmin, RoleOperator))
	ops.POST("/cancel", func(c *gin.Context) {
		userID, _ := GetUserID(c)
		c.JSON(http.StatusOK, gin.H{"user_id": userID})
	})
	return router
}

func TestJWTMiddleware_RequireRole(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{
			name: "operator allowed",
			header: "Bearer " + generateTestToken(jwt.MapClaims{
				"user_id": "op-1", "role": RoleOperator, "exp": time.Now().Add(time.Hour).Unix(),
			}, testSecret),
			want: http.StatusOK,
		},
		{
			name: "customer forbidden",
			header: "Bearer " + generateTestToken(jwt.MapClaims{
				"user_id": "u-1", "role": "customer", "exp": time.Now().Add(time.Hour).Unix(),
			}, testSecret),
			want: http.StatusForbidden,
		},
		{
			name: "expired token",
			header: "Bearer " + generateTestToken(jwt.MapClaims{
				"user_id": "op-1", "role": RoleAdmin, "exp": time.Now().Add(-time.Hour).Unix(),
			}, testSecret),
			want: http.StatusUnauthorized,
		},
		{
			name: "wrong secret",
			header: "Bearer " + generateTestToken(jwt.MapClaims{
				"user_id": "op-1", "role": RoleAdmin,
			}, "other-secret"),
			want: http.StatusUnauthorized,
		},
		{name: "missing header", header: "", want: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic abc", want: http.StatusUnauthorized},
	}

	router := setupJWTRouter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/ops/cancel", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			require.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}
