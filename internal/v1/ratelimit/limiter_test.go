package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caldera-live/caldera/backend/go/internal/v1/config"
)

func testConfig() *config.Config {
	return &config.Config{
		RateLimitRegister:   "2-M",
		RateLimitLogin:      "3-M",
		RateLimitStreamAuth: "2-M",
		RateLimitWsIP:       "3-M",
	}
}

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l, err := New(testConfig(), rc)
	require.NoError(t, err)
	return l, mr
}

func TestNew_MemoryFallback(t *testing.T) {
	l, err := New(testConfig(), nil)
	assert.NoError(t, err)
	assert.NotNil(t, l)
}

func TestNew_InvalidRate(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitLogin = "not a rate"
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestAllowRegister_Exhausts(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	assert.True(t, l.AllowRegister(ctx, "1.2.3.4"))
	assert.True(t, l.AllowRegister(ctx, "1.2.3.4"))
	assert.False(t, l.AllowRegister(ctx, "1.2.3.4"))

	// independent key is unaffected
	assert.True(t, l.AllowRegister(ctx, "5.6.7.8"))
}

func TestAllowLogin_IndependentOfRegister(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	assert.False(t, func() bool {
		for i := 0; i < 3; i++ {
			if !l.AllowRegister(ctx, "1.2.3.4") {
				return false
			}
		}
		return true
	}(), "register pool drains at 2")

	// login pool still has all 3
	for i := 0; i < 3; i++ {
		assert.True(t, l.AllowLogin(ctx, "1.2.3.4"))
	}
	assert.False(t, l.AllowLogin(ctx, "1.2.3.4"))
}

func TestAllowStreamAuth(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	assert.True(t, l.AllowStreamAuth(ctx, "encoder-1"))
	assert.True(t, l.AllowStreamAuth(ctx, "encoder-1"))
	assert.False(t, l.AllowStreamAuth(ctx, "encoder-1"))
}

func TestAllow_FailsOpenWhenStoreDown(t *testing.T) {
	l, mr := newTestLimiter(t)
	mr.Close()

	assert.True(t, l.AllowLogin(context.Background(), "1.2.3.4"))
}

func TestWebSocketMiddleware(t *testing.T) {
	l, _ := newTestLimiter(t)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(l.WebSocketMiddleware())
	r.GET("/ws", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest("GET", "/ws", nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, "3", resp.Header().Get("X-RateLimit-Limit"))
	}

	req, _ := http.NewRequest("GET", "/ws", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
}
