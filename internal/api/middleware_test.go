// internal/api/middleware_test.go
package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter()

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("client-1", 3, time.Minute), "第%d次请求应被放行", i+1)
	}
	assert.False(t, rl.Allow("client-1", 3, time.Minute), "超出配额后应被拒绝")

	// 不同访问者互不影响
	assert.True(t, rl.Allow("client-2", 3, time.Minute))
}

func TestRateLimiterWindowReset(t *testing.T) {
	rl := NewRateLimiter()

	assert.True(t, rl.Allow("client-1", 1, 10*time.Millisecond))
	assert.False(t, rl.Allow("client-1", 1, 10*time.Millisecond))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, rl.Allow("client-1", 1, 10*time.Millisecond), "窗口过期后配额应重置")
}

func TestRateLimiterHeaders(t *testing.T) {
	rl := NewRateLimiter()

	limit, remaining, _ := rl.GetRateLimitHeaders("fresh", 5, time.Minute)
	assert.Equal(t, 5, limit)
	assert.Equal(t, 5, remaining, "未访问过的客户端应有完整配额")

	rl.Allow("fresh", 5, time.Minute)
	rl.Allow("fresh", 5, time.Minute)
	_, remaining, reset := rl.GetRateLimitHeaders("fresh", 5, time.Minute)
	assert.Equal(t, 3, remaining)
	assert.Greater(t, reset, time.Now().Unix()-1)
}

func TestRateLimitMiddlewareRejects(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimitMiddleware(2, time.Minute, func(c *gin.Context) string { return "fixed-key" }))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		recorder := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		r.ServeHTTP(recorder, req)
		codes = append(codes, recorder.Code)

		assert.NotEmpty(t, recorder.Header().Get("X-RateLimit-Limit"))
		assert.NotEmpty(t, recorder.Header().Get("X-RateLimit-Remaining"))
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
