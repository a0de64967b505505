package api

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaopang/tavernai/internal/adaptive"
	"github.com/xiaopang/tavernai/internal/config"
	"github.com/xiaopang/tavernai/internal/core"
	"github.com/xiaopang/tavernai/internal/logger"
	"github.com/xiaopang/tavernai/internal/model"
)

// RequestIDKey gin 上下文中的请求 ID
const RequestIDKey = "request_id"

const headerRequestID = "X-Request-ID"

// abortError 以统一格式中止请求
func abortError(c *gin.Context, status int, typ, code, msg string) {
	c.AbortWithStatusJSON(status, model.ErrorResponse{
		Error: model.ErrorDetail{
			Message: msg,
			Type:    typ,
			Code:    code,
		},
	})
}

// RequestIDMiddleware 透传或生成请求 ID
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

// AuthMiddleware API Key 认证中间件
func AuthMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 如果未设置 API Key，跳过认证
		if apiKey == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			abortError(c, http.StatusUnauthorized, "authentication_error", "missing_api_key", "Missing Authorization header")
			return
		}

		// 没有 Bearer 前缀时直接当作 key
		token := strings.TrimPrefix(auth, "Bearer ")
		if token != apiKey {
			abortError(c, http.StatusUnauthorized, "authentication_error", "invalid_api_key", "Invalid API key")
			return
		}

		c.Next()
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RecoveryMiddleware 恢复中间件
func RecoveryMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error("panic recovered", "path", c.Request.URL.Path, "error", fmt.Sprint(err), "request_id", requestIDFromContext(c))
				abortError(c, http.StatusInternalServerError, "internal_error", "internal_error", "Internal server error")
			}
		}()
		c.Next()
	}
}

// LoggerMiddleware 请求日志中间件
func LoggerMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Info("http request",
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"method", c.Request.Method,
			"path", path,
			"request_id", requestIDFromContext(c))
	}
}

// RateLimitMiddleware 按客户端 IP 的滑动窗口限流
func RateLimitMiddleware(limiter *core.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil || limiter.Limit() <= 0 {
			c.Next()
			return
		}
		key := c.ClientIP()
		ok, retryAfter := limiter.Allow(key)
		c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(max(0, limiter.Remaining(key))))
		if !ok {
			secs := int(math.Ceil(retryAfter.Seconds()))
			c.Header("Retry-After", strconv.Itoa(max(1, secs)))
			abortError(c, http.StatusTooManyRequests, "rate_limit_error", "rate_limited", "Too many requests")
			return
		}
		c.Next()
	}
}

// ConcurrencyMiddleware 同时处理的请求数不超过当前 MaxConnections
func ConcurrencyMiddleware(m *adaptive.Manager) gin.HandlerFunc {
	var inFlight atomic.Int64
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		if n > int64(m.MaxConnections()) {
			abortError(c, http.StatusServiceUnavailable, "overloaded_error", "too_many_connections", "Server is busy, try again later")
			return
		}
		c.Next()
	}
}

// DeadlineMiddleware 按当前 Timeout 给请求上下文加截止时间
func DeadlineMiddleware(m *adaptive.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), m.Limits().Timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// BodyLimitMiddleware 限制请求体大小
func BodyLimitMiddleware(m *adaptive.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil || c.Request.Body == nil {
			c.Next()
			return
		}
		limit := m.Limits().BodyLimitBytes
		if c.Request.ContentLength > limit {
			abortError(c, http.StatusRequestEntityTooLarge, "invalid_request_error", "body_too_large", "Request body too large")
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// requestIDFromContext gets request id from gin context (if present).
func requestIDFromContext(c *gin.Context) string {
	if c == nil {
		return ""
	}
	if v, ok := c.Get(RequestIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// RouterOptions 路由依赖的中间件组件，均可为空
type RouterOptions struct {
	Limiter  *core.RateLimiter
	Adaptive *adaptive.Manager
	Gatherer prometheus.Gatherer
	Log      *logger.Logger
}

// SetupRouter 设置路由
func SetupRouter(cfg *config.Config, proxy *ProxyHandler, admin *AdminHandler, agents *AgentHandler, opts RouterOptions) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	log := opts.Log
	if log == nil {
		log = logger.Default()
	}

	r := gin.New()
	r.Use(RecoveryMiddleware(log))
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(log))
	r.Use(CORSMiddleware())
	if opts.Adaptive != nil && opts.Adaptive.Limits().Compression {
		// 流式接口与 /metrics 自行处理输出
		r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/v1/", "/api/ai/", "/metrics"})))
	}

	limited := []gin.HandlerFunc{
		AuthMiddleware(cfg.Server.APIKey),
		RateLimitMiddleware(opts.Limiter),
		ConcurrencyMiddleware(opts.Adaptive),
		BodyLimitMiddleware(opts.Adaptive),
		DeadlineMiddleware(opts.Adaptive),
	}

	// OpenAI 兼容接口
	v1 := r.Group("/v1", limited...)
	{
		v1.POST("/chat/completions", proxy.ChatCompletions)
	}

	// 单个提供方与健康检查
	ai := r.Group("/api/ai", limited...)
	{
		ai.GET("/health", proxy.Health)
		ai.POST("/:provider", proxy.Direct)
	}

	// 指标管理
	metrics := r.Group("/api/metrics", AuthMiddleware(cfg.Server.APIKey))
	{
		metrics.GET("/stats", admin.GetStats)
		metrics.GET("/providers", admin.GetProviderStats)
		metrics.GET("/percentiles", admin.GetPercentiles)
		metrics.GET("/error-rate", admin.GetErrorRate)
		metrics.GET("/tokens-per-second", admin.GetTokensPerSecond)
		metrics.GET("/health/:provider", admin.GetProviderHealth)
		metrics.GET("/export", admin.Export)
		metrics.POST("/import", BodyLimitMiddleware(opts.Adaptive), admin.Import)
		metrics.DELETE("", admin.Clear)
		metrics.PUT("/monitoring", admin.SetMonitoring)
		metrics.GET("/history", admin.GetHistory)
	}

	// 酒馆角色对话
	ag := r.Group("/api/agents", limited...)
	{
		ag.POST("/:id/chat", agents.Chat)
		ag.GET("/:id/memory", agents.GetMemory)
		ag.POST("/:id/notes", agents.AddNote)
		ag.DELETE("/:id/memory", agents.ClearMemory)
	}

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// 健康检查端点
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
