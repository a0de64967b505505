package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/xiaopang/tavernai/internal/core"
	"github.com/xiaopang/tavernai/internal/logger"
	"github.com/xiaopang/tavernai/internal/model"
	"github.com/xiaopang/tavernai/internal/provider"
)

// ProxyHandler 补全与健康检查处理器
type ProxyHandler struct {
	router *core.Router
	health *core.HealthChecker
	log    *logger.Logger
}

// NewProxyHandler 创建代理处理器
func NewProxyHandler(router *core.Router, health *core.HealthChecker, log *logger.Logger) *ProxyHandler {
	if log == nil {
		log = logger.Default()
	}
	return &ProxyHandler{router: router, health: health, log: log}
}

// completionResponse OpenAI 兼容响应，附带实际使用的提供方
type completionResponse struct {
	model.ChatCompletionResponse
	Provider       model.ProviderName `json:"provider"`
	Timestamp      time.Time          `json:"timestamp"`
	ModelUsed      string             `json:"model_used"`
	ResponseTimeMs int64              `json:"response_time_ms"`
}

func newCompletionResponse(r *model.ChatResult) *completionResponse {
	now := time.Now()
	return &completionResponse{
		ChatCompletionResponse: model.ChatCompletionResponse{
			ID:      "chatcmpl-" + uuid.NewString(),
			Object:  "chat.completion",
			Created: now.Unix(),
			Model:   r.Model,
			Choices: []model.Choice{{
				Index:        0,
				Message:      &model.Message{Role: "assistant", Content: r.Content},
				FinishReason: "stop",
			}},
			Usage: &model.Usage{TotalTokens: r.Tokens},
		},
		Provider:       r.Provider,
		Timestamp:      now.UTC(),
		ModelUsed:      r.Model,
		ResponseTimeMs: r.ResponseTimeMs,
	}
}

// bindChatRequest 解析请求体，messages 不能为空
func bindChatRequest(c *gin.Context) (*model.ChatRequest, bool) {
	var req model.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abortError(c, 413, "invalid_request_error", "body_too_large", "Request body too large")
			return nil, false
		}
		abortError(c, 400, "invalid_request_error", "invalid_json", "Invalid request: "+err.Error())
		return nil, false
	}
	if len(req.Messages) == 0 {
		abortError(c, 400, "invalid_request_error", "missing_messages", "Invalid request: messages array required")
		return nil, false
	}
	return &req, true
}

func optionsFrom(req *model.ChatRequest) core.Options {
	opts := core.Options{
		PreferredProvider: req.Provider,
		Model:             req.Model,
		Temperature:       req.Temperature,
		Stop:              req.Stop,
		Stream:            req.Stream,
	}
	if req.MaxTokens != nil {
		opts.MaxTokens = *req.MaxTokens
	}
	return opts
}

// writeCompletionError 按错误类型映射状态码
func writeCompletionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrProviderNotFound):
		abortError(c, 400, "invalid_request_error", "unknown_provider", err.Error())
	case errors.Is(err, core.ErrNoProviders):
		abortError(c, 503, "configuration_error", "no_providers", err.Error())
	case errors.Is(err, provider.ErrNotConfigured):
		abortError(c, 500, "configuration_error", "provider_not_configured", err.Error())
	default:
		abortError(c, provider.StatusCode(err), "upstream_error", "upstream_failed", err.Error())
	}
}

// ChatCompletions 带回退的聊天补全
func (h *ProxyHandler) ChatCompletions(c *gin.Context) {
	req, ok := bindChatRequest(c)
	if !ok {
		return
	}
	opts := optionsFrom(req)

	if req.Stream {
		h.stream(c, func(sse *sseWriter) (*model.ChatResult, error) {
			opts.OnDelta = sse.delta
			return h.router.Complete(c.Request.Context(), req.Messages, opts)
		})
		return
	}

	result, err := h.router.Complete(c.Request.Context(), req.Messages, opts)
	if err != nil {
		writeCompletionError(c, err)
		return
	}
	c.JSON(200, newCompletionResponse(result))
}

// Direct 只调用路径中指定的提供方，不回退
func (h *ProxyHandler) Direct(c *gin.Context) {
	name := model.ProviderName(c.Param("provider"))
	if _, err := h.router.Candidates(name); err != nil {
		abortError(c, 404, "not_found_error", "unknown_provider", err.Error())
		return
	}
	req, ok := bindChatRequest(c)
	if !ok {
		return
	}
	opts := optionsFrom(req)
	opts.PreferredProvider = name

	if req.Stream {
		h.stream(c, func(sse *sseWriter) (*model.ChatResult, error) {
			opts.OnDelta = sse.delta
			return h.router.CompleteWith(c.Request.Context(), name, req.Messages, opts)
		})
		return
	}

	result, err := h.router.CompleteWith(c.Request.Context(), name, req.Messages, opts)
	if err != nil {
		writeCompletionError(c, err)
		return
	}
	c.JSON(200, newCompletionResponse(result))
}

// Health 实时探测所有提供方
func (h *ProxyHandler) Health(c *gin.Context) {
	report := h.health.Check(c.Request.Context())
	c.JSON(report.HTTPStatus(), report)
}

// stream 以 SSE 输出补全；首个片段之前出错时仍返回 JSON 错误
func (h *ProxyHandler) stream(c *gin.Context, run func(*sseWriter) (*model.ChatResult, error)) {
	sse := &sseWriter{
		c:       c,
		id:      "chatcmpl-" + uuid.NewString(),
		created: time.Now().Unix(),
	}
	result, err := run(sse)
	if err != nil {
		if !sse.started {
			writeCompletionError(c, err)
			return
		}
		h.log.Warn("stream aborted after partial output", "error", err, "request_id", requestIDFromContext(c))
		sse.event("error", model.ErrorResponse{Error: model.ErrorDetail{
			Message: err.Error(),
			Type:    "upstream_error",
			Code:    "stream_interrupted",
		}})
		return
	}
	sse.finish(result)
}

type fallbackEvent struct {
	From model.ProviderName `json:"from"`
	To   model.ProviderName `json:"to"`
}

// sseWriter 把提供方的内容片段写成 OpenAI 流式块
type sseWriter struct {
	c       *gin.Context
	id      string
	created int64
	started bool
	last    model.ProviderName
}

func (w *sseWriter) start() {
	h := w.c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.c.Status(200)
	w.started = true
}

func (w *sseWriter) delta(p model.ProviderName, fragment string) {
	if !w.started {
		w.start()
	} else if w.last != "" && p != w.last {
		// 前一个提供方中途失败，客户端应丢弃已收到的内容
		w.event("fallback", fallbackEvent{From: w.last, To: p})
	}
	w.last = p
	w.data(model.StreamChunk{
		ID:      w.id,
		Object:  "chat.completion.chunk",
		Created: w.created,
		Choices: []model.Choice{{Index: 0, Delta: &model.Delta{Role: "assistant", Content: fragment}}},
	})
}

func (w *sseWriter) finish(r *model.ChatResult) {
	if !w.started {
		if r.Content != "" {
			w.delta(r.Provider, r.Content)
		} else {
			w.start()
		}
	} else if w.last != "" && r.Provider != w.last {
		// 回退的提供方没有输出任何片段
		w.event("fallback", fallbackEvent{From: w.last, To: r.Provider})
	}
	w.data(model.StreamChunk{
		ID:      w.id,
		Object:  "chat.completion.chunk",
		Created: w.created,
		Model:   r.Model,
		Choices: []model.Choice{{Index: 0, Delta: &model.Delta{}, FinishReason: "stop"}},
		Usage:   &model.Usage{TotalTokens: r.Tokens},
	})
	fmt.Fprint(w.c.Writer, "data: [DONE]\n\n")
	w.c.Writer.Flush()
}

func (w *sseWriter) data(v any) {
	payload, err := sonic.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w.c.Writer, "data: %s\n\n", payload)
	w.c.Writer.Flush()
}

func (w *sseWriter) event(name string, v any) {
	payload, err := sonic.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w.c.Writer, "event: %s\ndata: %s\n\n", name, payload)
	w.c.Writer.Flush()
}
