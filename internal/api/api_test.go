package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaopang/tavernai/internal/adaptive"
	"github.com/xiaopang/tavernai/internal/config"
	"github.com/xiaopang/tavernai/internal/core"
	"github.com/xiaopang/tavernai/internal/logger"
	"github.com/xiaopang/tavernai/internal/memory"
	"github.com/xiaopang/tavernai/internal/model"
	"github.com/xiaopang/tavernai/internal/monitor"
	"github.com/xiaopang/tavernai/internal/store"
	"github.com/xiaopang/tavernai/internal/telemetry"
)

// fakeUpstream answers completions with status and content. Streaming
// requests get one SSE chunk per word.
func fakeUpstream(t *testing.T, status int, content string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":{"message":"nope"}}`)
			return
		}
		var body struct {
			Stream bool `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, word := range strings.Fields(content) {
				fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", word+" ")
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		fmt.Fprintf(w, `{"model":"m","choices":[{"message":{"role":"assistant","content":%q}}],"usage":{"total_tokens":12}}`, content)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func providerCfg(name model.ProviderName, baseURL string) config.ProviderConfig {
	return config.ProviderConfig{
		Name:        name,
		BaseURL:     baseURL,
		APIKey:      "key-" + string(name),
		Model:       "model-" + string(name),
		MaxTokens:   1024,
		Temperature: 0.7,
		Probe:       config.ProbeModels,
		Timeout:     5 * time.Second,
	}
}

func testConfig(providers ...config.ProviderConfig) *config.Config {
	cfg := config.Default()
	cfg.Providers = providers
	cfg.Routing.DefaultOrder = nil
	for _, p := range providers {
		cfg.Routing.DefaultOrder = append(cfg.Routing.DefaultOrder, p.Name)
	}
	return cfg
}

type testEnv struct {
	engine   *gin.Engine
	metrics  *monitor.Store
	memories *memory.Service
}

func newTestEnv(t *testing.T, cfg *config.Config, opts RouterOptions) *testEnv {
	t.Helper()
	log := logger.NewNop()
	registry := prometheus.NewRegistry()
	metrics := monitor.New(monitor.WithLogger(log), monitor.WithObserver(telemetry.NewPrometheusMetrics(registry)))
	set := core.NewProviderSet(cfg.Providers)
	router := core.NewRouter(set, cfg.Routing.DefaultOrder, metrics, log)
	health := core.NewHealthChecker(set, cfg.HealthCheck, metrics, log)
	memories := memory.NewService(store.NewMemory(), log)
	chat := memory.NewChat(memories, router, metrics, log)

	opts.Log = log
	if opts.Gatherer == nil {
		opts.Gatherer = registry
	}
	engine := SetupRouter(cfg,
		NewProxyHandler(router, health, log),
		NewAdminHandler(metrics, nil, log),
		NewAgentHandler(chat, memories),
		opts)
	return &testEnv{engine: engine, metrics: metrics, memories: memories}
}

func (e *testEnv) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

const helloBody = `{"messages":[{"role":"user","content":"hello"}]}`

func TestPing(t *testing.T) {
	env := newTestEnv(t, testConfig(), RouterOptions{})
	w := env.do("GET", "/ping", "")
	assert.Equal(t, 200, w.Code)
	assert.NotEmpty(t, w.Header().Get(headerRequestID))
}

func TestRequestID_PassedThrough(t *testing.T) {
	env := newTestEnv(t, testConfig(), RouterOptions{})
	w := env.do("GET", "/ping", "", headerRequestID, "req-42")
	assert.Equal(t, "req-42", w.Header().Get(headerRequestID))
}

func TestChatCompletions_FallsBackAfter429(t *testing.T) {
	var groqCalls, cerebrasCalls atomic.Int32
	groq := fakeUpstream(t, http.StatusTooManyRequests, "", &groqCalls)
	cerebras := fakeUpstream(t, http.StatusOK, "Well met, traveller", &cerebrasCalls)
	env := newTestEnv(t, testConfig(
		providerCfg(model.ProviderGroq, groq.URL),
		providerCfg(model.ProviderCerebras, cerebras.URL),
	), RouterOptions{})

	w := env.do("POST", "/v1/chat/completions", helloBody)
	require.Equal(t, 200, w.Code, w.Body.String())

	var resp completionResponse
	decode(t, w, &resp)
	assert.Equal(t, model.ProviderCerebras, resp.Provider)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Well met, traveller", resp.Choices[0].Message.Content)
	assert.Equal(t, 12, resp.Usage.TotalTokens)

	assert.EqualValues(t, 1, groqCalls.Load())
	assert.EqualValues(t, 1, cerebrasCalls.Load())
	metrics := env.metrics.Metrics()
	require.Len(t, metrics, 2)
	assert.False(t, metrics[0].Success)
	assert.True(t, metrics[1].Success)
}

func TestChatCompletions_AllFailReturnsLastStatus(t *testing.T) {
	groq := fakeUpstream(t, http.StatusTooManyRequests, "", nil)
	cerebras := fakeUpstream(t, http.StatusServiceUnavailable, "", nil)
	env := newTestEnv(t, testConfig(
		providerCfg(model.ProviderGroq, groq.URL),
		providerCfg(model.ProviderCerebras, cerebras.URL),
	), RouterOptions{})

	w := env.do("POST", "/v1/chat/completions", helloBody)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp model.ErrorResponse
	decode(t, w, &resp)
	assert.Equal(t, "upstream_error", resp.Error.Type)
	assert.Contains(t, resp.Error.Message, "cerebras: HTTP 503")
}

func TestChatCompletions_BadRequests(t *testing.T) {
	env := newTestEnv(t, testConfig(providerCfg(model.ProviderGroq, "http://127.0.0.1:1")), RouterOptions{})

	tests := []struct {
		name string
		body string
		code int
	}{
		{"invalid json", `{`, 400},
		{"missing messages", `{"model":"x"}`, 400},
		{"empty messages", `{"messages":[]}`, 400},
		{"unknown provider", `{"provider":"openai","messages":[{"role":"user","content":"hi"}]}`, 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do("POST", "/v1/chat/completions", tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
	assert.Zero(t, env.metrics.Len(), "rejected requests are not recorded")
}

func TestChatCompletions_Stream(t *testing.T) {
	groq := fakeUpstream(t, http.StatusOK, "For the Empire", nil)
	env := newTestEnv(t, testConfig(providerCfg(model.ProviderGroq, groq.URL)), RouterOptions{})

	w := env.do("POST", "/v1/chat/completions", `{"stream":true,"messages":[{"role":"user","content":"hello"}]}`)
	require.Equal(t, 200, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, `"content":"For "`)
	assert.Contains(t, body, `"content":"Empire "`)
	assert.Contains(t, body, `"finish_reason":"stop"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
	assert.NotContains(t, body, "event: fallback")
}

func TestChatCompletions_StreamFallbackAfterPartialOutput(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Half \"}}]}\n\n")
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}))
	t.Cleanup(broken.Close)
	cerebras := fakeUpstream(t, http.StatusOK, "Whole answer", nil)
	env := newTestEnv(t, testConfig(
		providerCfg(model.ProviderGroq, broken.URL),
		providerCfg(model.ProviderCerebras, cerebras.URL),
	), RouterOptions{})

	w := env.do("POST", "/v1/chat/completions", `{"stream":true,"messages":[{"role":"user","content":"hello"}]}`)
	require.Equal(t, 200, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"content":"Half "`)
	assert.Contains(t, body, "event: fallback\ndata: {\"from\":\"groq\",\"to\":\"cerebras\"}\n\n")
	assert.Contains(t, body, `"content":"Whole "`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))

	metrics := env.metrics.Metrics()
	require.Len(t, metrics, 2)
	assert.False(t, metrics[0].Success)
}

func TestChatCompletions_StreamFallbackWithoutFragments(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Half \"}}]}\n\n")
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}))
	t.Cleanup(broken.Close)
	// 只返回 [DONE]
	cerebras := fakeUpstream(t, http.StatusOK, "", nil)
	env := newTestEnv(t, testConfig(
		providerCfg(model.ProviderGroq, broken.URL),
		providerCfg(model.ProviderCerebras, cerebras.URL),
	), RouterOptions{})

	w := env.do("POST", "/v1/chat/completions", `{"stream":true,"messages":[{"role":"user","content":"hello"}]}`)
	require.Equal(t, 200, w.Code)
	body := w.Body.String()

	half := strings.Index(body, `"content":"Half "`)
	marker := strings.Index(body, "event: fallback\ndata: {\"from\":\"groq\",\"to\":\"cerebras\"}\n\n")
	stop := strings.Index(body, `"finish_reason":"stop"`)
	require.True(t, half >= 0 && marker >= 0 && stop >= 0, body)
	assert.Less(t, half, marker)
	assert.Less(t, marker, stop)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))

	metrics := env.metrics.Metrics()
	require.Len(t, metrics, 2)
	assert.False(t, metrics[0].Success)
	assert.True(t, metrics[1].Success)
}

func TestChatCompletions_StreamFinalChunkHasEmptyDelta(t *testing.T) {
	groq := fakeUpstream(t, http.StatusOK, "Ale", nil)
	env := newTestEnv(t, testConfig(providerCfg(model.ProviderGroq, groq.URL)), RouterOptions{})

	w := env.do("POST", "/v1/chat/completions", `{"stream":true,"messages":[{"role":"user","content":"hello"}]}`)
	require.Equal(t, 200, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"delta":{},"finish_reason":"stop"`)
	assert.NotContains(t, body, `"role":""`)
	assert.NotContains(t, body, `"content":""`)
}

func TestChatCompletions_StreamErrorBeforeOutputIsJSON(t *testing.T) {
	groq := fakeUpstream(t, http.StatusTooManyRequests, "", nil)
	env := newTestEnv(t, testConfig(providerCfg(model.ProviderGroq, groq.URL)), RouterOptions{})

	w := env.do("POST", "/v1/chat/completions", `{"stream":true,"messages":[{"role":"user","content":"hello"}]}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	var resp model.ErrorResponse
	decode(t, w, &resp)
	assert.Equal(t, "upstream_error", resp.Error.Type)
}

func TestDirect(t *testing.T) {
	var groqCalls, cerebrasCalls atomic.Int32
	groq := fakeUpstream(t, http.StatusTooManyRequests, "", &groqCalls)
	cerebras := fakeUpstream(t, http.StatusOK, "Direct reply", &cerebrasCalls)
	unconfigured := providerCfg("mistral", "http://127.0.0.1:1")
	unconfigured.APIKey = ""
	env := newTestEnv(t, testConfig(
		providerCfg(model.ProviderGroq, groq.URL),
		providerCfg(model.ProviderCerebras, cerebras.URL),
		unconfigured,
	), RouterOptions{})

	t.Run("success with metadata", func(t *testing.T) {
		w := env.do("POST", "/api/ai/cerebras", helloBody)
		require.Equal(t, 200, w.Code, w.Body.String())
		var resp completionResponse
		decode(t, w, &resp)
		assert.Equal(t, model.ProviderCerebras, resp.Provider)
		assert.Equal(t, "m", resp.ModelUsed)
		assert.False(t, resp.Timestamp.IsZero())
	})

	t.Run("upstream status without fallback", func(t *testing.T) {
		before := cerebrasCalls.Load()
		w := env.do("POST", "/api/ai/groq", helloBody)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, before, cerebrasCalls.Load(), "direct calls never fall back")
	})

	t.Run("not configured", func(t *testing.T) {
		w := env.do("POST", "/api/ai/mistral", helloBody)
		assert.Equal(t, 500, w.Code)
		var resp model.ErrorResponse
		decode(t, w, &resp)
		assert.Equal(t, "provider_not_configured", resp.Error.Code)
	})

	t.Run("unknown provider", func(t *testing.T) {
		w := env.do("POST", "/api/ai/openai", helloBody)
		assert.Equal(t, 404, w.Code)
	})

	t.Run("missing messages", func(t *testing.T) {
		w := env.do("POST", "/api/ai/groq", `{}`)
		assert.Equal(t, 400, w.Code)
	})
}

func TestHealth_NothingConfigured(t *testing.T) {
	groq := providerCfg(model.ProviderGroq, "http://127.0.0.1:1")
	groq.APIKey = ""
	env := newTestEnv(t, testConfig(groq), RouterOptions{})

	w := env.do("GET", "/api/ai/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var report model.HealthReport
	decode(t, w, &report)
	assert.Equal(t, model.OverallUnhealthy, report.Overall)
	require.Contains(t, report.Services, model.ProviderGroq)
	assert.False(t, report.Services[model.ProviderGroq].Configured)
	assert.Nil(t, report.Services[model.ProviderGroq].Latency)
}

func TestHealth_Healthy(t *testing.T) {
	groq := fakeUpstream(t, http.StatusOK, "", nil)
	env := newTestEnv(t, testConfig(providerCfg(model.ProviderGroq, groq.URL)), RouterOptions{})

	w := env.do("GET", "/api/ai/health", "")
	assert.Equal(t, 200, w.Code)
	metrics := env.metrics.Metrics()
	require.Len(t, metrics, 1)
	assert.Equal(t, model.OperationHealthCheck, metrics[0].Operation)
}

func seed(env *testEnv) {
	for _, ms := range []int64{100, 200, 300} {
		env.metrics.Record(model.Metric{Provider: model.ProviderGroq, Operation: model.OperationChatCompletion, ResponseTimeMs: ms, Success: true, TokenCount: 10})
	}
	env.metrics.Record(model.Metric{Provider: model.ProviderCerebras, Operation: model.OperationChatCompletion, ResponseTimeMs: 50, Error: "cerebras: HTTP 500: Internal Server Error"})
}

func TestMetricsEndpoints(t *testing.T) {
	env := newTestEnv(t, testConfig(), RouterOptions{})
	seed(env)

	t.Run("stats for one provider", func(t *testing.T) {
		w := env.do("GET", "/api/metrics/stats?provider=groq", "")
		require.Equal(t, 200, w.Code)
		var resp struct {
			Data model.ProviderStats `json:"data"`
		}
		decode(t, w, &resp)
		assert.Equal(t, 3, resp.Data.TotalRequests)
		assert.Equal(t, 200.0, resp.Data.AverageResponseTimeMs)
		assert.EqualValues(t, 30, resp.Data.TotalTokens)
	})

	t.Run("overall stats", func(t *testing.T) {
		w := env.do("GET", "/api/metrics/stats", "")
		require.Equal(t, 200, w.Code)
		var resp struct {
			Overall   model.OverallStats    `json:"overall"`
			Providers []model.ProviderStats `json:"providers"`
		}
		decode(t, w, &resp)
		assert.Equal(t, 4, resp.Overall.TotalRequests)
		assert.Equal(t, 1, resp.Overall.FailedRequests)
		require.Len(t, resp.Providers, 2)
		assert.Equal(t, model.ProviderGroq, resp.Providers[0].Provider)
	})

	t.Run("providers", func(t *testing.T) {
		w := env.do("GET", "/api/metrics/providers", "")
		assert.Equal(t, 200, w.Code)
	})

	t.Run("percentiles", func(t *testing.T) {
		w := env.do("GET", "/api/metrics/percentiles?provider=groq", "")
		require.Equal(t, 200, w.Code)
		var resp struct {
			Data model.Percentiles `json:"data"`
		}
		decode(t, w, &resp)
		assert.EqualValues(t, 200, resp.Data.P50)
		assert.EqualValues(t, 300, resp.Data.P99)
	})

	t.Run("error rate", func(t *testing.T) {
		w := env.do("GET", "/api/metrics/error-rate?window_ms=60000", "")
		require.Equal(t, 200, w.Code)
		var resp struct {
			ErrorRate float64 `json:"error_rate"`
			WindowMs  int64   `json:"window_ms"`
		}
		decode(t, w, &resp)
		assert.Equal(t, 25.0, resp.ErrorRate)
		assert.EqualValues(t, 60000, resp.WindowMs)

		assert.Equal(t, 400, env.do("GET", "/api/metrics/error-rate?window_ms=-5", "").Code)
		assert.Equal(t, 400, env.do("GET", "/api/metrics/error-rate?window_ms=abc", "").Code)
	})

	t.Run("tokens per second", func(t *testing.T) {
		w := env.do("GET", "/api/metrics/tokens-per-second?provider=groq", "")
		require.Equal(t, 200, w.Code)
		var resp struct {
			TokensPerSecond float64 `json:"tokens_per_second"`
		}
		decode(t, w, &resp)
		assert.Equal(t, 50.0, resp.TokensPerSecond)
	})

	t.Run("provider health", func(t *testing.T) {
		w := env.do("GET", "/api/metrics/health/groq", "")
		require.Equal(t, 200, w.Code)
		var resp struct {
			Health model.HealthLabel `json:"health"`
		}
		decode(t, w, &resp)
		assert.Equal(t, model.HealthHealthy, resp.Health)

		w = env.do("GET", "/api/metrics/health/cerebras", "")
		decode(t, w, &resp)
		assert.Equal(t, model.HealthUnhealthy, resp.Health)
	})

	t.Run("history without archive", func(t *testing.T) {
		w := env.do("GET", "/api/metrics/history?days=3", "")
		assert.Equal(t, http.StatusNotImplemented, w.Code)
	})
}

func TestMetricsExportClearImport(t *testing.T) {
	env := newTestEnv(t, testConfig(), RouterOptions{})
	seed(env)

	w := env.do("GET", "/api/metrics/export", "")
	require.Equal(t, 200, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	exported := w.Body.String()

	w = env.do("DELETE", "/api/metrics", "")
	require.Equal(t, 200, w.Code)
	assert.Zero(t, env.metrics.Len())

	w = env.do("POST", "/api/metrics/import", exported)
	require.Equal(t, 200, w.Code, w.Body.String())
	var resp struct {
		Imported int `json:"imported"`
		Total    int `json:"total"`
	}
	decode(t, w, &resp)
	assert.Equal(t, 4, resp.Imported)
	assert.Equal(t, 4, resp.Total)

	for _, body := range []string{`{`, `{"metrics":null}`, `{"metrics":[{"provider":"groq"}]}`} {
		w = env.do("POST", "/api/metrics/import", body)
		assert.Equal(t, 400, w.Code, body)
	}
	assert.Equal(t, 4, env.metrics.Len(), "failed imports change nothing")
}

func TestMonitoringToggle(t *testing.T) {
	groq := fakeUpstream(t, http.StatusOK, "ok", nil)
	env := newTestEnv(t, testConfig(providerCfg(model.ProviderGroq, groq.URL)), RouterOptions{})

	assert.Equal(t, 400, env.do("PUT", "/api/metrics/monitoring", `{}`).Code)

	w := env.do("PUT", "/api/metrics/monitoring", `{"enabled":false}`)
	require.Equal(t, 200, w.Code)
	require.Equal(t, 200, env.do("POST", "/v1/chat/completions", helloBody).Code)
	assert.Zero(t, env.metrics.Len())

	env.do("PUT", "/api/metrics/monitoring", `{"enabled":true}`)
	env.do("POST", "/v1/chat/completions", helloBody)
	assert.Equal(t, 1, env.metrics.Len())
}

func TestAgents(t *testing.T) {
	groq := fakeUpstream(t, http.StatusOK, "Huzzah, a fine battle", nil)
	env := newTestEnv(t, testConfig(providerCfg(model.ProviderGroq, groq.URL)), RouterOptions{})

	w := env.do("POST", "/api/agents/marcus/chat", `{"player_id":"p1","message":"Tell me of the great battle"}`)
	require.Equal(t, 200, w.Code, w.Body.String())
	var chat struct {
		Data memory.ChatReply `json:"data"`
	}
	decode(t, w, &chat)
	assert.Equal(t, "Huzzah, a fine battle", chat.Data.Content)
	assert.Equal(t, model.ProviderGroq, chat.Data.Provider)
	assert.False(t, chat.Data.Fallback)

	w = env.do("POST", "/api/agents/marcus/notes", `{"player_id":"p1","note":"Veteran of Middenheim"}`)
	require.Equal(t, 200, w.Code)

	w = env.do("GET", "/api/agents/marcus/memory?player_id=p1", "")
	require.Equal(t, 200, w.Code)
	var mem struct {
		Data            memory.AgentMemory `json:"data"`
		PreferredTopics []string           `json:"preferred_topics"`
	}
	decode(t, w, &mem)
	require.Len(t, mem.Data.Interactions, 1)
	assert.Equal(t, 5, mem.Data.RelationshipScore)
	assert.Equal(t, []string{"Veteran of Middenheim"}, mem.Data.PersonalityNotes)
	assert.Equal(t, []string{"combat"}, mem.PreferredTopics)

	w = env.do("DELETE", "/api/agents/marcus/memory?player_id=p1", "")
	require.Equal(t, 200, w.Code)
	assert.Empty(t, env.memories.Memory("marcus", "p1").Interactions)
}

func TestAgents_Errors(t *testing.T) {
	groq := fakeUpstream(t, http.StatusInternalServerError, "", nil)
	env := newTestEnv(t, testConfig(providerCfg(model.ProviderGroq, groq.URL)), RouterOptions{})

	assert.Equal(t, 404, env.do("POST", "/api/agents/nobody/chat", `{"message":"hi"}`).Code)
	assert.Equal(t, 404, env.do("GET", "/api/agents/nobody/memory", "").Code)
	assert.Equal(t, 400, env.do("POST", "/api/agents/marcus/chat", `{}`).Code)
	assert.Equal(t, 400, env.do("POST", "/api/agents/marcus/chat", `{"message":"hi","provider":"openai"}`).Code)

	// every provider down: the agent answers in character
	w := env.do("POST", "/api/agents/grimjaw/chat", `{"message":"hi"}`)
	require.Equal(t, 200, w.Code)
	var chat struct {
		Data memory.ChatReply `json:"data"`
	}
	decode(t, w, &chat)
	assert.True(t, chat.Data.Fallback)
	assert.Equal(t, model.ProviderFallback, chat.Data.Provider)
}

func TestAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Server.APIKey = "secret"
	env := newTestEnv(t, cfg, RouterOptions{})

	assert.Equal(t, 401, env.do("GET", "/api/metrics/stats", "").Code)
	assert.Equal(t, 401, env.do("GET", "/api/metrics/stats", "", "Authorization", "Bearer wrong").Code)
	assert.Equal(t, 200, env.do("GET", "/api/metrics/stats", "", "Authorization", "Bearer secret").Code)
	assert.Equal(t, 200, env.do("GET", "/api/metrics/stats", "", "Authorization", "secret").Code)
	assert.Equal(t, 200, env.do("GET", "/ping", "").Code, "ping is public")
}

func TestRateLimit(t *testing.T) {
	limiter := core.NewRateLimiter(2, time.Minute)
	t.Cleanup(limiter.Stop)
	env := newTestEnv(t, testConfig(), RouterOptions{Limiter: limiter})

	for i := 0; i < 2; i++ {
		w := env.do("GET", "/api/agents/marcus/memory", "")
		require.Equal(t, 200, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}
	w := env.do("GET", "/api/agents/marcus/memory", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retry, 1)
	assert.LessOrEqual(t, retry, 60)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
}

func TestBodyLimit(t *testing.T) {
	m := adaptive.NewManager(config.EnvTest, config.AdaptiveConfig{}, logger.NewNop())
	env := newTestEnv(t, testConfig(providerCfg(model.ProviderGroq, "http://127.0.0.1:1")), RouterOptions{Adaptive: m})

	big := `{"messages":[{"role":"user","content":"` + strings.Repeat("a", 2<<20) + `"}]}`
	w := env.do("POST", "/v1/chat/completions", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestCompression(t *testing.T) {
	m := adaptive.NewManager(config.EnvDevelopment, config.AdaptiveConfig{}, logger.NewNop())
	env := newTestEnv(t, testConfig(), RouterOptions{Adaptive: m})

	w := env.do("GET", "/api/metrics/stats", "", "Accept-Encoding", "gzip")
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
}

func TestConcurrencyMiddleware(t *testing.T) {
	m := adaptive.NewManager(config.EnvTest, config.AdaptiveConfig{}, logger.NewNop())
	limit := m.MaxConnections()

	release := make(chan struct{})
	var entered, done sync.WaitGroup
	entered.Add(limit)
	r := gin.New()
	r.Use(ConcurrencyMiddleware(m))
	r.GET("/slow", func(c *gin.Context) {
		entered.Done()
		<-release
		c.Status(200)
	})

	for i := 0; i < limit; i++ {
		done.Add(1)
		go func() {
			defer done.Done()
			r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/slow", nil))
		}()
	}
	entered.Wait()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/slow", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	close(release)
	done.Wait()
}

func TestPrometheusEndpoint(t *testing.T) {
	groq := fakeUpstream(t, http.StatusOK, "ok", nil)
	env := newTestEnv(t, testConfig(providerCfg(model.ProviderGroq, groq.URL)), RouterOptions{})
	require.Equal(t, 200, env.do("POST", "/v1/chat/completions", helloBody).Code)

	w := env.do("GET", "/metrics", "")
	require.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), `tavernai_provider_calls_total{operation="chat_completion",provider="groq",status="success"} 1`)
	assert.Contains(t, w.Body.String(), `tavernai_provider_tokens_total{provider="groq"} 12`)
}
