// Package provider talks to OpenAI-compatible chat completion endpoints.
package provider

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/xiaopang/tavernai/internal/config"
	"github.com/xiaopang/tavernai/internal/model"
)

// UserAgent is sent with every upstream request.
const UserAgent = "tavernai/1.0"

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4096

// Request is one completion call. Zero values fall back to the provider
// defaults.
type Request struct {
	Messages    []model.Message
	Model       string
	MaxTokens   int
	Temperature *float64
	Stop        []string
	Stream      bool
	// OnDelta receives content fragments as they arrive when streaming.
	OnDelta func(fragment string)
}

// Response is the decoded result of a completion.
type Response struct {
	Content string
	Model   string
	Tokens  int
	// Raw is the upstream body for non-streaming calls.
	Raw *model.ChatCompletionResponse
}

// Client is bound to a single provider.
type Client struct {
	cfg    config.ProviderConfig
	client *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport, used by tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// New creates a client for cfg.
func New(cfg config.ProviderConfig, opts ...Option) *Client {
	c := &Client{
		cfg: cfg,
		// 流式响应可能很长，超时由 context 控制
		client: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider name.
func (c *Client) Name() model.ProviderName { return c.cfg.Name }

// Configured reports whether an API key is set.
func (c *Client) Configured() bool { return c.cfg.Configured() }

// Config returns the provider configuration.
func (c *Client) Config() config.ProviderConfig { return c.cfg }

// DefaultModel returns the model used when a request names none.
func (c *Client) DefaultModel() string { return c.cfg.Model }

func (c *Client) buildBody(req *Request) *model.ChatCompletionRequest {
	body := &model.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: c.cfg.Temperature,
		Stream:      req.Stream,
		Stop:        req.Stop,
	}
	if body.Model == "" {
		body.Model = c.cfg.Model
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = c.cfg.MaxTokens
	}
	if req.Temperature != nil {
		body.Temperature = *req.Temperature
	}
	if len(body.Stop) == 0 {
		body.Stop = nil
	}
	return body
}

// Complete sends a chat completion. The configured timeout bounds the call on
// top of any deadline ctx already carries.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("%s: %w", c.cfg.Name, ErrNotConfigured)
	}
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	body := c.buildBody(&req)
	payload, err := sonic.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/chat/completions", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if req.Stream {
		return c.readStream(resp.Body, body.Model, req.OnDelta)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", c.cfg.Name, err)
	}
	var chatResp model.ChatCompletionResponse
	if err := sonic.Unmarshal(data, &chatResp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", c.cfg.Name, err)
	}

	out := &Response{Model: chatResp.Model, Raw: &chatResp}
	if out.Model == "" {
		out.Model = body.Model
	}
	if len(chatResp.Choices) > 0 && chatResp.Choices[0].Message != nil {
		out.Content = chatResp.Choices[0].Message.Content
	}
	if chatResp.Usage != nil {
		out.Tokens = chatResp.Usage.TotalTokens
	}
	return out, nil
}

// readStream concatenates delta content until data: [DONE] or EOF.
func (c *Client) readStream(r io.Reader, modelName string, onDelta func(string)) (*Response, error) {
	out := &Response{Model: modelName}
	var content strings.Builder
	reader := bufio.NewReader(r)

	for {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, &StreamError{Provider: c.cfg.Name, Partial: content.String(), Err: err}
		}

		data, ok := sseData(line)
		if ok {
			if data == "[DONE]" {
				break
			}
			var chunk model.StreamChunk
			if sonic.Unmarshal([]byte(data), &chunk) == nil {
				if chunk.Model != "" {
					out.Model = chunk.Model
				}
				if len(chunk.Choices) > 0 && chunk.Choices[0].Delta != nil {
					if frag := chunk.Choices[0].Delta.Content; frag != "" {
						content.WriteString(frag)
						if onDelta != nil {
							onDelta(frag)
						}
					}
				}
				if u := chunk.ChunkUsage(); u != nil {
					out.Tokens = u.TotalTokens
				}
			}
		}

		if errors.Is(err, io.EOF) {
			break
		}
	}

	out.Content = content.String()
	return out, nil
}

// sseData extracts the payload of a "data:" line.
func sseData(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
}

// ListModels returns the model ids served by the provider.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("%s: %w", c.cfg.Name, ErrNotConfigured)
	}
	resp, err := c.do(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if err := sonic.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%s: decode model list: %w", c.cfg.Name, err)
	}
	ids := make([]string, 0, len(result.Data))
	for _, m := range result.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// Probe checks reachability with the configured probe mode and returns the
// observed latency.
func (c *Client) Probe(ctx context.Context) (time.Duration, error) {
	if !c.Configured() {
		return 0, fmt.Errorf("%s: %w", c.cfg.Name, ErrNotConfigured)
	}
	start := time.Now()
	var err error
	if c.cfg.Probe == config.ProbeCompletion {
		err = c.probeCompletion(ctx)
	} else {
		err = c.probeModels(ctx)
	}
	return time.Since(start), err
}

func (c *Client) probeModels(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (c *Client) probeCompletion(ctx context.Context) error {
	payload, err := sonic.Marshal(map[string]any{
		"model":      c.cfg.Model,
		"messages":   []model.Message{{Role: "user", Content: "ping"}},
		"max_tokens": 1,
	})
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, "/chat/completions", payload)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// do sends the request and turns non-2xx answers into *UpstreamError. On
// success the caller owns resp.Body.
func (c *Client) do(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req, payload != nil)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.cfg.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &UpstreamError{Provider: c.cfg.Name, StatusCode: resp.StatusCode, Body: string(b)}
	}
	return resp, nil
}

// setHeaders 设置请求头
func (c *Client) setHeaders(req *http.Request, hasBody bool) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("User-Agent", UserAgent)
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
}
