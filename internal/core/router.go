package core

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaopang/tavernai/internal/logger"
	"github.com/xiaopang/tavernai/internal/model"
	"github.com/xiaopang/tavernai/internal/provider"
)

// Recorder 接收每次上游调用的结果
type Recorder interface {
	Record(m model.Metric)
}

// Options 单次补全的选项
type Options struct {
	PreferredProvider model.ProviderName
	Model             string
	MaxTokens         int
	Temperature       *float64
	Stop              []string
	Stream            bool
	// Timeout 覆盖单次尝试的传输超时
	Timeout time.Duration
	// OnDelta 流式模式下收到的内容片段
	OnDelta func(p model.ProviderName, fragment string)
}

// Router 路由器：首选提供方失败后只回退一次
type Router struct {
	providers    *ProviderSet
	defaultOrder []model.ProviderName
	recorder     Recorder
	log          *logger.Logger
}

// NewRouter 创建路由器
func NewRouter(providers *ProviderSet, defaultOrder []model.ProviderName, recorder Recorder, log *logger.Logger) *Router {
	if log == nil {
		log = logger.Default()
	}
	return &Router{
		providers:    providers,
		defaultOrder: defaultOrder,
		recorder:     recorder,
		log:          log,
	}
}

// Candidates 返回最多两个候选提供方
func (r *Router) Candidates(preferred model.ProviderName) ([]*provider.Client, error) {
	order := r.order()
	if preferred != "" {
		first, ok := r.providers.Get(preferred)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, preferred)
		}
		out := []*provider.Client{first}
		for _, name := range order {
			if name == preferred {
				continue
			}
			if c, ok := r.providers.Get(name); ok {
				out = append(out, c)
				break
			}
		}
		return out, nil
	}

	var out []*provider.Client
	for _, name := range order {
		if c, ok := r.providers.Get(name); ok {
			out = append(out, c)
		}
		if len(out) == 2 {
			break
		}
	}
	if len(out) == 0 {
		return nil, ErrNoProviders
	}
	return out, nil
}

// order 默认顺序，未配置的提供方按注册顺序补在后面
func (r *Router) order() []model.ProviderName {
	order := append([]model.ProviderName(nil), r.defaultOrder...)
	seen := make(map[model.ProviderName]bool, len(order))
	for _, n := range order {
		seen[n] = true
	}
	for _, n := range r.providers.Names() {
		if !seen[n] {
			order = append(order, n)
		}
	}
	return order
}

// Complete 发送补全请求，失败时回退到下一个候选；全部失败时返回最后一次的错误
func (r *Router) Complete(ctx context.Context, messages []model.Message, opts Options) (*model.ChatResult, error) {
	candidates, err := r.Candidates(opts.PreferredProvider)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i, c := range candidates {
		if i > 0 {
			r.log.Warn("provider failed, falling back",
				"from", candidates[i-1].Name(), "to", c.Name(), "error", lastErr)
		}
		result, err := r.attempt(ctx, c, messages, &opts)
		if err == nil {
			return result, nil
		}
		lastErr = err
		// 客户端已断开，不再回退
		if ctx.Err() != nil {
			break
		}
	}
	r.log.Error("all providers failed", "error", lastErr)
	return nil, lastErr
}

// CompleteWith 只调用指定的提供方，不回退
func (r *Router) CompleteWith(ctx context.Context, name model.ProviderName, messages []model.Message, opts Options) (*model.ChatResult, error) {
	c, ok := r.providers.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return r.attempt(ctx, c, messages, &opts)
}

// attempt 执行一次调用并记录指标
func (r *Router) attempt(ctx context.Context, c *provider.Client, messages []model.Message, opts *Options) (*model.ChatResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req := provider.Request{
		Messages:    messages,
		Model:       opts.Model,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Stop:        opts.Stop,
		Stream:      opts.Stream,
	}
	if opts.OnDelta != nil {
		name := c.Name()
		req.OnDelta = func(fragment string) { opts.OnDelta(name, fragment) }
	}

	start := time.Now()
	resp, err := c.Complete(ctx, req)
	elapsed := time.Since(start).Milliseconds()

	modelName := opts.Model
	if modelName == "" {
		modelName = c.DefaultModel()
	}
	m := model.Metric{
		Provider:       c.Name(),
		Operation:      model.OperationChatCompletion,
		ResponseTimeMs: elapsed,
		Success:        err == nil,
		Model:          modelName,
	}
	if err != nil {
		m.Error = err.Error()
		r.record(m)
		return nil, err
	}
	if resp.Model != "" {
		m.Model = resp.Model
	}
	m.TokenCount = resp.Tokens
	r.record(m)

	return &model.ChatResult{
		Content:        resp.Content,
		Provider:       c.Name(),
		Model:          m.Model,
		Tokens:         resp.Tokens,
		ResponseTimeMs: elapsed,
	}, nil
}

func (r *Router) record(m model.Metric) {
	if r.recorder != nil {
		r.recorder.Record(m)
	}
}
