package core

import (
	"context"
	"sync"
	"time"

	"github.com/xiaopang/tavernai/internal/config"
	"github.com/xiaopang/tavernai/internal/logger"
	"github.com/xiaopang/tavernai/internal/model"
	"github.com/xiaopang/tavernai/internal/provider"
)

// HealthChecker 健康检查器
type HealthChecker struct {
	providers *ProviderSet
	cfg       config.HealthCheckConfig
	recorder  Recorder
	log       *logger.Logger
	now       func() time.Time

	mu     sync.RWMutex
	last   *model.HealthReport
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(providers *ProviderSet, cfg config.HealthCheckConfig, recorder Recorder, log *logger.Logger) *HealthChecker {
	if cfg.Timeout <= 0 || cfg.Timeout > config.MaxProbeTimeout {
		cfg.Timeout = config.MaxProbeTimeout
	}
	if log == nil {
		log = logger.Default()
	}
	return &HealthChecker{
		providers: providers,
		cfg:       cfg,
		recorder:  recorder,
		log:       log,
		now:       time.Now,
	}
}

// Start 启动定时检查
func (h *HealthChecker) Start() {
	if !h.cfg.Enabled || h.cfg.Interval <= 0 {
		return
	}
	h.mu.Lock()
	if h.cancel != nil {
		h.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.mu.Unlock()

	h.wg.Add(1)
	go h.run(ctx)
}

// Stop 停止定时检查
func (h *HealthChecker) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
}

// run 运行健康检查循环
func (h *HealthChecker) run(ctx context.Context) {
	defer h.wg.Done()

	// 启动时立即检查一次
	h.Check(ctx)

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

// Last 最近一次检查结果，尚未检查时为 nil
func (h *HealthChecker) Last() *model.HealthReport {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}

// Check 并发探测所有提供方
func (h *HealthChecker) Check(ctx context.Context) *model.HealthReport {
	clients := h.providers.List()
	report := &model.HealthReport{
		Timestamp: h.now().UTC(),
		Services:  make(map[model.ProviderName]*model.ServiceStatus, len(clients)),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *provider.Client) {
			defer wg.Done()
			status := h.checkProvider(ctx, c)
			mu.Lock()
			report.Services[c.Name()] = status
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	var configured, available int
	for _, s := range report.Services {
		if s.Configured {
			configured++
		}
		if s.Available {
			available++
		}
	}
	report.Overall = model.ClassifyOverall(configured, available)

	h.mu.Lock()
	h.last = report
	h.mu.Unlock()
	return report
}

// checkProvider 探测单个提供方，未配置的不发请求
func (h *HealthChecker) checkProvider(ctx context.Context, c *provider.Client) *model.ServiceStatus {
	status := &model.ServiceStatus{Configured: c.Configured()}
	if !status.Configured {
		return status
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	latency, err := c.Probe(ctx)
	ms := latency.Milliseconds()
	status.Latency = &ms

	m := model.Metric{
		Provider:       c.Name(),
		Operation:      model.OperationHealthCheck,
		ResponseTimeMs: ms,
		Success:        err == nil,
	}
	if err != nil {
		msg := err.Error()
		status.Error = &msg
		m.Error = msg
		h.log.Warn("health probe failed", "provider", c.Name(), "latency_ms", ms, "error", err)
	} else {
		status.Available = true
	}
	if h.recorder != nil {
		h.recorder.Record(m)
	}
	return status
}
