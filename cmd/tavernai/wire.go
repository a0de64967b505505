package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/xiaopang/tavernai/internal/adaptive"
	"github.com/xiaopang/tavernai/internal/api"
	"github.com/xiaopang/tavernai/internal/config"
	"github.com/xiaopang/tavernai/internal/core"
	"github.com/xiaopang/tavernai/internal/logger"
	"github.com/xiaopang/tavernai/internal/memory"
	"github.com/xiaopang/tavernai/internal/monitor"
	"github.com/xiaopang/tavernai/internal/store"
	"github.com/xiaopang/tavernai/internal/telemetry"
)

// app 组装好的服务组件
type app struct {
	cfg       *config.Config
	log       *logger.Logger
	kv        store.KV
	archiver  store.Archiver
	registry  *prometheus.Registry
	metrics   *monitor.Store
	providers *core.ProviderSet
	router    *core.Router
	health    *core.HealthChecker
	limiter   *core.RateLimiter
	adaptive  *adaptive.Manager
	memories  *memory.Service
	chat      *memory.Chat
}

// openMetrics 打开存储并恢复持久化的指标
func openMetrics(cfg *config.Config, log *logger.Logger, extra ...monitor.Option) (store.KV, store.Archiver, *monitor.Store, error) {
	kv, err := store.Open(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	opts := []monitor.Option{
		monitor.WithCapacity(cfg.Metrics.Capacity),
		monitor.WithPersistence(kv, cfg.Metrics.PersistLimit),
		monitor.WithLogger(log),
	}
	// 只有 sqlite 支持历史归档
	archiver, _ := kv.(store.Archiver)
	if archiver != nil {
		opts = append(opts, monitor.WithArchiver(archiver))
	}
	metrics := monitor.New(append(opts, extra...)...)
	metrics.Load()
	return kv, archiver, metrics, nil
}

// buildApp 按配置创建所有组件，调用方负责 close
func buildApp(cfg *config.Config, log *logger.Logger) (*app, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	kv, archiver, metrics, err := openMetrics(cfg, log,
		monitor.WithObserver(telemetry.NewPrometheusMetrics(registry)))
	if err != nil {
		return nil, err
	}

	providers := core.NewProviderSet(cfg.Providers)
	router := core.NewRouter(providers, cfg.Routing.DefaultOrder, metrics, log)
	memories := memory.NewService(kv, log)

	return &app{
		cfg:       cfg,
		log:       log,
		kv:        kv,
		archiver:  archiver,
		registry:  registry,
		metrics:   metrics,
		providers: providers,
		router:    router,
		health:    core.NewHealthChecker(providers, cfg.HealthCheck, metrics, log),
		limiter:   core.NewRateLimiter(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window),
		adaptive:  adaptive.NewManager(cfg.Environment, cfg.Adaptive, log),
		memories:  memories,
		chat:      memory.NewChat(memories, router, metrics, log),
	}, nil
}

// handler 创建 HTTP 路由
func (a *app) handler() http.Handler {
	return api.SetupRouter(a.cfg,
		api.NewProxyHandler(a.router, a.health, a.log),
		api.NewAdminHandler(a.metrics, a.archiver, a.log),
		api.NewAgentHandler(a.chat, a.memories),
		api.RouterOptions{
			Limiter:  a.limiter,
			Adaptive: a.adaptive,
			Gatherer: a.registry,
			Log:      a.log,
		})
}

// cleanHistory 定期删除超过保留期的归档
func (a *app) cleanHistory(ctx context.Context, every time.Duration) {
	if a.archiver == nil || a.cfg.Storage.RetentionDays <= 0 {
		return
	}
	clean := func() {
		before := time.Now().AddDate(0, 0, -a.cfg.Storage.RetentionDays)
		n, err := a.archiver.CleanOldMetrics(before)
		if err != nil {
			a.log.Error("failed to clean metric history", "error", err)
			return
		}
		if n > 0 {
			a.log.Info("cleaned metric history", "deleted", n, "retention_days", a.cfg.Storage.RetentionDays)
		}
	}

	clean()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			clean()
		}
	}
}

func (a *app) close() {
	a.health.Stop()
	a.limiter.Stop()
	if err := a.kv.Close(); err != nil {
		a.log.Error("failed to close store", "error", err)
	}
}
