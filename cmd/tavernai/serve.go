package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer log.Sync()

	a, err := buildApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()
	log.Info("metrics restored", "count", a.metrics.Len(), "driver", cfg.Storage.Driver)
	log.Info("providers loaded", "total", len(a.providers.Names()), "configured", a.providers.ConfiguredCount())

	// 监听 SIGINT / SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.health.Start()
	if cfg.HealthCheck.Enabled {
		log.Info("health checker started", "interval", cfg.HealthCheck.Interval)
	}
	go a.adaptive.Run(ctx)
	go a.cleanHistory(ctx, 24*time.Hour)

	limits := a.adaptive.Limits()
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.handler(),
		ReadHeaderTimeout: limits.HeadersTimeout,
		ReadTimeout:       limits.RequestTimeout,
		IdleTimeout:       limits.KeepAliveTimeout,
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info("tavernai starting", "addr", addr, "environment", cfg.Environment,
			"max_connections", limits.MaxConnections)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	select {
	case err := <-srvErr:
		if err != nil {
			return fmt.Errorf("start server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received, draining connections")
	}

	// 给在途请求 15 秒的时间完成
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", "error", err)
	}

	log.Info("server stopped gracefully")
	return nil
}
