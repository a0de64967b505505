package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/xiaopang/tavernai/internal/config"
	"github.com/xiaopang/tavernai/internal/core"
	"github.com/xiaopang/tavernai/internal/model"
)

var errUnhealthy = errors.New("no configured provider is available")

func newHealthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "探测所有提供方并输出 JSON 报告",
		RunE:  runHealthcheck,
	}
}

func runHealthcheck(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// 标准输出只留给 JSON
	log.SetOutput(cmd.ErrOrStderr())

	checker := core.NewHealthChecker(core.NewProviderSet(cfg.Providers), cfg.HealthCheck, nil, log)
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*config.MaxProbeTimeout)
	defer cancel()
	report := checker.Check(ctx)

	data, err := sonic.ConfigStd.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))

	if report.Overall == model.OverallUnhealthy {
		return errUnhealthy
	}
	return nil
}
