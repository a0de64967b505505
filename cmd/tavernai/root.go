package main

import (
	"github.com/spf13/cobra"

	"github.com/xiaopang/tavernai/internal/config"
	"github.com/xiaopang/tavernai/internal/logger"
)

// NewRootCmd 创建根命令，不带子命令时等同于 serve
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tavernai",
		Short:         "Tavern AI gateway with provider fallback and performance metrics",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	root.PersistentFlags().StringP("config", "c", "config.yaml", "配置文件路径")

	root.AddCommand(
		newServeCmd(),
		newHealthcheckCmd(),
		newMetricsCmd(),
	)
	return root
}

// loadConfig 读取 --config 指向的配置并设置日志级别
func loadConfig(cmd *cobra.Command) (*config.Config, *logger.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	log := logger.Default()
	log.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	return cfg, log, nil
}
