package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newMetricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "管理持久化的性能指标",
	}
	cmd.AddCommand(newMetricsExportCmd())
	return cmd
}

func newMetricsExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "导出持久化的指标 JSON",
		RunE:  runMetricsExport,
	}
	cmd.Flags().StringP("output", "o", "", "输出文件，默认写到标准输出")
	return cmd
}

func runMetricsExport(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// 标准输出只留给 JSON
	log.SetOutput(cmd.ErrOrStderr())
	kv, _, metrics, err := openMetrics(cfg, log)
	if err != nil {
		return err
	}
	defer kv.Close()

	data, err := metrics.Export()
	if err != nil {
		return fmt.Errorf("export metrics: %w", err)
	}

	out, _ := cmd.Flags().GetString("output")
	if out == "" {
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return err
	}
	log.Info("metrics exported", "count", metrics.Len(), "file", out)
	return nil
}
