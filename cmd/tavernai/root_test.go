package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaopang/tavernai/internal/logger"
	"github.com/xiaopang/tavernai/internal/model"
	"github.com/xiaopang/tavernai/internal/monitor"
	"github.com/xiaopang/tavernai/internal/store"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := NewRootCmd()
	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "healthcheck", "metrics"})

	f := root.PersistentFlags().Lookup("config")
	require.NotNil(t, f)
	assert.Equal(t, "config.yaml", f.DefValue)
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("APP_ENV", "test")
	t.Setenv("GROQ_API_KEY", "")
	t.Setenv("CEREBRAS_API_KEY", "")
	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	logger.Default().SetOutput(os.Stdout)
	return out.String(), err
}

func TestMetricsExport(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "tavern.bolt")

	kv, err := store.OpenBolt(dbPath)
	require.NoError(t, err)
	seeded := monitor.New(monitor.WithPersistence(kv, 500), monitor.WithLogger(logger.NewNop()))
	seeded.Record(model.Metric{Provider: model.ProviderGroq, Operation: model.OperationChatCompletion, ResponseTimeMs: 120, Success: true})
	seeded.Record(model.Metric{Provider: model.ProviderCerebras, Operation: model.OperationChatCompletion, ResponseTimeMs: 90, Error: "HTTP 500"})
	require.NoError(t, kv.Close())

	cfg := writeConfig(t, dir, fmt.Sprintf("storage:\n  driver: bolt\n  path: %s\n", dbPath))
	out, err := run(t, "--config", cfg, "metrics", "export")
	require.NoError(t, err)

	var doc model.MetricExport
	require.NoError(t, json.Unmarshal([]byte(out), &doc), out)
	require.Len(t, doc.Metrics, 2)
	assert.Equal(t, model.ProviderGroq, doc.Metrics[0].Provider)
	assert.Equal(t, 1, doc.Summary.FailedRequests)
}

func TestMetricsExport_ToFile(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "storage:\n  driver: memory\n")
	target := filepath.Join(dir, "out.json")

	out, err := run(t, "--config", cfg, "metrics", "export", "--output", target)
	require.NoError(t, err)
	assert.Empty(t, out)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"metrics": []`)
}

func TestHealthcheck_UnconfiguredIsUnhealthy(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "storage:\n  driver: memory\n")
	out, err := run(t, "--config", cfg, "healthcheck")
	assert.ErrorIs(t, err, errUnhealthy)

	var report model.HealthReport
	require.NoError(t, json.Unmarshal([]byte(out), &report), out)
	assert.Equal(t, model.OverallUnhealthy, report.Overall)
	assert.Len(t, report.Services, 2)
}

func TestBadConfig(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "metrics:\n  persist_limit: 900\n")
	_, err := run(t, "--config", cfg, "healthcheck")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist_limit")
}
