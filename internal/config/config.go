package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/xiaopang/tavernai/internal/model"
)

// Environment 运行环境，启动时从环境变量解析一次
type Environment string

const (
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// 探测方式
const (
	ProbeModels     = "models"
	ProbeCompletion = "completion"
)

// 存储驱动
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
	DriverMemory = "memory"
)

// MaxPersistLimit 持久化条数上限
const MaxPersistLimit = 500

// Config 应用配置
type Config struct {
	Environment Environment       `yaml:"environment"`
	Server      ServerConfig      `yaml:"server"`
	Providers   []ProviderConfig  `yaml:"providers"`
	Routing     RoutingConfig     `yaml:"routing"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Storage     StorageConfig     `yaml:"storage"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Adaptive    AdaptiveConfig    `yaml:"adaptive"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

// ProviderConfig 上游提供方配置
type ProviderConfig struct {
	Name        model.ProviderName `yaml:"name"`
	BaseURL     string             `yaml:"base_url"`
	APIKey      string             `yaml:"api_key"`
	Model       string             `yaml:"model"`
	MaxTokens   int                `yaml:"max_tokens"`
	Temperature float64            `yaml:"temperature"`
	Probe       string             `yaml:"probe"`   // models | completion
	Timeout     time.Duration      `yaml:"timeout"` // 非流式请求的传输超时
}

// Configured 是否配置了 API Key
func (p ProviderConfig) Configured() bool {
	return strings.TrimSpace(p.APIKey) != ""
}

// RoutingConfig 路由配置
type RoutingConfig struct {
	DefaultOrder []model.ProviderName `yaml:"default_order"`
}

// MetricsConfig 指标日志配置
type MetricsConfig struct {
	Capacity     int `yaml:"capacity"`
	PersistLimit int `yaml:"persist_limit"`
}

// StorageConfig 持久化配置
type StorageConfig struct {
	Driver        string `yaml:"driver"` // sqlite | bolt | memory
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// HealthCheckConfig 健康检查配置
type HealthCheckConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"` // 不超过 5s
}

// RateLimitConfig 频率限制配置
type RateLimitConfig struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// AdaptiveConfig 自适应限额配置
type AdaptiveConfig struct {
	MemoryThresholdMB int           `yaml:"memory_threshold_mb"` // 0 表示按环境取默认值
	ShrinkFactor      float64       `yaml:"shrink_factor"`
	SampleInterval    time.Duration `yaml:"sample_interval"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MaxProbeTimeout 健康探测的硬超时
const MaxProbeTimeout = 5 * time.Second

// Load 加载配置：先读 .env，再读 YAML（文件不存在时使用默认值），最后用环境变量覆盖
func Load(path string) (*Config, error) {
	// .env 是可选的
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	setDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 返回只含默认值的配置（测试与命令行工具使用）
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// ResolveEnvironment 从 APP_ENV 解析运行环境，未设置时为 production
func ResolveEnvironment(lookup func(string) (string, bool)) (Environment, error) {
	v, ok := lookup("APP_ENV")
	if !ok || strings.TrimSpace(v) == "" {
		return EnvProduction, nil
	}
	env := Environment(strings.ToLower(strings.TrimSpace(v)))
	switch env {
	case EnvTest, EnvDevelopment, EnvProduction:
		return env, nil
	}
	return "", fmt.Errorf("unknown APP_ENV %q", v)
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if _, ok := lookup("APP_ENV"); ok || cfg.Environment == "" {
		env, err := ResolveEnvironment(lookup)
		if err != nil {
			return err
		}
		cfg.Environment = env
	}

	cfg.Providers = mergeDefaultProviders(cfg.Providers)
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		prefix := strings.ToUpper(string(p.Name))
		if v, ok := lookup(prefix + "_API_KEY"); ok {
			p.APIKey = v
		}
		if v, ok := lookup(prefix + "_API_BASE"); ok && v != "" {
			p.BaseURL = v
		}
	}

	if v, ok := lookup("RATE_LIMIT_MAX_REQUESTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_MAX_REQUESTS: %w", err)
		}
		cfg.RateLimit.MaxRequests = n
	}
	if v, ok := lookup("RATE_LIMIT_WINDOW_MS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_WINDOW_MS: %w", err)
		}
		cfg.RateLimit.Window = time.Duration(n) * time.Millisecond
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

// defaultProviders 内置的两个提供方
func defaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{
			Name:    model.ProviderGroq,
			BaseURL: "https://api.groq.com/openai/v1",
			Model:   "llama-3.3-70b-versatile",
			Probe:   ProbeModels,
		},
		{
			Name:    model.ProviderCerebras,
			BaseURL: "https://api.cerebras.ai/v1",
			Model:   "llama-4-scout-17b-16e-instruct",
			Probe:   ProbeCompletion, // 没有 models 接口
		},
	}
}

// mergeDefaultProviders 用内置默认值补全同名提供方，缺失的内置提供方追加到末尾
func mergeDefaultProviders(providers []ProviderConfig) []ProviderConfig {
	defaults := defaultProviders()
	seen := make(map[model.ProviderName]bool, len(providers))
	for i := range providers {
		p := &providers[i]
		seen[p.Name] = true
		for _, d := range defaults {
			if d.Name != p.Name {
				continue
			}
			if p.BaseURL == "" {
				p.BaseURL = d.BaseURL
			}
			if p.Model == "" {
				p.Model = d.Model
			}
			if p.Probe == "" {
				p.Probe = d.Probe
			}
		}
	}
	for _, d := range defaults {
		if !seen[d.Name] {
			providers = append(providers, d)
		}
	}
	return providers
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = EnvProduction
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = defaultProviders()
	}
	if cfg.Server.Host == "" {
		if cfg.Environment == EnvTest {
			cfg.Server.Host = "127.0.0.1"
		} else {
			cfg.Server.Host = "0.0.0.0"
		}
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 18080
	}
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.MaxTokens == 0 {
			p.MaxTokens = 1024
		}
		if p.Temperature == 0 {
			p.Temperature = 0.7
		}
		if p.Probe == "" {
			p.Probe = ProbeModels
		}
		if p.Timeout == 0 {
			p.Timeout = 2 * time.Minute
		}
	}
	if len(cfg.Routing.DefaultOrder) == 0 {
		for _, p := range cfg.Providers {
			cfg.Routing.DefaultOrder = append(cfg.Routing.DefaultOrder, p.Name)
		}
	}
	if cfg.Metrics.Capacity == 0 {
		cfg.Metrics.Capacity = 1000
	}
	if cfg.Metrics.PersistLimit == 0 {
		cfg.Metrics.PersistLimit = MaxPersistLimit
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverSQLite
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/tavern.db"
	}
	if cfg.Storage.RetentionDays == 0 {
		cfg.Storage.RetentionDays = 7
	}
	if cfg.HealthCheck.Interval == 0 {
		cfg.HealthCheck.Interval = time.Minute
	}
	if cfg.HealthCheck.Timeout == 0 || cfg.HealthCheck.Timeout > MaxProbeTimeout {
		cfg.HealthCheck.Timeout = MaxProbeTimeout
	}
	if cfg.RateLimit.MaxRequests == 0 {
		cfg.RateLimit.MaxRequests = 100
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = time.Minute
	}
	if cfg.Adaptive.ShrinkFactor == 0 {
		cfg.Adaptive.ShrinkFactor = 0.8
	}
	if cfg.Adaptive.SampleInterval == 0 {
		cfg.Adaptive.SampleInterval = 5 * time.Second
	}
	if cfg.Adaptive.MemoryThresholdMB == 0 {
		if cfg.Environment == EnvTest {
			cfg.Adaptive.MemoryThresholdMB = 100
		} else {
			cfg.Adaptive.MemoryThresholdMB = 500
		}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvTest, EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if len(c.Providers) == 0 {
		return errors.New("at least one provider is required")
	}
	names := make(map[model.ProviderName]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return errors.New("provider name is required")
		}
		if p.Name == model.ProviderFallback {
			return fmt.Errorf("provider name %q is reserved", p.Name)
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		names[p.Name] = true
		if p.BaseURL == "" {
			return fmt.Errorf("provider %s: base_url is required", p.Name)
		}
		if p.Probe != ProbeModels && p.Probe != ProbeCompletion {
			return fmt.Errorf("provider %s: unknown probe %q", p.Name, p.Probe)
		}
	}
	for _, name := range c.Routing.DefaultOrder {
		if !names[name] {
			return fmt.Errorf("routing.default_order: unknown provider %q", name)
		}
	}
	if c.Metrics.Capacity < 1 {
		return fmt.Errorf("metrics.capacity must be >= 1, got %d", c.Metrics.Capacity)
	}
	if c.Metrics.PersistLimit < 0 || c.Metrics.PersistLimit > MaxPersistLimit {
		return fmt.Errorf("metrics.persist_limit must be within [0, %d], got %d", MaxPersistLimit, c.Metrics.PersistLimit)
	}
	switch c.Storage.Driver {
	case DriverSQLite, DriverBolt, DriverMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Adaptive.ShrinkFactor <= 0 || c.Adaptive.ShrinkFactor > 1 {
		return fmt.Errorf("adaptive.shrink_factor must be within (0, 1], got %v", c.Adaptive.ShrinkFactor)
	}
	return nil
}

// Provider 按名称查找提供方配置
func (c *Config) Provider(name model.ProviderName) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}
