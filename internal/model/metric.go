package model

import "time"

// ProviderName 上游提供方名称
type ProviderName string

const (
	ProviderGroq     ProviderName = "groq"
	ProviderCerebras ProviderName = "cerebras"
	// ProviderFallback 所有上游都失败后由本地兜底回复产生的记录
	ProviderFallback ProviderName = "fallback"
)

// Operation 调用类型
type Operation string

const (
	OperationChatCompletion Operation = "chat_completion"
	OperationHealthCheck    Operation = "health_check"
	OperationModelList      Operation = "model_list"
)

// HealthLabel 健康等级
type HealthLabel string

const (
	HealthHealthy   HealthLabel = "healthy"
	HealthDegraded  HealthLabel = "degraded"
	HealthUnhealthy HealthLabel = "unhealthy"
)

// Metric 单次上游调用结果，记录后不可修改
type Metric struct {
	ID             string       `json:"id"`
	Timestamp      time.Time    `json:"timestamp"`
	Provider       ProviderName `json:"provider"`
	Operation      Operation    `json:"operation"`
	ResponseTimeMs int64        `json:"response_time_ms"`
	Success        bool         `json:"success"`
	TokenCount     int          `json:"token_count,omitempty"`
	Error          string       `json:"error,omitempty"`
	Model          string       `json:"model,omitempty"`
}

// ProviderStats 按提供方聚合的统计（按需计算，不存储）
type ProviderStats struct {
	Provider              ProviderName `json:"provider"`
	TotalRequests         int          `json:"total_requests"`
	SuccessfulRequests    int          `json:"successful_requests"`
	FailedRequests        int          `json:"failed_requests"`
	AverageResponseTimeMs float64      `json:"average_response_time_ms"`
	TotalTokens           int64        `json:"total_tokens"`
	UptimePercent         float64      `json:"uptime_percent"`
	LastError             string       `json:"last_error,omitempty"`
	LastErrorTime         *time.Time   `json:"last_error_time,omitempty"`
}

// OverallStats 全量汇总
type OverallStats struct {
	TotalRequests         int     `json:"total_requests"`
	SuccessfulRequests    int     `json:"successful_requests"`
	FailedRequests        int     `json:"failed_requests"`
	SuccessRate           float64 `json:"success_rate"`
	AverageResponseTimeMs float64 `json:"average_response_time_ms"`
	TotalTokens           int64   `json:"total_tokens"`
}

// Percentiles 响应时间分位数（毫秒，仅统计成功请求）
type Percentiles struct {
	P50 int64 `json:"p50"`
	P90 int64 `json:"p90"`
	P95 int64 `json:"p95"`
	P99 int64 `json:"p99"`
}

// MetricExport 导出格式
type MetricExport struct {
	Metrics    []Metric     `json:"metrics"`
	ExportedAt time.Time    `json:"exported_at"`
	Summary    OverallStats `json:"summary"`
}

// DailyStats 每日统计汇总（来自历史归档）
type DailyStats struct {
	Date          string  `json:"date"`
	Provider      string  `json:"provider"`
	TotalRequests int     `json:"total_requests"`
	SuccessRate   float64 `json:"success_rate"`
	TotalTokens   int64   `json:"total_tokens"`
	AvgLatency    float64 `json:"avg_latency_ms"`
}
