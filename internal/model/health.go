package model

import "time"

// OverallHealth 整体健康状态
type OverallHealth string

const (
	OverallHealthy   OverallHealth = "healthy"
	OverallPartial   OverallHealth = "partial"
	OverallUnhealthy OverallHealth = "unhealthy"
)

// ServiceStatus 单个提供方的探测结果
type ServiceStatus struct {
	Configured bool    `json:"configured"`
	Available  bool    `json:"available"`
	Latency    *int64  `json:"latency"` // 毫秒，未探测时为 null
	Error      *string `json:"error"`
}

// HealthReport 健康检查报告
type HealthReport struct {
	Timestamp time.Time                       `json:"timestamp"`
	Services  map[ProviderName]*ServiceStatus `json:"services"`
	Overall   OverallHealth                   `json:"overall"`
}

// HTTPStatus 按整体状态映射 HTTP 状态码
func (r *HealthReport) HTTPStatus() int {
	switch r.Overall {
	case OverallHealthy:
		return 200
	case OverallPartial:
		return 206
	default:
		return 503
	}
}

// ClassifyOverall 根据已配置/可用数量得出整体状态
func ClassifyOverall(configured, available int) OverallHealth {
	switch {
	case configured > 0 && available == configured:
		return OverallHealthy
	case available > 0:
		return OverallPartial
	default:
		return OverallUnhealthy
	}
}
