package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xiaopang/tavernai/internal/logger"
	"github.com/xiaopang/tavernai/internal/model"
	"github.com/xiaopang/tavernai/internal/monitor"
	"github.com/xiaopang/tavernai/internal/store"
)

const (
	defaultHistoryDays = 7
	maxHistoryDays     = 90
)

// AdminHandler 指标管理 API 处理器
type AdminHandler struct {
	metrics  *monitor.Store
	archiver store.Archiver // 可为空，仅 sqlite 驱动提供
	log      *logger.Logger
}

// NewAdminHandler 创建管理处理器
func NewAdminHandler(metrics *monitor.Store, archiver store.Archiver, log *logger.Logger) *AdminHandler {
	if log == nil {
		log = logger.Default()
	}
	return &AdminHandler{metrics: metrics, archiver: archiver, log: log}
}

func invalidQuery(c *gin.Context, msg string) {
	abortError(c, 400, "invalid_request_error", "invalid_query", msg)
}

// === 统计 ===

// GetStats 指定 provider 时返回单个提供方统计，否则返回整体与各提供方统计
func (h *AdminHandler) GetStats(c *gin.Context) {
	if p := c.Query("provider"); p != "" {
		c.JSON(200, gin.H{"data": h.metrics.Stats(model.ProviderName(p))})
		return
	}
	c.JSON(200, gin.H{
		"overall":   h.metrics.Overall(),
		"providers": h.metrics.ProviderStats(),
		"total":     h.metrics.Len(),
		"capacity":  h.metrics.Capacity(),
		"enabled":   h.metrics.Enabled(),
	})
}

// GetProviderStats 各提供方统计，按首次出现顺序
func (h *AdminHandler) GetProviderStats(c *gin.Context) {
	c.JSON(200, gin.H{"data": h.metrics.ProviderStats()})
}

// GetPercentiles 成功请求的响应时间分位数
func (h *AdminHandler) GetPercentiles(c *gin.Context) {
	p := model.ProviderName(c.Query("provider"))
	c.JSON(200, gin.H{"provider": p, "data": h.metrics.Percentiles(p)})
}

// GetErrorRate 错误率，window_ms 为 0 或缺省时统计全部
func (h *AdminHandler) GetErrorRate(c *gin.Context) {
	var window time.Duration
	if v := c.Query("window_ms"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			invalidQuery(c, "window_ms must be a non-negative integer")
			return
		}
		window = time.Duration(ms) * time.Millisecond
	}
	p := model.ProviderName(c.Query("provider"))
	c.JSON(200, gin.H{
		"provider":   p,
		"window_ms":  window.Milliseconds(),
		"error_rate": h.metrics.ErrorRate(p, window),
	})
}

// GetTokensPerSecond 最近一分钟的吞吐
func (h *AdminHandler) GetTokensPerSecond(c *gin.Context) {
	p := model.ProviderName(c.Query("provider"))
	c.JSON(200, gin.H{"provider": p, "tokens_per_second": h.metrics.TokensPerSecond(p)})
}

// GetProviderHealth 最近一小时的健康等级
func (h *AdminHandler) GetProviderHealth(c *gin.Context) {
	p := model.ProviderName(c.Param("provider"))
	c.JSON(200, gin.H{"provider": p, "health": h.metrics.Health(p)})
}

// === 导入导出 ===

// Export 导出全部指标
func (h *AdminHandler) Export(c *gin.Context) {
	data, err := h.metrics.Export()
	if err != nil {
		h.log.Error("failed to export metrics", "error", err)
		abortError(c, 500, "internal_error", "export_failed", err.Error())
		return
	}
	c.Header("Content-Disposition", `attachment; filename="tavern-metrics.json"`)
	c.Data(200, "application/json; charset=utf-8", data)
}

// Import 追加导入的指标，格式不对时整体拒绝
func (h *AdminHandler) Import(c *gin.Context) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abortError(c, 413, "invalid_request_error", "body_too_large", "Request body too large")
			return
		}
		abortError(c, 400, "invalid_request_error", "unreadable_body", err.Error())
		return
	}
	n, err := h.metrics.Import(data)
	if err != nil {
		if errors.Is(err, monitor.ErrInvalidImport) {
			abortError(c, 400, "invalid_request_error", "invalid_import", err.Error())
			return
		}
		abortError(c, 500, "internal_error", "import_failed", err.Error())
		return
	}
	h.log.Info("imported metrics", "count", n)
	c.JSON(200, gin.H{"imported": n, "total": h.metrics.Len()})
}

// Clear 清空指标并删除持久化数据
func (h *AdminHandler) Clear(c *gin.Context) {
	h.metrics.Clear()
	c.JSON(200, gin.H{"message": "Metrics cleared"})
}

// SetMonitoring 开关指标记录
func (h *AdminHandler) SetMonitoring(c *gin.Context) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Enabled == nil {
		abortError(c, 400, "invalid_request_error", "invalid_body", `Invalid request: "enabled" boolean required`)
		return
	}
	h.metrics.SetEnabled(*body.Enabled)
	c.JSON(200, gin.H{"enabled": h.metrics.Enabled()})
}

// GetHistory 历史归档的每日统计
func (h *AdminHandler) GetHistory(c *gin.Context) {
	if h.archiver == nil {
		abortError(c, 501, "not_supported_error", "history_unavailable", "Metric history requires the sqlite storage driver")
		return
	}
	days := defaultHistoryDays
	if v := c.Query("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxHistoryDays {
			invalidQuery(c, "days must be between 1 and 90")
			return
		}
		days = n
	}
	stats, err := h.archiver.DailyStats(days)
	if err != nil {
		h.log.Error("failed to query metric history", "error", err)
		abortError(c, 500, "internal_error", "history_failed", err.Error())
		return
	}
	if stats == nil {
		stats = []*model.DailyStats{}
	}
	c.JSON(200, gin.H{"days": days, "data": stats})
}
