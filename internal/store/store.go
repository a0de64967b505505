package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/xiaopang/tavernai/internal/model"
)

// 固定的持久化键
const (
	KeyPerformanceMetrics = "performance_metrics"
	KeyAgentMemories      = "agent_memories"
)

// ErrNotFound 键不存在
var ErrNotFound = errors.New("key not found")

// KV 键值存储
type KV interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// Archiver 可选能力：保存每条指标的历史记录（目前只有 sqlite 实现）
type Archiver interface {
	ArchiveMetric(m *model.Metric) error
	DailyStats(days int) ([]*model.DailyStats, error)
	CleanOldMetrics(before time.Time) (int64, error)
}

// Open 按驱动名打开存储
func Open(driver, path string) (KV, error) {
	switch driver {
	case "sqlite":
		return New(path)
	case "bolt":
		return OpenBolt(path)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
