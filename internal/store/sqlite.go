package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaopang/tavernai/internal/model"
)

// Store sqlite 存储
type Store struct {
	db *sql.DB
}

// New 创建存储实例
func New(dbPath string) (*Store, error) {
	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// migrate 数据库迁移
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS metric_history (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		provider TEXT NOT NULL,
		operation TEXT NOT NULL,
		response_time_ms INTEGER NOT NULL,
		success INTEGER NOT NULL,
		token_count INTEGER DEFAULT 0,
		error TEXT,
		model TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_metric_history_timestamp ON metric_history(timestamp);
	CREATE INDEX IF NOT EXISTS idx_metric_history_provider ON metric_history(provider);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}

// === KV ===

// Get 读取键
func (s *Store) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Put 写入键
func (s *Store) Put(key string, value []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// Delete 删除键
func (s *Store) Delete(key string) error {
	_, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key)
	return err
}

// === Metric History ===

// ArchiveMetric 归档一条指标
func (s *Store) ArchiveMetric(m *model.Metric) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO metric_history (id, timestamp, provider, operation,
			response_time_ms, success, token_count, error, model)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.Timestamp.UTC(), string(m.Provider), string(m.Operation),
		m.ResponseTimeMs, m.Success, m.TokenCount, m.Error, m.Model)
	return err
}

// DailyStats 获取每日按提供方的统计
func (s *Store) DailyStats(days int) ([]*model.DailyStats, error) {
	if days <= 0 {
		days = 7
	}
	rows, err := s.db.Query(`
		SELECT
			date(timestamp) as date,
			provider,
			COUNT(*) as total_requests,
			ROUND(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END) * 100.0 / COUNT(*), 2) as success_rate,
			COALESCE(SUM(token_count), 0) as total_tokens,
			ROUND(AVG(response_time_ms), 2) as avg_latency
		FROM metric_history
		WHERE timestamp >= ?
		GROUP BY date(timestamp), provider
		ORDER BY date DESC, provider
	`, time.Now().UTC().AddDate(0, 0, -days))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*model.DailyStats
	for rows.Next() {
		var d model.DailyStats
		if err := rows.Scan(&d.Date, &d.Provider, &d.TotalRequests, &d.SuccessRate, &d.TotalTokens, &d.AvgLatency); err != nil {
			return nil, err
		}
		stats = append(stats, &d)
	}
	return stats, rows.Err()
}

// CleanOldMetrics 清理过期的历史指标
func (s *Store) CleanOldMetrics(before time.Time) (int64, error) {
	result, err := s.db.Exec("DELETE FROM metric_history WHERE timestamp < ?", before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
