// Package storage 使用 SQLite 保存下载路由结果
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"nadecon/internal/logger"
	"nadecon/pkg/model"
)

const defaultHistoryLimit = 100

// DownloadRecord 下载结果表
type DownloadRecord struct {
	ID         string `gorm:"primaryKey;size:36"`
	URL        string `gorm:"not null"`
	Filename   string
	ContextID  string `gorm:"index"`
	State      string `gorm:"index;size:32"`
	Via        string `gorm:"size:32"`
	Attempts   int
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time `gorm:"index"`
}

// Config 存储配置
type Config struct {
	DSN    string
	Prefix string
	Logger logger.Logger
}

// Store 下载历史存储
type Store struct {
	db  *gorm.DB
	log logger.Logger
}

// Open 打开数据库并迁移表结构
func Open(cfg Config) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{
		Logger:         NewGormLogger(cfg.Logger),
		NamingStrategy: schema.NamingStrategy{TablePrefix: cfg.Prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("打开数据库: %w", err)
	}
	if err := db.AutoMigrate(&DownloadRecord{}); err != nil {
		return nil, fmt.Errorf("迁移表结构: %w", err)
	}
	return &Store{db: db, log: logger.OrNop(cfg.Logger).With("component", "storage")}, nil
}

// Record 写入或更新一条下载结果
func (s *Store) Record(ctx context.Context, out model.DownloadOutcome) error {
	rec := DownloadRecord{
		ID:         out.ID,
		URL:        out.URL,
		Filename:   out.Filename,
		ContextID:  string(out.Context),
		State:      string(out.State),
		Via:        string(out.Via),
		Attempts:   out.Attempts,
		Error:      out.Error,
		StartedAt:  out.StartedAt,
		FinishedAt: out.FinishedAt,
	}
	if err := s.db.WithContext(WithOutcomeID(ctx, out.ID)).Save(&rec).Error; err != nil {
		return fmt.Errorf("保存下载记录: %w", err)
	}
	return nil
}

// History 按完成时间倒序返回下载记录
func (s *Store) History(ctx context.Context, q model.HistoryQuery) ([]model.DownloadOutcome, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	tx := s.db.WithContext(ctx).Order("finished_at DESC").Limit(limit)
	if q.Context != "" {
		tx = tx.Where("context_id = ?", string(q.Context))
	}
	if q.State != "" {
		tx = tx.Where("state = ?", string(q.State))
	}

	var recs []DownloadRecord
	if err := tx.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("查询下载记录: %w", err)
	}
	out := make([]model.DownloadOutcome, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toOutcome())
	}
	return out, nil
}

// Prune 删除完成时间早于 before 的记录
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("finished_at < ?", before).Delete(&DownloadRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("清理下载记录: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.log.Info("已清理过期下载记录", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r DownloadRecord) toOutcome() model.DownloadOutcome {
	return model.DownloadOutcome{
		ID:         r.ID,
		URL:        r.URL,
		Filename:   r.Filename,
		Context:    model.ContextID(r.ContextID),
		State:      model.RouteState(r.State),
		Via:        model.RouteVia(r.Via),
		Attempts:   r.Attempts,
		Error:      r.Error,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}
