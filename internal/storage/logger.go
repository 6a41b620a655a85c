package storage

import (
	"context"
	"time"

	gormlogger "gorm.io/gorm/logger"

	"nadecon/internal/logger"
)

type outcomeKey struct{}

// WithOutcomeID 在 ctx 中附带下载结果 ID，SQL 日志会带上该字段
func WithOutcomeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, outcomeKey{}, id)
}

func outcomeID(ctx context.Context) string {
	id, _ := ctx.Value(outcomeKey{}).(string)
	return id
}

// GormLogger 将 GORM 日志转发到统一日志接口
type GormLogger struct {
	logger.Logger
	LogLevel      gormlogger.LogLevel
	SlowThreshold time.Duration
}

// NewGormLogger 创建 GormLogger，默认只输出警告及以上
func NewGormLogger(l logger.Logger) *GormLogger {
	return &GormLogger{
		Logger:        logger.OrNop(l).With("component", "storage"),
		LogLevel:      gormlogger.Warn,
		SlowThreshold: 200 * time.Millisecond,
	}
}

// LogMode 设置日志级别
func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

// Info 打印info级别日志
func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= gormlogger.Info {
		l.Logger.Info(msg, "outcome", outcomeID(ctx), "data", data)
	}
}

// Warn 打印warn级别日志
func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= gormlogger.Warn {
		l.Logger.Warn(msg, "outcome", outcomeID(ctx), "data", data)
	}
}

// Error 打印error级别日志
func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= gormlogger.Error {
		l.Logger.Error(msg, "outcome", outcomeID(ctx), "data", data)
	}
}

// Trace 打印SQL日志
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []any{
		"outcome", outcomeID(ctx),
		"sql", sql,
		"rows", rows,
		"timeMs", float64(elapsed.Nanoseconds()) / 1e6,
	}

	switch {
	case err != nil && err != gormlogger.ErrRecordNotFound && l.LogLevel >= gormlogger.Error:
		l.Logger.Error("SQL执行错误", append(fields, "error", err)...)
	case l.SlowThreshold > 0 && elapsed > l.SlowThreshold && l.LogLevel >= gormlogger.Warn:
		l.Logger.Warn("慢SQL查询", append(fields, "threshold", l.SlowThreshold.String())...)
	case l.LogLevel == gormlogger.Info:
		l.Logger.Debug("SQL执行", fields...)
	}
}
