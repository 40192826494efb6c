package storage

import (
	"context"
	"errors"
	"time"

	"rninspector/internal/ctxkeys"
	"rninspector/internal/logger"
	"rninspector/pkg/domain"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const slowThreshold = 200 * time.Millisecond

// GormLogger 把 GORM 的日志转到项目日志器，带上处理该帧时的追踪ID
type GormLogger struct {
	log   logger.Logger
	level gormlogger.LogLevel
}

// NewGormLogger 创建 GormLogger，默认只输出 Warn 及以上
func NewGormLogger(l logger.Logger) *GormLogger {
	return &GormLogger{log: l, level: gormlogger.Warn}
}

// LogMode 返回指定级别的副本
func (g *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *g
	cp.level = level
	return &cp
}

func (g *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if g.level >= gormlogger.Info {
		g.log.Info(msg, traced(ctx, "data", data)...)
	}
}

func (g *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if g.level >= gormlogger.Warn {
		g.log.Warn(msg, traced(ctx, "data", data)...)
	}
}

func (g *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if g.level >= gormlogger.Error {
		g.log.Error(msg, traced(ctx, "data", data)...)
	}
}

// Trace 记录每条 SQL，未找到记录不算错误
func (g *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := traced(ctx, "sql", sql, "rows", rows, "timeMs", float64(elapsed.Microseconds())/1e3)

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil && g.level >= gormlogger.Error:
		g.log.Error("SQL执行错误", append(fields, "error", err)...)
	case elapsed > slowThreshold && g.level >= gormlogger.Warn:
		g.log.Warn("慢SQL查询", append(fields, "threshold", slowThreshold.String())...)
	case g.level == gormlogger.Info:
		g.log.Debug("SQL执行", fields...)
	}
}

func traced(ctx context.Context, kv ...any) []any {
	fields := make([]any, 0, len(kv)+4)
	if id, ok := ctx.Value(ctxkeys.TraceIDKey{}).(string); ok {
		fields = append(fields, "traceId", id)
	}
	if id, ok := ctx.Value(ctxkeys.ClientIDKey{}).(domain.ClientID); ok {
		fields = append(fields, "client", string(id))
	}
	return append(fields, kv...)
}
