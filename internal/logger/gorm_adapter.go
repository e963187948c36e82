package logger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DefaultSlowQuery is the duration above which a statement is logged as slow
const DefaultSlowQuery = 200 * time.Millisecond

// GormAdapter sends gorm's statement log through a Logger. Statements run
// with a context tagged by ContextWithFields or ContextWithRequestID carry
// those fields, so the SQL behind a subscription refresh or a transfer can
// be filtered by subscription_id or download_hash.
type GormAdapter struct {
	log   *Logger
	level gormlogger.LogLevel
	slow  time.Duration
}

// NewGormAdapter maps an app level ("debug", "info", ...) to gorm's verbosity:
// debug logs every statement, error logs failures only, anything else logs
// slow statements and failures.
func NewGormAdapter(log *Logger, level string) *GormAdapter {
	a := &GormAdapter{log: log, level: gormlogger.Warn, slow: DefaultSlowQuery}
	switch ParseLevel(level) {
	case LevelDebug:
		a.level = gormlogger.Info
	case LevelError:
		a.level = gormlogger.Error
	}
	return a
}

// LogMode implements gormlogger.Interface
func (a *GormAdapter) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *a
	cp.level = level
	return &cp
}

// WithSlowThreshold returns a copy that reports statements slower than d; zero disables it
func (a *GormAdapter) WithSlowThreshold(d time.Duration) *GormAdapter {
	cp := *a
	cp.slow = d
	return &cp
}

func (a *GormAdapter) Info(ctx context.Context, msg string, args ...interface{}) {
	if a.level >= gormlogger.Info {
		a.log.InfoContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (a *GormAdapter) Warn(ctx context.Context, msg string, args ...interface{}) {
	if a.level >= gormlogger.Warn {
		a.log.WarnContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (a *GormAdapter) Error(ctx context.Context, msg string, args ...interface{}) {
	if a.level >= gormlogger.Error {
		a.log.ErrorContext(ctx, fmt.Sprintf(msg, args...), nil)
	}
}

// Trace implements gormlogger.Interface. Missing rows are expected lookups
// in the store (an unknown hash, a subscription not yet added) and are not
// logged as errors.
func (a *GormAdapter) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if a.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	failed := err != nil && !errors.Is(err, gorm.ErrRecordNotFound)
	slow := a.slow > 0 && elapsed > a.slow

	var level Level
	switch {
	case failed && a.level >= gormlogger.Error:
		level = LevelError
	case slow && a.level >= gormlogger.Warn:
		level = LevelWarn
	case a.level >= gormlogger.Info:
		level = LevelDebug
	default:
		return
	}

	sql, rows := fc()
	fields := map[string]interface{}{
		"sql":        sql,
		"rows":       rows,
		"elapsed_ms": elapsed.Milliseconds(),
	}
	fl := a.log.WithFields(fields)
	switch level {
	case LevelError:
		fl.ErrorContext(ctx, "query failed", err)
	case LevelWarn:
		fl.WithField("slow_ms", a.slow.Milliseconds()).WarnContext(ctx, "slow query")
	default:
		fl.DebugContext(ctx, "query")
	}
}
