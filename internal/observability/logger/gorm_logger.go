package logger

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"
)

// projectionTables names the store each table belongs to. Slow or failing
// statements are tagged with it so an access-projection stall is told apart
// from a slow event-log write.
var projectionTables = map[string]string{
	"users":               "access",
	"user_profiles":       "profile",
	"payment_events":      "event_log",
	"unresolved_payments": "unresolved",
}

type GormLoggerConfig struct {
	// Base is the logger correlation fields are added to; nil means zap.L().
	Base  *zap.Logger
	Level gormlogger.LogLevel
	// SlowThreshold applies to every table without an entry in SlowThresholds.
	SlowThreshold  time.Duration
	SlowThresholds map[string]time.Duration
}

// DefaultGormLoggerConfig keeps the access projection on a tighter budget:
// the gate reads it on every protected request.
func DefaultGormLoggerConfig(base *zap.Logger) GormLoggerConfig {
	return GormLoggerConfig{
		Base:          base,
		Level:         gormlogger.Warn,
		SlowThreshold: 250 * time.Millisecond,
		SlowThresholds: map[string]time.Duration{
			"users": 100 * time.Millisecond,
		},
	}
}

type GormLogger struct {
	base           *zap.Logger
	level          gormlogger.LogLevel
	slowThreshold  time.Duration
	slowThresholds map[string]time.Duration
}

func NewGormLogger(cfg GormLoggerConfig) *GormLogger {
	return &GormLogger{
		base:           cfg.Base,
		level:          cfg.Level,
		slowThreshold:  cfg.SlowThreshold,
		slowThresholds: cfg.SlowThresholds,
	}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.level = level
	return &next
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Info, zap.InfoLevel, msg, data)
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Warn, zap.WarnLevel, msg, data)
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Error, zap.ErrorLevel, msg, data)
}

func (l *GormLogger) message(ctx context.Context, min gormlogger.LogLevel, level zapcore.Level, msg string, data []interface{}) {
	if l.level < min {
		return
	}
	fields := []zap.Field{zap.String("component", "gorm")}
	if len(data) > 0 {
		fields = append(fields, zap.Any("data", data))
	}
	if ce := l.logger(ctx).Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

// Trace logs failed statements and slow ones. A missing row is a normal
// answer for the profile and access reads and is never logged as an error.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	table := tableFromSQL(sql)

	switch {
	case err != nil && !errors.Is(err, gormlogger.ErrRecordNotFound) && l.level >= gormlogger.Error:
		l.logQuery(ctx, sql, table, rows, elapsed, err, zap.ErrorLevel)
	case l.slow(table, elapsed) && l.level >= gormlogger.Warn:
		l.logQuery(ctx, sql, table, rows, elapsed, nil, zap.WarnLevel)
	case l.level >= gormlogger.Info:
		l.logQuery(ctx, sql, table, rows, elapsed, nil, zap.DebugLevel)
	}
}

func (l *GormLogger) slow(table string, elapsed time.Duration) bool {
	threshold := l.slowThreshold
	if perTable, ok := l.slowThresholds[table]; ok {
		threshold = perTable
	}
	return threshold > 0 && elapsed > threshold
}

// ParamsFilter drops bound values; they carry emails and subject ids.
func (l *GormLogger) ParamsFilter(_ context.Context, sql string, _ ...interface{}) (string, []interface{}) {
	return sql, nil
}

func (l *GormLogger) logQuery(ctx context.Context, sql, table string, rows int64, elapsed time.Duration, err error, level zapcore.Level) {
	fields := []zap.Field{
		zap.String("component", "gorm"),
		zap.String("sql", strings.TrimSpace(sql)),
		zap.String("operation", operationFromSQL(sql)),
		zap.String("table", table),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if projection, ok := projectionTables[table]; ok {
		fields = append(fields, zap.String("projection", projection))
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows_affected", rows))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}

	if ce := l.logger(ctx).Check(level, "db_query"); ce != nil {
		ce.Write(fields...)
	}
}

func (l *GormLogger) logger(ctx context.Context) *zap.Logger {
	if l.base == nil {
		return FromContext(ctx)
	}
	return WithContext(ctx, l.base)
}

func operationFromSQL(sql string) string {
	for _, token := range strings.Fields(strings.ToUpper(sql)) {
		token = strings.Trim(token, "();")
		switch token {
		case "SELECT", "INSERT", "UPDATE", "DELETE":
			return token
		}
	}
	return "UNKNOWN"
}

// tableFromSQL returns the first table named after FROM, INTO or UPDATE.
func tableFromSQL(sql string) string {
	tokens := strings.Fields(strings.TrimSpace(sql))
	for i := 0; i < len(tokens)-1; i++ {
		switch strings.ToUpper(tokens[i]) {
		case "FROM", "INTO", "UPDATE":
			return strings.Trim(tokens[i+1], "\"`();")
		}
	}
	return ""
}

var _ gormlogger.Interface = (*GormLogger)(nil)
