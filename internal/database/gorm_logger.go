package database

import (
	"time"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

type zapGormWriter struct {
	logger *zap.SugaredLogger
}

func (w zapGormWriter) Printf(format string, args ...interface{}) {
	w.logger.Warnf(format, args...)
}

// newGormLogger routes gorm's slow query and error reports through zap. Missing
// rows are an expected outcome of lookups and are not reported.
func newGormLogger(logger *zap.Logger) gormlogger.Interface {
	if logger == nil {
		logger = zap.NewNop()
	}
	return gormlogger.New(zapGormWriter{logger: logger.Named("gorm").Sugar()}, gormlogger.Config{
		SlowThreshold:             slowQueryThreshold,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}
