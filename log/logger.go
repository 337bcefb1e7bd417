// Package log builds the split access/error loggers the adapters and the
// cgifetch CLI write to. Both are JSON-encoded zap loggers; the access log
// stays at info while the error log level is configurable.
package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pkg/errors"
)

type Options struct {
	AccessLogPath string // file path, or "stdout"/"stderr"
	ErrorLogPath  string
	ErrorLogLevel string // debug, info, warn or error
}

type Logger struct {
	access *zap.Logger
	errlog *zap.Logger
}

var levels = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
}

func New(opt Options) (*Logger, error) {
	lv, ok := levels[opt.ErrorLogLevel]
	if !ok {
		return nil, errors.Errorf("unsupported log level: %q", opt.ErrorLogLevel)
	}

	access, err := zap.Config{
		DisableCaller:     true,
		DisableStacktrace: true,
		EncoderConfig:     zap.NewProductionEncoderConfig(),
		Encoding:          "json",
		Level:             zap.NewAtomicLevelAt(zapcore.InfoLevel),
		OutputPaths:       []string{opt.AccessLogPath},
		ErrorOutputPaths:  []string{opt.AccessLogPath},
	}.Build()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build access logger")
	}

	errlog, err := zap.Config{
		Development:       lv == zapcore.DebugLevel,
		DisableCaller:     lv > zapcore.DebugLevel,
		DisableStacktrace: lv > zapcore.DebugLevel,
		EncoderConfig:     zap.NewProductionEncoderConfig(),
		Encoding:          "json",
		Level:             zap.NewAtomicLevelAt(lv),
		OutputPaths:       []string{opt.ErrorLogPath},
		ErrorOutputPaths:  []string{opt.ErrorLogPath},
	}.Build()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build error logger")
	}

	return &Logger{access: access, errlog: errlog}, nil
}

// AccessLogger returns a child logger for per-request access entries.
func (l *Logger) AccessLogger() *zap.Logger {
	return l.access
}

// ErrorLogger returns a child logger for diagnostics.
func (l *Logger) ErrorLogger() *zap.Logger {
	return l.errlog
}

// Sync flushes both logs. Call before exit.
func (l *Logger) Sync() {
	l.access.Sync()
	l.errlog.Sync()
}
