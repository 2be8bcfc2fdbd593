// Package logging implements core.ILogger on zap. Records go to a console
// sink, an optional rotated JSON file and the OTel log bridge.
package logging

import (
	"fmt"
	"os"
	"strings"

	"signal_trader/internal/core"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileOptions configures the rotating JSON file sink
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// ZapLogger implements core.ILogger
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger creates a console-only logger
func NewZapLogger(levelStr string) (*ZapLogger, error) {
	return NewZapLoggerWithFile(levelStr, nil)
}

// NewZapLoggerWithFile creates a logger that also writes JSON lines to a
// lumberjack-rotated file when file.Path is set
func NewZapLoggerWithFile(levelStr string, file *FileOptions) (*ZapLogger, error) {
	level, err := ParseLevel(levelStr)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stdout), level),
	}
	if file != nil && file.Path != "" {
		sink := &lumberjack.Logger{
			Filename:   file.Path,
			MaxSize:    file.MaxSizeMB,
			MaxBackups: file.MaxBackups,
			MaxAge:     file.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(sink), level))
	}
	cores = append(cores, otelzap.NewCore("signal_trader", otelzap.WithLoggerProvider(global.GetLoggerProvider())))

	return &ZapLogger{
		logger: zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1)),
	}, nil
}

// NewFromZap wraps an existing zap logger
func NewFromZap(l *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: l}
}

// NewNop returns a logger that discards everything
func NewNop() *ZapLogger {
	return &ZapLogger{logger: zap.NewNop()}
}

// ParseLevel accepts zap level names in any case. Empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch s := strings.ToLower(strings.TrimSpace(level)); s {
	case "":
		return zapcore.InfoLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	default:
		lvl, err := zapcore.ParseLevel(s)
		if err != nil {
			return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", level)
		}
		return lvl, nil
	}
}

// field converts one key/value pair. Decimals are logged as their exact
// string so prices and quantities keep every digit.
func field(key string, v interface{}) zap.Field {
	switch val := v.(type) {
	case decimal.Decimal:
		return zap.String(key, val.String())
	case *decimal.Decimal:
		if val == nil {
			return zap.Skip()
		}
		return zap.String(key, val.String())
	case error:
		return zap.NamedError(key, val)
	default:
		return zap.Any(key, v)
	}
}

// fields pairs up alternating keys and values; a dangling key is dropped
func fields(kv []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kv[i])
		}
		out = append(out, field(key, kv[i+1]))
	}
	return out
}

func (l *ZapLogger) Debug(msg string, kv ...interface{}) { l.logger.Debug(msg, fields(kv)...) }
func (l *ZapLogger) Info(msg string, kv ...interface{})  { l.logger.Info(msg, fields(kv)...) }
func (l *ZapLogger) Warn(msg string, kv ...interface{})  { l.logger.Warn(msg, fields(kv)...) }
func (l *ZapLogger) Error(msg string, kv ...interface{}) { l.logger.Error(msg, fields(kv)...) }
func (l *ZapLogger) Fatal(msg string, kv ...interface{}) { l.logger.Fatal(msg, fields(kv)...) }

func (l *ZapLogger) WithField(key string, value interface{}) core.ILogger {
	return &ZapLogger{logger: l.logger.With(field(key, value))}
}

func (l *ZapLogger) WithFields(kv map[string]interface{}) core.ILogger {
	zf := make([]zap.Field, 0, len(kv))
	for k, v := range kv {
		zf = append(zf, field(k, v))
	}
	return &ZapLogger{logger: l.logger.With(zf...)}
}

// Sync flushes buffered entries
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}
