// Package logging provides the process-wide zap logger and the field helpers
// the filesystem packages log with.
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ajaxzhan/simfs/pkg/types"
)

var (
	mu     sync.RWMutex
	base   *zap.Logger // no caller skip, handed out by Named
	logger *zap.Logger
	sugar  *zap.SugaredLogger
)

// Config holds logging configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	Output string // stdout, stderr or a file path
}

func init() {
	// Usable before Init; tests and library callers never call Init.
	l, _ := zap.NewDevelopment()
	set(l)
}

func set(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = l
	logger = l.WithOptions(zap.AddCallerSkip(1))
	sugar = logger.Sugar()
}

// Init builds the process logger from cfg and redirects the standard
// library logger (used by go-fuse and grpc internals) into it.
func Init(cfg *Config) error {
	sink, err := openSink(cfg.Output)
	if err != nil {
		return err
	}

	core := zapcore.NewCore(createEncoder(cfg.Format), sink, parseLevel(cfg.Level))
	set(zap.New(core, zap.AddCaller()))
	redirectStdLog()
	return nil
}

// Replace swaps the process logger, returning a function that restores the
// previous one. Tests use it with zaptest/observer.
func Replace(l *zap.Logger) func() {
	mu.RLock()
	prev := base
	mu.RUnlock()
	set(l)
	return func() { set(prev) }
}

func openSink(output string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(output) {
	case "", "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		return zapcore.AddSync(f), nil
	}
}

type stdLogWriter struct{}

func (w *stdLogWriter) Write(p []byte) (int, error) {
	msg := strings.TrimSuffix(string(p), "\n")
	S().Warnw(msg, "source", "stdlib")
	return len(p), nil
}

func redirectStdLog() {
	log.SetFlags(0)
	log.SetOutput(&stdLogWriter{})
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func createEncoder(format string) zapcore.Encoder {
	if strings.ToLower(format) == "json" {
		return zapcore.NewJSONEncoder(zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		})
	}

	return zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		NameKey:        "N",
		CallerKey:      "C",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "M",
		StacktraceKey:  "S",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	})
}

// Sync flushes any buffered log entries.
func Sync() error {
	return L().Sync()
}

// L returns the underlying zap.Logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// S returns the underlying zap.SugaredLogger.
func S() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// Named returns a child logger for a component, e.g. "store" or "fuse".
func Named(component string) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.Named(component)
}

// Debug logs a message at DebugLevel.
func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}

// Info logs a message at InfoLevel.
func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

// Warn logs a message at WarnLevel.
func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

// Error logs a message at ErrorLevel.
func Error(msg string, fields ...zap.Field) {
	L().Error(msg, fields...)
}

// Fatal logs a message at FatalLevel, then calls os.Exit(1).
func Fatal(msg string, fields ...zap.Field) {
	L().Fatal(msg, fields...)
}

// Infof logs a formatted message at InfoLevel.
func Infof(template string, args ...interface{}) {
	S().Infof(template, args...)
}

// Warnf logs a formatted message at WarnLevel.
func Warnf(template string, args ...interface{}) {
	S().Warnf(template, args...)
}

// String creates a string field.
func String(key, value string) zap.Field {
	return zap.String(key, value)
}

// Int creates an int field.
func Int(key string, value int) zap.Field {
	return zap.Int(key, value)
}

// Int64 creates an int64 field.
func Int64(key string, value int64) zap.Field {
	return zap.Int64(key, value)
}

// Uint32 creates a uint32 field, used for uids and gids.
func Uint32(key string, value uint32) zap.Field {
	return zap.Uint32(key, value)
}

// Err creates an error field with key "error".
func Err(err error) zap.Field {
	return zap.Error(err)
}

// Any creates a field with any value (uses reflection).
func Any(key string, value interface{}) zap.Field {
	return zap.Any(key, value)
}

// Path creates the canonical-path field.
func Path(p string) zap.Field {
	return zap.String("path", p)
}

// Op creates the requested-operation field.
func Op(op types.Op) zap.Field {
	return zap.String("op", string(op))
}

// Actor logs the identity an operation ran as.
func Actor(a *types.Actor) zap.Field {
	if a == nil {
		return zap.Skip()
	}
	return zap.Object("actor", actorMarshaler{a})
}

type actorMarshaler struct{ a *types.Actor }

func (m actorMarshaler) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint32("uid", m.a.UID)
	enc.AddUint32("gid", m.a.GID)
	if m.a.Root {
		enc.AddBool("root", true)
	}
	if m.a.Cwd != "" {
		enc.AddString("cwd", m.a.Cwd)
	}
	return nil
}
