package logging

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sort"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/austindbirch/task_relay/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// LogEntry represents a structured log entry
type LogEntry struct {
	Time    time.Time      `json:"time"`
	Level   LogLevel       `json:"level"`
	Message string         `json:"msg"`
	Service string         `json:"service,omitempty"`
	TraceID string         `json:"trace_id,omitempty"`
	TaskID  string         `json:"task_id,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Channel string         `json:"channel,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`

	zl *zap.Logger
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	zl      *zap.Logger
}

// New creates a new structured logger for the given service, writing JSON
// lines to stdout at info level
func New(service string) *Logger {
	return NewWithLevel(service, LevelInfo)
}

// NewWithLevel creates a logger that drops entries below level
func NewWithLevel(service string, level LogLevel) *Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(os.Stdout),
		zapLevel(level),
	)
	return &Logger{service: service, zl: zap.New(core)}
}

// NewFromZap wraps an existing zap logger, e.g. zaptest or zap.NewNop in tests
func NewFromZap(service string, zl *zap.Logger) *Logger {
	return &Logger{service: service, zl: zl}
}

// Zap exposes the underlying zap logger for libraries that take one
func (l *Logger) Zap() *zap.Logger {
	return l.zl
}

// Sync flushes buffered entries
func (l *Logger) Sync() {
	_ = l.zl.Sync()
}

func zapLevel(level LogLevel) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	case LevelFatal:
		return zapcore.FatalLevel
	}
	return zapcore.InfoLevel
}

// ParseLevel maps a config string to a LogLevel, defaulting to info
func ParseLevel(s string) LogLevel {
	switch LogLevel(s) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal:
		return LogLevel(s)
	}
	return LevelInfo
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.Plain()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.TraceID = traceID
	}
	return entry
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  make(map[string]any),
		zl:      l.zl,
	}
}

// WithTask sets the task ID for the log entry
func (e *LogEntry) WithTask(taskID string) *LogEntry {
	e.TaskID = taskID
	return e
}

// WithNode sets the node ID for the log entry
func (e *LogEntry) WithNode(nodeID string) *LogEntry {
	e.NodeID = nodeID
	return e
}

// WithChannel sets the pub/sub channel for the log entry
func (e *LogEntry) WithChannel(channel string) *LogEntry {
	e.Channel = channel
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		if e.Fields == nil {
			e.Fields = make(map[string]any)
		}
		e.Fields["error"] = err.Error()
	}
	return e
}

// Debug logs at debug level
func (e *LogEntry) Debug(message string) {
	e.Level = LevelDebug
	e.Message = message
	e.output()
}

// Debugf logs at debug level with formatting
func (e *LogEntry) Debugf(format string, args ...any) {
	e.Debug(fmt.Sprintf(format, args...))
}

// Info logs at info level
func (e *LogEntry) Info(message string) {
	e.Level = LevelInfo
	e.Message = message
	e.output()
}

// Infof logs at info level with formatting
func (e *LogEntry) Infof(format string, args ...any) {
	e.Info(fmt.Sprintf(format, args...))
}

// Warn logs at warn level
func (e *LogEntry) Warn(message string) {
	e.Level = LevelWarn
	e.Message = message
	e.output()
}

// Warnf logs at warn level with formatting
func (e *LogEntry) Warnf(format string, args ...any) {
	e.Warn(fmt.Sprintf(format, args...))
}

// Error logs at error level
func (e *LogEntry) Error(message string) {
	e.Level = LevelError
	e.Message = message
	e.output()
}

// Errorf logs at error level with formatting
func (e *LogEntry) Errorf(format string, args ...any) {
	e.Error(fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.Level = LevelFatal
	e.Message = message
	e.output()
	os.Exit(1)
}

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.Fatal(fmt.Sprintf(format, args...))
}

// zapFields flattens the entry into zap fields, sorted for stable output
func (e *LogEntry) zapFields() []zap.Field {
	fields := make([]zap.Field, 0, len(e.Fields)+5)
	if e.Service != "" {
		fields = append(fields, zap.String("service", e.Service))
	}
	if e.TraceID != "" {
		fields = append(fields, zap.String("trace_id", e.TraceID))
	}
	if e.TaskID != "" {
		fields = append(fields, zap.String("task_id", e.TaskID))
	}
	if e.NodeID != "" {
		fields = append(fields, zap.String("node_id", e.NodeID))
	}
	if e.Channel != "" {
		fields = append(fields, zap.String("channel", e.Channel))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		nested := make([]zap.Field, 0, len(keys))
		for _, k := range keys {
			nested = append(nested, zap.Any(k, e.Fields[k]))
		}
		fields = append(fields, zap.Dict("fields", nested...))
	}
	return fields
}

// output hands the entry to zap. Fatal is written at error severity because
// os.Exit is handled by Fatal itself.
func (e *LogEntry) output() {
	zl := e.zl
	if zl == nil {
		zl = zap.L()
	}
	fields := e.zapFields()
	switch e.Level {
	case LevelDebug:
		zl.Debug(e.Message, fields...)
	case LevelInfo:
		zl.Info(e.Message, fields...)
	case LevelWarn:
		zl.Warn(e.Message, fields...)
	case LevelFatal:
		zl.Error(e.Message, append(fields, zap.Bool("fatal", true))...)
		_ = zl.Sync()
	default:
		zl.Error(e.Message, fields...)
	}
}

// SafeGo runs fn in a goroutine and logs instead of crashing the process if
// it panics
func (l *Logger) SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.Plain().WithFields(map[string]any{
					"goroutine": name,
					"panic":     fmt.Sprint(r),
					"stack":     string(debug.Stack()),
				}).Error("background goroutine panicked")
			}
		}()
		fn()
	}()
}
