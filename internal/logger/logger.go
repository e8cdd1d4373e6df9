package logger

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a thin wrapper around zap.Logger
type Logger struct {
	zap *zap.Logger
}

// Field is a key-value pair written with a log entry
type Field struct {
	Key   string
	Value any
}

// F builds a Field
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// New builds a JSON production logger at the given level (debug, info, warn, error)
func New(level string) (*Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	z, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &Logger{zap: z}, nil
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// FromZap wraps an existing zap logger
func FromZap(z *zap.Logger) *Logger {
	return &Logger{zap: z}
}

// Zap exposes the underlying zap logger
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// Sync flushes buffered entries
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// With returns a child logger carrying fields on every entry
func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{zap: l.zap.With(convert(fields)...)}
}

func (l *Logger) Debug(msg string, fields ...Field) { l.zap.Debug(msg, convert(fields)...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.zap.Info(msg, convert(fields)...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.zap.Warn(msg, convert(fields)...) }

// Error logs err as the message
func (l *Logger) Error(err error, fields ...Field) {
	l.zap.Error(err.Error(), convert(fields)...)
}

// DebugContext logs at debug level with the request id from ctx
func (l *Logger) DebugContext(ctx context.Context, msg string, fields ...Field) {
	l.Debug(msg, withRequestID(ctx, fields)...)
}

// InfoContext logs at info level with the request id from ctx
func (l *Logger) InfoContext(ctx context.Context, msg string, fields ...Field) {
	l.Info(msg, withRequestID(ctx, fields)...)
}

// WarnContext logs at warn level with the request id from ctx
func (l *Logger) WarnContext(ctx context.Context, msg string, fields ...Field) {
	l.Warn(msg, withRequestID(ctx, fields)...)
}

// ErrorContext logs err with the request id from ctx
func (l *Logger) ErrorContext(ctx context.Context, err error, fields ...Field) {
	l.Error(err, withRequestID(ctx, fields)...)
}

func convert(fields []Field) []zapcore.Field {
	out := make([]zapcore.Field, 0, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			out = append(out, zap.NamedError(f.Key, err))
			continue
		}
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}

type requestIDKey struct{}

// WithRequestID stores id in ctx
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id stored in ctx, or "" when there is none
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// NewRequestID generates a fresh request id
func NewRequestID() string {
	return uuid.NewString()
}

func withRequestID(ctx context.Context, fields []Field) []Field {
	if id := RequestID(ctx); id != "" {
		return append(fields, F("request_id", id))
	}
	return fields
}
