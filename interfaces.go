package redisd

import (
	"time"

	"go.uber.org/zap"
)

// Field represents a structured log field.
type Field struct {
	Key   string
	Value interface{}
}

// Logger is the logging sink for a Server. Implementations wrap whatever
// the embedding application already uses; see WithLogger.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// MetricsCollector receives operational metrics from the server and its
// replication layer. Its method set matches replication.MetricsCollector
// exactly, so a value satisfying this interface also satisfies that one
// with no adapter.
type MetricsCollector interface {
	RecordSyncDuration(duration time.Duration)
	RecordCommandProcessed(cmd string, duration time.Duration)
	RecordNetworkBytes(bytes int64)
	RecordReconnection()
	RecordError(errorType string)
}

// defaultLogger adapts a *zap.Logger into Logger, used when WithLogger is
// not supplied.
type defaultLogger struct {
	z *zap.Logger
}

func newDefaultLogger() *defaultLogger {
	z, err := zap.NewProduction()
	if err != nil {
		z = zap.NewNop()
	}
	return &defaultLogger{z: z}
}

func (l *defaultLogger) Debug(msg string, fields ...Field) { l.z.Debug(msg, zapFields(fields)...) }
func (l *defaultLogger) Info(msg string, fields ...Field)  { l.z.Info(msg, zapFields(fields)...) }
func (l *defaultLogger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, zapFields(fields)...) }
func (l *defaultLogger) Error(msg string, fields ...Field) { l.z.Error(msg, zapFields(fields)...) }

func zapFields(fields []Field) []zap.Field {
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		out[i] = zap.Any(f.Key, f.Value)
	}
	return out
}
