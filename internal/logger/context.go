package logger

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

type ctxKey struct{}

var defaultLogger atomic.Pointer[Logger]

func init() {
	defaultLogger.Store(New(nil))
}

// GetDefault returns the process-wide logger.
func GetDefault() *Logger {
	return defaultLogger.Load()
}

// SetDefaultLogger replaces the process-wide logger. nil is ignored.
func SetDefaultLogger(l *Logger) {
	if l != nil {
		defaultLogger.Store(l)
	}
}

// WithContext attaches l to ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger attached to ctx, or the default logger. Never nil.
func FromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*Logger); ok {
			return l
		}
	}
	return GetDefault()
}

// WithField returns a context whose logger carries key=value.
func WithField(ctx context.Context, key string, value interface{}) context.Context {
	return FromContext(ctx).WithField(key, value).WithContext(ctx)
}

// WithFields returns a context whose logger carries fields.
func WithFields(ctx context.Context, fields Fields) context.Context {
	return FromContext(ctx).WithFields(fields).WithContext(ctx)
}

func SetJobID(ctx context.Context, id string) context.Context {
	return WithField(ctx, FieldJobID, id)
}

func SetSubTaskID(ctx context.Context, id string) context.Context {
	return WithField(ctx, FieldSubTaskID, id)
}

func SetUserID(ctx context.Context, id string) context.Context {
	return WithField(ctx, FieldUserID, id)
}

func SetComponent(ctx context.Context, name string) context.Context {
	return WithField(ctx, FieldComponent, name)
}

func SetProvider(ctx context.Context, name string) context.Context {
	return WithField(ctx, FieldProvider, name)
}

// GetFields copies the fields of the context logger.
func GetFields(ctx context.Context) Fields {
	data := FromContext(ctx).Data
	out := make(Fields, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// Entry is a one-off set of measurement fields logged against a context logger.
//
//	logger.With(logger.Fields{logger.FieldDurationMs: ms}).Info(ctx, "pass finished: jobs=%d", n)
type Entry struct {
	fields Fields
}

// With starts an Entry carrying fields.
func With(fields Fields) *Entry {
	return &Entry{fields: fields}
}

func (e *Entry) log(ctx context.Context, level logrus.Level, format string, args []interface{}) {
	FromContext(ctx).Entry.WithFields(logrus.Fields(e.fields)).Logf(level, format, args...)
}

func (e *Entry) Debug(ctx context.Context, format string, args ...interface{}) {
	e.log(ctx, logrus.DebugLevel, format, args)
}

func (e *Entry) Info(ctx context.Context, format string, args ...interface{}) {
	e.log(ctx, logrus.InfoLevel, format, args)
}

func (e *Entry) Warn(ctx context.Context, format string, args ...interface{}) {
	e.log(ctx, logrus.WarnLevel, format, args)
}

func (e *Entry) Error(ctx context.Context, format string, args ...interface{}) {
	e.log(ctx, logrus.ErrorLevel, format, args)
}
