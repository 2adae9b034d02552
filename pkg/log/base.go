package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// BaseLogger is the default Logger implementation. Children created with
// With share the parent's level, formatter and outputs.
type BaseLogger struct {
	core       *loggerCore
	slogLogger *slog.Logger
}

// exitFunc is replaced in tests.
var (
	defaultExit = os.Exit
	exitFunc    = defaultExit
)

func (l *BaseLogger) log(level Level, msg string, attrs []slog.Attr) {
	if Level(l.core.level.Load()) > level {
		return
	}
	var pcs [1]uintptr
	// Skip runtime.Callers, log and the exported wrapper.
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), toSlogLevel(level), msg, pcs[0])
	r.AddAttrs(attrs...)
	_ = l.slogLogger.Handler().Handle(context.Background(), r)
}

// Debug logs a message at DebugLevel.
func (l *BaseLogger) Debug(msg string, fields ...Field) {
	l.log(DebugLevel, msg, attrsFromFields(fields))
}

// Info logs a message at InfoLevel.
func (l *BaseLogger) Info(msg string, fields ...Field) {
	l.log(InfoLevel, msg, attrsFromFields(fields))
}

// Warn logs a message at WarnLevel.
func (l *BaseLogger) Warn(msg string, fields ...Field) {
	l.log(WarnLevel, msg, attrsFromFields(fields))
}

// Error logs a message at ErrorLevel.
func (l *BaseLogger) Error(msg string, fields ...Field) {
	l.log(ErrorLevel, msg, attrsFromFields(fields))
}

// Fatal logs a message at FatalLevel, closes outputs and exits with status 1.
func (l *BaseLogger) Fatal(msg string, fields ...Field) {
	l.log(FatalLevel, msg, attrsFromFields(fields))
	l.core.mu.Lock()
	for _, out := range l.core.outputs {
		_ = out.Close()
	}
	l.core.mu.Unlock()
	exitFunc(1)
}

// Debugf logs at DebugLevel with key/value pairs in args.
func (l *BaseLogger) Debugf(msg string, args ...interface{}) {
	l.log(DebugLevel, msg, argsToAttrs(args))
}

// Infof logs at InfoLevel with key/value pairs in args.
func (l *BaseLogger) Infof(msg string, args ...interface{}) {
	l.log(InfoLevel, msg, argsToAttrs(args))
}

// Warnf logs at WarnLevel with key/value pairs in args.
func (l *BaseLogger) Warnf(msg string, args ...interface{}) {
	l.log(WarnLevel, msg, argsToAttrs(args))
}

// Errorf logs at ErrorLevel with key/value pairs in args.
func (l *BaseLogger) Errorf(msg string, args ...interface{}) {
	l.log(ErrorLevel, msg, argsToAttrs(args))
}

// With returns a child logger carrying the given fields.
func (l *BaseLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	return &BaseLogger{
		core:       l.core,
		slogLogger: l.slogLogger.With(attrsToAny(attrsFromFields(fields))...),
	}
}

// WithError returns a child logger carrying err under ErrorKey.
func (l *BaseLogger) WithError(err error) Logger {
	if err == nil {
		return l
	}
	return l.With(Err(err))
}

// WithComponent returns a child logger tagged with component.
func (l *BaseLogger) WithComponent(component string) Logger {
	return l.With(Component(component))
}

// SetLevel changes the minimum level for this logger and all its children.
func (l *BaseLogger) SetLevel(level Level) {
	l.core.level.Store(int32(level))
}

// GetLevel returns the current minimum level.
func (l *BaseLogger) GetLevel() Level {
	return Level(l.core.level.Load())
}

// Slog exposes the underlying slog.Logger for libraries that take one.
func (l *BaseLogger) Slog() *slog.Logger {
	return l.slogLogger
}

func (l *BaseLogger) String() string {
	return fmt.Sprintf("log.BaseLogger{level=%s outputs=%d}", l.GetLevel(), len(l.core.outputs))
}
