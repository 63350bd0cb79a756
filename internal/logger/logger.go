// Package logger is a thin structured-logging wrapper around go.uber.org/zap,
// shared by every actor, service, and backend adapter in the orchestration
// core. Call sites log key-value pairs (task_id, step_id, namespace, attempt,
// queue) rather than formatted strings, and never log connection strings or
// queue payload bodies directly.
package logger

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

type Logger struct {
	sugar *zap.SugaredLogger
}

// New builds a Logger for the given mode ("dev" or "prod"). Both configs run
// at debug level; otherwise each keeps zap's stock production or development
// settings (JSON vs console encoding, among other defaults).
func New(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{sugar: z.Sugar()}, nil
}

// NewNop returns a Logger that discards everything, used by tests that don't
// care about log output but still need a non-nil *Logger.
func NewNop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

func (l *Logger) Sync() {
	if l == nil || l.sugar == nil {
		return
	}
	_ = l.sugar.Sync()
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.log(l.sugar.Debugw, msg, kv) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.log(l.sugar.Infow, msg, kv) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.log(l.sugar.Warnw, msg, kv) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.log(l.sugar.Errorw, msg, kv) }
func (l *Logger) Fatal(msg string, kv ...interface{}) { l.log(l.sugar.Fatalw, msg, kv) }

func (l *Logger) log(fn func(string, ...interface{}), msg string, kv []interface{}) {
	if l == nil || l.sugar == nil {
		return
	}
	fn(msg, kv...)
}

// With returns a child Logger carrying the given fields on every subsequent
// call, used to scope a logger to a component, actor, or request.
func (l *Logger) With(kv ...interface{}) *Logger {
	if l == nil || l.sugar == nil {
		return l
	}
	return &Logger{sugar: l.sugar.With(kv...)}
}

var (
	once       sync.Once
	defaultLog *Logger
)

// Default lazily builds a dev-mode Logger for call sites (mostly package
// init and tests) that don't have one threaded through.
func Default() *Logger {
	once.Do(func() {
		l, err := New("dev")
		if err != nil {
			defaultLog = NewNop()
			return
		}
		defaultLog = l
	})
	return defaultLog
}
