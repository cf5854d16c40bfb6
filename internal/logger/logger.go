// Package logger wraps go.uber.org/zap behind the level-method API the rest
// of this codebase is written against (Debugln/Infoln/Errorln/...).
package logger

import "go.uber.org/zap"

// Logger is the call-site API used throughout the core.
type Logger interface {
	Debugln(args ...interface{})
	Debugf(format string, args ...interface{})
	Infoln(args ...interface{})
	Infof(format string, args ...interface{})
	Errorln(args ...interface{})
	Errorf(format string, args ...interface{})
	With(args ...interface{}) Logger
}

type zapLogger struct {
	s *zap.SugaredLogger
}

var base *zap.Logger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	base = l
}

// New returns a Logger scoped with the given name, matching the teacher's
// logger.New("peer <- "+addr) call style.
func New(name string) Logger {
	return &zapLogger{s: base.Sugar().Named(name)}
}

func (l *zapLogger) Debugln(args ...interface{})               { l.s.Debug(args...) }
func (l *zapLogger) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *zapLogger) Infoln(args ...interface{})                { l.s.Info(args...) }
func (l *zapLogger) Infof(format string, args ...interface{})  { l.s.Infof(format, args...) }
func (l *zapLogger) Errorln(args ...interface{})               { l.s.Error(args...) }
func (l *zapLogger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }

func (l *zapLogger) With(args ...interface{}) Logger {
	return &zapLogger{s: l.s.With(args...)}
}

// SetLevel reconfigures the global backend's minimum level ("debug", "info",
// "warn", "error"). Unknown levels are ignored.
func SetLevel(level string) {
	var lvl zap.AtomicLevel
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	if l, err := cfg.Build(); err == nil {
		base = l
	}
}
