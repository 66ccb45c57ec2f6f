package logging

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type sessionKey struct{}

type Logger struct {
	*zap.Logger
}

// NewLogger builds a production (JSON) logger at the given level.
func NewLogger(level string) (*Logger, error) {
	config := zap.NewProductionConfig()

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{logger}, nil
}

// NewConsole builds a human readable logger for the CLI.
func NewConsole(level string) (*Logger, error) {
	config := zap.NewDevelopmentConfig()

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.DisableStacktrace = true

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{logger}, nil
}

func Nop() *Logger {
	return &Logger{zap.NewNop()}
}

// ContextWithSession attaches a session id that WithSession picks up.
func ContextWithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

func SessionFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionKey{}).(string)
	return id, ok && id != ""
}

func (l *Logger) WithSession(ctx context.Context) *zap.Logger {
	if id, ok := SessionFromContext(ctx); ok {
		return l.With(zap.String("session_id", id))
	}
	return l.Logger
}

// OrNop returns l's zap logger, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
