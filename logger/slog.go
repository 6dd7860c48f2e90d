package logger

import (
	"context"
	"fmt"
	"log/slog"
)

// SLog bridges the interface onto a standard library slog.Logger, for
// hosts that already run slog.
type SLog struct {
	l *slog.Logger
}

// NewSLog wraps l, or slog.Default() when l is nil.
func NewSLog(l *slog.Logger) *SLog {
	if l == nil {
		l = slog.Default()
	}
	return &SLog{l: l}
}

func (s *SLog) Debug(msg string, keyvals ...any) { s.log(slog.LevelDebug, msg, keyvals) }
func (s *SLog) Info(msg string, keyvals ...any)  { s.log(slog.LevelInfo, msg, keyvals) }
func (s *SLog) Error(msg string, keyvals ...any) { s.log(slog.LevelError, msg, keyvals) }

func (s *SLog) log(level slog.Level, msg string, keyvals []any) {
	attrs := make([]slog.Attr, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		attrs = append(attrs, slog.Any(key, keyvals[i+1]))
	}
	s.l.LogAttrs(context.Background(), level, msg, attrs...)
}
