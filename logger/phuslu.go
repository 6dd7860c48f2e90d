package logger

import (
	"fmt"

	phlog "github.com/oarkflow/log"
)

// Phuslu emits structured JSON lines through the phuslu-style log
// package.
type Phuslu struct {
	l *phlog.Logger
}

// NewPhuslu returns a Phuslu writing through the package default logger.
func NewPhuslu() *Phuslu { return &Phuslu{} }

// NewPhusluWith writes through the given logger instance.
func NewPhusluWith(l *phlog.Logger) *Phuslu { return &Phuslu{l: l} }

func (p *Phuslu) Debug(msg string, keyvals ...any) {
	if p.l != nil {
		emit(p.l.Debug(), msg, keyvals)
		return
	}
	emit(phlog.Debug(), msg, keyvals)
}

func (p *Phuslu) Info(msg string, keyvals ...any) {
	if p.l != nil {
		emit(p.l.Info(), msg, keyvals)
		return
	}
	emit(phlog.Info(), msg, keyvals)
}

func (p *Phuslu) Error(msg string, keyvals ...any) {
	if p.l != nil {
		emit(p.l.Error(), msg, keyvals)
		return
	}
	emit(phlog.Error(), msg, keyvals)
}

func emit(ev *phlog.Entry, msg string, keyvals []any) {
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		switch v := keyvals[i+1].(type) {
		case string:
			ev = ev.Str(key, v)
		case bool:
			ev = ev.Bool(key, v)
		case int:
			ev = ev.Int(key, v)
		case int64:
			ev = ev.Int64(key, v)
		case error:
			ev = ev.AnErr(key, v)
		default:
			ev = ev.Any(key, v)
		}
	}
	ev.Msg(msg)
}
