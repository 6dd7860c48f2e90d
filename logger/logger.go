package logger

// Logger is the logging surface the engine and stores report through.
// Keys and values alternate in keyvals.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// Nop discards everything. It is the engine default so the library stays
// quiet unless a caller opts in.
type Nop struct{}

func NewNop() *Nop { return &Nop{} }

func (*Nop) Debug(msg string, keyvals ...any) {}
func (*Nop) Info(msg string, keyvals ...any)  {}
func (*Nop) Error(msg string, keyvals ...any) {}
