// logger.go: LoggerPort and a zerolog-backed default implementation.
//
// register.go and manager.go log their failure paths with bare
// fmt.Printf (register.go's heartbeat failure, manager.go's deregister
// failure); this module carries that concern through a structured logging port
// instead, matching the zerolog usage already present across the pack
// (rskv-p-mini, tomtom215-cartographus, carverauto-serviceradar,
// r3e-network-service_layer) and transitively pulled by pkg/env's own
// cmd/pc-node.
package mesh

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the narrow logging port every component depends on, per
// a duck-typed port rather than a concrete logging dependency.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, err error, kv ...any)
	With(kv ...any) Logger
}

// zlogLogger adapts zerolog.Logger to the Logger port.
type zlogLogger struct {
	z zerolog.Logger
}

// NewLogger builds a zerolog-backed Logger writing to w (os.Stderr if nil)
// at the given level ("debug", "info", "warn", "error"; default "info").
func NewLogger(w io.Writer, level string) Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	z := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return &zlogLogger{z: z}
}

func withFields(e *zerolog.Event, kv []any) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		e = e.Interface(key, kv[i+1])
	}
	return e
}

func (l *zlogLogger) Debug(msg string, kv ...any) { withFields(l.z.Debug(), kv).Msg(msg) }
func (l *zlogLogger) Info(msg string, kv ...any)  { withFields(l.z.Info(), kv).Msg(msg) }
func (l *zlogLogger) Warn(msg string, kv ...any)  { withFields(l.z.Warn(), kv).Msg(msg) }

func (l *zlogLogger) Error(msg string, err error, kv ...any) {
	withFields(l.z.Error().Err(err), kv).Msg(msg)
}

func (l *zlogLogger) With(kv ...any) Logger {
	ctx := l.z.With()
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		ctx = ctx.Interface(key, kv[i+1])
	}
	return &zlogLogger{z: ctx.Logger()}
}

// NopLogger discards everything; useful in tests.
func NopLogger() Logger { return &zlogLogger{z: zerolog.Nop()} }
