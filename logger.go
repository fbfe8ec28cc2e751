package ghgovernor

import (
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Logger is the structured logger used by the governor. keysAndValues
// alternate string keys and arbitrary values.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// ZerologLogger adapts a zerolog.Logger to Logger.
type ZerologLogger struct {
	l zerolog.Logger
}

// NewZerologLogger wraps l.
func NewZerologLogger(l zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{l: l}
}

// NewConsoleLogger builds a human readable logger writing to stderr at the
// given level ("debug", "info", ...). Unknown levels fall back to info.
func NewConsoleLogger(level string) *ZerologLogger {
	return newConsoleLogger(os.Stderr, level)
}

func newConsoleLogger(out io.Writer, level string) *ZerologLogger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	w := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	return NewZerologLogger(zerolog.New(w).Level(lvl).With().Timestamp().Logger())
}

func (z *ZerologLogger) Debug(msg string, keysAndValues ...any) {
	z.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (z *ZerologLogger) Info(msg string, keysAndValues ...any) {
	z.l.Info().Fields(keysAndValues).Msg(msg)
}

func (z *ZerologLogger) Warn(msg string, keysAndValues ...any) {
	z.l.Warn().Fields(keysAndValues).Msg(msg)
}

func (z *ZerologLogger) Error(msg string, keysAndValues ...any) {
	z.l.Error().Fields(keysAndValues).Msg(msg)
}

func newRequestID() string {
	return uuid.NewString()
}
