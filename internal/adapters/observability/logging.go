package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const service = "course-reactions"

// NewLogger builds the process logger. dev (or development) writes
// human-readable lines at debug; anything else writes JSON at info.
// A non-empty level (trace..error) overrides either default.
func NewLogger(env, level string) zerolog.Logger {
	return newLogger(os.Stdout, env, level)
}

func newLogger(out io.Writer, env, level string) zerolog.Logger {
	lvl := zerolog.InfoLevel
	dev := env == "dev" || env == "development"
	if dev {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		lvl = zerolog.DebugLevel
	}
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level))); err == nil && level != "" {
		lvl = l
	}
	return zerolog.New(out).With().Timestamp().Str("service", service).Logger().Level(lvl)
}
