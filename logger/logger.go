package logger

import (
	"io"
	"os"

	"github.com/nshkrdotcom/gemini-ex-sub004/config"
	"github.com/rs/zerolog"
)

// New returns a configured zerolog.Logger for the client: console output
// in development, JSON in production, level from GEMINI_LOG_LEVEL.
func New(cfg *config.Config) zerolog.Logger {
	var out io.Writer = os.Stderr
	if cfg.IsDevelopment() {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
		if cfg.IsDevelopment() {
			lvl = zerolog.DebugLevel
		}
	}
	zerolog.SetGlobalLevel(lvl)
	return zerolog.New(out).With().Timestamp().Str("component", "gemini-client").Logger()
}
