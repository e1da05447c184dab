package magma

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	baseLoggerOnce sync.Once
	baseLogger     zerolog.Logger
)

// defaultLogger returns the package-wide fallback logger, a human-readable
// console writer in the style the pack's voice/audio services configure
// for local development. Callers that want structured JSON output or a
// different sink should build their own zerolog.Logger and pass it via
// ManagerOptions.Logger / NodeOptions.Logger instead of relying on this.
func defaultLogger() zerolog.Logger {
	baseLoggerOnce.Do(func() {
		writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		baseLogger = zerolog.New(writer).With().Timestamp().Logger()
	})
	return baseLogger
}
