// Package logging configures the process-wide zerolog logger, mirroring
// the teacher's system.SetupLogging: console-pretty on a TTY, JSON
// otherwise, level driven by LOG_LEVEL.
package logging

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup installs the global zerolog logger at the given level string
// (one of zerolog's level names; invalid values fall back to info).
func Setup(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var w zerolog.ConsoleWriter
	if isatty.IsTerminal(os.Stderr.Fd()) {
		w = zerolog.NewConsoleWriter(func(cw *zerolog.ConsoleWriter) {
			cw.Out = os.Stderr
		})
		log.Logger = zerolog.New(w).With().Timestamp().Caller().Logger()
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}
