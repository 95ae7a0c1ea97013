package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds the process logger. format "text" selects the console writer;
// anything else logs JSON. All output passes through a RedactWriter.
func New(level, format string) zerolog.Logger {
	return newWithWriter(os.Stderr, level, format)
}

func newWithWriter(out io.Writer, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	if format == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = NewRedactWriter(out)
		cw.NoColor = true
		return zerolog.New(cw).Level(lvl).With().Timestamp().Logger()
	}
	return zerolog.New(NewRedactWriter(out)).Level(lvl).With().Timestamp().Logger()
}
