// Package logging builds the service logger: zerolog to stdout (console
// format in development) and, when a file is configured, a rotating JSON
// file written through lumberjack.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction.
type Options struct {
	Development bool
	Level       string
	File        string
	MaxSizeMB   int
	MaxBackups  int
	MaxAgeDays  int
}

// New returns the logger and a closer for the file sink (a no-op closer
// when no file is configured).
func New(opts Options) (zerolog.Logger, io.Closer) {
	var console io.Writer = os.Stdout
	if opts.Development {
		console = zerolog.ConsoleWriter{Out: os.Stdout}
	}

	writer := console
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		writer = zerolog.MultiLevelWriter(console, file)
		closer = file
	}

	SetLevel(opts.Level)
	return zerolog.New(writer).With().Timestamp().Logger(), closer
}

// SetLevel updates the global level. Unknown values fall back to info.
func SetLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return lvl
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
