package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options holds logger construction knobs.
type Options struct {
	Level  string // debug|info|warn|error
	Format string // json|pretty

	// Stdout/Stderr override the process streams (tests).
	Stdout io.Writer
	Stderr io.Writer
}

// New creates the service logger.
//
// Output is one JSON object per line shaped as
// {ts, level, service:"api", ...context}. INFO and below go to stdout,
// WARN and above to stderr, so collectors can route severities separately.
func New(opts Options) zerolog.Logger {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	zerolog.TimestampFieldName = "ts"
	zerolog.TimeFieldFormat = time.RFC3339

	var level zerolog.Level
	switch opts.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = levelSplitWriter{stdout: opts.Stdout, stderr: opts.Stderr}
	if opts.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        opts.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "api").
		Logger()
}

// levelSplitWriter routes WARN and above to stderr, everything else to
// stdout.
type levelSplitWriter struct {
	stdout io.Writer
	stderr io.Writer
}

func (w levelSplitWriter) Write(p []byte) (int, error) {
	return w.stdout.Write(p)
}

func (w levelSplitWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level >= zerolog.WarnLevel && level < zerolog.NoLevel {
		return w.stderr.Write(p)
	}
	return w.stdout.Write(p)
}
