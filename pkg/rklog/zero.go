package rklog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var Zero = NewZeroLogger("", "info", true)

// NewZeroLogger builds a logger writing to stdout, or to a rotated file when
// filepath is set. Console output is used only when pretty is true.
func NewZeroLogger(filepath string, level string, pretty bool) *zerolog.Logger {
	var output io.Writer = newWriter(filepath)
	if pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339, NoColor: filepath != ""}
	}
	logger := zerolog.New(output).With().Timestamp().Logger().Level(parseLevel(level))

	return &logger
}

// ReloadLogger switches the global logger to a new output, keeping the current level.
func ReloadLogger(filepath string, pretty bool) {
	if filepath == "" {
		return
	}
	Zero = NewZeroLogger(filepath, Zero.GetLevel().String(), pretty)
}

func UpdateZeroLogLevel(logLevel string) error {
	level := parseLevel(logLevel)
	zeroLogger := Zero.With().Logger().Level(level)
	Zero = &zeroLogger
	return nil
}

func newWriter(filepath string) io.Writer {
	if filepath == "" {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   filepath,
		MaxSize:    100, // megabytes
		MaxBackups: 10,
		Compress:   true,
	}
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warning", "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
