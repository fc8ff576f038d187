// Package logger builds the zerolog logger shared by every component.
//
// Components never reach for a global logger. The command layer builds one
// [LogData] at startup and passes sub-loggers (With().Str("component", ...))
// into constructors.
package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

const (
	permission = 0664
)

type LogBuild struct {
	writer io.Writer
	path   string
	level  string
}

type LogData struct {
	LogFile *os.File
	Logger  zerolog.Logger
}

func New() *LogBuild {
	return &LogBuild{}
}

func (build *LogBuild) FromPath(path string) *LogBuild {
	build.path = path
	return build
}

func (build *LogBuild) FromBuffer(w io.Writer) *LogBuild {
	build.writer = w
	return build
}

// Level sets the minimum level by name ("debug", "info", "warn", ...).
// An empty or unknown name keeps the default of info.
func (build *LogBuild) Level(level string) *LogBuild {
	build.level = level
	return build
}

func (build *LogBuild) Make() (logData *LogData, err error) {
	logData = new(LogData)
	writer := build.writer
	if writer == nil {
		writer = os.Stderr
	}
	if build.path != "" {
		logData.LogFile, err = os.OpenFile(build.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return nil, err
		}
		writer = zerolog.SyncWriter(logData.LogFile)
	}

	level := zerolog.InfoLevel
	if build.level != "" {
		if parsed, perr := zerolog.ParseLevel(build.level); perr == nil && parsed != zerolog.NoLevel {
			level = parsed
		}
	}
	logData.Logger = zerolog.New(writer).Level(level).With().Timestamp().Logger()
	return
}

// Close closes the log file, if any.
func (d *LogData) Close() error {
	if d.LogFile == nil {
		return nil
	}
	return d.LogFile.Close()
}
