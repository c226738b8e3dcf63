package log

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Fields = logrus.Fields

// Options selects the level and the optional rotating log file.
type Options struct {
	Level    string
	File     string
	NoColors bool
}

var logger = NewLogger(Options{Level: "info"})

// NewLogger builds a logger writing to stderr and, when File is set, to a
// lumberjack-rotated file. An unknown level falls back to info.
func NewLogger(opts Options) *logrus.Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	l.SetFormatter(&formatter.Formatter{
		NoColors:        opts.NoColors,
		TimestampFormat: "02 Jan 06 - 15:04:05",
		HideKeys:        false,
		CallerFirst:     true,
		CustomCallerFormatter: func(f *runtime.Frame) string {
			s := strings.Split(f.Function, ".")
			funcName := s[len(s)-1]
			if opts.NoColors {
				return fmt.Sprintf(" [%s:%d][%s()]", path.Base(f.File), f.Line, funcName)
			}
			return fmt.Sprintf(" \x1b[%dm[%s:%d][%s()]", 34, path.Base(f.File), f.Line, funcName)
		},
	})

	writers := []io.Writer{os.Stderr}
	if opts.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			LocalTime:  true,
			Compress:   true,
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
		})
	}
	l.SetOutput(io.MultiWriter(writers...))
	l.SetReportCaller(level >= logrus.DebugLevel)

	return l
}

// Init replaces the package logger and returns it.
func Init(opts Options) *logrus.Logger {
	logger = NewLogger(opts)
	return logger
}

// Logger returns the package logger.
func Logger() *logrus.Logger {
	return logger
}

func Debug(fields Fields, msg string) {
	logger.WithFields(fields).Debug(msg)
}

func Info(fields Fields, msg string) {
	logger.WithFields(fields).Info(msg)
}

func Warn(fields Fields, msg string) {
	logger.WithFields(fields).Warn(msg)
}

func Error(fields Fields, msg string) {
	logger.WithFields(fields).Error(msg)
}
