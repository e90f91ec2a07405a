// Package logger provides leveled structured logging.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level represents a logging level.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	fatalLevel
)

// Logger provides leveled logging.
type Logger struct {
	level  Level
	json   bool
	logger *log.Logger
}

// FileOptions configures the rotated log file written alongside stderr.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var defaultLogger *Logger

// Init initializes the default logger with the specified level and format.
func Init(level string, format string) {
	initWithWriter(level, format, os.Stderr)
}

// InitWithFile initializes the default logger to write to stderr and to a size-rotated
// file. The returned closer releases the file.
func InitWithFile(level string, format string, file FileOptions) io.Closer {
	rotator := &lumberjack.Logger{
		Filename:   file.Path,
		MaxSize:    file.MaxSizeMB,
		MaxBackups: file.MaxBackups,
		MaxAge:     file.MaxAgeDays,
		Compress:   file.Compress,
	}
	initWithWriter(level, format, io.MultiWriter(os.Stderr, rotator))
	return rotator
}

func initWithWriter(level, format string, w io.Writer) {
	var l Level
	switch strings.ToLower(level) {
	case "debug":
		l = DebugLevel
	case "info":
		l = InfoLevel
	case "warn":
		l = WarnLevel
	case "error":
		l = ErrorLevel
	default:
		l = InfoLevel
	}

	jsonOut := strings.ToLower(format) == "json"
	flags := log.LstdFlags | log.Lmicroseconds
	switch {
	case jsonOut:
		flags = 0
	case strings.ToLower(format) == "text":
		flags |= log.Lshortfile
	}

	defaultLogger = &Logger{
		level:  l,
		json:   jsonOut,
		logger: log.New(w, "", flags),
	}
}

var levelNames = map[Level]string{
	DebugLevel: "debug",
	InfoLevel:  "info",
	WarnLevel:  "warn",
	ErrorLevel: "error",
	fatalLevel: "fatal",
}

// logf writes one entry. calldepth 3 attributes text-mode file:line to the caller of Debug/Info/...
func (l *Logger) logf(lvl Level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if !l.json {
		_ = l.logger.Output(3, "["+strings.ToUpper(levelNames[lvl])+"] "+msg)
		return
	}
	line, err := json.Marshal(struct {
		Time  string `json:"time"`
		Level string `json:"level"`
		Msg   string `json:"msg"`
	}{time.Now().UTC().Format(time.RFC3339Nano), levelNames[lvl], msg})
	if err != nil {
		line = []byte(strconv.Quote(msg))
	}
	_ = l.logger.Output(3, string(line))
}

func Debug(format string, args ...interface{}) {
	if defaultLogger != nil && defaultLogger.level <= DebugLevel {
		defaultLogger.logf(DebugLevel, format, args...)
	}
}

func Info(format string, args ...interface{}) {
	if defaultLogger != nil && defaultLogger.level <= InfoLevel {
		defaultLogger.logf(InfoLevel, format, args...)
	}
}

func Warn(format string, args ...interface{}) {
	if defaultLogger != nil && defaultLogger.level <= WarnLevel {
		defaultLogger.logf(WarnLevel, format, args...)
	}
}

func Error(format string, args ...interface{}) {
	if defaultLogger != nil && defaultLogger.level <= ErrorLevel {
		defaultLogger.logf(ErrorLevel, format, args...)
	}
}

func Fatal(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.logf(fatalLevel, format, args...)
	}
	os.Exit(1)
}
