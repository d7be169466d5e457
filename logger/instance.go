package logger

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
)

var defaultLogger atomic.Pointer[Logger]

func init() {
	logger, err := New(DefaultConfig())
	if err != nil {
		log.Printf("Failed to initialize default logger: %v, using standard log", err)
		return
	}

	defaultLogger.Store(logger)
}

// InitFromConfig initializes the logger from configuration
func InitFromConfig(level, filePath string, maxSize, maxBackups int, console bool) error {
	logLevel, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	logger, err := New(LoggerConfig{
		Level:      logLevel,
		FilePath:   filePath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Console:    console,
	})
	if err != nil {
		return err
	}

	if previous := defaultLogger.Swap(logger); previous != nil {
		previous.Close()
	}
	return nil
}

// Use replaces the default logger, returning the previous one.
func Use(logger *Logger) *Logger {
	return defaultLogger.Swap(logger)
}

// ParseLogLevel parses log level string
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO", "":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level: %s, using default level INFO", level)
	}
}

// SetLevel changes the level of the default logger
func SetLevel(level LogLevel) {
	if l := defaultLogger.Load(); l != nil {
		l.SetLevel(level)
	}
}

func Debug(format string, args ...interface{}) { logAt(DEBUG, format, args...) }
func Info(format string, args ...interface{})  { logAt(INFO, format, args...) }
func Warn(format string, args ...interface{})  { logAt(WARN, format, args...) }
func Error(format string, args ...interface{}) { logAt(ERROR, format, args...) }

// logAt writes through the default logger, or the standard log before one
// is installed. Callers are reported three frames up.
func logAt(level LogLevel, format string, args ...interface{}) {
	if l := defaultLogger.Load(); l != nil {
		l.output(level, 3, format, args...)
		return
	}
	log.Printf("["+level.String()+"] "+format, args...)
}

// Close flushes and closes the default logger's file
func Close() error {
	if l := defaultLogger.Load(); l != nil {
		return l.Close()
	}
	return nil
}
