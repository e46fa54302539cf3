// Package logger provides leveled logging to stdout and an optional rotating
// log file, with a channel broadcast for live streaming to clients.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the severity level of a log message.
type LogLevel string

const (
	Debug LogLevel = "DEBUG"
	Info  LogLevel = "INFO"
	Warn  LogLevel = "WARN"
	Error LogLevel = "ERROR"
)

// minLevel is the minimum log level to output. Messages below this level are filtered.
var minLevel LogLevel = Info

func levelPriority(level LogLevel) int {
	switch level {
	case Debug:
		return 0
	case Info:
		return 1
	case Warn:
		return 2
	case Error:
		return 3
	default:
		return 1
	}
}

// SetLevel sets the minimum log level. Valid values: "debug", "info", "warn", "error"
func SetLevel(level string) {
	switch level {
	case "debug":
		minLevel = Debug
	case "info":
		minLevel = Info
	case "warn":
		minLevel = Warn
	case "error":
		minLevel = Error
	default:
		minLevel = Info
	}
}

// LogEntry represents a single log message with metadata for streaming to clients.
type LogEntry struct {
	Timestamp string   `json:"timestamp"`
	Level     LogLevel `json:"level"`
	Message   string   `json:"message"`
}

var (
	listeners    []chan LogEntry
	mu           sync.Mutex
	fileLogger   *lumberjack.Logger
	rolloverStop chan struct{}
)

func init() {
	listeners = make([]chan LogEntry, 0)
	log.SetOutput(os.Stdout)
	log.SetFlags(0) // timestamps are rendered by Log itself
}

// Init directs output to stdout plus a rotating file. rollover selects the
// time-based rotation period: "daily", "hourly", "minutely" or "never"
// (size-based rotation via lumberjack still applies). An empty logFile keeps
// stdout-only logging.
func Init(logFile, rollover string) {
	if logFile == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0700); err != nil {
		log.Printf("Failed to create log directory: %v", err)
		return
	}

	fileLogger = &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    100, // megabytes
		MaxBackups: 7,
		MaxAge:     28, // days
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, fileLogger))

	if period := rolloverPeriod(rollover); period > 0 {
		rolloverStop = make(chan struct{})
		go rotateEvery(period, rolloverStop)
	}
}

// Close stops the rollover goroutine and closes the log file.
func Close() {
	if rolloverStop != nil {
		close(rolloverStop)
		rolloverStop = nil
	}
	if fileLogger != nil {
		_ = fileLogger.Close()
		fileLogger = nil
		log.SetOutput(os.Stdout)
	}
}

func rolloverPeriod(rollover string) time.Duration {
	switch rollover {
	case "daily":
		return 24 * time.Hour
	case "hourly":
		return time.Hour
	case "minutely":
		return time.Minute
	default: // "never" or unknown
		return 0
	}
}

// rotateEvery rotates the file at each period boundary, so a daily rollover
// happens at midnight rather than 24h after startup.
func rotateEvery(period time.Duration, stop chan struct{}) {
	for {
		now := time.Now()
		next := now.Truncate(period).Add(period)
		select {
		case <-stop:
			return
		case <-time.After(next.Sub(now)):
			if fileLogger != nil {
				if err := fileLogger.Rotate(); err != nil {
					log.Printf("Log rotation failed: %v", err)
				}
			}
		}
	}
}

// Subscribe returns a channel that receives all log entries for real-time streaming.
func Subscribe() chan LogEntry {
	mu.Lock()
	defer mu.Unlock()
	ch := make(chan LogEntry, 100)
	listeners = append(listeners, ch)
	return ch
}

// Unsubscribe removes a log listener channel and closes it.
func Unsubscribe(ch chan LogEntry) {
	mu.Lock()
	defer mu.Unlock()
	for i, l := range listeners {
		if l == ch {
			listeners = append(listeners[:i], listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

func broadcast(entry LogEntry) {
	mu.Lock()
	defer mu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- entry:
		default:
			// Drop message if channel is full to prevent blocking
		}
	}
}

// Log writes a formatted message at the specified level to stdout, file, and subscribers.
func Log(level LogLevel, format string, v ...interface{}) {
	if levelPriority(level) < levelPriority(minLevel) {
		return
	}

	msg := fmt.Sprintf(format, v...)
	timestamp := time.Now().Format(time.RFC3339)

	log.Printf("%s [%s] %s", timestamp, level, msg)

	broadcast(LogEntry{
		Timestamp: timestamp,
		Level:     level,
		Message:   msg,
	})
}

// Infof logs a formatted message at INFO level.
func Infof(format string, v ...interface{}) {
	Log(Info, format, v...)
}

// Errorf logs a formatted message at ERROR level.
func Errorf(format string, v ...interface{}) {
	Log(Error, format, v...)
}

// Debugf logs a formatted message at DEBUG level.
func Debugf(format string, v ...interface{}) {
	Log(Debug, format, v...)
}

// Warnf logs a formatted message at WARN level.
func Warnf(format string, v ...interface{}) {
	Log(Warn, format, v...)
}
