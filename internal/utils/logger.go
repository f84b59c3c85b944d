// internal/utils/logger.go
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// LogLevel orders log severities
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARNING
	ERROR
	FATAL
)

var levelNames = [...]string{
	DEBUG:   "DEBUG",
	INFO:    "INFO",
	WARNING: "WARNING",
	ERROR:   "ERROR",
	FATAL:   "FATAL",
}

func levelName(level LogLevel) string {
	if level < DEBUG || level > FATAL {
		return "UNKNOWN"
	}
	return levelNames[level]
}

// The active log file is rotated with a timestamp suffix once it crosses this size.
const maxLogFileSize = 20 << 20 // 20 MB

// Logger writes structured entries to stdout and an optional rotating log file
type Logger struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	size    int64
	level   LogLevel
	enabled bool
}

// LogEntry represents a single structured entry
type LogEntry struct {
	Level     string                 `json:"level"`
	Timestamp time.Time              `json:"timestamp"`
	Message   string                 `json:"message"`
	File      string                 `json:"file"`
	Line      int                    `json:"line"`
	Func      string                 `json:"func"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

var (
	globalLogger *Logger
	loggerOnce   sync.Once
)

// GetLogger lazily builds and returns the shared logger
func GetLogger() *Logger {
	loggerOnce.Do(func() {
		globalLogger = &Logger{level: INFO, enabled: true}
	})
	return globalLogger
}

// InitLogger attaches a log file to the global logger, creating the
// directory as needed. Entries keep going to stdout as well.
func InitLogger(logFile string) error {
	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	l := GetLogger()
	l.mu.Lock()
	defer l.mu.Unlock()

	// Swap out any previously attached file
	if l.file != nil {
		l.file.Close()
	}
	l.file = file
	l.path = logFile
	l.size = info.Size()
	return nil
}

// SetLogLevel raises or lowers the emission threshold
func (l *Logger) SetLogLevel(level LogLevel) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// Enable switches log output on or off
func (l *Logger) Enable(enabled bool) {
	l.mu.Lock()
	l.enabled = enabled
	l.mu.Unlock()
}

// Close detaches the log file. Subsequent entries only reach stdout.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.path = ""
	l.size = 0
	return err
}

// emit renders one entry and writes it to the file (if attached) and stdout
func (l *Logger) emit(level LogLevel, message string, fields map[string]interface{}) {
	if !l.enabled || level < l.level {
		return
	}

	entry := LogEntry{
		Level:     levelName(level),
		Timestamp: time.Now(),
		Message:   message,
		Fields:    fields,
	}

	// Caller information: skip emit() and its public wrapper
	if pc, file, line, ok := runtime.Caller(2); ok {
		entry.File = filepath.Base(file)
		entry.Line = line
		if fn := runtime.FuncForPC(pc); fn != nil {
			name := fn.Name()
			if idx := strings.LastIndex(name, "/"); idx >= 0 {
				name = name[idx+1:]
			}
			entry.Func = name
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s %s:%d:%s - %s",
		entry.Level, entry.Timestamp.Format("2006-01-02 15:04:05.000"),
		entry.File, entry.Line, entry.Func, entry.Message)
	if len(entry.Fields) > 0 {
		sb.WriteString(" |")
		for key, value := range entry.Fields {
			fmt.Fprintf(&sb, " %s=%v", key, value)
		}
	}
	sb.WriteByte('\n')
	line := sb.String()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		n, _ := l.file.WriteString(line)
		l.file.Sync()
		l.size += int64(n)
		if l.size >= maxLogFileSize {
			l.rotate()
		}
	}
	os.Stdout.WriteString(line)

	if level == FATAL {
		os.Exit(1)
	}
}

// rotate renames the active file with a timestamp suffix and reopens a
// fresh one. Callers must hold l.mu.
func (l *Logger) rotate() {
	if l.file == nil || l.path == "" {
		return
	}

	l.file.Close()

	rotated := fmt.Sprintf("%s.%s", l.path, time.Now().Format("20060102_150405"))
	os.Rename(l.path, rotated)

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		// Rotation failed, keep running on stdout only
		l.file = nil
		l.size = 0
		return
	}

	l.file = file
	l.size = 0
}

// Debug logs at DEBUG level with optional structured fields
func (l *Logger) Debug(message string, fields map[string]interface{}) {
	l.emit(DEBUG, message, fields)
}

// Info logs at INFO level with optional structured fields
func (l *Logger) Info(message string, fields map[string]interface{}) {
	l.emit(INFO, message, fields)
}

// Warn logs at WARNING level with optional structured fields
func (l *Logger) Warn(message string, fields map[string]interface{}) {
	l.emit(WARNING, message, fields)
}

// Error logs at ERROR level with optional structured fields
func (l *Logger) Error(message string, fields map[string]interface{}) {
	l.emit(ERROR, message, fields)
}

// Fatal logs at FATAL level and exits the process
func (l *Logger) Fatal(message string, fields map[string]interface{}) {
	l.emit(FATAL, message, fields)
}

// Debugf logs a formatted message at DEBUG level
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.emit(DEBUG, fmt.Sprintf(format, args...), nil)
}

// Infof logs a formatted message at INFO level
func (l *Logger) Infof(format string, args ...interface{}) {
	l.emit(INFO, fmt.Sprintf(format, args...), nil)
}

// Warnf logs a formatted message at WARNING level
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.emit(WARNING, fmt.Sprintf(format, args...), nil)
}

// Errorf logs a formatted message at ERROR level
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.emit(ERROR, fmt.Sprintf(format, args...), nil)
}

// Fatalf logs a formatted message at FATAL level and exits the process
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.emit(FATAL, fmt.Sprintf(format, args...), nil)
}
