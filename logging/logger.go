package logging

// Logging for azurepim: logrus with file rotation via lumberjack.

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger levels accepted by Init and AZUREPIM_LOG_LEVEL.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

var (
	initOnce  sync.Once
	logger    = log.New()
	logOutput *lumberjack.Logger
)

// formatter renders entries as "[timestamp] [level] message k=v".
type formatter struct{}

func (f *formatter) Format(entry *log.Entry) ([]byte, error) {
	var buf *bytes.Buffer
	if entry.Buffer != nil {
		buf = entry.Buffer
	} else {
		buf = &bytes.Buffer{}
	}

	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}

	var fields string
	if len(entry.Data) > 0 {
		parts := make([]string, 0, len(entry.Data))
		for _, k := range sortedKeys(entry.Data) {
			parts = append(parts, fmt.Sprintf("%s=%v", k, entry.Data[k]))
		}
		fields = " " + strings.Join(parts, " ")
	}

	fmt.Fprintf(buf, "[%s] [%-5s] %s%s\n",
		entry.Time.Format("2006-01-02 15:04:05"), level, entry.Message, fields)
	return buf.Bytes(), nil
}

func sortedKeys(data log.Fields) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// LogDirectory returns the directory log files are written to.
// On macOS this is ~/Library/Logs/azurepim.
func LogDirectory() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "azurepim")
	}
	return filepath.Join(home, "Library", "Logs", "azurepim")
}

// Init configures the global logger. Safe to call more than once; only the
// first call takes effect. Mirroring to stdout is opt-in via
// AZUREPIM_LOG_TO_STDOUT for headless debugging.
func Init(level string) error {
	var initErr error
	initOnce.Do(func() {
		dir := LogDirectory()
		if err := os.MkdirAll(dir, 0o755); err != nil {
			initErr = fmt.Errorf("failed to create log directory: %w", err)
			return
		}

		logOutput = &lumberjack.Logger{
			Filename:   filepath.Join(dir, "azurepim.log"),
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}

		var out io.Writer = logOutput
		if v := strings.TrimSpace(os.Getenv("AZUREPIM_LOG_TO_STDOUT")); v == "1" || strings.EqualFold(v, "true") {
			out = io.MultiWriter(logOutput, os.Stdout)
		}

		logger.SetOutput(out)
		logger.SetFormatter(&formatter{})
		logger.SetLevel(parseLevel(level))
	})
	if initErr == nil {
		Info("Logger initialized", "level", level)
	}
	return initErr
}

// Close flushes and closes the log file.
func Close() error {
	if logOutput != nil {
		return logOutput.Close()
	}
	return nil
}

func parseLevel(level string) log.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case LevelDebug:
		return log.DebugLevel
	case LevelWarn:
		return log.WarnLevel
	case LevelError:
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// entry converts key-value pairs to a logrus entry. A trailing unpaired key
// is dropped.
func entry(keyValues ...string) *log.Entry {
	if len(keyValues) == 0 {
		return log.NewEntry(logger)
	}
	fields := make(log.Fields, len(keyValues)/2)
	for i := 0; i+1 < len(keyValues); i += 2 {
		fields[keyValues[i]] = keyValues[i+1]
	}
	return logger.WithFields(fields)
}

// Debug logs a debug message with optional key-value pairs.
func Debug(message string, keyValues ...string) {
	entry(keyValues...).Debug(message)
}

// Info logs an info message with optional key-value pairs.
func Info(message string, keyValues ...string) {
	entry(keyValues...).Info(message)
}

// Warn logs a warning message with optional key-value pairs.
func Warn(message string, keyValues ...string) {
	entry(keyValues...).Warn(message)
}

// Error logs an error message with optional key-value pairs.
func Error(message string, keyValues ...string) {
	entry(keyValues...).Error(message)
}
