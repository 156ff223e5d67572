// Package logger provides structured logging for timeprobe
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/neutrinoguy/timeprobe/internal/config"
	"github.com/neutrinoguy/timeprobe/internal/exchange"
)

// Log categories
const (
	CategorySystem    = "SYSTEM"
	CategoryExchange  = "EXCHANGE"
	CategoryPoller    = "POLLER"
	CategoryResponder = "RESPONDER"
	CategorySession   = "SESSION"
	CategoryMetrics   = "METRICS"
)

const categoryField = "category"

// LogEntry represents a single log entry
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     logrus.Level           `json:"-"`
	LevelStr  string                 `json:"level"`
	Category  string                 `json:"category"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger wraps a logrus logger with an in-memory ring of recent entries
// and live subscribers for the dashboard.
type Logger struct {
	backend *logrus.Logger

	fileMu   sync.Mutex
	file     *lumberjack.Logger
	fileHook *fileHook

	mu          sync.RWMutex
	entries     []LogEntry
	maxEntries  int
	subscribers []chan LogEntry
}

var globalLogger *Logger
var once sync.Once

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	once.Do(func() {
		globalLogger = New(io.Discard)
	})
	return globalLogger
}

// New creates a logger writing formatted lines to console. Pass io.Discard
// when only the ring buffer should see entries.
func New(console io.Writer) *Logger {
	l := &Logger{
		backend:    logrus.New(),
		maxEntries: 1000,
	}
	l.backend.SetOutput(console)
	l.backend.SetLevel(logrus.InfoLevel)
	l.backend.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.backend.AddHook(&ringHook{l: l})
	return l
}

// Initialize applies level, format and file settings from cfg
func (l *Logger) Initialize(cfg *config.Config) error {
	level, err := ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	l.backend.SetLevel(level)

	switch strings.ToLower(cfg.Logging.Format) {
	case "json":
		l.backend.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.backend.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	l.mu.Lock()
	if cfg.Logging.MaxLogEntries > 0 {
		l.maxEntries = cfg.Logging.MaxLogEntries
	}
	l.mu.Unlock()

	if cfg.Logging.LogToFile {
		dataDir, err := config.EnsureDataDir()
		if err != nil {
			return err
		}
		l.OpenFile(filepath.Join(dataDir, config.LogFileName), cfg.Logging.Rotation)
	}
	return nil
}

// OpenFile sends every entry as a JSON line to a rotating file at path.
// A file opened by an earlier call is closed and replaced.
func (l *Logger) OpenFile(path string, rot config.RotationConfig) {
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rot.MaxSizeMB,  // megabytes
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAgeDays, // days
		Compress:   rot.Compress,
	}

	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	if l.fileHook == nil {
		l.fileHook = &fileHook{w: file, formatter: &logrus.JSONFormatter{}}
		l.backend.AddHook(l.fileHook)
	} else {
		l.fileHook.setWriter(file)
	}
	if l.file != nil {
		l.file.Close()
	}
	l.file = file
}

// SetOutput changes the console writer
func (l *Logger) SetOutput(w io.Writer) {
	l.backend.SetOutput(w)
}

// SetLevel changes the minimum level
func (l *Logger) SetLevel(level logrus.Level) {
	l.backend.SetLevel(level)
}

// Close closes the log file and all subscriptions
func (l *Logger) Close() {
	l.fileMu.Lock()
	if l.file != nil {
		l.fileHook.setWriter(io.Discard)
		l.file.Close()
		l.file = nil
	}
	l.fileMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.subscribers {
		close(ch)
	}
	l.subscribers = nil
}

// Subscribe returns a channel that receives new log entries
func (l *Logger) Subscribe() chan LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan LogEntry, 100)
	l.subscribers = append(l.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscription channel
func (l *Logger) Unsubscribe(ch chan LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, sub := range l.subscribers {
		if sub == ch {
			l.subscribers = append(l.subscribers[:i], l.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

func (l *Logger) log(level logrus.Level, category, message string, fields logrus.Fields) {
	l.backend.WithFields(fields).WithField(categoryField, category).Log(level, message)
}

// Debug logs a debug message
func (l *Logger) Debug(category, message string) {
	l.log(logrus.DebugLevel, category, message, nil)
}

// Info logs an info message
func (l *Logger) Info(category, message string) {
	l.log(logrus.InfoLevel, category, message, nil)
}

// Warn logs a warning message
func (l *Logger) Warn(category, message string) {
	l.log(logrus.WarnLevel, category, message, nil)
}

// Error logs an error message
func (l *Logger) Error(category, message string) {
	l.log(logrus.ErrorLevel, category, message, nil)
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(category, format string, args ...interface{}) {
	l.Debug(category, fmt.Sprintf(format, args...))
}

// Infof logs a formatted info message
func (l *Logger) Infof(category, format string, args ...interface{}) {
	l.Info(category, fmt.Sprintf(format, args...))
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(category, format string, args ...interface{}) {
	l.Warn(category, fmt.Sprintf(format, args...))
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(category, format string, args ...interface{}) {
	l.Error(category, fmt.Sprintf(format, args...))
}

// LogExchange logs the outcome of one exchange with a server
func (l *Logger) LogExchange(server string, res exchange.Result, err error) {
	if err != nil {
		l.log(logrus.WarnLevel, CategoryExchange,
			fmt.Sprintf("Exchange with %s failed: %v", server, err),
			logrus.Fields{"server": server})
		return
	}

	level := logrus.InfoLevel
	msg := fmt.Sprintf("Exchange with %s: offset %v, delay %v, stratum %d",
		server, res.OffsetDuration(), res.DelayDuration(), res.Stratum)
	if res.NegativeDelay() {
		level = logrus.WarnLevel
		msg += " (negative delay)"
	}
	l.log(level, CategoryExchange, msg, logrus.Fields{
		"server":  server,
		"offset":  res.Offset,
		"delay":   res.Delay,
		"stratum": uint8(res.Stratum),
		"refid":   res.ReferenceID.Format(res.Stratum),
	})
}

// GetEntries returns the most recent count entries
func (l *Logger) GetEntries(count int) []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if count <= 0 || count > len(l.entries) {
		count = len(l.entries)
	}
	result := make([]LogEntry, count)
	copy(result, l.entries[len(l.entries)-count:])
	return result
}

// GetAllEntries returns all log entries
func (l *Logger) GetAllEntries() []LogEntry {
	return l.GetEntries(0)
}

// ClearEntries clears all in-memory log entries
func (l *Logger) ClearEntries() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// ExportJSON writes the in-memory entries to path
func (l *Logger) ExportJSON(path string) error {
	data, err := json.MarshalIndent(l.GetAllEntries(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (l *Logger) push(entry LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry)
	if over := len(l.entries) - l.maxEntries; over > 0 {
		l.entries = l.entries[over:]
	}

	for _, ch := range l.subscribers {
		select {
		case ch <- entry:
		default:
			// Channel full, skip
		}
	}
}

// ringHook copies every entry that passes the level filter into the ring.
type ringHook struct {
	l *Logger
}

func (h *ringHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *ringHook) Fire(e *logrus.Entry) error {
	entry := LogEntry{
		Timestamp: e.Time,
		Level:     e.Level,
		LevelStr:  strings.ToUpper(e.Level.String()),
		Message:   e.Message,
	}
	for k, v := range e.Data {
		if k == categoryField {
			entry.Category, _ = v.(string)
			continue
		}
		if entry.Fields == nil {
			entry.Fields = make(map[string]interface{}, len(e.Data))
		}
		entry.Fields[k] = v
	}
	h.l.push(entry)
	return nil
}

// fileHook writes entries with its own formatter, independent of the console one.
type fileHook struct {
	mu        sync.Mutex
	w         io.Writer
	formatter logrus.Formatter
}

func (h *fileHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *fileHook) Fire(e *logrus.Entry) error {
	line, err := h.formatter.Format(e)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.w.Write(line)
	return err
}

func (h *fileHook) setWriter(w io.Writer) {
	h.mu.Lock()
	h.w = w
	h.mu.Unlock()
}

// ParseLevel converts a config level name to a logrus level
func ParseLevel(s string) (logrus.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return logrus.DebugLevel, nil
	case "info", "":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("unknown log level: %s", s)
	}
}

// FormatEntry formats a log entry with tview color tags
func FormatEntry(entry LogEntry) string {
	color := "white"
	switch entry.Level {
	case logrus.DebugLevel, logrus.TraceLevel:
		color = "aqua"
	case logrus.InfoLevel:
		color = "green"
	case logrus.WarnLevel:
		color = "yellow"
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		color = "red"
	}
	return fmt.Sprintf("[%s]%s[-] [%s] %s",
		color, entry.Timestamp.Format("15:04:05"), entry.Category, entry.Message)
}

// FormatEntryPlain formats a log entry without colors
func FormatEntryPlain(entry LogEntry) string {
	return fmt.Sprintf("%s [%s] [%s] %s",
		entry.Timestamp.Format("15:04:05"), entry.LevelStr, entry.Category, entry.Message)
}
