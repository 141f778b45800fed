// Package logging writes the structured debug log for tark.
//
// Events are JSONL, one object per line, written through a rotating file
// (10MB, 3 backups) under <workspace>/.tark/debug/. Sensitive values are
// redacted before they reach disk.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Category represents the subsystem generating the log.
type Category string

const (
	CategoryService Category = "service"
	CategoryLLMRaw  Category = "llm_raw"
	CategoryTUI     Category = "tui"
)

// Event represents a structured log event.
type Event struct {
	Timestamp     time.Time      `json:"ts"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Category      Category       `json:"category"`
	Level         Level          `json:"level"`
	EventType     string         `json:"event"`
	Message       string         `json:"message,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

const (
	maxLogSizeMB  = 10
	maxLogBackups = 3
)

// Logger writes redacted JSONL events to a rotating debug log.
type Logger struct {
	mu       sync.Mutex
	out      io.WriteCloser
	minLevel Level
}

// New creates a logger writing to <baseDir>/tark-debug.log with rotation.
func New(baseDir string) *Logger {
	return &Logger{
		out: &lumberjack.Logger{
			Filename:   filepath.Join(baseDir, "tark-debug.log"),
			MaxSize:    maxLogSizeMB,
			MaxBackups: maxLogBackups,
		},
		minLevel: LevelInfo,
	}
}

// NewWithWriter creates a logger writing to an arbitrary sink. Used in tests.
func NewWithWriter(w io.WriteCloser) *Logger {
	return &Logger{out: w, minLevel: LevelDebug}
}

// SetMinLevel sets the minimum log level.
func (l *Logger) SetMinLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// Log writes an event to the debug log after redaction.
func (l *Logger) Log(event Event) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.shouldLog(event.Level) {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal log event: %w", err)
	}
	data = append(Redact(data), '\n')

	if _, err := l.out.Write(data); err != nil {
		return fmt.Errorf("write log event: %w", err)
	}
	return nil
}

func (l *Logger) shouldLog(level Level) bool {
	levels := map[Level]int{
		LevelDebug: 0,
		LevelInfo:  1,
		LevelWarn:  2,
		LevelError: 3,
	}
	return levels[level] >= levels[l.minLevel]
}

// Debug logs a debug event.
func (l *Logger) Debug(category Category, correlationID, eventType, message string, details map[string]any) error {
	return l.Log(Event{Level: LevelDebug, Category: category, CorrelationID: correlationID, EventType: eventType, Message: message, Details: details})
}

// Info logs an info event.
func (l *Logger) Info(category Category, correlationID, eventType, message string, details map[string]any) error {
	return l.Log(Event{Level: LevelInfo, Category: category, CorrelationID: correlationID, EventType: eventType, Message: message, Details: details})
}

// Warn logs a warning event.
func (l *Logger) Warn(category Category, correlationID, eventType, message string, details map[string]any) error {
	return l.Log(Event{Level: LevelWarn, Category: category, CorrelationID: correlationID, EventType: eventType, Message: message, Details: details})
}

// Error logs an error event.
func (l *Logger) Error(category Category, correlationID, eventType, message string, details map[string]any) error {
	return l.Log(Event{Level: LevelError, Category: category, CorrelationID: correlationID, EventType: eventType, Message: message, Details: details})
}

// Close closes the underlying log file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}
