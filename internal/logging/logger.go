package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TurnLog is a single tier-2 ops journal entry: one processed message turn.
type TurnLog struct {
	Timestamp    time.Time `json:"timestamp"`
	TurnID       string    `json:"turn_id"`
	SessionID    string    `json:"session_id"`
	Route        string    `json:"route,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	Blocked      bool      `json:"blocked"`
	Reason       string    `json:"reason,omitempty"`
	InputChars   int       `json:"input_chars"`
	OutputChars  int       `json:"output_chars,omitempty"`
	ContextItems int       `json:"context_items,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Logger writes the tier-2 ops journal (logs/tier2/ops.jsonl). Unlike the
// tier-1 audit journal this file is rotatable: the maintenance cycle may
// compress and remove it, after which Reopen makes the writer recreate it.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	path    string
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default turn logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the journal path and opens it for appending.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	l.path = path
	l.file = f
	return nil
}

// SetConsole enables/disables the human-readable console mirror.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Reopen closes and reopens the journal file. Called after log rotation so
// new entries land in a fresh file instead of the removed inode.
func (l *Logger) Reopen() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.path == "" {
		return nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// Log writes a turn entry.
func (l *Logger) Log(entry *TurnLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now().UTC()

	if l.console {
		status := "✓"
		if entry.Blocked || entry.Error != "" {
			status = "✗"
		}
		blocked := ""
		if entry.Blocked {
			blocked = fmt.Sprintf(" [blocked:%s]", entry.Reason)
		}
		route := ""
		if entry.Route != "" {
			route = " via " + entry.Route
		}
		fmt.Printf("[turn] %s %s %dms%s%s\n",
			status, entry.TurnID, entry.DurationMs, route, blocked)
		if entry.Error != "" {
			fmt.Printf("[turn]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the journal file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
