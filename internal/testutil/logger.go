package testutil

import (
	"fmt"
	"sync"
)

// LogEntry is one message captured by RecordingLogger.
type LogEntry struct {
	Level string
	Msg   string
	Attrs map[string]any
}

// Tag returns the "tag" attribute, or "".
func (e LogEntry) Tag() string {
	s, _ := e.Attrs["tag"].(string)
	return s
}

// RecordingLogger captures log messages so tests can assert on warnings.
// Safe for concurrent use.
type RecordingLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

func NewRecordingLogger() *RecordingLogger {
	return &RecordingLogger{}
}

func (l *RecordingLogger) record(level, msg string, args []any) {
	attrs := make(map[string]any, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		attrs[fmt.Sprint(args[i])] = args[i+1]
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, LogEntry{Level: level, Msg: msg, Attrs: attrs})
}

func (l *RecordingLogger) Debug(msg string, args ...any) { l.record("DEBUG", msg, args) }
func (l *RecordingLogger) Info(msg string, args ...any)  { l.record("INFO", msg, args) }
func (l *RecordingLogger) Warn(msg string, args ...any)  { l.record("WARN", msg, args) }
func (l *RecordingLogger) Error(msg string, args ...any) { l.record("ERROR", msg, args) }

// Entries returns a copy of everything logged so far.
func (l *RecordingLogger) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LogEntry(nil), l.entries...)
}

// Tagged returns the entries carrying tag.
func (l *RecordingLogger) Tagged(tag string) []LogEntry {
	var out []LogEntry
	for _, e := range l.Entries() {
		if e.Tag() == tag {
			out = append(out, e)
		}
	}
	return out
}

// HasTag reports whether any entry carries tag.
func (l *RecordingLogger) HasTag(tag string) bool {
	return len(l.Tagged(tag)) > 0
}
