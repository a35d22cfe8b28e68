package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// rvHandler formats log records as:
//
//	<timestamp>\t<level>\t<opID>\t[<tag>] <message>\t<key=value ...>
//
// A "tag" attribute names an operator-visible event (ExtraUnknownFile,
// BackendQuotaNear, ...) and is lifted in front of the message so log files
// can be searched by event. Every record goes to file; records at or above
// consoleLevel are echoed to console.
type rvHandler struct {
	file         io.Writer
	console      io.Writer
	consoleLevel slog.Level
	opID         string
	group        string
	attrs        []slog.Attr

	// shared by every handler derived through WithAttrs/WithGroup
	mu *sync.Mutex
}

func newRVHandler(file, console io.Writer, consoleLevel slog.Level, opID string) *rvHandler {
	return &rvHandler{file: file, console: console, consoleLevel: consoleLevel, opID: opID, mu: &sync.Mutex{}}
}

// Enabled is true for every level: the log file is the full record of an
// operation.
func (h *rvHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }

func (h *rvHandler) Handle(_ context.Context, r slog.Record) error {
	var tag string
	var rest []string
	add := func(key string, v slog.Value) {
		if key == "tag" {
			tag = v.String()
			return
		}
		rest = append(rest, key+"="+formatValue(v))
	}
	for _, a := range h.attrs {
		add(a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		add(h.qualify(a.Key), a.Value)
		return true
	})

	msg := r.Message
	if tag != "" {
		msg = "[" + tag + "] " + msg
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s\t%s\t%s\t%s", r.Time.UTC().Format("2006-01-02T15:04:05Z"), r.Level, h.opID, msg)
	for _, kv := range rest {
		buf.WriteByte('\t')
		buf.WriteString(kv)
	}
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.file.Write(buf.Bytes()); err != nil {
		return err
	}
	if h.console != nil && r.Level >= h.consoleLevel {
		_, err := h.console.Write(buf.Bytes())
		return err
	}
	return nil
}

func (h *rvHandler) qualify(key string) string {
	if h.group == "" {
		return key
	}
	return h.group + "." + key
}

func (h *rvHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		h2.attrs = append(h2.attrs, slog.Attr{Key: h.qualify(a.Key), Value: a.Value})
	}
	return &h2
}

func (h *rvHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.group = h.qualify(name)
	return &h2
}

// formatValue renders a value on one line. Strings that would break the
// tab/space separated layout are quoted.
func formatValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		s := v.String()
		if s == "" || strings.ContainsAny(s, " \t\n\"=") {
			return strconv.Quote(s)
		}
		return s
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return strconv.Quote(err.Error())
		}
	}
	return v.String()
}

// newLogger creates a logger writing every record to logDir/rv.log and
// records at or above consoleLevel to stderr. It returns the open log file
// for the caller to close.
func newLogger(logDir, opID string, consoleLevel slog.Level) (*slog.Logger, *os.File, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(logDir, "rv.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	return slog.New(newRVHandler(f, os.Stderr, consoleLevel, opID)), f, nil
}

// slogAdapter wraps *slog.Logger to satisfy the rv.Logger interface.
type slogAdapter struct {
	l *slog.Logger
}

func (a *slogAdapter) Debug(msg string, args ...any) { a.l.Debug(msg, args...) }
func (a *slogAdapter) Info(msg string, args ...any)  { a.l.Info(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.l.Warn(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.l.Error(msg, args...) }
