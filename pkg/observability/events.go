package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tapestry-ai/tapestry/pkg/logger"
)

// ============================================================================
// EVENT LOGS
// ============================================================================

// Event is one operational log record. Events land in per-component JSONL
// files under the configured directory, one file per component.
type Event struct {
	TS        time.Time      `json:"ts"`
	Component string         `json:"component"`
	Operation string         `json:"operation"`
	Level     string         `json:"level"`
	KV        map[string]any `json:"kv,omitempty"`
}

// defaultComponent receives records that carry no component attribute.
const defaultComponent = "core"

// EventLog appends events to size-rotated per-component files. A nil
// *EventLog drops everything, so disabled configurations need no guards.
type EventLog struct {
	dir        string
	maxBytes   int64
	maxBackups int
	minLevel   slog.Level
	now        func() time.Time

	mu    sync.Mutex
	files map[string]*eventFile
}

type eventFile struct {
	handle *os.File
	size   int64
}

// NewEventLog opens the event log directory. Returns nil when event logs
// are disabled.
func NewEventLog(cfg EventsConfig) (*EventLog, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return &EventLog{
		dir:        cfg.Dir,
		maxBytes:   int64(cfg.MaxSizeMB) * 1024 * 1024,
		maxBackups: cfg.MaxBackups,
		minLevel:   level,
		now:        time.Now,
		files:      make(map[string]*eventFile),
	}, nil
}

// Log appends one event to the component's file, rotating it first if the
// write would push it past the size limit.
func (l *EventLog) Log(component, operation string, level slog.Level, kv map[string]any) error {
	if l == nil || level < l.minLevel {
		return nil
	}

	event := Event{
		TS:        l.now().UTC(),
		Component: sanitizeComponent(component),
		Operation: operation,
		Level:     levelString(level),
		KV:        kv,
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := l.open(event.Component)
	if err != nil {
		return err
	}
	if file.size+int64(len(line)) > l.maxBytes && file.size > 0 {
		file, err = l.rotate(event.Component, file)
		if err != nil {
			return err
		}
	}
	n, err := file.handle.Write(line)
	file.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Handler adapts the event log into an slog.Handler so it can be teed
// behind the console logger. The record's "component" attribute selects
// the target file; the message becomes the operation.
func (l *EventLog) Handler() slog.Handler {
	return &eventHandler{log: l}
}

// Close closes every open component file.
func (l *EventLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for _, file := range l.files {
		if err := file.handle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.files = make(map[string]*eventFile)
	return firstErr
}

func (l *EventLog) open(component string) (*eventFile, error) {
	if file, ok := l.files[component]; ok {
		return file, nil
	}
	path := l.path(component)
	handle, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log %s: %w", path, err)
	}
	info, err := handle.Stat()
	if err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to stat event log %s: %w", path, err)
	}
	file := &eventFile{handle: handle, size: info.Size()}
	l.files[component] = file
	return file, nil
}

// rotate shifts component.log -> component.log.1 -> ... -> component.log.N,
// dropping the oldest backup, then reopens a fresh file.
func (l *EventLog) rotate(component string, file *eventFile) (*eventFile, error) {
	if err := file.handle.Close(); err != nil {
		return nil, fmt.Errorf("failed to close event log for rotation: %w", err)
	}
	delete(l.files, component)

	base := l.path(component)
	if l.maxBackups > 0 {
		os.Remove(fmt.Sprintf("%s.%d", base, l.maxBackups))
		for i := l.maxBackups - 1; i >= 1; i-- {
			os.Rename(fmt.Sprintf("%s.%d", base, i), fmt.Sprintf("%s.%d", base, i+1))
		}
		if err := os.Rename(base, base+".1"); err != nil {
			return nil, fmt.Errorf("failed to rotate event log: %w", err)
		}
	} else {
		if err := os.Remove(base); err != nil {
			return nil, fmt.Errorf("failed to truncate event log: %w", err)
		}
	}

	return l.open(component)
}

func (l *EventLog) path(component string) string {
	return filepath.Join(l.dir, component+".log")
}

// sanitizeComponent keeps component names safe to use as file names.
func sanitizeComponent(component string) string {
	component = strings.TrimSpace(strings.ToLower(component))
	if component == "" {
		return defaultComponent
	}
	var b strings.Builder
	for _, r := range component {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func levelString(level slog.Level) string {
	s := strings.ToUpper(level.String())
	if s == "WARNING" {
		s = "WARN"
	}
	return s
}

// ============================================================================
// SLOG BRIDGE
// ============================================================================

// eventHandler routes slog records into the event log. Pre-bound attrs from
// Logger.With are folded into every record; a "component" attr (bound or
// per-record) picks the destination file.
type eventHandler struct {
	log       *EventLog
	component string
	prefix    string
	attrs     []slog.Attr
}

func (h *eventHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.log != nil && level >= h.log.minLevel
}

func (h *eventHandler) Handle(ctx context.Context, record slog.Record) error {
	component := h.component
	kv := make(map[string]any, record.NumAttrs()+len(h.attrs))
	for _, attr := range h.attrs {
		collect(kv, &component, attr, "")
	}
	record.Attrs(func(attr slog.Attr) bool {
		collect(kv, &component, attr, h.prefix)
		return true
	})
	if len(kv) == 0 {
		kv = nil
	}
	return h.log.Log(component, record.Message, record.Level, kv)
}

func (h *eventHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &eventHandler{
		log:       h.log,
		component: h.component,
		prefix:    h.prefix,
		attrs:     make([]slog.Attr, 0, len(h.attrs)+len(attrs)),
	}
	next.attrs = append(next.attrs, h.attrs...)
	for _, attr := range attrs {
		if h.prefix == "" && attr.Key == "component" {
			next.component = attr.Value.String()
			continue
		}
		attr.Key = h.prefix + attr.Key
		next.attrs = append(next.attrs, attr)
	}
	return next
}

func (h *eventHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &eventHandler{
		log:       h.log,
		component: h.component,
		prefix:    h.prefix + name + ".",
		attrs:     h.attrs,
	}
}

// collect folds one attr into the kv map. A bare "component" attr routes the
// record instead of landing in kv; prefixed attrs sit inside a group, so they
// never reroute.
func collect(kv map[string]any, component *string, attr slog.Attr, prefix string) {
	if prefix == "" && attr.Key == "component" {
		*component = attr.Value.String()
		return
	}
	key := prefix + attr.Key
	value := attr.Value.Resolve()
	switch value.Kind() {
	case slog.KindString:
		kv[key] = value.String()
	case slog.KindInt64:
		kv[key] = value.Int64()
	case slog.KindUint64:
		kv[key] = value.Uint64()
	case slog.KindFloat64:
		kv[key] = value.Float64()
	case slog.KindBool:
		kv[key] = value.Bool()
	case slog.KindTime:
		kv[key] = value.Time()
	default:
		kv[key] = value.String()
	}
}
