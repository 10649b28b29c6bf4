// Package logging provides the loggers used by the ashep engines: a plain
// text logger for terminals and a structured JSON-lines logger for
// environments where a log agent scrapes stderr.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

// Severity levels for structured logs.
type Severity string

const (
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// severityRank orders severities for threshold filtering.
var severityRank = map[Severity]int{
	SeverityDebug:    0,
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityError:    3,
	SeverityCritical: 4,
}

// Entry is one structured log record.
type Entry struct {
	Severity  Severity               `json:"severity"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component"`
	Labels    map[string]string      `json:"labels,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger is the logging interface the engines hold. Implementations must be
// safe for concurrent use.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warning(format string, args ...interface{})
	Error(format string, args ...interface{})
	Log(severity Severity, message string, fields map[string]interface{})
	Flush() error
	Close() error
}

// Option configures a logger.
type Option func(*options)

type options struct {
	writer io.Writer
	labels map[string]string
	level  Severity
	format string
}

// WithWriter sets a custom writer for log output.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithLabels adds labels to every entry emitted by a JSON logger.
func WithLabels(labels map[string]string) Option {
	return func(o *options) {
		for k, v := range labels {
			o.labels[k] = v
		}
	}
}

// WithLevel sets the minimum severity that will be written.
func WithLevel(level Severity) Option {
	return func(o *options) {
		if _, ok := severityRank[level]; ok {
			o.level = level
		}
	}
}

// WithFormat selects "text" or "json" output.
func WithFormat(format string) Option {
	return func(o *options) { o.format = format }
}

// New creates a logger for the named component. The default is a text logger
// on stderr at INFO; WithFormat("json") switches to structured JSON lines.
func New(component string, opts ...Option) Logger {
	o := &options{
		writer: os.Stderr,
		labels: map[string]string{"component": component},
		level:  SeverityInfo,
		format: "text",
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.format == "json" {
		return &JSONLogger{
			writer:    o.writer,
			component: component,
			labels:    o.labels,
			level:     o.level,
		}
	}
	return &TextLogger{
		logger:    log.New(o.writer, "", log.LstdFlags),
		component: component,
		level:     o.level,
	}
}

// JSONLogger writes one JSON entry per line, the format log agents expect
// when scraping stderr.
type JSONLogger struct {
	writer    io.Writer
	component string
	labels    map[string]string
	level     Severity
	mu        sync.Mutex
	closed    bool
}

// Log writes a structured entry at the given severity.
func (l *JSONLogger) Log(severity Severity, message string, fields map[string]interface{}) {
	if severityRank[severity] < severityRank[l.level] {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	entry := Entry{
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Component: l.component,
		Labels:    l.labels,
	}
	if len(fields) > 0 {
		entry.Fields = fields
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.writer, `{"severity":"ERROR","message":"failed to marshal log entry: %v"}`+"\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *JSONLogger) Debug(format string, args ...interface{}) {
	l.Log(SeverityDebug, fmt.Sprintf(format, args...), nil)
}

func (l *JSONLogger) Info(format string, args ...interface{}) {
	l.Log(SeverityInfo, fmt.Sprintf(format, args...), nil)
}

func (l *JSONLogger) Warning(format string, args ...interface{}) {
	l.Log(SeverityWarning, fmt.Sprintf(format, args...), nil)
}

func (l *JSONLogger) Error(format string, args ...interface{}) {
	l.Log(SeverityError, fmt.Sprintf(format, args...), nil)
}

// Flush syncs the underlying writer when it supports syncing.
func (l *JSONLogger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	if syncer, ok := l.writer.(interface{ Sync() error }); ok {
		return syncer.Sync()
	}
	return nil
}

// Close flushes and marks the logger closed; later writes are dropped.
func (l *JSONLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if syncer, ok := l.writer.(interface{ Sync() error }); ok {
		return syncer.Sync()
	}
	return nil
}

// TextLogger writes human-readable lines through a stdlib *log.Logger.
type TextLogger struct {
	logger    *log.Logger
	component string
	level     Severity
}

func (l *TextLogger) Log(severity Severity, message string, fields map[string]interface{}) {
	if severityRank[severity] < severityRank[l.level] {
		return
	}
	switch severity {
	case SeverityWarning:
		l.logger.Printf("[%s] Warning: %s", l.component, message)
	case SeverityError, SeverityCritical:
		l.logger.Printf("[%s] Error: %s", l.component, message)
	default:
		l.logger.Printf("[%s] %s", l.component, message)
	}
	_ = fields
}

func (l *TextLogger) Debug(format string, args ...interface{}) {
	l.Log(SeverityDebug, fmt.Sprintf(format, args...), nil)
}

func (l *TextLogger) Info(format string, args ...interface{}) {
	l.Log(SeverityInfo, fmt.Sprintf(format, args...), nil)
}

func (l *TextLogger) Warning(format string, args ...interface{}) {
	l.Log(SeverityWarning, fmt.Sprintf(format, args...), nil)
}

func (l *TextLogger) Error(format string, args ...interface{}) {
	l.Log(SeverityError, fmt.Sprintf(format, args...), nil)
}

func (l *TextLogger) Flush() error { return nil }

func (l *TextLogger) Close() error { return nil }

var (
	_ Logger = (*JSONLogger)(nil)
	_ Logger = (*TextLogger)(nil)
)

// Nop returns a logger that discards everything. Used by tests and as a
// default before configuration is loaded.
func Nop() Logger {
	return &TextLogger{logger: log.New(io.Discard, "", 0), level: SeverityCritical, component: "nop"}
}
