package observability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Logger provides structured logging with request correlation and sensitive
// data redaction. Every record is written to the configured output (stdout by
// default) and, when a ring buffer is attached, retained for the admin log
// surface. The level, ring, and file mirror are adjustable at runtime and
// shared by every Named clone.
type Logger struct {
	logger  *slog.Logger
	sink    *logSink
	source  string
	redacts []*regexp.Regexp
}

// logSink holds the mutable pieces of the logging pipeline.
type logSink struct {
	mu    sync.Mutex
	ring  *RingBuffer
	level *slog.LevelVar
	out   *teeWriter
}

// teeWriter mirrors every line into an optional log file on top of the
// primary output.
type teeWriter struct {
	mu      sync.Mutex
	primary io.Writer
	file    *os.File
}

func (w *teeWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.primary.Write(p)
	if w.file != nil {
		_, _ = w.file.Write(p)
	}
	return n, err
}

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format specifies output format: "json" or "text"
	Format string

	// Output is the writer for log output (defaults to os.Stdout)
	Output io.Writer

	// Ring receives a copy of every record for the admin surfaces.
	Ring *RingBuffer

	// RedactPatterns are additional regex patterns for sensitive data
	// redaction on top of the defaults.
	RedactPatterns []string
}

// ContextKey is the type for context keys used in logging.
type ContextKey string

const (
	// TurnIDKey is the context key carrying the current turn ID.
	TurnIDKey ContextKey = "turn_id"

	// UserIDKey is the context key carrying the current user ID.
	UserIDKey ContextKey = "user_id"
)

// DefaultRedactPatterns contains regex patterns for common sensitive data.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`,
	`sk-ant-[a-zA-Z0-9_-]{95,}`,
	`sk-[a-zA-Z0-9]{48,}`,
}

// NewLogger creates a structured logger. If config.Output is nil, records go
// to os.Stdout; unknown levels default to "info"; an empty format means JSON.
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.Level == "" {
		config.Level = "info"
	}
	if config.Format == "" {
		config.Format = "json"
	}

	level := new(slog.LevelVar)
	level.Set(parseLevel(config.Level))
	out := &teeWriter{primary: config.Output}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if config.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	redacts := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns)+len(config.RedactPatterns))
	for _, pattern := range append(append([]string{}, DefaultRedactPatterns...), config.RedactPatterns...) {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{
		logger:  slog.New(handler),
		sink:    &logSink{ring: config.Ring, level: level, out: out},
		redacts: redacts,
	}
}

// Named returns a logger that stamps records with the given source component.
func (l *Logger) Named(source string) *Logger {
	clone := *l
	clone.source = source
	return &clone
}

// Ring exposes the attached ring buffer, if any.
func (l *Logger) Ring() *RingBuffer {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return l.sink.ring
}

// AttachRing connects a ring buffer after construction. Named clones created
// earlier pick it up too.
func (l *Logger) AttachRing(rb *RingBuffer) {
	l.sink.mu.Lock()
	l.sink.ring = rb
	l.sink.mu.Unlock()
}

// SetLevel adjusts the minimum level at runtime. Valve listeners call this
// when log_level changes.
func (l *Logger) SetLevel(level string) {
	l.sink.level.Set(parseLevel(level))
}

// SetLogFile mirrors output into the given file, appending. An empty path
// stops mirroring. The previous file, if any, is closed.
func (l *Logger) SetLogFile(path string) error {
	l.sink.out.mu.Lock()
	defer l.sink.out.mu.Unlock()
	if l.sink.out.file != nil {
		_ = l.sink.out.file.Close()
		l.sink.out.file = nil
	}
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.sink.out.file = f
	return nil
}

// Debug logs a debug-level message with optional key-value pairs.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs an info-level message with optional key-value pairs.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs a warning-level message with optional key-value pairs.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs an error-level message with optional key-value pairs.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	msg = l.redactString(msg)

	turnID, _ := ctx.Value(TurnIDKey).(string)
	userID, _ := ctx.Value(UserIDKey).(string)

	attrs := make([]any, 0, len(args)+6)
	if l.source != "" {
		attrs = append(attrs, "source", l.source)
	}
	if turnID != "" {
		attrs = append(attrs, "turn_id", turnID)
	}
	if userID != "" {
		attrs = append(attrs, "user_id", userID)
	}

	fields := make(map[string]any, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		val := l.redactValue(args[i+1])
		attrs = append(attrs, key, val)
		fields[key] = val
	}

	l.logger.Log(ctx, level, msg, attrs...)

	l.sink.mu.Lock()
	ring := l.sink.ring
	l.sink.mu.Unlock()
	if ring != nil && level >= l.sink.level.Level() {
		ring.Append(Record{
			Time:    time.Now(),
			Level:   levelName(level),
			Source:  l.source,
			Message: msg,
			TurnID:  turnID,
			Fields:  fields,
		})
	}
}

func levelName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "error"
	case level >= slog.LevelWarn:
		return "warn"
	case level >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}

func (l *Logger) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return l.redactString(val)
	case error:
		if val == nil {
			return nil
		}
		return l.redactString(val.Error())
	case []byte:
		return l.redactString(string(val))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if sensitiveKey(k) {
				out[k] = "[REDACTED]"
				continue
			}
			out[k] = l.redactValue(item)
		}
		return out
	default:
		if b, err := json.Marshal(v); err == nil && l.matchesAny(string(b)) {
			return l.redactString(string(b))
		}
		return v
	}
}

func (l *Logger) matchesAny(s string) bool {
	for _, re := range l.redacts {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func (l *Logger) redactString(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

func sensitiveKey(k string) bool {
	switch strings.ToLower(strings.ReplaceAll(k, "-", "_")) {
	case "password", "passwd", "secret", "token", "api_key", "apikey",
		"private_key", "privatekey", "auth", "authorization":
		return true
	}
	return false
}
