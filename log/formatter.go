package log

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log entry, independent of
// log/slog.Level so that FormatterHandler can add FATAL without borrowing
// slog's unbounded integer levels for every caller.
type LogLevel int

const (
	// DEBUG is the most verbose level, used for development diagnostics.
	DEBUG LogLevel = iota
	// INFO is for general operational messages.
	INFO
	// WARN indicates a potentially harmful situation.
	WARN
	// ERROR indicates a failure that does not stop the running V-App.
	ERROR
	// FATAL indicates a failure the secure element cannot recover from --
	// the session is torn down immediately after the entry is emitted.
	FATAL
)

// String returns the uppercase name of the level.
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// slogFatalLevel is the slog.Level FATAL entries are logged at: one step
// above slog.LevelError, since slog has no native FATAL. A handler that
// doesn't know about it (e.g. slog.NewJSONHandler via NewWithHandler) still
// renders it correctly because it numerically outranks LevelError.
const slogFatalLevel = slog.LevelError + 4

// levelFromSlog maps an slog.Level to the nearest LogLevel.
func levelFromSlog(l slog.Level) LogLevel {
	switch {
	case l >= slogFatalLevel:
		return FATAL
	case l >= slog.LevelError:
		return ERROR
	case l >= slog.LevelWarn:
		return WARN
	case l >= slog.LevelInfo:
		return INFO
	default:
		return DEBUG
	}
}

// LevelFromString parses a log level from its string representation.
// The match is case-insensitive. Unrecognised strings return INFO.
func LevelFromString(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// LogEntry holds everything a LogFormatter needs to render one log line.
type LogEntry struct {
	Timestamp time.Time
	Level     LogLevel
	Message   string
	Fields    map[string]interface{}
}

// LogFormatter renders a LogEntry into a single printable line (no
// trailing newline).
type LogFormatter interface {
	Format(entry LogEntry) string
}

// ---------------------------------------------------------------------------
// FormatterHandler -- adapts a LogFormatter into an slog.Handler so
// NewWithFormat can drive Text/JSON/Color output through the same
// Logger/Module/With API the rest of the VM uses.
// ---------------------------------------------------------------------------

// FormatterHandler is an slog.Handler that renders every record through a
// LogFormatter and writes the result as one line to w. It is the bridge
// between this package's human-oriented formatters and slog, which
// vanadium-se's -log-format flag selects among at startup.
type FormatterHandler struct {
	mu        *sync.Mutex
	w         io.Writer
	level     slog.Leveler
	formatter LogFormatter
	attrs     []slog.Attr
	groupPfx  string
}

// NewFormatterHandler returns a FormatterHandler that writes lines rendered
// by formatter to w, suppressing records below level.
func NewFormatterHandler(w io.Writer, level slog.Leveler, formatter LogFormatter) *FormatterHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &FormatterHandler{mu: &sync.Mutex{}, w: w, level: level, formatter: formatter}
}

// Enabled reports whether level is at or above the handler's configured
// minimum.
func (h *FormatterHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle renders r through the configured LogFormatter and writes it,
// newline-terminated, to the underlying writer.
func (h *FormatterHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make(map[string]interface{}, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		fields[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		fields[h.groupPfx+a.Key] = a.Value.Any()
		return true
	})

	entry := LogEntry{
		Timestamp: r.Time,
		Level:     levelFromSlog(r.Level),
		Message:   r.Message,
		Fields:    fields,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintln(h.w, h.formatter.Format(entry))
	return err
}

// WithAttrs returns a new handler whose Handle calls additionally carry
// attrs.
func (h *FormatterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := *h
	n.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		n.attrs = append(n.attrs, slog.Attr{Key: h.groupPfx + a.Key, Value: a.Value})
	}
	return &n
}

// WithGroup returns a new handler that prefixes every subsequent attribute
// key with "name.".
func (h *FormatterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	n := *h
	n.groupPfx = h.groupPfx + name + "."
	return &n
}

// ---------------------------------------------------------------------------
// TextFormatter
// ---------------------------------------------------------------------------

// TextFormatter renders log entries as plain text in the format:
//
//	[2024-01-01 12:00:00] INFO  message key=value
type TextFormatter struct {
	// TimeFormat controls the timestamp layout. Defaults to
	// "2006-01-02 15:04:05" when empty.
	TimeFormat string
}

// Format produces a plain-text line for the given entry.
func (f *TextFormatter) Format(entry LogEntry) string {
	tf := f.TimeFormat
	if tf == "" {
		tf = "2006-01-02 15:04:05"
	}

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(entry.Timestamp.Format(tf))
	b.WriteString("] ")
	b.WriteString(fmt.Sprintf("%-5s", entry.Level.String()))
	b.WriteString(" ")
	b.WriteString(entry.Message)
	writeFields(&b, entry.Fields)
	return b.String()
}

// ---------------------------------------------------------------------------
// JSONFormatter
// ---------------------------------------------------------------------------

// JSONFormatter renders log entries as a single JSON object per line.
type JSONFormatter struct {
	// TimeFormat controls the timestamp layout. Defaults to time.RFC3339 when
	// empty.
	TimeFormat string
}

// Format produces a JSON string for the given entry.
func (f *JSONFormatter) Format(entry LogEntry) string {
	tf := f.TimeFormat
	if tf == "" {
		tf = time.RFC3339
	}

	obj := make(map[string]interface{}, 3+len(entry.Fields))
	obj["time"] = entry.Timestamp.Format(tf)
	obj["level"] = entry.Level.String()
	obj["msg"] = entry.Message

	for k, v := range entry.Fields {
		obj[k] = v
	}

	data, err := json.Marshal(obj)
	if err != nil {
		// Fallback: return a best-effort string so logging never panics.
		return fmt.Sprintf(`{"time":%q,"level":%q,"msg":%q,"error":"marshal failed"}`,
			entry.Timestamp.Format(tf), entry.Level.String(), entry.Message)
	}
	return string(data)
}

// ---------------------------------------------------------------------------
// ColorFormatter
// ---------------------------------------------------------------------------

// ANSI color escape codes used by ColorFormatter.
const (
	ansiReset  = "\033[0m"
	ansiGray   = "\033[37m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiRed    = "\033[31m"
	ansiBold   = "\033[1m"
)

// ColorFormatter renders log entries as ANSI-colored text, for a developer
// watching vanadium-se run interactively rather than piping its output to
// a log collector. Each level gets a distinct color:
//
//	DEBUG -> gray
//	INFO  -> green
//	WARN  -> yellow
//	ERROR -> red
//	FATAL -> bold red
type ColorFormatter struct {
	// TimeFormat controls the timestamp layout. Defaults to
	// "2006-01-02 15:04:05" when empty.
	TimeFormat string
}

// colorForLevel returns the ANSI escape sequence for the given level.
func colorForLevel(level LogLevel) string {
	switch level {
	case DEBUG:
		return ansiGray
	case INFO:
		return ansiGreen
	case WARN:
		return ansiYellow
	case ERROR:
		return ansiRed
	case FATAL:
		return ansiBold + ansiRed
	default:
		return ansiReset
	}
}

// Format produces a colored text line for the given entry.
func (f *ColorFormatter) Format(entry LogEntry) string {
	tf := f.TimeFormat
	if tf == "" {
		tf = "2006-01-02 15:04:05"
	}

	color := colorForLevel(entry.Level)

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(entry.Timestamp.Format(tf))
	b.WriteString("] ")
	b.WriteString(color)
	b.WriteString(fmt.Sprintf("%-5s", entry.Level.String()))
	b.WriteString(ansiReset)
	b.WriteString(" ")
	b.WriteString(entry.Message)
	writeFields(&b, entry.Fields)
	return b.String()
}

// writeFields appends each field sorted by key, for deterministic output.
// Shared by TextFormatter and ColorFormatter.
func writeFields(b *strings.Builder, fields map[string]interface{}) {
	if len(fields) == 0 {
		return
	}
	for _, k := range sortedKeys(fields) {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(fmt.Sprintf("%v", fields[k]))
	}
}

// sortedKeys returns the map keys in sorted order.
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FormatterForName resolves a -log-format flag value to a LogFormatter.
// Unrecognised names fall back to JSONFormatter, matching New's default.
func FormatterForName(name string) LogFormatter {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "text":
		return &TextFormatter{}
	case "color", "colour":
		return &ColorFormatter{}
	default:
		return &JSONFormatter{}
	}
}
