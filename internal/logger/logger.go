package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-cz/devslog"
	"github.com/phsym/console-slog"
	slogformatter "github.com/samber/slog-formatter"
)

// Output formats accepted by InitLogger.
const (
	FormatText    = "text"
	FormatConsole = "console"
	FormatDev     = "dev"
)

var (
	globalLevel  = slog.LevelDebug
	handlerMutex sync.RWMutex
)

// secretKeys are attribute keys whose values never reach the output.
var secretKeys = []string{"password", "authorization", "proxy_authorization"}

// JSONParsingWriter wraps an io.Writer and converts JSON logs to our format
type JSONParsingWriter struct {
	base io.Writer
}

// Write implements io.Writer and parses JSON logs
func (w *JSONParsingWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if !strings.HasPrefix(line, "{") {
		return w.base.Write(p)
	}

	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err != nil {
		return w.base.Write(p)
	}

	level := "info"
	if lv, ok := entry["level"]; ok {
		level = fmt.Sprint(lv)
	}
	message := "unknown"
	if msg, ok := entry["message"]; ok {
		message = fmt.Sprint(msg)
	}
	timestamp := time.Now().Format("15:04:05")
	if t, ok := entry["time"]; ok {
		if ts, err := time.Parse(time.RFC3339, fmt.Sprint(t)); err == nil {
			timestamp = ts.Format("15:04:05")
		}
	}

	var attrs []string
	for k, v := range entry {
		switch k {
		case "level", "message", "time", "caller":
		default:
			attrs = append(attrs, fmt.Sprintf("%s=%v", k, v))
		}
	}

	formatted := fmt.Sprintf("[%s] [%s] %s", timestamp, strings.ToUpper(level), message)
	if len(attrs) > 0 {
		formatted += " " + strings.Join(attrs, " ")
	}
	if _, err := w.base.Write([]byte(formatted + "\n")); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetLevel sets the global log level
func SetLevel(levelStr string) {
	level := ParseLevel(levelStr)
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	globalLevel = level
}

// GetLevel returns the current log level as a string
func GetLevel() string {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()

	switch globalLevel {
	case slog.LevelInfo:
		return "info"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "debug"
	}
}

// ParseLevel parses a string to an slog level
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// dynamicLevel lets third-party handlers follow SetLevel.
type dynamicLevel struct{}

func (dynamicLevel) Level() slog.Level {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return globalLevel
}

// customHandler writes "[time] [LEVEL] msg k=v" lines to every output.
type customHandler struct {
	outs  []io.Writer
	attrs []slog.Attr
	mu    *sync.Mutex
}

// Handle implements slog.Handler
func (h *customHandler) Handle(_ context.Context, record slog.Record) error {
	if record.Level < (dynamicLevel{}).Level() {
		return nil
	}

	var attrs []string
	for _, a := range h.attrs {
		attrs = append(attrs, a.Key+"="+a.Value.String())
	}
	record.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a.Key+"="+a.Value.String())
		return true
	})

	message := record.Message
	if len(attrs) > 0 {
		message += " " + strings.Join(attrs, " ")
	}
	line := "[" + record.Time.Format("15:04:05") + "] [" + strings.ToUpper(record.Level.String()) + "] " + message + "\n"

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, out := range h.outs {
		if out != nil {
			_, _ = out.Write([]byte(line))
		}
	}
	return nil
}

// WithAttrs implements slog.Handler
func (h *customHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &customHandler{outs: h.outs, attrs: merged, mu: h.mu}
}

// WithGroup implements slog.Handler
func (h *customHandler) WithGroup(string) slog.Handler {
	return h
}

// Enabled implements slog.Handler
func (h *customHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= (dynamicLevel{}).Level()
}

// NewHandler builds the handler for the given format, wrapped with error
// formatting and secret masking.
func NewHandler(format string, outputs ...io.Writer) slog.Handler {
	var out io.Writer = io.Discard
	if len(outputs) == 1 {
		out = outputs[0]
	} else if len(outputs) > 1 {
		out = io.MultiWriter(outputs...)
	}

	var base slog.Handler
	switch strings.ToLower(format) {
	case FormatConsole:
		base = console.NewHandler(out, &console.HandlerOptions{
			Level:      dynamicLevel{},
			TimeFormat: time.TimeOnly,
		})
	case FormatDev:
		base = devslog.NewHandler(out, &devslog.Options{
			HandlerOptions: &slog.HandlerOptions{Level: dynamicLevel{}},
			SortKeys:       true,
			TimeFormat:     time.TimeOnly,
		})
	default:
		wrapped := make([]io.Writer, len(outputs))
		for i, o := range outputs {
			wrapped[i] = &JSONParsingWriter{base: o}
		}
		base = &customHandler{outs: wrapped, mu: &sync.Mutex{}}
	}

	formatters := []slogformatter.Formatter{slogformatter.ErrorFormatter("error")}
	for _, key := range secretKeys {
		formatters = append(formatters, slogformatter.FormatByKey(key, maskValue))
	}
	return slogformatter.NewFormatterHandler(formatters...)(base)
}

func maskValue(v slog.Value) slog.Value {
	if v.String() == "" {
		return v
	}
	return slog.StringValue("*****")
}

// InitLogger initializes the global logger with one or more output writers
// using the plain text format.
func InitLogger(outputs ...io.Writer) {
	slog.SetDefault(slog.New(NewHandler(FormatText, outputs...)))
}

// InitLoggerFormat initializes the global logger with the named format.
func InitLoggerFormat(format string, outputs ...io.Writer) {
	slog.SetDefault(slog.New(NewHandler(format, outputs...)))
}
