// Package logger writes leveled, structured log lines for the service.
//
// Two process loggers exist: the app logger used by every component and the
// database logger fed by gorm. Both render JSON by default or a single text
// line per entry, and both pick up the fields carried on a request context
// (request id, user id and anything added with ContextWithFields) so a
// webhook, the transfer it triggers and the SQL it runs share one trail.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level is the severity of an entry
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

func (l Level) rank() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	}
	return 1
}

// ParseLevel maps a config value such as "debug" or "WARN" to a Level.
// Unknown values fall back to INFO.
func ParseLevel(s string) Level {
	switch lvl := Level(strings.ToUpper(strings.TrimSpace(s))); lvl {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return lvl
	}
	return LevelInfo
}

// Format selects how entries are rendered
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Entry is one rendered log line
type Entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     Level                  `json:"level"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Stack     []string               `json:"stack,omitempty"`
}

// Config holds logger configuration
type Config struct {
	Output    io.Writer
	MinLevel  Level
	WithStack bool
	Format    Format
}

// sink is the shared writer behind a Logger and every FieldLogger derived from it
type sink struct {
	mu        sync.Mutex
	out       io.Writer
	min       Level
	withStack bool
	format    Format
}

// Logger writes entries without preset fields
type Logger struct {
	sink *sink
}

// FieldLogger writes entries carrying a fixed set of fields
type FieldLogger struct {
	sink   *sink
	fields map[string]interface{}
}

// New creates a logger. Output defaults to stdout, level to INFO and format to JSON.
func New(cfg Config) *Logger {
	s := &sink{out: cfg.Output, min: cfg.MinLevel, withStack: cfg.WithStack, format: cfg.Format}
	if s.out == nil {
		s.out = os.Stdout
	}
	if s.min == "" {
		s.min = LevelInfo
	}
	if s.format != FormatText {
		s.format = FormatJSON
	}
	return &Logger{sink: s}
}

// Default is an INFO JSON logger on stdout
func Default() *Logger {
	return New(Config{})
}

// NewWithLevel creates a stdout logger; stacks are captured at debug level
func NewWithLevel(level string) *Logger {
	lvl := ParseLevel(level)
	return New(Config{MinLevel: lvl, WithStack: lvl == LevelDebug})
}

var (
	appLogger      atomic.Pointer[Logger]
	databaseLogger atomic.Pointer[Logger]
)

func loadOrDefault(p *atomic.Pointer[Logger]) *Logger {
	if l := p.Load(); l != nil {
		return l
	}
	p.CompareAndSwap(nil, Default())
	return p.Load()
}

// AppLogger returns the process application logger
func AppLogger() *Logger { return loadOrDefault(&appLogger) }

// DatabaseLogger returns the logger gorm writes through
func DatabaseLogger() *Logger { return loadOrDefault(&databaseLogger) }

// SetAppLogger replaces the application logger
func SetAppLogger(l *Logger) { appLogger.Store(l) }

// SetDatabaseLogger replaces the database logger
func SetDatabaseLogger(l *Logger) { databaseLogger.Store(l) }

// InitializeLoggers sets both loggers to stdout at the given levels
func InitializeLoggers(appLevel, dbLevel string) {
	appLogger.Store(NewWithLevel(appLevel))
	databaseLogger.Store(NewWithLevel(dbLevel))
}

// Options configures both process loggers at startup
type Options struct {
	AppLevel      string
	DatabaseLevel string
	Format        string
	File          FileConfig
}

// Initialize configures the app and database loggers. With File.Path set,
// output goes to stdout and a rotating log file.
func Initialize(opts Options) {
	var out io.Writer = os.Stdout
	if opts.File.Path != "" {
		out = io.MultiWriter(os.Stdout, NewRotatingWriter(opts.File))
	}
	format := Format(strings.ToLower(opts.Format))

	build := func(level string) *Logger {
		lvl := ParseLevel(level)
		return New(Config{Output: out, MinLevel: lvl, WithStack: lvl == LevelDebug, Format: format})
	}
	appLogger.Store(build(opts.AppLevel))
	databaseLogger.Store(build(opts.DatabaseLevel))
}

// Enabled reports whether entries at level are written
func (l *Logger) Enabled(level Level) bool {
	return level.rank() >= l.sink.min.rank()
}

func (l *Logger) Debug(msg string) { l.sink.write(nil, LevelDebug, msg, nil, nil) }
func (l *Logger) Info(msg string) { l.sink.write(nil, LevelInfo, msg, nil, nil) }
func (l *Logger) Warn(msg string) { l.sink.write(nil, LevelWarn, msg, nil, nil) }
func (l *Logger) Error(msg string, err error) { l.sink.write(nil, LevelError, msg, nil, err) }

func (l *Logger) DebugContext(ctx context.Context, msg string) {
	l.sink.write(ctx, LevelDebug, msg, nil, nil)
}

func (l *Logger) InfoContext(ctx context.Context, msg string) {
	l.sink.write(ctx, LevelInfo, msg, nil, nil)
}

func (l *Logger) WarnContext(ctx context.Context, msg string) {
	l.sink.write(ctx, LevelWarn, msg, nil, nil)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, err error) {
	l.sink.write(ctx, LevelError, msg, nil, err)
}

// WithField returns a field logger carrying a single key
func (l *Logger) WithField(key string, value interface{}) *FieldLogger {
	return &FieldLogger{sink: l.sink, fields: map[string]interface{}{key: value}}
}

// WithFields returns a field logger carrying a copy of fields
func (l *Logger) WithFields(fields map[string]interface{}) *FieldLogger {
	return &FieldLogger{sink: l.sink, fields: merge(nil, fields)}
}

// WithField adds one key to a copy of the field logger
func (fl *FieldLogger) WithField(key string, value interface{}) *FieldLogger {
	return fl.WithFields(map[string]interface{}{key: value})
}

// WithFields merges more fields into a copy of the field logger
func (fl *FieldLogger) WithFields(fields map[string]interface{}) *FieldLogger {
	return &FieldLogger{sink: fl.sink, fields: merge(fl.fields, fields)}
}

func (fl *FieldLogger) Debug(msg string) { fl.sink.write(nil, LevelDebug, msg, fl.fields, nil) }
func (fl *FieldLogger) Info(msg string) { fl.sink.write(nil, LevelInfo, msg, fl.fields, nil) }
func (fl *FieldLogger) Warn(msg string) { fl.sink.write(nil, LevelWarn, msg, fl.fields, nil) }
func (fl *FieldLogger) Error(msg string, err error) { fl.sink.write(nil, LevelError, msg, fl.fields, err) }

func (fl *FieldLogger) DebugContext(ctx context.Context, msg string) {
	fl.sink.write(ctx, LevelDebug, msg, fl.fields, nil)
}

func (fl *FieldLogger) InfoContext(ctx context.Context, msg string) {
	fl.sink.write(ctx, LevelInfo, msg, fl.fields, nil)
}

func (fl *FieldLogger) WarnContext(ctx context.Context, msg string) {
	fl.sink.write(ctx, LevelWarn, msg, fl.fields, nil)
}

func (fl *FieldLogger) ErrorContext(ctx context.Context, msg string, err error) {
	fl.sink.write(ctx, LevelError, msg, fl.fields, err)
}

// write renders one entry. Context fields come first so explicit fields win.
func (s *sink) write(ctx context.Context, level Level, msg string, fields map[string]interface{}, err error) {
	if level.rank() < s.min.rank() {
		return
	}

	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   msg,
		Context:   merge(FieldsFromContext(ctx), fields),
	}
	if len(entry.Context) == 0 {
		entry.Context = nil
	}
	if err != nil {
		entry.Error = err.Error()
		if s.withStack && level == LevelError {
			entry.Stack = callerStack()
		}
	}

	var line []byte
	if s.format == FormatText {
		line = []byte(entry.text())
	} else {
		line, _ = json.Marshal(entry)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Write(line)
}

// text renders "timestamp LEVEL message key=value ... error=..."
func (e Entry) text() string {
	var b strings.Builder
	b.WriteString(e.Timestamp)
	b.WriteByte(' ')
	fmt.Fprintf(&b, "%-5s ", e.Level)
	b.WriteString(e.Message)

	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Context[k])
	}
	if e.Error != "" {
		fmt.Fprintf(&b, " error=%q", e.Error)
	}
	return b.String()
}

func merge(base, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// methodPrefix matches the logger's own methods in a stack frame
const methodPrefix = "github.com/glefebvre/moviepilot/internal/logger.(*"

// callerStack lists the frames above the logger
func callerStack() []string {
	var pcs [32]uintptr
	n := runtime.Callers(2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, methodPrefix) {
			stack = append(stack, fmt.Sprintf("%s:%d %s", f.File, f.Line, f.Function))
		}
		if !more {
			return stack
		}
	}
}

type contextKey int

const (
	requestIDKey contextKey = iota
	userIDKey
	fieldsKey
)

// ContextWithRequestID tags every entry logged with ctx with request_id
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// ContextWithUserID tags every entry logged with ctx with user_id
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// ContextWithFields adds fields such as subscription_id or download_hash to
// every entry logged with ctx, including the SQL gorm runs under it.
func ContextWithFields(ctx context.Context, fields map[string]interface{}) context.Context {
	prev, _ := ctx.Value(fieldsKey).(map[string]interface{})
	return context.WithValue(ctx, fieldsKey, merge(prev, fields))
}

// FieldsFromContext returns the log fields carried by ctx, or nil
func FieldsFromContext(ctx context.Context) map[string]interface{} {
	if ctx == nil {
		return nil
	}
	carried, _ := ctx.Value(fieldsKey).(map[string]interface{})
	rid, hasRID := ctx.Value(requestIDKey).(string)
	uid, hasUID := ctx.Value(userIDKey).(string)
	if len(carried) == 0 && !hasRID && !hasUID {
		return nil
	}

	out := merge(carried, nil)
	if hasRID {
		out["request_id"] = rid
	}
	if hasUID {
		out["user_id"] = uid
	}
	return out
}
