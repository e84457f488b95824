package logger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a log entry. Entries below a logger's
// configured Level are dropped before formatting.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Field is one key/value pair attached to a log entry.
type Field struct {
	Key   string
	Value interface{}
}

func String(key, value string) Field       { return Field{Key: key, Value: value} }
func Int(key string, value int) Field      { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field    { return Field{Key: key, Value: value} }
func Duration(key string, d time.Duration) Field { return Field{Key: key, Value: d.String()} }
func Any(key string, value interface{}) Field    { return Field{Key: key, Value: value} }

// Error renders err's message, or nil if err is nil.
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Fingerprint renders the first 8 bytes of SHA-256(key) as hex, the
// only form key material (identity keys, session keys, ephemeral
// public keys) is ever allowed to reach a log line.
func Fingerprint(fieldKey string, key []byte) Field {
	sum := sha256.Sum256(key)
	return Field{Key: fieldKey, Value: hex.EncodeToString(sum[:8])}
}

// Logger is the structured logging contract every package in this
// module writes to instead of calling fmt.Print* or the standard
// library log package directly.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	WithContext(ctx context.Context) Logger
	WithFields(fields ...Field) Logger
	SetLevel(level Level)
	GetLevel() Level
}

// ctxKey namespaces correlation identifiers carried on a context so
// they don't collide with keys other packages stash there.
type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyTraceID
	ctxKeyJobID
	ctxKeyChallengeID
)

// WithRequestID returns a context carrying a request correlation ID
// that every logger derived via WithContext will attach to its output.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// WithJobContext returns a context carrying the job and challenge IDs
// a job handler is executing under, so every log line emitted while
// that handler runs is attributable without threading the IDs through
// every call by hand.
func WithJobContext(ctx context.Context, jobID, challengeID string) context.Context {
	ctx = context.WithValue(ctx, ctxKeyJobID, jobID)
	return context.WithValue(ctx, ctxKeyChallengeID, challengeID)
}

// StructuredLogger is a JSON-line Logger writing to an io.Writer.
type StructuredLogger struct {
	mu          sync.RWMutex
	level       Level
	output      io.Writer
	context     context.Context
	baseFields  []Field
	timeFormat  string
	prettyPrint bool
}

// NewLogger builds a logger writing JSON lines at or above level.
func NewLogger(output io.Writer, level Level) *StructuredLogger {
	return &StructuredLogger{level: level, output: output, timeFormat: time.RFC3339}
}

// NewDefaultLogger builds a stdout logger whose level is read from
// CHALLENGE_LOG_LEVEL (defaulting to Info if unset or unrecognized).
func NewDefaultLogger() *StructuredLogger {
	return NewLogger(os.Stdout, levelFromEnv("CHALLENGE_LOG_LEVEL", InfoLevel))
}

func levelFromEnv(name string, fallback Level) Level {
	switch strings.ToUpper(os.Getenv(name)) {
	case "DEBUG":
		return DebugLevel
	case "INFO":
		return InfoLevel
	case "WARN":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	case "FATAL":
		return FatalLevel
	default:
		return fallback
	}
}

func (l *StructuredLogger) SetPrettyPrint(pretty bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prettyPrint = pretty
}

func (l *StructuredLogger) SetTimeFormat(format string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timeFormat = format
}

func (l *StructuredLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields...) }
func (l *StructuredLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields...) }
func (l *StructuredLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields...) }
func (l *StructuredLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields...) }

func (l *StructuredLogger) Fatal(msg string, fields ...Field) {
	l.log(FatalLevel, msg, fields...)
	os.Exit(1)
}

func (l *StructuredLogger) WithContext(ctx context.Context) Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &StructuredLogger{
		level:       l.level,
		output:      l.output,
		context:     ctx,
		baseFields:  l.baseFields,
		timeFormat:  l.timeFormat,
		prettyPrint: l.prettyPrint,
	}
}

func (l *StructuredLogger) WithFields(fields ...Field) Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	merged := make([]Field, 0, len(l.baseFields)+len(fields))
	merged = append(merged, l.baseFields...)
	merged = append(merged, fields...)
	return &StructuredLogger{
		level:       l.level,
		output:      l.output,
		context:     l.context,
		baseFields:  merged,
		timeFormat:  l.timeFormat,
		prettyPrint: l.prettyPrint,
	}
}

func (l *StructuredLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *StructuredLogger) GetLevel() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

func (l *StructuredLogger) contextFields() map[string]interface{} {
	if l.context == nil {
		return nil
	}
	out := make(map[string]interface{}, 4)
	for key, name := range map[ctxKey]string{
		ctxKeyRequestID:   "request_id",
		ctxKeyTraceID:     "trace_id",
		ctxKeyJobID:       "job_id",
		ctxKeyChallengeID: "challenge_id",
	} {
		if v := l.context.Value(key); v != nil {
			out[name] = v
		}
	}
	return out
}

func (l *StructuredLogger) log(level Level, msg string, fields ...Field) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if level < l.level {
		return
	}

	entry := map[string]interface{}{
		"timestamp": time.Now().Format(l.timeFormat),
		"level":     level.String(),
		"message":   msg,
	}

	if pc, file, line, ok := runtime.Caller(2); ok {
		entry["caller"] = fmt.Sprintf("%s:%d", file, line)
		if fn := runtime.FuncForPC(pc); fn != nil {
			entry["function"] = fn.Name()
		}
	}

	for k, v := range l.contextFields() {
		entry[k] = v
	}
	for _, f := range l.baseFields {
		entry[f.Key] = f.Value
	}
	for _, f := range fields {
		entry[f.Key] = f.Value
	}

	marshal := json.Marshal
	if l.prettyPrint {
		marshal = func(v interface{}) ([]byte, error) { return json.MarshalIndent(v, "", "  ") }
	}
	data, err := marshal(entry)
	if err != nil {
		fmt.Fprintf(l.output, `{"level":"ERROR","message":"failed to marshal log entry","error":"%v"}`+"\n", err)
		return
	}
	fmt.Fprintf(l.output, "%s\n", data)
}

// RuntimeError is a structured error tagged with one of the stable
// Kind strings from the error taxonomy (ConfigError, CryptoError,
// AttestationError, TransportError, OrmError, JobError, HttpError),
// so a handler can branch on Kind without string-matching Error().
type RuntimeError struct {
	Kind    string
	Message string
	Details map[string]interface{}
	Cause   error
}

func (e *RuntimeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RuntimeError) Unwrap() error { return e.Cause }

func (e *RuntimeError) WithDetails(key string, value interface{}) *RuntimeError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func NewRuntimeError(kind, message string, cause error) *RuntimeError {
	return &RuntimeError{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the Kind tag of err if it (or something it wraps) is
// a *RuntimeError, and ok=false otherwise.
func KindOf(err error) (kind string, ok bool) {
	var rt *RuntimeError
	if errors.As(err, &rt) {
		return rt.Kind, true
	}
	return "", false
}

const (
	KindConfig      = "ConfigError"
	KindCrypto      = "CryptoError"
	KindAttestation = "AttestationError"
	KindTransport   = "TransportError"
	KindOrm         = "OrmError"
	KindJob         = "JobError"
	KindHTTP        = "HttpError"
)

var (
	defaultLoggerMu sync.RWMutex
	defaultLogger   = NewDefaultLogger()
)

// SetDefaultLogger installs logger as the target of the package-level
// Debug/Info/Warn/ErrorMsg/Fatal functions. A no-op if logger is not a
// *StructuredLogger.
func SetDefaultLogger(logger Logger) {
	l, ok := logger.(*StructuredLogger)
	if !ok {
		return
	}
	defaultLoggerMu.Lock()
	defer defaultLoggerMu.Unlock()
	defaultLogger = l
}

func GetDefaultLogger() *StructuredLogger {
	defaultLoggerMu.RLock()
	defer defaultLoggerMu.RUnlock()
	return defaultLogger
}

func Debug(msg string, fields ...Field)    { GetDefaultLogger().Debug(msg, fields...) }
func Info(msg string, fields ...Field)     { GetDefaultLogger().Info(msg, fields...) }
func Warn(msg string, fields ...Field)     { GetDefaultLogger().Warn(msg, fields...) }
func ErrorMsg(msg string, fields ...Field) { GetDefaultLogger().Error(msg, fields...) }
func Fatal(msg string, fields ...Field)    { GetDefaultLogger().Fatal(msg, fields...) }
