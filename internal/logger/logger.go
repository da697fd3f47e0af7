package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// FailureKind classifies errors reported by a run.
type FailureKind string

const (
	KindConfiguration FailureKind = "configuration"
	KindDiscovery     FailureKind = "discovery"
	KindExecution     FailureKind = "execution"
	KindConflict      FailureKind = "conflict"
	KindProtocol      FailureKind = "protocol"
)

// Failure is an error enriched with the fields we want in the log line.
type Failure struct {
	Kind      FailureKind       `json:"kind"`
	Message   string            `json:"message"`
	Service   string            `json:"service,omitempty"`
	Operation string            `json:"operation,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Err       error             `json:"-"`
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return f.Message + ": " + f.Err.Error()
	}
	return f.Message
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func NewFailure(kind FailureKind, message string, err error) *Failure {
	return &Failure{
		Kind:      kind,
		Message:   message,
		Context:   make(map[string]string),
		Timestamp: time.Now(),
		Err:       err,
	}
}

func (f *Failure) WithService(service string) *Failure {
	f.Service = service
	return f
}

func (f *Failure) WithOperation(operation string) *Failure {
	f.Operation = operation
	return f
}

func (f *Failure) WithContext(key, value string) *Failure {
	f.Context[key] = value
	return f
}

// LogFailure writes f at error level with all of its fields.
func LogFailure(f *Failure) {
	fields := []zap.Field{
		zap.String("kind", string(f.Kind)),
		zap.String("operation", f.Operation),
		zap.Time("timestamp", f.Timestamp),
	}
	if f.Service != "" {
		fields = append(fields, zap.String("service", f.Service))
	}
	if len(f.Context) > 0 {
		fields = append(fields, zap.Any("context", f.Context))
	}
	if f.Err != nil {
		fields = append(fields, zap.Error(f.Err))
	}
	Log.Error(f.Message, fields...)
}

var (
	Log   *zap.Logger
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// ParseLevel maps LOG_LEVEL values onto zap levels. ok is false for
// unrecognised input, in which case info is returned.
func ParseLevel(levelStr string) (zapcore.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return zapcore.DebugLevel, true
	case "", "info":
		return zapcore.InfoLevel, true
	case "warn", "warning":
		return zapcore.WarnLevel, true
	case "error":
		return zapcore.ErrorLevel, true
	}
	return zapcore.InfoLevel, false
}

// SetLevel changes the level of Log at runtime.
func SetLevel(levelStr string) {
	l, ok := ParseLevel(levelStr)
	if !ok {
		fmt.Fprintf(os.Stderr, "Warning: Invalid LOG_LEVEL '%s', using INFO\n", levelStr)
	}
	level.SetLevel(l)
}

func init() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", r)
			Log = zap.NewNop()
		}
	}()

	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = zapcore.ISO8601TimeEncoder

	SetLevel(os.Getenv("LOG_LEVEL"))

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(config), zapcore.Lock(os.Stdout), level)
	Log = zap.New(core, zap.AddCaller())
}

func Close() error {
	if Log != nil {
		return Log.Sync()
	}
	return nil
}

// CronZapLogger satisfies cron.Logger.
type CronZapLogger struct {
	logger *zap.Logger
}

func NewCronZapLogger(logger *zap.Logger) *CronZapLogger {
	return &CronZapLogger{logger: logger}
}

func (czl *CronZapLogger) Info(msg string, keysAndValues ...interface{}) {
	czl.logger.Info(msg, czl.formatKeysAndValues(keysAndValues...)...)
}

func (czl *CronZapLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := czl.formatKeysAndValues(keysAndValues...)
	fields = append(fields, zap.Error(err))
	czl.logger.Error(msg, fields...)
}

func (czl *CronZapLogger) formatKeysAndValues(keysAndValues ...interface{}) []zap.Field {
	var fields []zap.Field
	for i := 0; i < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprintf("unknown_key_%d", i/2)
		}
		if i+1 < len(keysAndValues) {
			fields = append(fields, zap.Any(key, keysAndValues[i+1]))
		} else {
			fields = append(fields, zap.Any(key, "<missing_value>"))
		}
	}
	return fields
}
