package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	// TRACE level for per-chunk relay details
	TRACE LogLevel = iota
	// DEBUG level for detailed troubleshooting information
	DEBUG
	// INFO level for general operational information
	INFO
	// WARN level for non-critical issues
	WARN
	// ERROR level for error conditions
	ERROR
	// FATAL level for critical errors that prevent operation
	FATAL
)

// traceLevel sits below zap's debug level so TRACE keeps its own name in output.
const traceLevel = zapcore.DebugLevel - 1

var (
	currentLevel atomic.Int32
	base         atomic.Pointer[zap.Logger]
	output       io.Writer = os.Stdout
	format                 = "console"
)

func init() {
	currentLevel.Store(int32(INFO))
	base.Store(newZapLogger(output, format))
}

func newZapLogger(w io.Writer, enc string) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = func(l zapcore.Level, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString(levelToString(fromZapLevel(l)))
	}

	var encoder zapcore.Encoder
	if enc == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	// Filtering happens in logMessage against currentLevel.
	core := zapcore.NewCore(encoder, zapcore.AddSync(w), zap.LevelEnablerFunc(func(zapcore.Level) bool { return true }))
	return zap.New(core)
}

// SetOutput redirects log output to w.
func SetOutput(w io.Writer) {
	output = w
	base.Store(newZapLogger(output, format))
}

// SetFormat selects the encoder: "json" or "console".
func SetFormat(f string) {
	format = strings.ToLower(f)
	base.Store(newZapLogger(output, format))
}

// Sync flushes any buffered log entries.
func Sync() error {
	return base.Load().Sync()
}

// SetLevel sets the current logging level
func SetLevel(level LogLevel) {
	currentLevel.Store(int32(level))
}

// GetLevel returns the current logging level
func GetLevel() LogLevel {
	return LogLevel(currentLevel.Load())
}

func IsLevelEnabled(level LogLevel) bool {
	return level >= GetLevel()
}

// GetLevelFromString converts a string level to LogLevel
func GetLevelFromString(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// levelToString converts a LogLevel to its string representation
func levelToString(level LogLevel) string {
	switch level {
	case TRACE:
		return "TRACE"
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
		return "UNKNOWN"
	}
}

func toZapLevel(level LogLevel) zapcore.Level {
	switch level {
	case TRACE:
		return traceLevel
	case DEBUG:
		return zapcore.DebugLevel
	case INFO:
		return zapcore.InfoLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.FatalLevel
	}
}

func fromZapLevel(l zapcore.Level) LogLevel {
	switch {
	case l <= traceLevel:
		return TRACE
	case l == zapcore.DebugLevel:
		return DEBUG
	case l == zapcore.InfoLevel:
		return INFO
	case l == zapcore.WarnLevel:
		return WARN
	case l == zapcore.ErrorLevel:
		return ERROR
	default:
		return FATAL
	}
}

// logMessage logs a message at the specified level
func logMessage(level LogLevel, format string, v ...any) {
	if !IsLevelEnabled(level) {
		return
	}

	msg := fmt.Sprintf(format, v...)
	if level == FATAL {
		// zap exits the process after writing a fatal entry
		base.Load().Fatal(msg)
		return
	}
	base.Load().Log(toZapLevel(level), msg)
}

// Trace logs a trace message
// Arguments are handled in the manner of [fmt.Printf].
func Trace(format string, v ...any) {
	logMessage(TRACE, format, v...)
}

// Debug logs a debug message
// Arguments are handled in the manner of [fmt.Printf].
func Debug(format string, v ...any) {
	logMessage(DEBUG, format, v...)
}

// Info logs an informational message
// Arguments are handled in the manner of [fmt.Printf].
func Info(format string, v ...any) {
	logMessage(INFO, format, v...)
}

// Warn logs a warning message
// Arguments are handled in the manner of [fmt.Printf].
func Warn(format string, v ...any) {
	logMessage(WARN, format, v...)
}

// Error logs an error message
// Arguments are handled in the manner of [fmt.Printf].
func Error(format string, v ...any) {
	logMessage(ERROR, format, v...)
}

// Fatal logs a fatal message and exits
// Arguments are handled in the manner of [fmt.Printf].
func Fatal(format string, v ...any) {
	logMessage(FATAL, format, v...)
	os.Exit(1)
}

// WithConnectionID prefixes a formatted message with a connection ID
// Arguments are handled in the manner of [fmt.Printf].
func WithConnectionID(connectionID, format string, v ...any) string {
	return fmt.Sprintf("[%s] %s", connectionID, fmt.Sprintf(format, v...))
}
