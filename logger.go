package hotswap

// Logger defines the interface for runtime logging.
// The runtime uses structured logging with key-value pairs so that
// implementing applications can route framework logs through whatever
// backend they already use.
//
// The Logger interface uses variadic arguments in key-value pairs:
//
//	logger.Info("message", "key1", "value1", "key2", "value2")
//
// This shape is compatible with slog, zap's SugaredLogger, logrus and
// similar structured logging libraries.
type Logger interface {
	// Info logs an informational message with optional key-value pairs.
	// Used for normal runtime events such as instance loads and
	// committed reload transactions.
	Info(msg string, args ...any)

	// Error logs an error message with optional key-value pairs.
	Error(msg string, args ...any)

	// Warn logs a warning message with optional key-value pairs.
	// Used for conditions that are unusual but recovered locally, such
	// as a quota violation that faulted a single instance.
	Warn(msg string, args ...any)

	// Debug logs a debug message with optional key-value pairs.
	Debug(msg string, args ...any)
}

// NoopLogger discards all log output. It is the default when a Runtime
// is constructed without a logger.
type NoopLogger struct{}

// Info implements Logger.
func (NoopLogger) Info(string, ...any) {}

// Error implements Logger.
func (NoopLogger) Error(string, ...any) {}

// Warn implements Logger.
func (NoopLogger) Warn(string, ...any) {}

// Debug implements Logger.
func (NoopLogger) Debug(string, ...any) {}
