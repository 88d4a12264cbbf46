// Package logging provides a configured slog logger built on slog-logfilter.
// Output is text on a TTY and JSON otherwise (LOG_FORMAT overrides), the level
// comes from LOG_LEVEL, and request, user and automation-session identifiers
// carried in the context are available to filters.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"

	logfilter "github.com/jmylchreest/slog-logfilter"
)

// ContextKey is a type for context keys used in logging.
type ContextKey string

const (
	// RequestIDKey is the context key for the HTTP request ID.
	RequestIDKey ContextKey = "log_request_id"
	// UserIDKey is the context key for the user ID (filter matching only, never logged).
	UserIDKey ContextKey = "log_user_id"
	// SessionIDKey is the context key for the automation session ID.
	SessionIDKey ContextKey = "log_session_id"
)

// WithRequestID adds a request ID to the context for logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithUserID adds a user ID to the context for filter matching.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithSessionID adds an automation session ID to the context for logging.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(key).(string); ok {
		return s
	}
	return ""
}

// GetRequestID extracts the request ID from context.
func GetRequestID(ctx context.Context) string { return stringValue(ctx, RequestIDKey) }

// GetUserID extracts the user ID from context.
func GetUserID(ctx context.Context) string { return stringValue(ctx, UserIDKey) }

// GetSessionID extracts the automation session ID from context.
func GetSessionID(ctx context.Context) string { return stringValue(ctx, SessionIDKey) }

// FromContext returns a logger carrying request_id and session_id from ctx.
// The user ID stays out of log lines.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if ctx == nil {
		return logger
	}
	if requestID := GetRequestID(ctx); requestID != "" {
		logger = logger.With("request_id", requestID)
	}
	if sessionID := GetSessionID(ctx); sessionID != "" {
		logger = logger.With("session_id", sessionID)
	}
	return logger
}

func registerContextExtractors() {
	for name, key := range map[string]ContextKey{
		"request_id": RequestIDKey,
		"user_id":    UserIDKey,
		"session_id": SessionIDKey,
	} {
		logfilter.RegisterContextExtractor(name, func(ctx context.Context) (string, bool) {
			s := stringValue(ctx, key)
			return s, s != ""
		})
	}
}

// New creates a new configured logger using slog-logfilter.
func New() *slog.Logger {
	logFormat := os.Getenv("LOG_FORMAT")
	format := "json"
	if logFormat == "text" || (logFormat == "" && isatty(os.Stdout)) {
		format = "text"
	}

	registerContextExtractors()

	return logfilter.New(
		logfilter.WithLevel(ParseLevel(os.Getenv("LOG_LEVEL"))),
		logfilter.WithFormat(format),
		logfilter.WithOutput(os.Stdout),
		logfilter.WithSource(true),
	)
}

// ParseLevel converts a string log level to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetDefault creates a new logger and sets it as the default slog logger.
func SetDefault() *slog.Logger {
	logger := New()
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the global log level at runtime.
func SetLevel(level slog.Level) {
	logfilter.SetLevel(level)
}

// SetFilters replaces all log filters.
func SetFilters(filters []logfilter.LogFilter) {
	logfilter.SetFilters(filters)
}

func isatty(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}
