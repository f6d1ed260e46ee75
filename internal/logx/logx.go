// Package logx configures the process-wide structured logger and holds
// helpers for keeping personal data out of log lines.
package logx

import (
	"io"
	"log/slog"
	"strings"
)

// Setup installs a JSON slog handler writing to w as the default logger.
func Setup(w io.Writer, level string) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a LOG_LEVEL value to a slog level, defaulting to info.
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

// MaskEmail masks the local part of an email for logging (e.g. jo****@example.com).
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return maskMiddle(email)
	}
	return maskMiddle(email[:at]) + email[at:]
}

func maskMiddle(s string) string {
	if len(s) <= 2 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-2)
}
