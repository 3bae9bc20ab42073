// Package observability wires structured logging, Prometheus metrics and
// OpenTelemetry tracing.
package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format specifies output format: "json" or "text".
	Format string

	// Output is the writer for log output (defaults to os.Stdout).
	Output io.Writer

	// AddSource includes file and line number in log records.
	AddSource bool
}

// redactPatterns match credentials that must never reach log output.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer|token)[\s:=]+([a-zA-Z0-9_\-\.]{16,})`),
	regexp.MustCompile(`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
	regexp.MustCompile(`(?i)(access_token=)[^&\s]+`),
}

const redacted = "[REDACTED]"

// Redact masks credentials in s.
func Redact(s string) string {
	for _, re := range redactPatterns {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}

// ParseLevel maps a level name to a slog level. Unknown names map to info.
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

// NewLogger builds a slog logger from config. The returned LevelVar can be
// adjusted later to change verbosity without rebuilding the logger.
func NewLogger(config LogConfig) (*slog.Logger, *slog.LevelVar) {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	level := new(slog.LevelVar)
	level.Set(ParseLevel(config.Level))

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Value.Kind() {
			case slog.KindString:
				attr.Value = slog.StringValue(Redact(attr.Value.String()))
			case slog.KindAny:
				if err, ok := attr.Value.Any().(error); ok && err != nil {
					attr.Value = slog.StringValue(Redact(err.Error()))
				}
			}
			return attr
		},
	}

	var handler slog.Handler
	if strings.EqualFold(config.Format, "text") {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}
	return slog.New(handler), level
}
