package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type requestIDKey struct{}

// Config holds logger configuration.
type Config struct {
	Level       string // trace, debug, info, warn, error, disabled
	Format      string // json, console
	Service     string
	Version     string
	Environment string
	Output      io.Writer // defaults to os.Stdout
}

// New builds the process logger. The level applies to this logger only so
// embedders keep control of zerolog's global level.
func New(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	fields := zerolog.New(out).Level(parseLevel(cfg.Level)).With().Timestamp()
	if cfg.Service != "" {
		fields = fields.Str("service", cfg.Service)
	}
	if cfg.Version != "" {
		fields = fields.Str("version", cfg.Version)
	}
	if cfg.Environment != "" {
		fields = fields.Str("environment", cfg.Environment)
	}
	return fields.Logger()
}

// WithContext stores l in ctx using zerolog's context integration.
func WithContext(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// FromContext returns the request logger, or a disabled logger.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx == nil {
		return zerolog.Nop()
	}
	return *zerolog.Ctx(ctx)
}

// WithRequestID records the request id for handlers and error bodies.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// GetRequestID returns the request id, or "".
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func parseLevel(level string) zerolog.Level {
	switch l := strings.ToLower(strings.TrimSpace(level)); l {
	case "":
		return zerolog.InfoLevel
	case "warning":
		return zerolog.WarnLevel
	case "off":
		return zerolog.Disabled
	default:
		parsed, err := zerolog.ParseLevel(l)
		if err != nil {
			return zerolog.InfoLevel
		}
		return parsed
	}
}

// TruncateAddress shortens an address or tx hash to 0x + 6 and the last 4 chars.
func TruncateAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:8] + "..." + addr[len(addr)-4:]
}
