package obs

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig selects level, encoding and destination of the process logger.
type LogConfig struct {
	Level  string
	Format string // json | console
	Output io.Writer
}

// NewLogger builds a zerolog logger. The level is applied to the returned logger only,
// never to zerolog's global level.
func NewLogger(cfg LogConfig) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if strings.EqualFold(cfg.Format, "console") || strings.EqualFold(cfg.Format, "pretty") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// RequestLog is one access log line.
type RequestLog struct {
	Method    string
	Path      string
	Status    int
	Duration  time.Duration
	RequestID string
	RemoteIP  string
}

// LogRequest emits a structured access log line.
func LogRequest(log zerolog.Logger, entry RequestLog) {
	ev := log.Info()
	if entry.Status >= 500 {
		ev = log.Error()
	}
	ev.Str("method", entry.Method).
		Str("path", entry.Path).
		Int("status", entry.Status).
		Dur("duration", entry.Duration).
		Str("remote_ip", entry.RemoteIP)
	if entry.RequestID != "" {
		ev = ev.Str("request_id", entry.RequestID)
	}
	ev.Msg("http request")
}
