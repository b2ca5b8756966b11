package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"datacat.org/internal/auth"
	"datacat.org/internal/ids"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id attached with WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with the request id and the authenticated subject.
func LogEvent(ctx context.Context, log zerolog.Logger, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}

	e := log.Info().
		Str("type", "audit").
		Str("audit_id", ids.New()).
		Str("event", event)
	if rid := RequestIDFromContext(ctx); rid != "" {
		e = e.Str("request_id", rid)
	}
	if p, ok := auth.PrincipalFrom(ctx); ok {
		e = e.Str("subject", p.Subject).Str("issuer", p.Issuer)
	}
	e.Interface("fields", copyFields).Send()
	return nil
}
