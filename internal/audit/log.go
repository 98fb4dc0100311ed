package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"carelink.org/internal/auth"
	"carelink.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Field names that may carry client identity and are never written to the
// operational log.
var redactedFields = map[string]struct{}{
	"given_name":  {},
	"family_name": {},
	"birth_date":  {},
	"name":        {},
}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an operational audit line (reloads, activations, consent
// changes). Decisions go to the hash chain through Recorder instead.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		entry["user_id"] = userID
	}
	safe := make(map[string]any, len(fields))
	for k, v := range fields {
		if _, hidden := redactedFields[k]; hidden {
			safe[k] = "[redacted]"
			continue
		}
		safe[k] = v
	}
	entry["fields"] = safe
	return obs.LogJSON(entry)
}
