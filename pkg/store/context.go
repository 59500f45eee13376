package store

import (
	"context"
	"encoding/json"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	userIDKey
)

// WithRequestID tags the context with the originating request/trace id.
// Enqueue copies it into the payload's _context sub-object.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithUserID tags the context with the user who triggered the request.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// RequestIDFrom returns the request id set by WithRequestID, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// UserIDFrom returns the user id set by WithUserID, or "".
func UserIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

type eventContext struct {
	RequestID string `json:"request_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// enrichPayload folds ambient correlation fields into the payload under
// "_context". Payloads that are not JSON objects, or that already carry a
// _context key, pass through unchanged.
func enrichPayload(ctx context.Context, payload json.RawMessage) json.RawMessage {
	ec := eventContext{RequestID: RequestIDFrom(ctx), UserID: UserIDFrom(ctx)}
	if ec.RequestID == "" && ec.UserID == "" {
		return payload
	}

	doc := map[string]json.RawMessage{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &doc); err != nil {
			return payload
		}
	}
	if _, ok := doc["_context"]; ok {
		return payload
	}

	raw, err := json.Marshal(ec)
	if err != nil {
		return payload
	}
	doc["_context"] = raw

	out, err := json.Marshal(doc)
	if err != nil {
		return payload
	}
	return out
}
