package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnrichPayload(t *testing.T) {
	ctx := WithUserID(WithRequestID(context.Background(), "req-1"), "user-1")

	out := enrichPayload(ctx, json.RawMessage(`{"item_id":"I1"}`))
	assert.JSONEq(t, `{"_context":{"request_id":"req-1","user_id":"user-1"},"item_id":"I1"}`, string(out))
}

func TestEnrichPayload_NoAmbientFields(t *testing.T) {
	payload := json.RawMessage(`{"item_id":"I1"}`)
	out := enrichPayload(context.Background(), payload)
	assert.Equal(t, payload, out)
}

func TestEnrichPayload_NonObjectPassthrough(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")

	payload := json.RawMessage(`[1,2,3]`)
	out := enrichPayload(ctx, payload)
	assert.Equal(t, payload, out)
}

func TestEnrichPayload_ExistingContextWins(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-2")

	payload := json.RawMessage(`{"_context":{"request_id":"req-1"},"item_id":"I1"}`)
	out := enrichPayload(ctx, payload)
	assert.Equal(t, payload, out)
}

func TestRequestContextAccessors(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestIDFrom(ctx))
	assert.Empty(t, UserIDFrom(ctx))

	ctx = WithUserID(WithRequestID(ctx, "r"), "u")
	assert.Equal(t, "r", RequestIDFrom(ctx))
	assert.Equal(t, "u", UserIDFrom(ctx))
}
