package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRequestID_Length(t *testing.T) {
	id := NewRequestID()
	assert.Len(t, id, 8)
}

func TestNewRequestID_Unique(t *testing.T) {
	ids := make(map[string]struct{}, 100)
	for range 100 {
		ids[NewRequestID()] = struct{}{}
	}
	assert.Len(t, ids, 100)
}

func TestWithRequestID_Roundtrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "abc12345")
	id, ok := RequestID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "abc12345", id)
}

func TestRequestID_Missing(t *testing.T) {
	id, ok := RequestID(context.Background())
	assert.False(t, ok)
	assert.Empty(t, id)
}

func TestRequestID_EmptyString(t *testing.T) {
	ctx := WithRequestID(context.Background(), "")
	id, ok := RequestID(ctx)
	assert.False(t, ok)
	assert.Empty(t, id)
}

func TestContextHandler_AddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewContextHandler(inner))

	ctx := WithRequestID(context.Background(), "test1234")
	logger.InfoContext(ctx, "test message", "key", "value")

	output := buf.String()
	assert.Contains(t, output, "request_id=test1234")
	assert.Contains(t, output, "key=value")
	assert.Contains(t, output, "test message")
}

func TestContextHandler_NoRequestID_WhenMissing(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewContextHandler(inner))

	logger.InfoContext(context.Background(), "no request id")

	assert.NotContains(t, buf.String(), "request_id")
}

func TestContextHandler_WithAttrs_PreservesRequestID(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewContextHandler(inner)).With("component", "test")

	ctx := WithRequestID(context.Background(), "attr1234")
	logger.InfoContext(ctx, "with attrs")

	output := buf.String()
	assert.Contains(t, output, "request_id=attr1234")
	assert.Contains(t, output, "component=test")
}
