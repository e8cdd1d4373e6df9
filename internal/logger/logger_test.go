package logger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextVariantsAppendRequestID(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := FromZap(zap.New(core))

	ctx := WithRequestID(context.Background(), "req-1")
	l.InfoContext(ctx, "trade created", F("trade_id", "t1"))
	l.ErrorContext(ctx, errors.New("boom"))
	l.Info("no context")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "trade created", entries[0].Message)
	assert.Equal(t, "req-1", entries[0].ContextMap()["request_id"])
	assert.Equal(t, "t1", entries[0].ContextMap()["trade_id"])
	assert.Equal(t, "boom", entries[1].Message)
	assert.Equal(t, "req-1", entries[1].ContextMap()["request_id"])
	assert.NotContains(t, entries[2].ContextMap(), "request_id")
}

func TestRequestIDMissing(t *testing.T) {
	assert.Equal(t, "", RequestID(context.Background()))
	assert.NotEmpty(t, NewRequestID())
}

func TestNewFallsBackToInfo(t *testing.T) {
	l, err := New("not-a-level")
	require.NoError(t, err)
	assert.False(t, l.Zap().Core().Enabled(zap.DebugLevel))
	assert.True(t, l.Zap().Core().Enabled(zap.InfoLevel))
}
