package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNewDefaults(t *testing.T) {
	l, err := New(Config{})
	require.NoError(t, err)
	assert.NotNil(t, l)
}

func TestInitReplaces(t *testing.T) {
	require.NoError(t, Init(Config{Level: "debug", Encoding: "json"}))
	first := Get()
	require.NoError(t, Init(Config{Level: "warn", Encoding: "json"}))
	assert.NotSame(t, first, Get())
	assert.False(t, Get().Core().Enabled(zapcore.DebugLevel))
}

func TestWithContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), RunIDKey, "abc")
	assert.NotNil(t, WithContext(ctx))
}
