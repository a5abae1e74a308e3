package logging

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWithLoggerAndFromContextRoundTrip(t *testing.T) {
	logger := testLogger()
	ctx := WithLogger(context.Background(), logger)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	require.Same(t, logger, got)
}

func TestFromContextMissingReturnsFalse(t *testing.T) {
	_, ok := FromContext(context.Background())
	require.False(t, ok)
}

func TestContextLoggerFallsBackWhenMissing(t *testing.T) {
	fallback := testLogger()
	got := ContextLogger(context.Background(), fallback)
	require.Same(t, fallback, got)
}

func TestContextLoggerPrefersContextLogger(t *testing.T) {
	logger := testLogger()
	ctx := WithLogger(context.Background(), logger)
	got := ContextLogger(ctx, testLogger())
	require.Same(t, logger, got)
}

func TestWithAttrsIsNoOpWithoutExistingLogger(t *testing.T) {
	ctx := WithAttrs(context.Background(), slog.String("k", "v"))
	_, ok := FromContext(ctx)
	require.False(t, ok)
}

func TestWithAttrsExtendsExistingLogger(t *testing.T) {
	ctx := WithLogger(context.Background(), testLogger())
	ctx = WithAttrs(ctx, slog.String("k", "v"))

	logger, ok := FromContext(ctx)
	require.True(t, ok)
	require.NotNil(t, logger)
}
