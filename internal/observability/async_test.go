package observability

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/funnelchat/wa-delivery/internal/logging"
)

func TestAsyncContextCarriesLoggerWithAttrs(t *testing.T) {
	ctx := AsyncContext(AsyncContextOptions{
		Component:  "worker",
		Worker:     "c1",
		InstanceID: "inst-1",
	})

	logger, ok := logging.FromContext(ctx)
	require.True(t, ok)
	require.NotNil(t, logger)
}

func TestAsyncContextDefaultsLoggerWhenNil(t *testing.T) {
	ctx := AsyncContext(AsyncContextOptions{Component: "worker"})
	_, ok := logging.FromContext(ctx)
	require.True(t, ok)
}

func TestCaptureWorkerExceptionIgnoresNilError(t *testing.T) {
	require.NotPanics(t, func() {
		CaptureWorkerException(nil, "worker", "c1", "inst-1", nil)
	})
}

func TestCaptureWorkerExceptionNoOpsWithoutSentryHub(t *testing.T) {
	require.NotPanics(t, func() {
		CaptureWorkerException(nil, "worker", "c1", "inst-1", errors.New("boom"))
	})
}

func TestAsyncContextPreservesExtraAttrs(t *testing.T) {
	ctx := AsyncContext(AsyncContextOptions{
		Component: "worker",
		Extra:     []slog.Attr{slog.String("attempt", "3")},
	})
	logger, ok := logging.FromContext(ctx)
	require.True(t, ok)
	require.NotNil(t, logger)
}
