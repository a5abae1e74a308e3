package database

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/lib/pq"
)

// retryablePQCodes are Postgres error codes that indicate a transient
// connection or serialization problem rather than a logic error.
var retryablePQCodes = map[string]bool{
	"08000": true, "08003": true, "08006": true, "08001": true, "08004": true,
	"53000": true, "53100": true, "53200": true, "53300": true, "53400": true,
	"57P03": true, "40001": true,
}

// WithRetry runs operation with bounded retry on transient connection
// failures. It is used around registry reads/writes so a brief Postgres
// failover does not surface as a hard error to the caller.
func WithRetry(ctx context.Context, log *slog.Logger, operation func() error) error {
	return retry.Do(
		operation,
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryable),
		retry.OnRetry(func(attempt uint, err error) {
			if log != nil {
				log.Warn("database operation failed, retrying",
					slog.Uint64("attempt", uint64(attempt)),
					slog.String("error", err.Error()))
			}
		}),
	)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return retryablePQCodes[string(pqErr.Code)]
	}
	errStr := err.Error()
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "no such host")
}
