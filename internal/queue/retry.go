package queue

import (
	"errors"
	"math/rand"
	"time"

	"github.com/funnelchat/wa-delivery/internal/gateway"
)

// RetryConfig tunes the backoff schedule and dead-letter threshold shared
// by every worker.
type RetryConfig struct {
	MaxDeliveries int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxDeliveries: 5,
		BaseBackoff:   2 * time.Second,
		MaxBackoff:    60 * time.Second,
	}
}

// NextBackoff computes the jittered exponential delay before the attempt
// numbered newAttempts (1-indexed) is re-enqueued.
func (c RetryConfig) NextBackoff(newAttempts int) time.Duration {
	exp := newAttempts - 1
	if exp < 0 {
		exp = 0
	}
	delay := float64(c.BaseBackoff) * float64(uint64(1)<<minInt(exp, 20))
	capped := float64(c.MaxBackoff)
	if delay > capped {
		delay = capped
	}
	jittered := delay * (0.75 + rand.Float64()*0.5)
	return time.Duration(jittered)
}

// ShouldDeadLetter reports whether newAttempts has reached the configured
// delivery ceiling.
func (c RetryConfig) ShouldDeadLetter(newAttempts int) bool {
	return newAttempts >= c.MaxDeliveries
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ErrorTypeParse classifies a payload that failed to decode, in addition
// to the gateway client's own ErrorType* kinds.
const ErrorTypeParse = "parse"

// ClassifyDeliveryError maps a send/connection-state error to one of the
// gateway's error kinds, defaulting to retryable-connection for anything
// that doesn't carry a *gateway.SendError.
func ClassifyDeliveryError(err error) string {
	if err == nil {
		return gateway.ErrorTypeNone
	}
	var se *gateway.SendError
	if errors.As(err, &se) {
		return se.Type
	}
	return gateway.ErrorTypeConnection
}

// IsRetryable reports whether errType should feed the retry/backoff path
// rather than an immediate dead-letter move. Parse errors never retry;
// everything else retries until the delivery ceiling is reached.
func IsRetryable(errType string) bool {
	return errType != ErrorTypeParse
}
