package locks

import "context"

// Lock represents an acquired distributed lock.
type Lock interface {
	Refresh(ctx context.Context, ttlSeconds int) error
	Release(ctx context.Context) error
	// GetValue returns the random token backing this lock instance, so a
	// caller can confirm it still holds the lock before a long operation
	// completes.
	GetValue() string
}

// Manager can acquire locks identified by a key.
type Manager interface {
	Acquire(ctx context.Context, key string, ttlSeconds int) (Lock, bool, error)
}
