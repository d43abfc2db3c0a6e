// Package lock serializes orchestrator calls for one correlation ID.
//
// The saga store's version check already rejects lost updates; a Locker
// additionally keeps two replicas from compensating the same saga at once.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrLocked is returned by Acquire when another holder owns the key.
var ErrLocked = errors.New("lock held by another owner")

// Locker acquires short leases keyed by correlation ID.
type Locker interface {
	// Acquire returns a token identifying this lease, or ErrLocked.
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Release frees the lease if token still owns it.
	Release(ctx context.Context, key, token string) error
}

// NoOpLocker never contends. Used for single-process deployments.
type NoOpLocker struct{}

func (NoOpLocker) Acquire(context.Context, string, time.Duration) (string, error) {
	return "noop", nil
}

func (NoOpLocker) Release(context.Context, string, string) error {
	return nil
}

var _ Locker = NoOpLocker{}
