package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

type lease struct {
	token     string
	expiresAt time.Time
}

// InMemoryLocker holds leases in process memory. Expired leases are taken
// over by the next Acquire.
type InMemoryLocker struct {
	leases *xsync.MapOf[string, lease]
	now    func() time.Time
}

// NewInMemoryLocker creates an empty locker.
func NewInMemoryLocker() *InMemoryLocker {
	return &InMemoryLocker{
		leases: xsync.NewMapOf[string, lease](),
		now:    time.Now,
	}
}

func (l *InMemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	now := l.now()
	acquired := false
	l.leases.Compute(key, func(old lease, loaded bool) (lease, bool) {
		if loaded && now.Before(old.expiresAt) {
			return old, false
		}
		acquired = true
		return lease{token: token, expiresAt: now.Add(ttl)}, false
	})
	if !acquired {
		return "", ErrLocked
	}
	return token, nil
}

func (l *InMemoryLocker) Release(_ context.Context, key, token string) error {
	l.leases.Compute(key, func(old lease, loaded bool) (lease, bool) {
		// Only the owner may delete; a stale token leaves the new lease alone.
		return old, !loaded || old.token == token
	})
	return nil
}

var _ Locker = (*InMemoryLocker)(nil)
