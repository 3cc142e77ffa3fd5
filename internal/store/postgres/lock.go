package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/imamik/tenantplane/internal/lock"
)

var _ lock.Locker = (*Locker)(nil)

// Locker implements lock.Locker with session advisory locks. Each held lock
// pins one pooled connection until it is released.
type Locker struct {
	s *Store
}

// Locker returns an advisory lock Locker on the store's pool.
func (s *Store) Locker() *Locker {
	return &Locker{s: s}
}

// TryLock takes pg_try_advisory_lock on a 64-bit hash of key.
func (l *Locker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	conn, err := l.s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock %s: %w", key, err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			ctx := context.WithoutCancel(ctx)
			if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
				// A connection that failed to unlock must not go back to the pool
				// still holding the lock.
				_ = conn.Conn().Close(ctx)
			}
			conn.Release()
		})
	}
	return release, true, nil
}
