// Package lock provides per-key, non-blocking mutual exclusion.
package lock

import (
	"context"
	"sync"
)

// Locker acquires named locks without waiting. TryLock reports false when
// another holder has key. The returned release func is safe to call more
// than once.
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), ok bool, err error)
}

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal returns an empty Local locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

func (l *Local) TryLock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, false, nil
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}

// Held reports whether key is currently locked.
func (l *Local) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

// ProvisionKey is the lock key held while a tenant is provisioned.
func ProvisionKey(tenantID string) string {
	return "provision:" + tenantID
}

// DeployKey is the lock key held while a tenant deploy is in flight.
func DeployKey(tenantID string) string {
	return "deploy:" + tenantID
}
