package secrets

import (
	"context"
	"sync"
)

// MockAdmin is a DatabaseAdmin for tests. Func fields override the default,
// which records the last password set per role.
type MockAdmin struct {
	EnsureTenantDatabaseFunc func(ctx context.Context, role, password string) error
	SetRolePasswordFunc      func(ctx context.Context, role, password string) error

	mu        sync.Mutex
	passwords map[string]string
	ensured   int
}

var _ DatabaseAdmin = (*MockAdmin)(nil)

func (m *MockAdmin) EnsureTenantDatabase(ctx context.Context, role, password string) error {
	if m.EnsureTenantDatabaseFunc != nil {
		if err := m.EnsureTenantDatabaseFunc(ctx, role, password); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensured++
	m.setLocked(role, password)
	return nil
}

func (m *MockAdmin) SetRolePassword(ctx context.Context, role, password string) error {
	if m.SetRolePasswordFunc != nil {
		if err := m.SetRolePasswordFunc(ctx, role, password); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(role, password)
	return nil
}

func (m *MockAdmin) setLocked(role, password string) {
	if m.passwords == nil {
		m.passwords = make(map[string]string)
	}
	m.passwords[role] = password
}

// Password returns the last password set for role.
func (m *MockAdmin) Password(role string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.passwords[role]
}

// Ensured returns how many times EnsureTenantDatabase succeeded.
func (m *MockAdmin) Ensured() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensured
}
