package compute

import (
	"context"
	"fmt"
	"sync"
)

// MockProvider is a Provider for tests. Each method calls its Func field
// when set. Otherwise it falls back to an in-memory provider that is
// idempotent by name, so repeated creates report AlreadyExisted.
type MockProvider struct {
	CreateAppFunc          func(ctx context.Context, spec AppSpec) (Result, error)
	CreateVolumeFunc       func(ctx context.Context, spec VolumeSpec) (Result, error)
	AllocateIPFunc         func(ctx context.Context, spec IPSpec) (IPResult, error)
	AddCertificateFunc     func(ctx context.Context, spec CertificateSpec) (Result, error)
	CreateMachineFunc      func(ctx context.Context, spec MachineSpec) (Result, error)
	UpdateMachineImageFunc func(ctx context.Context, app, machineID, image string) error
	GetMachineStatusFunc   func(ctx context.Context, app, machine string) (MachineStatus, error)
	SetMachineSecretsFunc  func(ctx context.Context, app string, env map[string]string) error
	RestartMachineFunc     func(ctx context.Context, app, machineID string) error
	DestroyAppFunc         func(ctx context.Context, res AppResources) error

	mu       sync.Mutex
	calls    []string
	created  map[string]int // resource name -> number of real creations
	ids      map[string]string
	secrets  map[string]map[string]string
	images   map[string]string
	restarts map[string][]map[string]string // machine -> secrets seen on each restart
	nextID   int
}

var _ Provider = (*MockProvider)(nil)

func (m *MockProvider) record(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, op)
}

// Calls returns the names of the provider operations invoked, in order.
func (m *MockProvider) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// CallCount returns how many times op was invoked.
func (m *MockProvider) CallCount(op string) int {
	n := 0
	for _, c := range m.Calls() {
		if c == op {
			n++
		}
	}
	return n
}

// Created returns how many times a resource with the given name was
// actually created by the in-memory fallback.
func (m *MockProvider) Created(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created[name]
}

// Secrets returns the last secrets set for app by the in-memory fallback.
func (m *MockProvider) Secrets(app string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.secrets[app]
}

// Restarts returns the provider secrets observed at each restart of machineID.
func (m *MockProvider) Restarts(machineID string) []map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarts[machineID]
}

func (m *MockProvider) ensure(name string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ids == nil {
		m.ids = make(map[string]string)
		m.created = make(map[string]int)
	}
	if id, ok := m.ids[name]; ok {
		return Result{ID: id, Name: name, AlreadyExisted: true}
	}
	m.nextID++
	id := fmt.Sprintf("%d", m.nextID)
	m.ids[name] = id
	m.created[name]++
	return Result{ID: id, Name: name}
}

// CreateApp mocks app creation.
func (m *MockProvider) CreateApp(ctx context.Context, spec AppSpec) (Result, error) {
	m.record("CreateApp")
	if m.CreateAppFunc != nil {
		return m.CreateAppFunc(ctx, spec)
	}
	return m.ensure(spec.Name), nil
}

// CreateVolume mocks volume creation.
func (m *MockProvider) CreateVolume(ctx context.Context, spec VolumeSpec) (Result, error) {
	m.record("CreateVolume")
	if m.CreateVolumeFunc != nil {
		return m.CreateVolumeFunc(ctx, spec)
	}
	return m.ensure(spec.Name), nil
}

// AllocateIP mocks IP allocation.
func (m *MockProvider) AllocateIP(ctx context.Context, spec IPSpec) (IPResult, error) {
	m.record("AllocateIP")
	if m.AllocateIPFunc != nil {
		return m.AllocateIPFunc(ctx, spec)
	}
	res := m.ensure(spec.Name)
	addr := "203.0.113." + res.ID
	if spec.Family == IPv6 {
		addr = "2001:db8::" + res.ID
	}
	return IPResult{Result: res, Family: spec.Family, Address: addr}, nil
}

// AddCertificate mocks certificate creation.
func (m *MockProvider) AddCertificate(ctx context.Context, spec CertificateSpec) (Result, error) {
	m.record("AddCertificate")
	if m.AddCertificateFunc != nil {
		return m.AddCertificateFunc(ctx, spec)
	}
	return m.ensure(spec.Name), nil
}

// CreateMachine mocks machine creation.
func (m *MockProvider) CreateMachine(ctx context.Context, spec MachineSpec) (Result, error) {
	m.record("CreateMachine")
	if m.CreateMachineFunc != nil {
		return m.CreateMachineFunc(ctx, spec)
	}
	res := m.ensure(spec.Name)
	m.mu.Lock()
	if m.images == nil {
		m.images = make(map[string]string)
	}
	m.images[res.ID] = spec.Image
	m.mu.Unlock()
	return res, nil
}

// UpdateMachineImage mocks an image update.
func (m *MockProvider) UpdateMachineImage(ctx context.Context, app, machineID, image string) error {
	m.record("UpdateMachineImage")
	if m.UpdateMachineImageFunc != nil {
		return m.UpdateMachineImageFunc(ctx, app, machineID, image)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.images == nil {
		m.images = make(map[string]string)
	}
	m.images[machineID] = image
	return nil
}

// GetMachineStatus mocks a status query. The fallback reports every known
// machine as started and healthy.
func (m *MockProvider) GetMachineStatus(ctx context.Context, app, machine string) (MachineStatus, error) {
	m.record("GetMachineStatus")
	if m.GetMachineStatusFunc != nil {
		return m.GetMachineStatusFunc(ctx, app, machine)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := machine
	if byName, ok := m.ids[machine]; ok {
		id = byName
	}
	image, ok := m.images[id]
	if !ok {
		return MachineStatus{}, fmt.Errorf("machine %s: %w", machine, ErrNotFound)
	}
	return MachineStatus{ID: id, Name: machine, State: MachineStarted, Image: image, Healthy: true}, nil
}

// SetMachineSecrets mocks an update of the provider secret store.
func (m *MockProvider) SetMachineSecrets(ctx context.Context, app string, env map[string]string) error {
	m.record("SetMachineSecrets")
	if m.SetMachineSecretsFunc != nil {
		return m.SetMachineSecretsFunc(ctx, app, env)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.secrets == nil {
		m.secrets = make(map[string]map[string]string)
	}
	cp := make(map[string]string, len(env))
	for k, v := range env {
		cp[k] = v
	}
	m.secrets[app] = cp
	return nil
}

// RestartMachine mocks a machine restart.
func (m *MockProvider) RestartMachine(ctx context.Context, app, machineID string) error {
	m.record("RestartMachine")
	if m.RestartMachineFunc != nil {
		return m.RestartMachineFunc(ctx, app, machineID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.restarts == nil {
		m.restarts = make(map[string][]map[string]string)
	}
	m.restarts[machineID] = append(m.restarts[machineID], m.secrets[app])
	return nil
}

// DestroyApp mocks teardown.
func (m *MockProvider) DestroyApp(ctx context.Context, res AppResources) error {
	m.record("DestroyApp")
	if m.DestroyAppFunc != nil {
		return m.DestroyAppFunc(ctx, res)
	}
	return nil
}
