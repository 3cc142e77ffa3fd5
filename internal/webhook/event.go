package webhook

// Event is a parsed webhook payload.
type Event interface {
	ID() string
}

// ProvisionRequested asks for a new tenant. TenantID is optional; when
// empty the tenant id is derived from the provider event id.
type ProvisionRequested struct {
	EventID  string `validate:"required"`
	TenantID string `validate:"omitempty,max=64"`
	OwnerID  string `validate:"required"`
	PlanID   string `validate:"required"`
	Name     string `validate:"max=128"`
	Region   string
	MemoryMB int `validate:"gte=0"`
}

// CancellationRequested asks for a tenant to be soft-deleted.
type CancellationRequested struct {
	EventID  string `validate:"required"`
	TenantID string `validate:"required"`
}

// SuspensionRequested asks for a running tenant to be suspended.
type SuspensionRequested struct {
	EventID  string `validate:"required"`
	TenantID string `validate:"required"`
	Reason   string `validate:"max=256"`
}

// Ignored is a verified event of a type the control plane does not act on.
type Ignored struct {
	EventID string
	Type    string
}

func (e ProvisionRequested) ID() string    { return e.EventID }
func (e CancellationRequested) ID() string { return e.EventID }
func (e SuspensionRequested) ID() string   { return e.EventID }
func (e Ignored) ID() string               { return e.EventID }
