// Package tenant owns the authoritative tenant lifecycle.
//
// Status changes only through Machine.Transition, which checks the edge
// table, writes the new status and exactly one event in one transaction,
// and then hands the committed event to live subscribers.
package tenant

import (
	"context"
	"time"

	"github.com/imamik/tenantplane/internal/events"
)

// Status is a tenant lifecycle state.
type Status string

const (
	StatusPending        Status = "pending"
	StatusProvisioning   Status = "provisioning"
	StatusAwaitingDeploy Status = "awaiting_deploy"
	StatusDeploying      Status = "deploying"
	StatusRunning        Status = "running"
	StatusSuspended      Status = "suspended"
	StatusFailed         Status = "failed"
	StatusDeleted        Status = "deleted"
)

// edges lists the permitted transitions. Every non-terminal state may also
// move to deleted.
var edges = map[Status][]Status{
	StatusPending:        {StatusProvisioning},
	StatusProvisioning:   {StatusAwaitingDeploy, StatusFailed},
	StatusAwaitingDeploy: {StatusDeploying},
	StatusDeploying:      {StatusRunning, StatusFailed},
	StatusRunning:        {StatusSuspended},
	StatusSuspended:      nil,
	StatusFailed:         nil,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	if s == StatusDeleted {
		return true
	}
	_, ok := edges[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusDeleted
}

// HasMachine reports whether a tenant in status s must have a machine.
func (s Status) HasMachine() bool {
	switch s {
	case StatusDeploying, StatusRunning, StatusSuspended:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a permitted edge.
func CanTransition(from, to Status) bool {
	if !from.Valid() || from.Terminal() {
		return false
	}
	if to == StatusDeleted {
		return true
	}
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Tenant is one customer's isolated application instance.
type Tenant struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Status   Status    `json:"status"`
	Region   string    `json:"region"`
	MemoryMB int       `json:"memory_mb"`
	OwnerID  string    `json:"owner_id"`
	PlanID   string    `json:"plan_id"`

	AppName   string `json:"compute_app_name,omitempty"`
	MachineID string `json:"compute_machine_id,omitempty"`
	VolumeID  string `json:"compute_volume_id,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
	IPv4      string `json:"ipv4,omitempty"`
	IPv6      string `json:"ipv6,omitempty"`

	RotationPending   bool       `json:"rotation_pending"`
	RotationStep      string     `json:"rotation_failed_step,omitempty"`
	RotationClaimedAt *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Change is a set of non-status field updates. Nil fields are left alone.
type Change struct {
	AppName   *string
	MachineID *string
	VolumeID  *string
	Hostname  *string
	IPv4      *string
	IPv6      *string
}

// Apply writes the set fields of c onto t.
func (c Change) Apply(t *Tenant) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&t.AppName, c.AppName)
	set(&t.MachineID, c.MachineID)
	set(&t.VolumeID, c.VolumeID)
	set(&t.Hostname, c.Hostname)
	set(&t.IPv4, c.IPv4)
	set(&t.IPv6, c.IPv6)
}

// Empty reports whether c changes nothing.
func (c Change) Empty() bool {
	return c == Change{}
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	OwnerID string
	Status  Status
}

// Matches reports whether t passes the filter.
func (f Filter) Matches(t Tenant) bool {
	if f.OwnerID != "" && t.OwnerID != f.OwnerID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	return true
}

// Transition is a status write guarded by the expected current status.
type Transition struct {
	TenantID string
	From     Status
	To       Status
	Change   Change
	Event    events.Draft
}

// Store persists tenants. Implementations append the event of Create and
// ApplyTransition in the same transaction as the row write.
type Store interface {
	Create(ctx context.Context, t Tenant, ev events.Draft) (Tenant, events.Event, error)
	Get(ctx context.Context, id string) (Tenant, error)
	List(ctx context.Context, f Filter) ([]Tenant, error)

	// ApplyTransition writes tr only if the stored status still equals
	// tr.From. Otherwise it returns ErrStaleStatus and changes nothing.
	ApplyTransition(ctx context.Context, tr Transition) (Tenant, events.Event, error)

	// Update writes non-status fields.
	Update(ctx context.Context, id string, c Change) (Tenant, error)

	// ClaimRotation sets the rotation claim if none is held or the held one
	// is older than lease. A successful claim also sets RotationPending so a
	// crash mid-rotation leaves the tenant flagged.
	ClaimRotation(ctx context.Context, id string, now time.Time, lease time.Duration) (bool, error)

	// ReleaseRotation clears the claim. An empty failedStep also clears
	// RotationPending; otherwise the step is recorded.
	ReleaseRotation(ctx context.Context, id, failedStep string) error
}

// Ptr returns a pointer to s, for building a Change.
func Ptr(s string) *string {
	return &s
}
