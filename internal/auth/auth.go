// Package auth carries the authenticated principal and answers ownership
// questions. Token verification lives in the api package.
package auth

import (
	"context"

	"github.com/imamik/tenantplane/internal/tenant"
)

// Principal is the caller identity established by authentication.
type Principal struct {
	Subject string
	Admin   bool
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored in ctx.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.Subject != ""
}

// OwnerChecker grants access to admins and to the tenant's owner.
type OwnerChecker struct{}

// CanAccess reports whether the principal in ctx may act on t.
func (OwnerChecker) CanAccess(ctx context.Context, t tenant.Tenant) bool {
	p, ok := FromContext(ctx)
	if !ok {
		return false
	}
	return p.Admin || (t.OwnerID != "" && p.Subject == t.OwnerID)
}

// System is the principal used for work the control plane starts itself,
// such as provisioning triggered by a webhook.
var System = Principal{Subject: "system:tenantplane", Admin: true}
