package webhook

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/imamik/tenantplane/internal/config"
)

// ErrSignature is returned when a delivery fails signature verification.
var ErrSignature = errors.New("invalid webhook signature")

// Provider verifies and parses deliveries of one payment provider.
type Provider interface {
	Verify(header http.Header, body []byte, now time.Time) error
	Parse(body []byte) (Event, error)
}

// Registry maps provider names, as used in the webhook URL, to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under name.
func (r *Registry) Register(name string, p Provider) error {
	if name == "" || p == nil {
		return fmt.Errorf("register webhook provider %q: name and provider are required", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; ok {
		return fmt.Errorf("webhook provider %q already registered", name)
	}
	r.providers[name] = p
	return nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the registered provider names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegistryFromConfig builds a registry from the configured providers.
func RegistryFromConfig(cfgs []config.WebhookProviderConfig) (*Registry, error) {
	r := NewRegistry()
	for _, c := range cfgs {
		var p Provider
		switch c.Kind {
		case KindStripe:
			p = NewStripe(c.Secret, c.Tolerance)
		case KindGeneric:
			p = NewGeneric(c.Secret)
		default:
			return nil, fmt.Errorf("webhook provider %q: unknown kind %q", c.Name, c.Kind)
		}
		if err := r.Register(c.Name, p); err != nil {
			return nil, err
		}
	}
	return r, nil
}
