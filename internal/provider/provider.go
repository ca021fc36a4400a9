// Package provider defines the interface for email delivery backends and the
// registry that resolves them by name.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shineum/ews-relay/internal/config"
	"github.com/shineum/ews-relay/internal/email"
)

// Provider is the interface that email delivery backends must implement.
// Each provider handles the actual sending of parsed email messages
// to the target service (e.g., Exchange, SES, Graph).
type Provider interface {
	// Send delivers an email message through this provider and returns the
	// number of recipients it was handed to. Delivery is all-or-nothing.
	Send(ctx context.Context, msg *email.Email) (int, error)

	// Name returns the human-readable name of this provider.
	Name() string
}

// Factory builds a provider from the loaded configuration.
type Factory func(ctx context.Context, cfg *config.Config) (Provider, error)

// ErrUnknownProvider is returned by New for names nothing was registered under.
var ErrUnknownProvider = errors.New("unknown provider")

// Registry maps transport names to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds name to factory. Registering a name again replaces the
// previous factory.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// New resolves name and builds a fresh provider instance.
func (r *Registry) New(ctx context.Context, name string, cfg *config.Config) (Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}

	p, err := factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s provider: %w", name, err)
	}
	return p, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
