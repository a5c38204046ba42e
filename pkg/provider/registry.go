package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cloudesk/brokerd/pkg/lifecycle"
)

// Registry holds the configured backend providers by name. Pools reference
// providers by this name; the lifecycle machine resolves the dispatch table
// once when the provider is registered.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]lifecycle.Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]lifecycle.Provider)}
}

func (r *Registry) Add(p lifecycle.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.providers[p.Name()]; dup {
		return fmt.Errorf("provider %s already registered", p.Name())
	}
	r.providers[p.Name()] = p
	return nil
}

func (r *Registry) Get(name string) (lifecycle.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

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

// RegisterAll wires every provider into the machine.
func (r *Registry) RegisterAll(m *lifecycle.Machine) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		if err := m.RegisterProvider(p); err != nil {
			return err
		}
	}
	return nil
}
