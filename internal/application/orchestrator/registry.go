package orchestrator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/valset/pkg/domain"
	"github.com/aescanero/valset/pkg/ports"
)

// Factory builds the validator for one configured step.
type Factory func(def domain.StepDefinition) (ports.Validator, error)

// Registry maps configured step names to validator factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds the factory for a step name.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("step name is required")
	}
	if factory == nil {
		return fmt.Errorf("factory for step %s is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("validator already registered for step %s", name)
	}
	r.factories[name] = factory
	return nil
}

// Names returns the registered step names, sorted.
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

// Build creates one validator per graph step. Registered names missing from
// the graph and graph steps without a registration are both rejected.
func (r *Registry) Build(g *Graph) (map[string]ports.Validator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name := range r.factories {
		if _, ok := g.Step(name); !ok {
			return nil, fmt.Errorf("%w: validator registered for unknown step %s", domain.ErrInvalidGraph, name)
		}
	}

	validators := make(map[string]ports.Validator, g.Len())
	for _, def := range g.Steps() {
		factory, ok := r.factories[def.Name]
		if !ok {
			return nil, fmt.Errorf("%w: no validator registered for step %s", domain.ErrInvalidGraph, def.Name)
		}
		v, err := factory(def)
		if err != nil {
			return nil, fmt.Errorf("build validator %s: %w", def.Name, err)
		}
		if v == nil {
			return nil, fmt.Errorf("%w: factory for step %s returned nil", domain.ErrInvalidGraph, def.Name)
		}
		validators[def.Name] = v
	}
	return validators, nil
}
