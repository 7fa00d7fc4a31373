package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aescanero/valset/pkg/domain"
)

// Graph is a validated, immutable step dependency graph.
type Graph struct {
	steps map[string]domain.StepDefinition
	order []string
}

// NewGraph validates the step definitions and builds the graph.
// Errors wrap domain.ErrInvalidGraph.
func NewGraph(defs []domain.StepDefinition) (*Graph, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: graph must have at least one step", domain.ErrInvalidGraph)
	}

	steps := make(map[string]domain.StepDefinition, len(defs))
	for i, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: step %d has no name", domain.ErrInvalidGraph, i)
		}
		if _, exists := steps[name]; exists {
			return nil, fmt.Errorf("%w: duplicate step name: %s", domain.ErrInvalidGraph, name)
		}
		if err := validateStep(&def); err != nil {
			return nil, fmt.Errorf("%w: invalid step %s: %v", domain.ErrInvalidGraph, name, err)
		}
		def.Name = name
		steps[name] = def
	}

	for name, def := range steps {
		for _, dep := range def.RequiredSteps {
			if dep == name {
				return nil, fmt.Errorf("%w: step %s requires itself", domain.ErrInvalidGraph, name)
			}
			if _, exists := steps[dep]; !exists {
				return nil, fmt.Errorf("%w: step %s requires unknown step %s", domain.ErrInvalidGraph, name, dep)
			}
		}
	}

	order, err := topologicalOrder(steps)
	if err != nil {
		return nil, err
	}

	return &Graph{steps: steps, order: order}, nil
}

// validateStep checks a single definition and normalizes its dependency list
func validateStep(def *domain.StepDefinition) error {
	if def.TrackAfter < 0 {
		return fmt.Errorf("trackAfter must be >= 0")
	}
	fb, err := domain.ParseFailureBehavior(string(def.FailureBehavior))
	if err != nil {
		return err
	}
	def.FailureBehavior = fb

	seen := make(map[string]bool, len(def.RequiredSteps))
	deps := make([]string, 0, len(def.RequiredSteps))
	for _, dep := range def.RequiredSteps {
		dep = strings.TrimSpace(dep)
		if dep == "" {
			return fmt.Errorf("empty required step name")
		}
		if seen[dep] {
			continue
		}
		seen[dep] = true
		deps = append(deps, dep)
	}
	def.RequiredSteps = deps
	return nil
}

// topologicalOrder returns the step names ordered so that every step comes
// after the steps it requires. Ties are broken by name.
func topologicalOrder(steps map[string]domain.StepDefinition) ([]string, error) {
	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for name := range steps {
		inDegree[name] = 0
	}
	for name, def := range steps {
		for _, dep := range def.RequiredSteps {
			dependents[dep] = append(dependents[dep], name)
			inDegree[name]++
		}
	}

	ready := make([]string, 0, len(steps))
	for name, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(steps))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, next := range dependents[name] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
				sort.Strings(ready)
			}
		}
	}

	if len(order) != len(steps) {
		return nil, fmt.Errorf("%w: dependency graph contains a cycle", domain.ErrInvalidGraph)
	}
	return order, nil
}

// Step returns the definition of the named step.
func (g *Graph) Step(name string) (domain.StepDefinition, bool) {
	def, ok := g.steps[name]
	return def, ok
}

// Order returns step names in dependency order.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Steps returns the definitions in dependency order.
func (g *Graph) Steps() []domain.StepDefinition {
	out := make([]domain.StepDefinition, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.steps[name])
	}
	return out
}

// Len returns the number of steps.
func (g *Graph) Len() int {
	return len(g.steps)
}
