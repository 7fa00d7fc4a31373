package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aescanero/valset/pkg/domain"
	"gopkg.in/yaml.v3"
)

// Step kinds
const (
	KindRemote      = "remote"
	KindPresence    = "presence"
	KindPostProcess = "postprocess"
)

// GraphFile is the declarative step graph
type GraphFile struct {
	Steps []StepConfig `yaml:"steps"`
}

// StepConfig configures one step and the adapter that runs it
type StepConfig struct {
	Name            string        `yaml:"name"`
	Kind            string        `yaml:"kind"`
	TrackAfter      time.Duration `yaml:"trackAfter,omitempty"`
	RequiredSteps   []string      `yaml:"requiredSteps,omitempty"`
	ShouldStart     *bool         `yaml:"shouldStart,omitempty"`
	FailureBehavior string        `yaml:"failureBehavior,omitempty"`

	// Topic names the work topic of remote steps. Defaults to the name.
	Topic string `yaml:"topic,omitempty"`

	// Wraps is the kind of the validator a postprocess step narrows.
	Wraps            string   `yaml:"wraps,omitempty"`
	SuppressIssues   []string `yaml:"suppressIssues,omitempty"`
	SuppressAll      bool     `yaml:"suppressAll,omitempty"`
	AllowReplacement bool     `yaml:"allowReplacement,omitempty"`
}

// LoadGraph reads and validates a graph file
func LoadGraph(path string) (*GraphFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph file: %w", err)
	}
	g, err := ParseGraph(data)
	if err != nil {
		return nil, fmt.Errorf("graph file %s: %w", path, err)
	}
	return g, nil
}

// ParseGraph decodes a graph document. Unknown fields are rejected.
func ParseGraph(data []byte) (*GraphFile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var g GraphFile
	if err := dec.Decode(&g); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty graph document", domain.ErrInvalidGraph)
		}
		return nil, fmt.Errorf("%w: decode: %v", domain.ErrInvalidGraph, err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Validate checks the adapter settings of every step. Graph shape (unknown
// references, cycles) is checked when the orchestrator graph is built.
func (g *GraphFile) Validate() error {
	if len(g.Steps) == 0 {
		return fmt.Errorf("%w: no steps", domain.ErrInvalidGraph)
	}
	for i, s := range g.Steps {
		if s.Name == "" {
			return fmt.Errorf("%w: step %d has no name", domain.ErrInvalidGraph, i)
		}
		if _, err := domain.ParseFailureBehavior(s.FailureBehavior); err != nil {
			return fmt.Errorf("%w: step %s: %v", domain.ErrInvalidGraph, s.Name, err)
		}

		switch s.Kind {
		case KindRemote, KindPresence:
			if s.Wraps != "" || len(s.SuppressIssues) > 0 || s.SuppressAll {
				return fmt.Errorf("%w: step %s: wraps and suppression apply to postprocess steps only", domain.ErrInvalidGraph, s.Name)
			}
		case KindPostProcess:
			if s.Wraps != KindRemote && s.Wraps != KindPresence {
				return fmt.Errorf("%w: step %s: postprocess must wrap remote or presence, got %q", domain.ErrInvalidGraph, s.Name, s.Wraps)
			}
		default:
			return fmt.Errorf("%w: step %s: unknown kind %q", domain.ErrInvalidGraph, s.Name, s.Kind)
		}
		if s.Topic != "" && s.Kind != KindRemote && s.Wraps != KindRemote {
			return fmt.Errorf("%w: step %s: topic applies to remote steps only", domain.ErrInvalidGraph, s.Name)
		}
	}
	return nil
}

// Definitions returns the step definitions in file order
func (g *GraphFile) Definitions() []domain.StepDefinition {
	defs := make([]domain.StepDefinition, 0, len(g.Steps))
	for _, s := range g.Steps {
		fb, _ := domain.ParseFailureBehavior(s.FailureBehavior)
		shouldStart := true
		if s.ShouldStart != nil {
			shouldStart = *s.ShouldStart
		}
		defs = append(defs, domain.StepDefinition{
			Name:            s.Name,
			RequiredSteps:   append([]string(nil), s.RequiredSteps...),
			ShouldStart:     shouldStart,
			FailureBehavior: fb,
			TrackAfter:      s.TrackAfter,
		})
	}
	return defs
}

// Step returns the configuration of the named step
func (g *GraphFile) Step(name string) (StepConfig, bool) {
	for _, s := range g.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepConfig{}, false
}
