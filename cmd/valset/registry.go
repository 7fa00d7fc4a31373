package main

import (
	"fmt"

	"github.com/aescanero/valset/internal/application/orchestrator"
	"github.com/aescanero/valset/internal/application/validators"
	"github.com/aescanero/valset/internal/config"
	"github.com/aescanero/valset/pkg/domain"
	"github.com/aescanero/valset/pkg/ports"
	"go.uber.org/zap"
)

// adapterDeps are the shared adapters step validators are built from
type adapterDeps struct {
	bus     ports.EventBus
	results ports.ResultStore
	locator ports.ArtifactLocator
	logger  *zap.Logger
}

// buildRegistry registers one validator factory per configured step
func buildRegistry(graph *config.GraphFile, deps adapterDeps) (*orchestrator.Registry, error) {
	registry := orchestrator.NewRegistry()

	for _, step := range graph.Steps {
		step := step
		factory := func(def domain.StepDefinition) (ports.Validator, error) {
			return newValidator(step, deps)
		}
		if err := registry.Register(step.Name, factory); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func newValidator(step config.StepConfig, deps adapterDeps) (ports.Validator, error) {
	switch step.Kind {
	case config.KindRemote:
		return newBase(step.Name, config.KindRemote, step.Topic, deps)
	case config.KindPresence:
		return newBase(step.Name, config.KindPresence, "", deps)
	case config.KindPostProcess:
		inner, err := newBase(step.Name, step.Wraps, step.Topic, deps)
		if err != nil {
			return nil, err
		}
		return validators.NewPostProcess(step.Name, inner, validators.SuppressionPolicy{
			Codes:            step.SuppressIssues,
			All:              step.SuppressAll,
			AllowReplacement: step.AllowReplacement,
		}), nil
	}
	return nil, fmt.Errorf("%w: step %s: unknown kind %q", domain.ErrInvalidGraph, step.Name, step.Kind)
}

func newBase(name, kind, topic string, deps adapterDeps) (ports.Validator, error) {
	switch kind {
	case config.KindRemote:
		if deps.bus == nil || deps.results == nil {
			return nil, fmt.Errorf("step %s: remote steps need an event bus and a result store", name)
		}
		return validators.NewRemote(name, topic, deps.bus, deps.results, deps.logger), nil
	case config.KindPresence:
		if deps.locator == nil {
			return nil, fmt.Errorf("step %s: presence steps need MINIO_ENDPOINT", name)
		}
		return validators.NewPresence(deps.locator), nil
	}
	return nil, fmt.Errorf("%w: step %s: unknown kind %q", domain.ErrInvalidGraph, name, kind)
}

// needsLocator reports whether any step checks object storage
func needsLocator(graph *config.GraphFile) bool {
	for _, s := range graph.Steps {
		if s.Kind == config.KindPresence || (s.Kind == config.KindPostProcess && s.Wraps == config.KindPresence) {
			return true
		}
	}
	return false
}
