package orchestrator

import (
	"errors"
	"testing"

	"github.com/aescanero/valset/pkg/domain"
	"github.com/aescanero/valset/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticFactory(v ports.Validator) Factory {
	return func(domain.StepDefinition) (ports.Validator, error) { return v, nil }
}

func TestRegistryBuild(t *testing.T) {
	g, err := NewGraph([]domain.StepDefinition{step("a", ""), step("b", "", "a")})
	require.NoError(t, err)

	r := NewRegistry()
	require.NoError(t, r.Register("a", staticFactory(&scriptedValidator{})))
	require.NoError(t, r.Register("b", staticFactory(&scriptedValidator{})))
	assert.Equal(t, []string{"a", "b"}, r.Names())

	validators, err := r.Build(g)
	require.NoError(t, err)
	assert.Len(t, validators, 2)
}

func TestRegistryRejectsMismatches(t *testing.T) {
	g, err := NewGraph([]domain.StepDefinition{step("a", "")})
	require.NoError(t, err)

	unknown := NewRegistry()
	require.NoError(t, unknown.Register("a", staticFactory(&scriptedValidator{})))
	require.NoError(t, unknown.Register("typo", staticFactory(&scriptedValidator{})))
	_, err = unknown.Build(g)
	assert.ErrorIs(t, err, domain.ErrInvalidGraph)

	missing := NewRegistry()
	_, err = missing.Build(g)
	assert.ErrorIs(t, err, domain.ErrInvalidGraph)
}

func TestRegistryRegisterErrors(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register("", staticFactory(&scriptedValidator{})))
	assert.Error(t, r.Register("a", nil))
	require.NoError(t, r.Register("a", staticFactory(&scriptedValidator{})))
	assert.Error(t, r.Register("a", staticFactory(&scriptedValidator{})))
}

func TestRegistryFactoryError(t *testing.T) {
	g, err := NewGraph([]domain.StepDefinition{step("a", "")})
	require.NoError(t, err)

	boom := errors.New("boom")
	r := NewRegistry()
	require.NoError(t, r.Register("a", func(domain.StepDefinition) (ports.Validator, error) { return nil, boom }))
	_, err = r.Build(g)
	assert.ErrorIs(t, err, boom)
}
