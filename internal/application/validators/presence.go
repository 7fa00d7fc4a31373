package validators

import (
	"context"
	"fmt"

	"github.com/aescanero/valset/pkg/domain"
	"github.com/aescanero/valset/pkg/ports"
)

// Presence succeeds once the artifact is visible in storage. Until then it
// answers domain.ErrArtifactNotReady, which drives the missing-artifact
// retry of the scheduler.
type Presence struct {
	locator ports.ArtifactLocator
}

// NewPresence creates a presence validator
func NewPresence(locator ports.ArtifactLocator) *Presence {
	return &Presence{locator: locator}
}

func (p *Presence) Start(ctx context.Context, set *domain.ValidationSet, req *domain.StepRequest) (domain.StepResult, error) {
	return p.check(ctx, set)
}

func (p *Presence) Poll(ctx context.Context, set *domain.ValidationSet, req *domain.StepRequest) (domain.StepResult, error) {
	return p.check(ctx, set)
}

func (p *Presence) check(ctx context.Context, set *domain.ValidationSet) (domain.StepResult, error) {
	ok, err := p.locator.Exists(ctx, set.Artifact)
	if err != nil {
		return domain.StepResult{}, fmt.Errorf("locate %s: %w", set.Artifact, err)
	}
	if !ok {
		return domain.StepResult{}, fmt.Errorf("%s: %w", set.Artifact, domain.ErrArtifactNotReady)
	}
	return domain.StepResult{Status: domain.StepSucceeded}, nil
}
