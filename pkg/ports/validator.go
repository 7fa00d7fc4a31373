package ports

import (
	"context"

	"github.com/aescanero/valset/pkg/domain"
)

// Validator is the adapter contract for one validation step.
//
// Start is called at most once per step request attempt. Poll must be
// idempotent and free of side effects. Either may return an error wrapping
// domain.ErrArtifactNotReady when the artifact is not yet visible, or
// domain.ErrInvariantViolation when it observed an impossible upstream state.
type Validator interface {
	Start(ctx context.Context, set *domain.ValidationSet, req *domain.StepRequest) (domain.StepResult, error)
	Poll(ctx context.Context, set *domain.ValidationSet, req *domain.StepRequest) (domain.StepResult, error)
}

// ArtifactLocator checks whether an artifact is visible in storage.
type ArtifactLocator interface {
	Exists(ctx context.Context, key domain.ArtifactKey) (bool, error)
}
