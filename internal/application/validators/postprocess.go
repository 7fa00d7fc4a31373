package validators

import (
	"context"

	"github.com/aescanero/valset/pkg/domain"
	"github.com/aescanero/valset/pkg/ports"
)

// SuppressionPolicy decides which issues of a succeeded result were already
// handled by an earlier step and are hidden from the artifact owner.
type SuppressionPolicy struct {
	// Codes lists the suppressible issue codes.
	Codes []string
	// All suppresses every issue regardless of Codes.
	All bool
	// AllowReplacement accepts results carrying a replacement artifact
	// reference.
	AllowReplacement bool
}

func (p SuppressionPolicy) suppresses(code string) bool {
	if p.All {
		return true
	}
	for _, c := range p.Codes {
		if c == code {
			return true
		}
	}
	return false
}

// Apply narrows a result of the wrapped validator. A failed result, or an
// unexpected replacement reference, means an earlier step let through what
// it should have caught, and is returned as an invariant violation.
func (p SuppressionPolicy) Apply(step string, result domain.StepResult) (domain.StepResult, error) {
	if result.Status == domain.StepFailed {
		return domain.StepResult{}, &domain.InvariantViolationError{
			Step:   step,
			Reason: "wrapped step reported failure",
		}
	}
	if result.ReplacementArtifactRef != "" && !p.AllowReplacement {
		return domain.StepResult{}, &domain.InvariantViolationError{
			Step:   step,
			Reason: "unexpected replacement artifact " + result.ReplacementArtifactRef,
		}
	}
	if result.Status != domain.StepSucceeded || len(result.Issues) == 0 {
		return result, nil
	}

	out := domain.StepResult{
		Status:                 result.Status,
		ReplacementArtifactRef: result.ReplacementArtifactRef,
	}
	for _, issue := range result.Issues {
		if !p.suppresses(issue.Code) {
			out.Issues = append(out.Issues, issue)
		}
	}
	return out, nil
}

// PostProcess wraps another validator and narrows its results with a
// SuppressionPolicy.
type PostProcess struct {
	step    string
	wrapped ports.Validator
	policy  SuppressionPolicy
}

// NewPostProcess wraps v.
func NewPostProcess(step string, v ports.Validator, policy SuppressionPolicy) *PostProcess {
	return &PostProcess{step: step, wrapped: v, policy: policy}
}

func (p *PostProcess) Start(ctx context.Context, set *domain.ValidationSet, req *domain.StepRequest) (domain.StepResult, error) {
	result, err := p.wrapped.Start(ctx, set, req)
	if err != nil {
		return result, err
	}
	return p.policy.Apply(p.step, result)
}

func (p *PostProcess) Poll(ctx context.Context, set *domain.ValidationSet, req *domain.StepRequest) (domain.StepResult, error) {
	result, err := p.wrapped.Poll(ctx, set, req)
	if err != nil {
		return result, err
	}
	return p.policy.Apply(p.step, result)
}
