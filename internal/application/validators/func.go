package validators

import (
	"context"

	"github.com/aescanero/valset/pkg/domain"
)

// CallFunc is the signature of a validator call.
type CallFunc func(ctx context.Context, set *domain.ValidationSet, req *domain.StepRequest) (domain.StepResult, error)

// Func adapts plain functions to ports.Validator. A nil StartFunc reports
// Incomplete, a nil PollFunc reports the request's current status.
type Func struct {
	StartFunc CallFunc
	PollFunc  CallFunc
}

// Start calls StartFunc
func (f Func) Start(ctx context.Context, set *domain.ValidationSet, req *domain.StepRequest) (domain.StepResult, error) {
	if f.StartFunc == nil {
		return domain.StepResult{Status: domain.StepIncomplete}, nil
	}
	return f.StartFunc(ctx, set, req)
}

// Poll calls PollFunc
func (f Func) Poll(ctx context.Context, set *domain.ValidationSet, req *domain.StepRequest) (domain.StepResult, error) {
	if f.PollFunc == nil {
		return domain.StepResult{Status: req.Status}, nil
	}
	return f.PollFunc(ctx, set, req)
}
