package orchestrator

import "github.com/aescanero/valset/pkg/domain"

// Aggregate derives the overall status of a non-terminal set from its
// step requests.
//
// The set fails as soon as a MustSucceed step fails or can no longer run
// because a step it requires failed. It succeeds once every MustSucceed
// step succeeded and no other step is still running or startable.
// AllowedToFail failures never change the verdict.
func Aggregate(g *Graph, set *domain.ValidationSet) domain.OverallStatus {
	if set.OverallStatus.IsTerminal() {
		return set.OverallStatus
	}
	if len(set.Requests) == 0 {
		return set.OverallStatus
	}

	blocked := make(map[string]bool)
	allRequiredSucceeded := true
	pending := false

	for _, def := range g.Steps() {
		mustSucceed := def.FailureBehavior != domain.AllowedToFail
		req := set.Request(def.Name)

		if req == nil {
			for _, dep := range def.RequiredSteps {
				if blocked[dep] {
					blocked[def.Name] = true
					break
				}
			}
			if mustSucceed {
				if blocked[def.Name] {
					return domain.SetFailed
				}
				allRequiredSucceeded = false
			}
			if !blocked[def.Name] {
				pending = true
			}
			continue
		}

		switch req.Status {
		case domain.StepSucceeded:
		case domain.StepFailed:
			if mustSucceed {
				return domain.SetFailed
			}
			blocked[def.Name] = true
		default:
			pending = true
			if mustSucceed {
				allRequiredSucceeded = false
			}
		}
	}

	if allRequiredSucceeded && !pending {
		return domain.SetSucceeded
	}
	return domain.SetRunning
}
