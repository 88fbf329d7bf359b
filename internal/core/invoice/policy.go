package invoice

import "github.com/artpar/freighter/internal/core/manifest"

// Policy is what an action does with a host whose bill of lading has failures.
type Policy int

const (
	// Continue keeps going; failures only affect the final result.
	Continue Policy = iota
	// Rollback recalls the service on the failed host.
	Rollback
	// Abort stops before any follow-up step (such as pushing an export).
	Abort
)

func (p Policy) String() string {
	switch p {
	case Rollback:
		return "rollback"
	case Abort:
		return "abort"
	default:
		return "continue"
	}
}

var failurePolicies = map[manifest.Action]Policy{
	manifest.ActionDeploy:         Rollback,
	manifest.ActionQualityControl: Continue,
	manifest.ActionExport:         Abort,
	manifest.ActionTest:           Abort,
	manifest.ActionOffload:        Continue,
}

// FailurePolicy returns the failure policy of an action.
func FailurePolicy(action manifest.Action) Policy {
	return failurePolicies[action]
}
