// Package scheduler contains the pure decision logic of the scheduler loop.
// It performs no I/O; the loop executes the returned action against the store.
package scheduler

import (
	"fmt"
	"time"

	"github.com/mediaforge/taskcron/internal/domain"
)

// Action is the loop's move for one due schedule.
type Action int

const (
	// ActionMaterialize inserts an instance and a pending task row.
	ActionMaterialize Action = iota
	// ActionAdvanceOnly moves next_run_at forward without materializing.
	ActionAdvanceOnly
	// ActionReplaceThenMaterialize skips the live instances first, then
	// materializes the new firing.
	ActionReplaceThenMaterialize
)

// String returns the action name used in logs and metric tags.
func (a Action) String() string {
	switch a {
	case ActionMaterialize:
		return "materialize"
	case ActionAdvanceOnly:
		return "advance_only"
	case ActionReplaceThenMaterialize:
		return "replace_then_materialize"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// DecideParams carries the observed state for one overlap-policy decision.
type DecideParams struct {
	Policy        domain.OverlapPolicy
	LiveInstances int
	MaxInstances  int
}

// Decision is the outcome of applying an overlap policy.
type Decision struct {
	Action Action
	// Blocked reports whether the live-instance count had reached the cap.
	Blocked bool
}

// Decide applies the overlap policy to the observed instance counts.
// MaxInstances below 1 is treated as 1. Unknown policies are an error; the
// caller isolates the schedule rather than guessing.
func Decide(p DecideParams) (Decision, error) {
	maxInstances := p.MaxInstances
	if maxInstances < 1 {
		maxInstances = 1
	}
	blocked := p.LiveInstances >= maxInstances

	switch p.Policy {
	case domain.OverlapSkip:
		if blocked {
			return Decision{Action: ActionAdvanceOnly, Blocked: true}, nil
		}
		return Decision{Action: ActionMaterialize}, nil
	case domain.OverlapQueue:
		// The executor serializes execution; the loop always materializes.
		return Decision{Action: ActionMaterialize, Blocked: blocked}, nil
	case domain.OverlapReplace:
		if blocked {
			return Decision{Action: ActionReplaceThenMaterialize, Blocked: true}, nil
		}
		return Decision{Action: ActionMaterialize}, nil
	default:
		return Decision{}, fmt.Errorf("unknown overlap policy %q", p.Policy)
	}
}

// IsDue reports whether a schedule qualifies for processing at now. The due
// scan already filters on these conditions; the loop re-checks before acting.
func IsDue(s domain.Schedule, now time.Time) bool {
	return s.Enabled && !s.NextRunAt.After(now)
}
