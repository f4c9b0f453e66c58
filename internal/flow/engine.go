// Package flow implements the sequential approval state machine.
//
// Apply is pure: it never mutates its input and performs no I/O. It is the
// only place that decides whether an actor may act on a step.
package flow

import (
	"fmt"
	"time"

	"github.com/pitabwire/pxm/model"
)

// Outcome reports the transition a successful Apply performed.
type Outcome int

// Outcome values.
const (
	// Advanced means the step was approved and the pointer moved on.
	Advanced Outcome = iota + 1
	// Completed means the final step was approved.
	Completed
	// Rejected means the current step was rejected.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Advanced:
		return "advanced"
	case Completed:
		return "completed"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Apply applies action by actorID to the step at f.CurrentStep and returns the
// resulting flow. On error the zero FlowProcess is returned and f is untouched.
//
// Preconditions are checked in order: the pointer addresses a step
// (INVALID_STATE), the step is pending (ALREADY_PROCESSED), the actor is the
// step's approver (FORBIDDEN).
func Apply(f model.FlowProcess, action model.Action, actorID string, at time.Time) (model.FlowProcess, Outcome, error) {
	if action != model.ActionApprove && action != model.ActionReject {
		return model.FlowProcess{}, 0, model.NewBadRequestError(fmt.Sprintf("unknown action %q", action))
	}

	if f.CurrentStep < 1 || f.CurrentStep > len(f.Steps) {
		return model.FlowProcess{}, 0, model.NewInvalidStateError("current step not found")
	}

	idx := f.CurrentStep - 1
	step := f.Steps[idx]

	if step.Status != model.StepPending {
		return model.FlowProcess{}, 0, model.NewAlreadyProcessedError(
			fmt.Sprintf("step %d is already %s", step.Seq, step.Status),
		)
	}

	if step.ApproverID != actorID {
		return model.FlowProcess{}, 0, model.NewForbiddenError("not the current approver")
	}

	next := f.Clone()
	ts := at
	next.Steps[idx].Timestamp = &ts

	if action == model.ActionReject {
		next.Steps[idx].Status = model.StepRejected
		return next, Rejected, nil
	}

	next.Steps[idx].Status = model.StepApproved
	if next.CurrentStep < len(next.Steps) {
		next.CurrentStep++
		return next, Advanced, nil
	}
	return next, Completed, nil
}

// OverallStatus derives the request status implied by an outcome.
func OverallStatus(o Outcome) model.RequestStatus {
	switch o {
	case Completed:
		return model.RequestApproved
	case Rejected:
		return model.RequestRejected
	default:
		return model.RequestPending
	}
}
