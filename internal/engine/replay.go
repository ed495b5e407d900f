package engine

import (
	"fmt"
	"sort"

	"github.com/kasoma/signoff/model"
)

// Replay rebuilds an instance's state by re-applying its audit trail over
// the creation-time step snapshot. Because every accepted transition is
// recorded exactly once and in order, replay is deterministic: the result
// matches the persisted instance field for field (modulo Version and
// UpdatedAt, which belong to the storage layer).
func Replay(inst model.WorkflowInstance, actions []model.WorkflowAction) (model.WorkflowInstance, error) {
	replayed := inst
	replayed.Steps = inst.CloneSteps()
	for i := range replayed.Steps {
		replayed.Steps[i].Status = model.StepPending
		replayed.Steps[i].ActedByID = ""
		replayed.Steps[i].ActedAt = nil
		replayed.Steps[i].Action = ""
		replayed.Steps[i].Comment = ""
	}
	replayed.Status = model.InstanceNotStarted
	replayed.CurrentStepID = ""

	ordered := make([]model.WorkflowAction, len(actions))
	copy(ordered, actions)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })

	for _, a := range ordered {
		if err := replayOne(&replayed, a); err != nil {
			return model.WorkflowInstance{}, err
		}
	}
	return replayed, nil
}

func replayOne(inst *model.WorkflowInstance, a model.WorkflowAction) error {
	switch a.Action {
	case model.ActionStart:
		first := firstStep(inst)
		if first == nil {
			return fmt.Errorf("replay %s: instance has no steps", a.ID)
		}
		activate(first)
		inst.Status = model.InstanceInProgress
		inst.CurrentStepID = first.ID
		return nil

	case model.ActionResubmit:
		step := inst.StepByID(a.StepID)
		if step == nil {
			return fmt.Errorf("replay %s: step %q not found", a.ID, a.StepID)
		}
		activate(step)
		inst.Status = model.InstanceInProgress
		inst.CurrentStepID = step.ID
		return nil
	}

	step := inst.StepByID(a.StepID)
	if step == nil {
		return fmt.Errorf("replay %s: step %q not found", a.ID, a.StepID)
	}

	switch a.Action {
	case model.ActionApprove:
		applyApprove(inst, step, a.ActorID, a.Comment, a.CreatedAt)
	case model.ActionReject:
		applyReject(inst, step, a.ActorID, a.Comment, a.CreatedAt)
	case model.ActionSendBack:
		targetID := a.Metadata[model.MetaTargetStepID]
		target := inst.StepByID(targetID)
		if target == nil {
			return fmt.Errorf("replay %s: send-back target %q not found", a.ID, targetID)
		}
		applySendBack(inst, step, target, a.ActorID, a.Comment, a.CreatedAt)
	case model.ActionRequestChange:
		applyRequestChange(inst, step, a.ActorID, a.Comment, a.CreatedAt)
	default:
		return fmt.Errorf("replay %s: unknown action %q", a.ID, a.Action)
	}
	return nil
}
