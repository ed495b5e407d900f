// Package approver resolves who may act on a workflow step. Resolution is a
// pure function of the step definition and the instance context snapshot, so
// callers must re-resolve on every action attempt rather than caching the
// result: context (e.g. the assigned developer) can change between instance
// creation and the step becoming active.
package approver

import (
	"fmt"

	"github.com/kasoma/signoff/model"
)

// Resolve maps a step's approver spec to a concrete approver using the
// instance context. Returns UNRESOLVABLE_APPROVER when a dynamic lookup's
// required context field is missing; the instance itself is untouched and
// the step can be actioned once the context is populated.
func Resolve(step model.StepDefinition, context map[string]string) (model.ResolvedApprover, error) {
	switch step.ApproverType {
	case model.ApproverTypeRole:
		if step.ApproverRole == "" {
			return model.ResolvedApprover{}, model.NewUnresolvableApproverError(
				fmt.Sprintf("step %q has no approver role", step.ID),
			)
		}
		return model.ResolvedApprover{Kind: model.ApproverKindRole, Role: step.ApproverRole}, nil

	case model.ApproverTypeDynamic:
		return resolveDynamic(step, context)

	default:
		return model.ResolvedApprover{}, model.NewUnresolvableApproverError(
			fmt.Sprintf("step %q has unknown approver type %q", step.ID, step.ApproverType),
		)
	}
}

func resolveDynamic(step model.StepDefinition, context map[string]string) (model.ResolvedApprover, error) {
	switch step.DynamicApprover {
	case model.DynamicEngineeringPool:
		// Any engineer may act; first accepted action consumes the step.
		return model.ResolvedApprover{Kind: model.ApproverKindRole, Role: model.RoleEngineer}, nil

	case model.DynamicProjectManager, model.DynamicProjectManagerAlt:
		return identityFromContext(step, context, model.ContextProjectManagerID)

	case model.DynamicAssignedDeveloper:
		return identityFromContext(step, context, model.ContextAssignedDeveloperID)

	default:
		return model.ResolvedApprover{}, model.NewUnresolvableApproverError(
			fmt.Sprintf("step %q has unknown dynamic approver %q", step.ID, step.DynamicApprover),
		)
	}
}

func identityFromContext(step model.StepDefinition, context map[string]string, key string) (model.ResolvedApprover, error) {
	userID := context[key]
	if userID == "" {
		return model.ResolvedApprover{}, model.NewUnresolvableApproverError(
			fmt.Sprintf("step %q needs context field %q, which is not set", step.ID, key),
		)
	}
	return model.ResolvedApprover{Kind: model.ApproverKindIdentity, UserID: userID}, nil
}

// KnownDynamicApprover reports whether the given dynamic approver value is a
// member of the closed enum. Used by definition validation so unknown values
// are rejected at creation time instead of failing at action time.
func KnownDynamicApprover(value string) bool {
	switch value {
	case model.DynamicEngineeringPool,
		model.DynamicProjectManager,
		model.DynamicProjectManagerAlt,
		model.DynamicAssignedDeveloper:
		return true
	}
	return false
}
