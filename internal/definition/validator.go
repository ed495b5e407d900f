package definition

import (
	"fmt"

	"github.com/kasoma/signoff/internal/approver"
	"github.com/kasoma/signoff/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// FieldErrors converts validation errors to the envelope detail shape.
func FieldErrors(errs []VError) []model.FieldError {
	out := make([]model.FieldError, len(errs))
	for i, e := range errs {
		out[i] = model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message}
	}
	return out
}

// Validator checks workflow definitions structurally before they are
// persisted. Definitions are immutable once created, so everything that can
// fail at action time for structural reasons is rejected here instead.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

var validActions = map[string]bool{
	model.ActionApprove:       true,
	model.ActionReject:        true,
	model.ActionSendBack:      true,
	model.ActionRequestChange: true,
}

// Validate checks one definition. The zero-step case is not reported here;
// callers surface it as EMPTY_DEFINITION before structural validation.
func (v *Validator) Validate(def model.WorkflowDefinition) []VError {
	var errs []VError

	if def.Name == "" {
		errs = append(errs, VError{Path: "name", Code: "REQUIRED", Message: "name is required"})
	}
	if def.EntityType == "" {
		errs = append(errs, VError{Path: "entity_type", Code: "REQUIRED", Message: "entity_type is required"})
	}

	seenIDs := make(map[string]bool, len(def.Steps))
	prevOrder := 0
	for i, s := range def.Steps {
		sp := fmt.Sprintf("steps[%d]", i)

		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "step id is required"})
		} else if seenIDs[s.ID] {
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate step id %q", s.ID)})
		}
		seenIDs[s.ID] = true

		if s.Name == "" {
			errs = append(errs, VError{Path: sp + ".name", Code: "REQUIRED", Message: "step name is required"})
		}

		// Orders must be strictly increasing and unique; gaps are fine.
		if i > 0 && s.Order <= prevOrder {
			errs = append(errs, VError{
				Path:    sp + ".order",
				Code:    "ORDER",
				Message: fmt.Sprintf("step order %d must be greater than previous order %d", s.Order, prevOrder),
			})
		}
		prevOrder = s.Order

		errs = append(errs, v.validateApprover(sp, s)...)
		errs = append(errs, v.validateActions(sp, s)...)
	}

	return errs
}

func (v *Validator) validateApprover(prefix string, s model.StepDefinition) []VError {
	var errs []VError

	switch s.ApproverType {
	case model.ApproverTypeRole:
		if s.ApproverRole == "" {
			errs = append(errs, VError{Path: prefix + ".approver_role", Code: "REQUIRED", Message: "approver_role is required for ROLE steps"})
		}
		if s.DynamicApprover != "" {
			errs = append(errs, VError{Path: prefix + ".dynamic_approver", Code: "CONFLICT", Message: "dynamic_approver must be empty for ROLE steps"})
		}
	case model.ApproverTypeDynamic:
		if s.DynamicApprover == "" {
			errs = append(errs, VError{Path: prefix + ".dynamic_approver", Code: "REQUIRED", Message: "dynamic_approver is required for DYNAMIC steps"})
		} else if !approver.KnownDynamicApprover(s.DynamicApprover) {
			errs = append(errs, VError{
				Path:    prefix + ".dynamic_approver",
				Code:    "INVALID_ENUM",
				Message: fmt.Sprintf("unknown dynamic approver %q", s.DynamicApprover),
			})
		}
		if s.ApproverRole != "" {
			errs = append(errs, VError{Path: prefix + ".approver_role", Code: "CONFLICT", Message: "approver_role must be empty for DYNAMIC steps"})
		}
	case "":
		errs = append(errs, VError{Path: prefix + ".approver_type", Code: "REQUIRED", Message: "approver_type is required"})
	default:
		errs = append(errs, VError{
			Path:    prefix + ".approver_type",
			Code:    "INVALID_ENUM",
			Message: fmt.Sprintf("invalid approver type %q", s.ApproverType),
		})
	}

	return errs
}

func (v *Validator) validateActions(prefix string, s model.StepDefinition) []VError {
	var errs []VError

	if len(s.AllowedActions) == 0 {
		errs = append(errs, VError{Path: prefix + ".allowed_actions", Code: "REQUIRED", Message: "at least one allowed action is required"})
	}
	for j, a := range s.AllowedActions {
		if !validActions[a] {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s.allowed_actions[%d]", prefix, j),
				Code:    "INVALID_ENUM",
				Message: fmt.Sprintf("invalid action %q", a),
			})
		}
	}

	return errs
}
