// Package engine drives workflow instances through their approval steps.
// Transitions are guarded in a fixed order (existence, liveness, active
// step, approver resolution, permission, allowed action, comment), applied
// under optimistic locking, and recorded as append-only audit actions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kasoma/signoff/internal/approver"
	"github.com/kasoma/signoff/internal/definition"
	"github.com/kasoma/signoff/model"
)

// Engine manages the lifecycle of workflow instances.
type Engine struct {
	definitions *definition.Service
	store       InstanceStore
	fence       CompletionFence
	hook        CompletionHook
	logger      *zap.Logger
}

// NewEngine creates a new workflow engine.
func NewEngine(
	definitions *definition.Service,
	store InstanceStore,
	fence CompletionFence,
	hook CompletionHook,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		definitions: definitions,
		store:       store,
		fence:       fence,
		hook:        hook,
		logger:      logger,
	}
}

// ApplyRequest is one approver action attempt against an instance.
type ApplyRequest struct {
	InstanceID   string
	Action       string
	Comment      string
	TargetStepID string // SEND_BACK only; empty means the preceding step
}

// CreateInstance snapshots a definition's steps into a new instance gating
// one entity. The snapshot is immutable: later definition versions never
// touch an existing instance. The instance starts NOT_STARTED with every
// step PENDING; nothing is audited until Start.
func (e *Engine) CreateInstance(
	ctx context.Context,
	rctx *model.RequestContext,
	definitionID string,
	entityID string,
	entityCtx map[string]string,
) (model.WorkflowInstance, error) {
	def, err := e.definitions.Get(ctx, rctx, definitionID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	steps := make([]model.StepInstance, len(def.Steps))
	for i, sd := range def.Steps {
		sd.AllowedActions = append([]string(nil), sd.AllowedActions...)
		steps[i] = model.StepInstance{StepDefinition: sd, Status: model.StepPending}
	}

	instCtx := make(map[string]string, len(entityCtx))
	for k, v := range entityCtx {
		instCtx[k] = v
	}

	now := time.Now().UTC()
	inst := model.WorkflowInstance{
		ID:           uuid.New().String(),
		TenantID:     rctx.TenantID,
		DefinitionID: def.ID,
		EntityID:     entityID,
		EntityType:   def.EntityType,
		Status:       model.InstanceNotStarted,
		Context:      instCtx,
		Steps:        steps,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := e.store.Create(ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}
	return inst, nil
}

// Start activates the lowest-order step and moves the instance to
// IN_PROGRESS. Starting an instance that is already IN_PROGRESS is a no-op
// returning the current state, so clients can retry safely.
func (e *Engine) Start(ctx context.Context, rctx *model.RequestContext, instanceID string) (model.WorkflowInstance, error) {
	inst, err := e.store.Get(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	switch inst.Status {
	case model.InstanceInProgress:
		return inst, nil
	case model.InstanceNotStarted:
	case model.InstanceChangesRequested:
		return model.WorkflowInstance{}, model.NewBadRequestError(
			fmt.Sprintf("workflow instance %q has changes requested; resubmit to continue", inst.ID),
		)
	default:
		return model.WorkflowInstance{}, model.NewInstanceTerminalError(
			fmt.Sprintf("workflow instance %q is %s and cannot be started", inst.ID, inst.Status),
		)
	}

	first := firstStep(&inst)
	if first == nil {
		return model.WorkflowInstance{}, model.NewNoActiveStepError(
			fmt.Sprintf("workflow instance %q has no steps to activate", inst.ID),
		)
	}
	activate(first)
	inst.Status = model.InstanceInProgress
	inst.CurrentStepID = first.ID

	action := e.newAction(rctx, &inst, first.ID, model.ActionStart, "")
	if err := e.store.Update(ctx, inst, action); err != nil {
		// A concurrent Start already won; surface its result.
		if errorCode(err) == model.ErrConcurrentModification {
			current, getErr := e.store.Get(ctx, rctx.TenantID, instanceID)
			if getErr == nil && current.Status == model.InstanceInProgress {
				return current, nil
			}
		}
		return model.WorkflowInstance{}, err
	}
	return e.store.Get(ctx, rctx.TenantID, instanceID)
}

// Apply runs one approver action against the instance's active step. The
// approver is re-resolved from the current context on every attempt, and
// rejected attempts leave no audit trace.
func (e *Engine) Apply(ctx context.Context, rctx *model.RequestContext, req ApplyRequest) (model.WorkflowInstance, error) {
	inst, err := e.store.Get(ctx, rctx.TenantID, req.InstanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	if inst.Status != model.InstanceInProgress {
		return model.WorkflowInstance{}, model.NewInstanceTerminalError(
			fmt.Sprintf("workflow instance %q is %s and cannot be actioned", inst.ID, inst.Status),
		)
	}

	step := inst.ActiveStep()
	if step == nil {
		return model.WorkflowInstance{}, model.NewNoActiveStepError(
			fmt.Sprintf("workflow instance %q has no active step", inst.ID),
		)
	}

	resolved, err := approver.Resolve(step.StepDefinition, inst.Context)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if !resolved.Matches(rctx.SubjectID, rctx.Roles) {
		e.logger.Info("workflow action forbidden",
			zap.String("instance_id", inst.ID),
			zap.String("step_id", step.ID),
			zap.String("actor_id", rctx.SubjectID),
			zap.String("action", req.Action),
		)
		return model.WorkflowInstance{}, model.NewForbiddenError(
			fmt.Sprintf("user %q may not act on step %q", rctx.SubjectID, step.ID),
		)
	}

	if !step.AllowsAction(req.Action) {
		return model.WorkflowInstance{}, model.NewActionNotAllowedError(
			fmt.Sprintf("action %s is not allowed on step %q", req.Action, step.ID),
		)
	}

	comment := strings.TrimSpace(req.Comment)
	if commentRequired(step, req.Action) && comment == "" {
		return model.WorkflowInstance{}, model.NewCommentRequiredError(
			fmt.Sprintf("step %q requires a comment for %s", step.ID, req.Action),
		)
	}

	now := time.Now().UTC()
	action := e.newAction(rctx, &inst, step.ID, req.Action, comment)

	switch req.Action {
	case model.ActionApprove:
		applyApprove(&inst, step, rctx.SubjectID, comment, now)
	case model.ActionReject:
		applyReject(&inst, step, rctx.SubjectID, comment, now)
	case model.ActionSendBack:
		target, terr := sendBackTarget(&inst, step, req.TargetStepID)
		if terr != nil {
			return model.WorkflowInstance{}, terr
		}
		action.Metadata = map[string]string{model.MetaTargetStepID: target.ID}
		applySendBack(&inst, step, target, rctx.SubjectID, comment, now)
	case model.ActionRequestChange:
		applyRequestChange(&inst, step, rctx.SubjectID, comment, now)
	default:
		return model.WorkflowInstance{}, model.NewActionNotAllowedError(
			fmt.Sprintf("unknown action %q", req.Action),
		)
	}

	if err := e.store.Update(ctx, inst, action); err != nil {
		return model.WorkflowInstance{}, e.classifyConflict(ctx, rctx, req.InstanceID, step.ID, err)
	}

	updated, err := e.store.Get(ctx, rctx.TenantID, req.InstanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if updated.Status == model.InstanceCompleted {
		e.fireCompletion(ctx, updated)
	}
	return updated, nil
}

// Resubmit re-activates the step that requested changes and returns the
// instance to IN_PROGRESS. Any authenticated user may resubmit; the step's
// approver then re-reviews through the normal Apply path.
func (e *Engine) Resubmit(ctx context.Context, rctx *model.RequestContext, instanceID, comment string) (model.WorkflowInstance, error) {
	inst, err := e.store.Get(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	if inst.Status != model.InstanceChangesRequested {
		return model.WorkflowInstance{}, model.NewActionNotAllowedError(
			fmt.Sprintf("workflow instance %q is %s; only instances with requested changes can be resubmitted", inst.ID, inst.Status),
		)
	}

	step := inst.StepByID(inst.CurrentStepID)
	if step == nil || step.Status != model.StepChangesRequested {
		return model.WorkflowInstance{}, model.NewNoActiveStepError(
			fmt.Sprintf("workflow instance %q has no step awaiting resubmission", inst.ID),
		)
	}

	activate(step)
	inst.Status = model.InstanceInProgress
	inst.CurrentStepID = step.ID

	action := e.newAction(rctx, &inst, step.ID, model.ActionResubmit, strings.TrimSpace(comment))
	if err := e.store.Update(ctx, inst, action); err != nil {
		return model.WorkflowInstance{}, err
	}
	return e.store.Get(ctx, rctx.TenantID, instanceID)
}

// RefreshContext merges updates into the instance context. Fields set here
// feed dynamic approver resolution on the next attempt; existing keys are
// overwritten, absent keys preserved. Context changes are not transitions
// and leave no audit row.
func (e *Engine) RefreshContext(ctx context.Context, rctx *model.RequestContext, instanceID string, updates map[string]string) (model.WorkflowInstance, error) {
	inst, err := e.store.Get(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.IsTerminal() {
		return model.WorkflowInstance{}, model.NewInstanceTerminalError(
			fmt.Sprintf("workflow instance %q is %s; its context can no longer change", inst.ID, inst.Status),
		)
	}

	if inst.Context == nil {
		inst.Context = make(map[string]string, len(updates))
	}
	for k, v := range updates {
		inst.Context[k] = v
	}

	if err := e.store.Update(ctx, inst, nil); err != nil {
		return model.WorkflowInstance{}, err
	}
	return e.store.Get(ctx, rctx.TenantID, instanceID)
}

// AvailableActions returns the actions the caller could take on the
// instance right now: the active step's allowed actions when the caller is
// its resolved approver, RESUBMIT when changes were requested, nothing
// otherwise.
func (e *Engine) AvailableActions(ctx context.Context, rctx *model.RequestContext, instanceID string) ([]string, error) {
	inst, err := e.store.Get(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return nil, err
	}

	if inst.Status == model.InstanceChangesRequested {
		return []string{model.ActionResubmit}, nil
	}
	if inst.Status != model.InstanceInProgress {
		return nil, nil
	}
	step := inst.ActiveStep()
	if step == nil {
		return nil, nil
	}
	resolved, err := approver.Resolve(step.StepDefinition, inst.Context)
	if err != nil || !resolved.Matches(rctx.SubjectID, rctx.Roles) {
		return nil, nil
	}
	return append([]string(nil), step.AllowedActions...), nil
}

// Get returns an instance by ID.
func (e *Engine) Get(ctx context.Context, rctx *model.RequestContext, instanceID string) (model.WorkflowInstance, error) {
	return e.store.Get(ctx, rctx.TenantID, instanceID)
}

// GetByEntity returns the instance gating an entity.
func (e *Engine) GetByEntity(ctx context.Context, rctx *model.RequestContext, entityType, entityID string) (model.WorkflowInstance, error) {
	return e.store.GetByEntity(ctx, rctx.TenantID, entityType, entityID)
}

// List returns the tenant's instances matching the filters.
func (e *Engine) List(ctx context.Context, rctx *model.RequestContext, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	return e.store.List(ctx, rctx.TenantID, filters)
}

// ListActions returns an instance's audit trail in sequence order.
func (e *Engine) ListActions(ctx context.Context, rctx *model.RequestContext, instanceID string) ([]model.WorkflowAction, error) {
	return e.store.ListActions(ctx, rctx.TenantID, instanceID)
}

// DeleteByEntity removes the instance gating an entity along with its audit
// trail. Called when the gated entity itself is deleted.
func (e *Engine) DeleteByEntity(ctx context.Context, rctx *model.RequestContext, entityType, entityID string) error {
	return e.store.DeleteByEntity(ctx, rctx.TenantID, entityType, entityID)
}

func (e *Engine) newAction(rctx *model.RequestContext, inst *model.WorkflowInstance, stepID, action, comment string) *model.WorkflowAction {
	return &model.WorkflowAction{
		ID:         uuid.New().String(),
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		StepID:     stepID,
		ActorID:    rctx.SubjectID,
		Action:     action,
		Comment:    comment,
		CreatedAt:  time.Now().UTC(),
	}
}

// classifyConflict distinguishes a lost race on the same step from other
// concurrent changes. Pool approvers racing on one step get
// STEP_ALREADY_ACTED ("someone else handled this"); everything else keeps
// CONCURRENT_MODIFICATION so the caller re-fetches and decides. Nothing
// retries automatically.
func (e *Engine) classifyConflict(ctx context.Context, rctx *model.RequestContext, instanceID, stepID string, err error) error {
	if errorCode(err) != model.ErrConcurrentModification {
		return err
	}
	current, getErr := e.store.Get(ctx, rctx.TenantID, instanceID)
	if getErr != nil {
		return err
	}
	if step := current.StepByID(stepID); step != nil && step.Status != model.StepActive {
		return model.NewStepAlreadyActedError(
			fmt.Sprintf("step %q was already handled by someone else", stepID),
		)
	}
	return err
}

func (e *Engine) fireCompletion(ctx context.Context, inst model.WorkflowInstance) {
	acquired, err := e.fence.Acquire(ctx, inst.ID)
	if err != nil {
		e.logger.Error("completion fence unavailable",
			zap.String("instance_id", inst.ID),
			zap.Error(err),
		)
		return
	}
	if !acquired {
		return
	}
	if err := e.hook.InstanceCompleted(ctx, inst); err != nil {
		e.logger.Error("completion hook failed",
			zap.String("instance_id", inst.ID),
			zap.Error(err),
		)
	}
}

func errorCode(err error) string {
	var envelope *model.ErrorEnvelope
	if errors.As(err, &envelope) {
		return envelope.Code
	}
	return ""
}

// --- state mutators, shared by Apply and Replay ---

func firstStep(inst *model.WorkflowInstance) *model.StepInstance {
	var first *model.StepInstance
	for i := range inst.Steps {
		if first == nil || inst.Steps[i].Order < first.Order {
			first = &inst.Steps[i]
		}
	}
	return first
}

// nextActivatable returns the lowest-order step after the given order that
// has not been approved. SENT_BACK steps re-activate when the flow returns
// to them.
func nextActivatable(inst *model.WorkflowInstance, order int) *model.StepInstance {
	var next *model.StepInstance
	for i := range inst.Steps {
		s := &inst.Steps[i]
		if s.Order <= order || s.Status == model.StepApproved {
			continue
		}
		if next == nil || s.Order < next.Order {
			next = s
		}
	}
	return next
}

func activate(s *model.StepInstance) {
	s.Status = model.StepActive
	s.ActedByID = ""
	s.ActedAt = nil
	s.Action = ""
	s.Comment = ""
}

func markActed(s *model.StepInstance, status, action, actorID, comment string, at time.Time) {
	s.Status = status
	s.ActedByID = actorID
	s.ActedAt = &at
	s.Action = action
	s.Comment = comment
}

func commentRequired(s *model.StepInstance, action string) bool {
	switch action {
	case model.ActionReject:
		return s.RequiresCommentOnReject
	case model.ActionSendBack:
		return s.RequiresCommentOnSendBack
	}
	return false
}

func applyApprove(inst *model.WorkflowInstance, step *model.StepInstance, actorID, comment string, at time.Time) {
	markActed(step, model.StepApproved, model.ActionApprove, actorID, comment, at)

	next := nextActivatable(inst, step.Order)
	if next == nil {
		inst.Status = model.InstanceCompleted
		inst.CurrentStepID = ""
		return
	}
	activate(next)
	inst.CurrentStepID = next.ID
}

func applyReject(inst *model.WorkflowInstance, step *model.StepInstance, actorID, comment string, at time.Time) {
	markActed(step, model.StepRejected, model.ActionReject, actorID, comment, at)
	inst.Status = model.InstanceRejected
	inst.CurrentStepID = ""
}

// sendBackTarget picks the step a send-back lands on: the explicitly named
// earlier step, or the immediately preceding step by order. The first step
// has nowhere to go back to.
func sendBackTarget(inst *model.WorkflowInstance, trigger *model.StepInstance, targetStepID string) (*model.StepInstance, error) {
	if targetStepID != "" {
		target := inst.StepByID(targetStepID)
		if target == nil {
			return nil, model.NewBadRequestError(
				fmt.Sprintf("send-back target step %q does not exist", targetStepID),
			)
		}
		if target.Order >= trigger.Order {
			return nil, model.NewActionNotAllowedError(
				fmt.Sprintf("send-back target %q is not an earlier step", targetStepID),
			)
		}
		return target, nil
	}

	var prev *model.StepInstance
	for i := range inst.Steps {
		s := &inst.Steps[i]
		if s.Order < trigger.Order && (prev == nil || s.Order > prev.Order) {
			prev = s
		}
	}
	if prev == nil {
		return nil, model.NewActionNotAllowedError(
			fmt.Sprintf("step %q is the first step and cannot be sent back", trigger.ID),
		)
	}
	return prev, nil
}

// applySendBack marks the trigger step SENT_BACK, clears every approval
// between the target and the trigger back to PENDING, and re-activates the
// target. The instance stays IN_PROGRESS throughout.
func applySendBack(inst *model.WorkflowInstance, trigger, target *model.StepInstance, actorID, comment string, at time.Time) {
	markActed(trigger, model.StepSentBack, model.ActionSendBack, actorID, comment, at)

	for i := range inst.Steps {
		s := &inst.Steps[i]
		if s.Order >= target.Order && s.Order < trigger.Order && s.Status == model.StepApproved {
			s.Status = model.StepPending
			s.ActedByID = ""
			s.ActedAt = nil
			s.Action = ""
			s.Comment = ""
		}
	}

	activate(target)
	inst.CurrentStepID = target.ID
}

func applyRequestChange(inst *model.WorkflowInstance, step *model.StepInstance, actorID, comment string, at time.Time) {
	markActed(step, model.StepChangesRequested, model.ActionRequestChange, actorID, comment, at)
	inst.Status = model.InstanceChangesRequested
	inst.CurrentStepID = step.ID
}
