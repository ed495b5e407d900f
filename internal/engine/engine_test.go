package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kasoma/signoff/internal/definition"
	"github.com/kasoma/signoff/model"
)

// --- Test helpers ---

func rctxFor(userID string, roles ...string) *model.RequestContext {
	return &model.RequestContext{
		SubjectID: userID,
		TenantID:  "tenant-1",
		Roles:     roles,
	}
}

var (
	pmUser   = rctxFor("user-paula", model.RoleProjectManager)
	pamUser  = rctxFor("user-pam", model.RoleProjectManager)
	engUser  = rctxFor("user-eve", model.RoleEngineer)
	engUser2 = rctxFor("user-evan", model.RoleEngineer)
)

// recordingHook counts completion callbacks.
type recordingHook struct {
	mu        sync.Mutex
	completed []string
}

func (h *recordingHook) InstanceCompleted(_ context.Context, inst model.WorkflowInstance) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed = append(h.completed, inst.ID)
	return nil
}

func (h *recordingHook) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.completed)
}

type harness struct {
	engine *Engine
	defs   *definition.Service
	store  *MemoryInstanceStore
	hook   *recordingHook
	defID  string
}

// taskApprovalDefinition is a three-step review chain: a PM role step, the
// project's PM by identity, and the engineering pool.
func taskApprovalDefinition() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		Name:       "task-approval",
		EntityType: "TASK",
		Steps: []model.StepDefinition{
			{
				ID: "pm-review", Name: "PM Review", Order: 1,
				AssigneeRole: model.RoleProjectManager,
				ApproverType: model.ApproverTypeRole, ApproverRole: model.RoleProjectManager,
				RequiresCommentOnReject: true,
				AllowedActions:          []string{model.ActionApprove, model.ActionReject, model.ActionRequestChange},
			},
			{
				ID: "pjm-review", Name: "Project Manager Review", Order: 2,
				AssigneeRole: model.RolePJM,
				ApproverType: model.ApproverTypeDynamic, DynamicApprover: model.DynamicProjectManager,
				RequiresCommentOnSendBack: true,
				AllowedActions:            []string{model.ActionApprove, model.ActionReject, model.ActionSendBack},
			},
			{
				ID: "eng-review", Name: "Engineering Review", Order: 3,
				AssigneeRole: model.RoleEngineer,
				ApproverType: model.ApproverTypeDynamic, DynamicApprover: model.DynamicEngineeringPool,
				AllowedActions: []string{model.ActionApprove, model.ActionReject, model.ActionSendBack},
			},
		},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, NewMemoryInstanceStore())
}

func newHarnessWithStore(t *testing.T, store InstanceStore) *harness {
	t.Helper()

	defs := definition.NewService(definition.NewMemoryStore())
	created, err := defs.Create(context.Background(), pmUser, taskApprovalDefinition())
	if err != nil {
		t.Fatalf("creating definition: %v", err)
	}

	hook := &recordingHook{}
	mem, _ := store.(*MemoryInstanceStore)
	eng := NewEngine(defs, store, NewMemoryCompletionFence(time.Hour), hook, zap.NewNop())
	return &harness{engine: eng, defs: defs, store: mem, hook: hook, defID: created.ID}
}

// createStarted creates and starts an instance whose context already names
// the project's PM.
func (h *harness) createStarted(t *testing.T, entityID string) model.WorkflowInstance {
	t.Helper()
	ctx := context.Background()

	inst, err := h.engine.CreateInstance(ctx, pmUser, h.defID, entityID, map[string]string{
		model.ContextProjectManagerID: pamUser.SubjectID,
	})
	if err != nil {
		t.Fatalf("creating instance: %v", err)
	}
	started, err := h.engine.Start(ctx, pmUser, inst.ID)
	if err != nil {
		t.Fatalf("starting instance: %v", err)
	}
	return started
}

func (h *harness) apply(t *testing.T, rctx *model.RequestContext, instanceID, action, comment string) model.WorkflowInstance {
	t.Helper()
	inst, err := h.engine.Apply(context.Background(), rctx, ApplyRequest{
		InstanceID: instanceID,
		Action:     action,
		Comment:    comment,
	})
	if err != nil {
		t.Fatalf("applying %s as %s: %v", action, rctx.SubjectID, err)
	}
	return inst
}

func assertErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("got nil error, want code %s", code)
	}
	var envelope *model.ErrorEnvelope
	if !errors.As(err, &envelope) {
		t.Fatalf("got %T (%v), want *model.ErrorEnvelope", err, err)
	}
	if envelope.Code != code {
		t.Fatalf("got error code %s (%s), want %s", envelope.Code, envelope.Message, code)
	}
}

func stepStatus(t *testing.T, inst model.WorkflowInstance, stepID string) string {
	t.Helper()
	step := inst.StepByID(stepID)
	if step == nil {
		t.Fatalf("step %q not found in instance", stepID)
	}
	return step.Status
}

// --- Lifecycle ---

func TestCreateInstanceSnapshotsSteps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	inst, err := h.engine.CreateInstance(ctx, pmUser, h.defID, "task-1", nil)
	if err != nil {
		t.Fatalf("CreateInstance() error: %v", err)
	}

	if inst.Status != model.InstanceNotStarted {
		t.Errorf("Status = %s, want %s", inst.Status, model.InstanceNotStarted)
	}
	if inst.EntityType != "TASK" || inst.EntityID != "task-1" {
		t.Errorf("entity = %s/%s", inst.EntityType, inst.EntityID)
	}
	if len(inst.Steps) != 3 {
		t.Fatalf("snapshot has %d steps, want 3", len(inst.Steps))
	}
	for _, s := range inst.Steps {
		if s.Status != model.StepPending {
			t.Errorf("step %s status = %s, want %s", s.ID, s.Status, model.StepPending)
		}
	}

	// A later definition version never touches the existing snapshot.
	if _, err := h.defs.Create(ctx, pmUser, taskApprovalDefinition()); err != nil {
		t.Fatalf("creating second definition version: %v", err)
	}
	reloaded, err := h.engine.Get(ctx, pmUser, inst.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if reloaded.DefinitionID != h.defID || len(reloaded.Steps) != 3 {
		t.Errorf("snapshot changed after new definition version")
	}
}

func TestCreateInstanceEnforcesOnePerEntity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.engine.CreateInstance(ctx, pmUser, h.defID, "task-1", nil); err != nil {
		t.Fatalf("CreateInstance() error: %v", err)
	}
	_, err := h.engine.CreateInstance(ctx, pmUser, h.defID, "task-1", nil)
	assertErrorCode(t, err, model.ErrBadRequest)
}

func TestCreateInstanceUnknownDefinition(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.CreateInstance(context.Background(), pmUser, "no-such-definition", "task-1", nil)
	assertErrorCode(t, err, model.ErrDefinitionNotFound)
}

func TestStartActivatesFirstStepAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	inst := h.createStarted(t, "task-1")
	if inst.Status != model.InstanceInProgress {
		t.Errorf("Status = %s, want %s", inst.Status, model.InstanceInProgress)
	}
	if inst.CurrentStepID != "pm-review" {
		t.Errorf("CurrentStepID = %s, want pm-review", inst.CurrentStepID)
	}
	if got := stepStatus(t, inst, "pm-review"); got != model.StepActive {
		t.Errorf("pm-review status = %s, want %s", got, model.StepActive)
	}

	// Retrying start changes nothing and audits nothing.
	again, err := h.engine.Start(ctx, pmUser, inst.ID)
	if err != nil {
		t.Fatalf("second Start() error: %v", err)
	}
	if again.Version != inst.Version {
		t.Errorf("second Start() bumped version %d -> %d", inst.Version, again.Version)
	}
	actions, _ := h.engine.ListActions(ctx, pmUser, inst.ID)
	if len(actions) != 1 || actions[0].Action != model.ActionStart {
		t.Errorf("audit trail = %+v, want single START", actions)
	}
}

func TestExactlyOneActiveStepThroughout(t *testing.T) {
	h := newHarness(t)
	inst := h.createStarted(t, "task-1")

	checkSingleActive := func(inst model.WorkflowInstance) {
		t.Helper()
		active := 0
		for _, s := range inst.Steps {
			if s.Status == model.StepActive {
				active++
			}
		}
		if inst.Status == model.InstanceInProgress && active != 1 {
			t.Fatalf("instance %s has %d active steps, want 1", inst.Status, active)
		}
		if inst.Status != model.InstanceInProgress && active != 0 {
			t.Fatalf("instance %s has %d active steps, want 0", inst.Status, active)
		}
	}

	checkSingleActive(inst)
	inst = h.apply(t, pmUser, inst.ID, model.ActionApprove, "")
	checkSingleActive(inst)
	inst = h.apply(t, pamUser, inst.ID, model.ActionSendBack, "needs detail")
	checkSingleActive(inst)
	inst = h.apply(t, pmUser, inst.ID, model.ActionApprove, "")
	checkSingleActive(inst)
	inst = h.apply(t, pamUser, inst.ID, model.ActionApprove, "")
	checkSingleActive(inst)
	inst = h.apply(t, engUser, inst.ID, model.ActionApprove, "")
	checkSingleActive(inst)

	if inst.Status != model.InstanceCompleted {
		t.Errorf("final status = %s, want %s", inst.Status, model.InstanceCompleted)
	}
}

// --- Guard order ---

func TestApplyInstanceNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Apply(context.Background(), pmUser, ApplyRequest{InstanceID: "missing", Action: model.ActionApprove})
	assertErrorCode(t, err, model.ErrInstanceNotFound)
}

func TestApplyBeforeStartFails(t *testing.T) {
	h := newHarness(t)
	inst, err := h.engine.CreateInstance(context.Background(), pmUser, h.defID, "task-1", nil)
	if err != nil {
		t.Fatalf("CreateInstance() error: %v", err)
	}
	_, err = h.engine.Apply(context.Background(), pmUser, ApplyRequest{InstanceID: inst.ID, Action: model.ActionApprove})
	assertErrorCode(t, err, model.ErrInstanceTerminal)
}

func TestApplyOnRejectedInstanceFails(t *testing.T) {
	h := newHarness(t)
	inst := h.createStarted(t, "task-1")
	h.apply(t, pmUser, inst.ID, model.ActionReject, "not viable")

	_, err := h.engine.Apply(context.Background(), pmUser, ApplyRequest{InstanceID: inst.ID, Action: model.ActionApprove})
	assertErrorCode(t, err, model.ErrInstanceTerminal)
}

func TestApplyForbiddenIsNotAudited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.createStarted(t, "task-1")

	_, err := h.engine.Apply(ctx, engUser, ApplyRequest{InstanceID: inst.ID, Action: model.ActionApprove})
	assertErrorCode(t, err, model.ErrForbidden)

	actions, _ := h.engine.ListActions(ctx, pmUser, inst.ID)
	for _, a := range actions {
		if a.ActorID == engUser.SubjectID {
			t.Errorf("forbidden attempt was audited: %+v", a)
		}
	}
}

func TestApplyActionNotAllowed(t *testing.T) {
	h := newHarness(t)
	inst := h.createStarted(t, "task-1")

	// pm-review does not allow SEND_BACK.
	_, err := h.engine.Apply(context.Background(), pmUser, ApplyRequest{InstanceID: inst.ID, Action: model.ActionSendBack})
	assertErrorCode(t, err, model.ErrActionNotAllowed)
}

func TestApplyCommentRequiredNeverMutates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.createStarted(t, "task-1")

	// Whitespace-only comments don't count.
	_, err := h.engine.Apply(ctx, pmUser, ApplyRequest{InstanceID: inst.ID, Action: model.ActionReject, Comment: "   \t"})
	assertErrorCode(t, err, model.ErrCommentRequired)

	after, _ := h.engine.Get(ctx, pmUser, inst.ID)
	if after.Version != inst.Version {
		t.Errorf("rejected attempt bumped version %d -> %d", inst.Version, after.Version)
	}
	if got := stepStatus(t, after, "pm-review"); got != model.StepActive {
		t.Errorf("pm-review status = %s, want %s", got, model.StepActive)
	}
	actions, _ := h.engine.ListActions(ctx, pmUser, inst.ID)
	if len(actions) != 1 {
		t.Errorf("rejected attempt was audited: %+v", actions)
	}
}

func TestApplyUnresolvableApproverUntilContextRefreshed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// No projectManagerId in context.
	inst, err := h.engine.CreateInstance(ctx, pmUser, h.defID, "task-1", nil)
	if err != nil {
		t.Fatalf("CreateInstance() error: %v", err)
	}
	if _, err := h.engine.Start(ctx, pmUser, inst.ID); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	h.apply(t, pmUser, inst.ID, model.ActionApprove, "")

	// pjm-review is active but its approver can't be resolved.
	_, err = h.engine.Apply(ctx, pamUser, ApplyRequest{InstanceID: inst.ID, Action: model.ActionApprove})
	assertErrorCode(t, err, model.ErrUnresolvableApprover)

	// Resolution happens per attempt, not per activation: populating the
	// context unblocks the step without restarting anything.
	if _, err := h.engine.RefreshContext(ctx, pmUser, inst.ID, map[string]string{
		model.ContextProjectManagerID: pamUser.SubjectID,
	}); err != nil {
		t.Fatalf("RefreshContext() error: %v", err)
	}
	h.apply(t, pamUser, inst.ID, model.ActionApprove, "")
}

// --- Action semantics ---

func TestApproveAdvancesAndCompletesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.createStarted(t, "task-1")

	inst = h.apply(t, pmUser, inst.ID, model.ActionApprove, "looks good")
	if inst.CurrentStepID != "pjm-review" {
		t.Errorf("CurrentStepID = %s, want pjm-review", inst.CurrentStepID)
	}
	inst = h.apply(t, pamUser, inst.ID, model.ActionApprove, "")
	inst = h.apply(t, engUser, inst.ID, model.ActionApprove, "")

	if inst.Status != model.InstanceCompleted {
		t.Fatalf("Status = %s, want %s", inst.Status, model.InstanceCompleted)
	}
	if inst.CurrentStepID != "" {
		t.Errorf("CurrentStepID = %s, want empty", inst.CurrentStepID)
	}
	if h.hook.count() != 1 {
		t.Errorf("completion hook fired %d times, want 1", h.hook.count())
	}

	actions, _ := h.engine.ListActions(ctx, pmUser, inst.ID)
	if len(actions) != 4 {
		t.Fatalf("audit trail has %d rows, want 4", len(actions))
	}
	for i, a := range actions {
		if a.Sequence != int64(i+1) {
			t.Errorf("actions[%d].Sequence = %d, want %d", i, a.Sequence, i+1)
		}
	}
}

func TestRejectIsTerminal(t *testing.T) {
	h := newHarness(t)
	inst := h.createStarted(t, "task-1")

	inst = h.apply(t, pmUser, inst.ID, model.ActionReject, "duplicate work")
	if inst.Status != model.InstanceRejected {
		t.Errorf("Status = %s, want %s", inst.Status, model.InstanceRejected)
	}
	if got := stepStatus(t, inst, "pm-review"); got != model.StepRejected {
		t.Errorf("pm-review status = %s, want %s", got, model.StepRejected)
	}
	if h.hook.count() != 0 {
		t.Errorf("completion hook fired on rejection")
	}
}

func TestSendBackDefaultsToPrecedingStep(t *testing.T) {
	h := newHarness(t)
	inst := h.createStarted(t, "task-1")

	inst = h.apply(t, pmUser, inst.ID, model.ActionApprove, "")
	inst = h.apply(t, pamUser, inst.ID, model.ActionSendBack, "missing estimates")

	if inst.Status != model.InstanceInProgress {
		t.Errorf("Status = %s, want %s", inst.Status, model.InstanceInProgress)
	}
	if inst.CurrentStepID != "pm-review" {
		t.Errorf("CurrentStepID = %s, want pm-review", inst.CurrentStepID)
	}
	if got := stepStatus(t, inst, "pm-review"); got != model.StepActive {
		t.Errorf("pm-review status = %s, want %s", got, model.StepActive)
	}
	if got := stepStatus(t, inst, "pjm-review"); got != model.StepSentBack {
		t.Errorf("pjm-review status = %s, want %s", got, model.StepSentBack)
	}

	// The cleared step carries no stale approval fields.
	step := inst.StepByID("pm-review")
	if step.ActedByID != "" || step.Action != "" {
		t.Errorf("re-activated step kept acted fields: %+v", step)
	}
}

func TestSendBackExplicitTargetClearsIntermediateApprovals(t *testing.T) {
	h := newHarness(t)
	inst := h.createStarted(t, "task-1")

	inst = h.apply(t, pmUser, inst.ID, model.ActionApprove, "")
	inst = h.apply(t, pamUser, inst.ID, model.ActionApprove, "")

	// Engineering sends all the way back to the PM.
	inst, err := h.engine.Apply(context.Background(), engUser, ApplyRequest{
		InstanceID:   inst.ID,
		Action:       model.ActionSendBack,
		Comment:      "architecture concern",
		TargetStepID: "pm-review",
	})
	if err != nil {
		t.Fatalf("Apply(SEND_BACK) error: %v", err)
	}

	if got := stepStatus(t, inst, "pm-review"); got != model.StepActive {
		t.Errorf("pm-review status = %s, want %s", got, model.StepActive)
	}
	if got := stepStatus(t, inst, "pjm-review"); got != model.StepPending {
		t.Errorf("pjm-review status = %s, want %s", got, model.StepPending)
	}
	if got := stepStatus(t, inst, "eng-review"); got != model.StepSentBack {
		t.Errorf("eng-review status = %s, want %s", got, model.StepSentBack)
	}

	// The flow re-runs through every cleared step and can still complete.
	inst = h.apply(t, pmUser, inst.ID, model.ActionApprove, "")
	inst = h.apply(t, pamUser, inst.ID, model.ActionApprove, "")
	inst = h.apply(t, engUser, inst.ID, model.ActionApprove, "")
	if inst.Status != model.InstanceCompleted {
		t.Errorf("Status = %s, want %s", inst.Status, model.InstanceCompleted)
	}
	if h.hook.count() != 1 {
		t.Errorf("completion hook fired %d times, want 1", h.hook.count())
	}
}

func TestSendBackFromFirstStepFails(t *testing.T) {
	h := newHarness(t)
	inst := h.createStarted(t, "task-1")

	// Force SEND_BACK into the first step's allowed set to isolate the
	// no-earlier-step rule from the allowed-action rule.
	stored, _ := h.engine.Get(context.Background(), pmUser, inst.ID)
	stored.Steps[0].AllowedActions = append(stored.Steps[0].AllowedActions, model.ActionSendBack)
	if err := h.store.Update(context.Background(), stored, nil); err != nil {
		t.Fatalf("priming store: %v", err)
	}

	_, err := h.engine.Apply(context.Background(), pmUser, ApplyRequest{
		InstanceID: inst.ID,
		Action:     model.ActionSendBack,
		Comment:    "can't go back",
	})
	assertErrorCode(t, err, model.ErrActionNotAllowed)
}

func TestSendBackTargetMustBeEarlier(t *testing.T) {
	h := newHarness(t)
	inst := h.createStarted(t, "task-1")
	inst = h.apply(t, pmUser, inst.ID, model.ActionApprove, "")

	_, err := h.engine.Apply(context.Background(), pamUser, ApplyRequest{
		InstanceID:   inst.ID,
		Action:       model.ActionSendBack,
		Comment:      "forward is not back",
		TargetStepID: "eng-review",
	})
	assertErrorCode(t, err, model.ErrActionNotAllowed)

	_, err = h.engine.Apply(context.Background(), pamUser, ApplyRequest{
		InstanceID:   inst.ID,
		Action:       model.ActionSendBack,
		Comment:      "nowhere",
		TargetStepID: "no-such-step",
	})
	assertErrorCode(t, err, model.ErrBadRequest)
}

func TestRequestChangeAndResubmit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.createStarted(t, "task-1")

	inst = h.apply(t, pmUser, inst.ID, model.ActionRequestChange, "split this task")
	if inst.Status != model.InstanceChangesRequested {
		t.Fatalf("Status = %s, want %s", inst.Status, model.InstanceChangesRequested)
	}
	if got := stepStatus(t, inst, "pm-review"); got != model.StepChangesRequested {
		t.Errorf("pm-review status = %s, want %s", got, model.StepChangesRequested)
	}

	// No approvals while changes are pending.
	_, err := h.engine.Apply(ctx, pmUser, ApplyRequest{InstanceID: inst.ID, Action: model.ActionApprove})
	assertErrorCode(t, err, model.ErrInstanceTerminal)

	submitter := rctxFor("user-dev")
	inst, err = h.engine.Resubmit(ctx, submitter, inst.ID, "task split in two")
	if err != nil {
		t.Fatalf("Resubmit() error: %v", err)
	}
	if inst.Status != model.InstanceInProgress {
		t.Errorf("Status = %s, want %s", inst.Status, model.InstanceInProgress)
	}
	if got := stepStatus(t, inst, "pm-review"); got != model.StepActive {
		t.Errorf("pm-review status = %s, want %s", got, model.StepActive)
	}

	// The same reviewer re-reviews; the trail shows the full loop.
	inst = h.apply(t, pmUser, inst.ID, model.ActionApprove, "")
	actions, _ := h.engine.ListActions(ctx, pmUser, inst.ID)
	var kinds []string
	for _, a := range actions {
		kinds = append(kinds, a.Action)
	}
	want := []string{model.ActionStart, model.ActionRequestChange, model.ActionResubmit, model.ActionApprove}
	if len(kinds) != len(want) {
		t.Fatalf("audit trail = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("audit[%d] = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestResubmitRequiresChangesRequested(t *testing.T) {
	h := newHarness(t)
	inst := h.createStarted(t, "task-1")

	_, err := h.engine.Resubmit(context.Background(), pmUser, inst.ID, "")
	assertErrorCode(t, err, model.ErrActionNotAllowed)
}

// --- Context ---

func TestRefreshContextMergesAndPreserves(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.createStarted(t, "task-1")

	updated, err := h.engine.RefreshContext(ctx, pmUser, inst.ID, map[string]string{
		model.ContextAssignedDeveloperID: "user-dev",
	})
	if err != nil {
		t.Fatalf("RefreshContext() error: %v", err)
	}
	if updated.Context[model.ContextProjectManagerID] != pamUser.SubjectID {
		t.Errorf("existing context key was dropped")
	}
	if updated.Context[model.ContextAssignedDeveloperID] != "user-dev" {
		t.Errorf("new context key was not merged")
	}

	// Context changes are not transitions.
	actions, _ := h.engine.ListActions(ctx, pmUser, inst.ID)
	if len(actions) != 1 {
		t.Errorf("RefreshContext was audited: %+v", actions)
	}
}

func TestRefreshContextTerminalFails(t *testing.T) {
	h := newHarness(t)
	inst := h.createStarted(t, "task-1")
	h.apply(t, pmUser, inst.ID, model.ActionReject, "no")

	_, err := h.engine.RefreshContext(context.Background(), pmUser, inst.ID, map[string]string{"k": "v"})
	assertErrorCode(t, err, model.ErrInstanceTerminal)
}

// --- Available actions ---

func TestAvailableActions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.createStarted(t, "task-1")

	got, err := h.engine.AvailableActions(ctx, pmUser, inst.ID)
	if err != nil {
		t.Fatalf("AvailableActions() error: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("PM actions = %v, want the step's three", got)
	}

	got, _ = h.engine.AvailableActions(ctx, engUser, inst.ID)
	if len(got) != 0 {
		t.Errorf("engineer actions on PM step = %v, want none", got)
	}

	h.apply(t, pmUser, inst.ID, model.ActionRequestChange, "rework")
	got, _ = h.engine.AvailableActions(ctx, engUser, inst.ID)
	if len(got) != 1 || got[0] != model.ActionResubmit {
		t.Errorf("actions while changes requested = %v, want [RESUBMIT]", got)
	}
}

// --- Concurrency ---

// staleReadStore serves one stale snapshot on the next Get, simulating a
// client that read the instance before a competing write landed.
type staleReadStore struct {
	InstanceStore
	mu    sync.Mutex
	stale *model.WorkflowInstance
}

func (s *staleReadStore) serveStaleOnce(inst model.WorkflowInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stale = &inst
}

func (s *staleReadStore) Get(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	s.mu.Lock()
	if s.stale != nil && s.stale.ID == instanceID {
		inst := *s.stale
		s.stale = nil
		s.mu.Unlock()
		return inst, nil
	}
	s.mu.Unlock()
	return s.InstanceStore.Get(ctx, tenantID, instanceID)
}

func TestPoolLoserGetsStepAlreadyActed(t *testing.T) {
	store := &staleReadStore{InstanceStore: NewMemoryInstanceStore()}
	h := newHarnessWithStore(t, store)
	ctx := context.Background()

	inst := h.createStarted(t, "task-1")
	inst = h.apply(t, pmUser, inst.ID, model.ActionApprove, "")
	inst = h.apply(t, pamUser, inst.ID, model.ActionApprove, "")

	// Both engineers read the instance with eng-review active; Eve acts
	// first, Evan writes against the stale version.
	stale, err := h.engine.Get(ctx, engUser2, inst.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	h.apply(t, engUser, inst.ID, model.ActionApprove, "")

	store.serveStaleOnce(stale)
	_, err = h.engine.Apply(ctx, engUser2, ApplyRequest{InstanceID: inst.ID, Action: model.ActionApprove})
	assertErrorCode(t, err, model.ErrStepAlreadyActed)

	// Exactly one approval reached the trail for the pool step.
	actions, _ := h.engine.ListActions(ctx, pmUser, inst.ID)
	engApprovals := 0
	for _, a := range actions {
		if a.StepID == "eng-review" && a.Action == model.ActionApprove {
			engApprovals++
		}
	}
	if engApprovals != 1 {
		t.Errorf("pool step has %d approvals in trail, want 1", engApprovals)
	}
	if h.hook.count() != 1 {
		t.Errorf("completion hook fired %d times, want 1", h.hook.count())
	}
}

func TestConflictWithoutStepActionIsConcurrentModification(t *testing.T) {
	store := &staleReadStore{InstanceStore: NewMemoryInstanceStore()}
	h := newHarnessWithStore(t, store)
	ctx := context.Background()

	inst := h.createStarted(t, "task-1")
	stale, err := h.engine.Get(ctx, pmUser, inst.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}

	// A context refresh bumps the version while the step stays active.
	if _, err := h.engine.RefreshContext(ctx, pmUser, inst.ID, map[string]string{"k": "v"}); err != nil {
		t.Fatalf("RefreshContext() error: %v", err)
	}

	store.serveStaleOnce(stale)
	_, err = h.engine.Apply(ctx, pmUser, ApplyRequest{InstanceID: inst.ID, Action: model.ActionApprove})
	assertErrorCode(t, err, model.ErrConcurrentModification)
}

func TestConcurrentFinalApprovalFiresHookOnce(t *testing.T) {
	for round := 0; round < 20; round++ {
		h := newHarness(t)
		inst := h.createStarted(t, "task-1")
		h.apply(t, pmUser, inst.ID, model.ActionApprove, "")
		h.apply(t, pamUser, inst.ID, model.ActionApprove, "")

		var wg sync.WaitGroup
		results := make([]error, 2)
		for i, actor := range []*model.RequestContext{engUser, engUser2} {
			wg.Add(1)
			go func(i int, actor *model.RequestContext) {
				defer wg.Done()
				_, results[i] = h.engine.Apply(context.Background(), actor, ApplyRequest{
					InstanceID: inst.ID,
					Action:     model.ActionApprove,
				})
			}(i, actor)
		}
		wg.Wait()

		wins := 0
		for _, err := range results {
			if err == nil {
				wins++
				continue
			}
			code := errorCode(err)
			if code != model.ErrStepAlreadyActed && code != model.ErrConcurrentModification && code != model.ErrInstanceTerminal {
				t.Fatalf("loser got unexpected error: %v", err)
			}
		}
		if wins < 1 {
			t.Fatalf("no approval won the race")
		}
		if h.hook.count() != 1 {
			t.Fatalf("completion hook fired %d times, want 1", h.hook.count())
		}
	}
}

// --- Replay ---

func TestReplayRebuildsPersistedState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.engine.CreateInstance(ctx, pmUser, h.defID, "task-1", map[string]string{
		model.ContextProjectManagerID: pamUser.SubjectID,
	})
	if err != nil {
		t.Fatalf("CreateInstance() error: %v", err)
	}
	if _, err := h.engine.Start(ctx, pmUser, created.ID); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// A loop through every transition kind.
	h.apply(t, pmUser, created.ID, model.ActionApprove, "")
	h.apply(t, pamUser, created.ID, model.ActionSendBack, "missing estimates")
	h.apply(t, pmUser, created.ID, model.ActionRequestChange, "split the task")
	if _, err := h.engine.Resubmit(ctx, rctxFor("user-dev"), created.ID, "done"); err != nil {
		t.Fatalf("Resubmit() error: %v", err)
	}
	h.apply(t, pmUser, created.ID, model.ActionApprove, "")
	h.apply(t, pamUser, created.ID, model.ActionApprove, "")
	final := h.apply(t, engUser, created.ID, model.ActionApprove, "ship it")

	actions, err := h.engine.ListActions(ctx, pmUser, created.ID)
	if err != nil {
		t.Fatalf("ListActions() error: %v", err)
	}

	replayed, err := Replay(created, actions)
	if err != nil {
		t.Fatalf("Replay() error: %v", err)
	}

	if replayed.Status != final.Status {
		t.Errorf("replayed Status = %s, want %s", replayed.Status, final.Status)
	}
	if replayed.CurrentStepID != final.CurrentStepID {
		t.Errorf("replayed CurrentStepID = %q, want %q", replayed.CurrentStepID, final.CurrentStepID)
	}
	for _, want := range final.Steps {
		got := replayed.StepByID(want.ID)
		if got == nil {
			t.Fatalf("replayed instance missing step %q", want.ID)
		}
		if got.Status != want.Status || got.ActedByID != want.ActedByID || got.Action != want.Action || got.Comment != want.Comment {
			t.Errorf("replayed step %s = {%s %s %s %q}, want {%s %s %s %q}",
				want.ID,
				got.Status, got.ActedByID, got.Action, got.Comment,
				want.Status, want.ActedByID, want.Action, want.Comment)
		}
	}
}

// --- Deletion ---

func TestDeleteByEntityCascades(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.createStarted(t, "task-1")
	h.apply(t, pmUser, inst.ID, model.ActionApprove, "")

	if err := h.engine.DeleteByEntity(ctx, pmUser, "TASK", "task-1"); err != nil {
		t.Fatalf("DeleteByEntity() error: %v", err)
	}

	_, err := h.engine.Get(ctx, pmUser, inst.ID)
	assertErrorCode(t, err, model.ErrInstanceNotFound)
	_, err = h.engine.ListActions(ctx, pmUser, inst.ID)
	assertErrorCode(t, err, model.ErrInstanceNotFound)

	// Deleting an entity with no instance is a no-op.
	if err := h.engine.DeleteByEntity(ctx, pmUser, "TASK", "task-2"); err != nil {
		t.Errorf("DeleteByEntity() on absent entity: %v", err)
	}

	// The entity can be gated again afterwards.
	if _, err := h.engine.CreateInstance(ctx, pmUser, h.defID, "task-1", nil); err != nil {
		t.Errorf("CreateInstance() after delete: %v", err)
	}
}
