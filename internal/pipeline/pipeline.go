// Package pipeline gates project activation through a fixed four-stage
// review: PM draft, PJM review, engineering review, PM activation. The stage
// set never varies per tenant, so state lives directly on the project record
// instead of a generic workflow instance.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kasoma/signoff/model"
)

// Audit action recorded when a package moves forward one stage. Send-backs
// reuse the workflow SEND_BACK action.
const ActionAdvance = "ADVANCE"

// Metadata key recording the stage a transition left.
const MetaFromStage = "from_stage"

// stageOrder is the forward sequence. ACTIVE is terminal.
var stageOrder = []string{
	model.PackagePMDraft,
	model.PackagePJMReview,
	model.PackageEngReview,
	model.PackagePMActivate,
	model.PackageActive,
}

// stageOwner names the role entitled to act at each stage. ADMIN overrides
// everywhere.
var stageOwner = map[string]string{
	model.PackagePMDraft:    model.RoleProjectManager,
	model.PackagePJMReview:  model.RolePJM,
	model.PackageEngReview:  model.RoleEngineer,
	model.PackagePMActivate: model.RoleProjectManager,
}

// sentBackStage maps a send-back target to the stage whose forward path the
// next advance re-enters.
var sentBackStage = map[string]string{
	model.SentBackToPM:  model.PackagePMDraft,
	model.SentBackToPJM: model.PackagePJMReview,
	model.SentBackToEng: model.PackageEngReview,
}

// Pipeline runs project packages through the fixed stage sequence.
type Pipeline struct {
	store  PackageStore
	logger *zap.Logger
}

// NewPipeline creates a new package pipeline.
func NewPipeline(store PackageStore, logger *zap.Logger) *Pipeline {
	return &Pipeline{store: store, logger: logger}
}

// CreatePackage opens a new package for a project at PM_DRAFT.
func (p *Pipeline) CreatePackage(ctx context.Context, rctx *model.RequestContext, projectID string) (model.ProjectPackage, error) {
	if !rctx.HasRole(model.RoleProjectManager) && !rctx.HasRole(model.RoleAdmin) {
		return model.ProjectPackage{}, model.NewForbiddenError(
			fmt.Sprintf("user %q may not open a project package", rctx.SubjectID),
		)
	}

	now := time.Now().UTC()
	pkg := model.ProjectPackage{
		ProjectID: projectID,
		TenantID:  rctx.TenantID,
		Status:    model.PackagePMDraft,
		UpdatedBy: rctx.SubjectID,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.store.Create(ctx, pkg); err != nil {
		return model.ProjectPackage{}, err
	}
	return pkg, nil
}

// Get returns a project's package.
func (p *Pipeline) Get(ctx context.Context, rctx *model.RequestContext, projectID string) (model.ProjectPackage, error) {
	return p.store.Get(ctx, rctx.TenantID, projectID)
}

// Advance moves a package forward one stage. From SENT_BACK it re-enters
// the forward sequence at the stage the package was sent back to: the PM
// fixing a sent-back draft advances straight to PJM review. At PM_ACTIVATE,
// advancing activates the package for good.
func (p *Pipeline) Advance(ctx context.Context, rctx *model.RequestContext, projectID string) (model.ProjectPackage, error) {
	pkg, err := p.store.Get(ctx, rctx.TenantID, projectID)
	if err != nil {
		return model.ProjectPackage{}, err
	}
	if pkg.IsActive() {
		return model.ProjectPackage{}, model.NewInstanceTerminalError(
			fmt.Sprintf("project %q is already active", projectID),
		)
	}

	stage := effectiveStage(pkg)
	if err := p.checkStageOwner(rctx, stage, projectID, ActionAdvance); err != nil {
		return model.ProjectPackage{}, err
	}

	next := stageOrder[stageIndex(stage)+1]
	pkg.Status = next
	pkg.SentBackTo = ""
	pkg.SentBackReason = ""
	pkg.UpdatedBy = rctx.SubjectID

	action := p.newAction(rctx, &pkg, next, ActionAdvance, "")
	action.Metadata = map[string]string{MetaFromStage: stage}
	if err := p.store.Update(ctx, pkg, action); err != nil {
		return model.ProjectPackage{}, err
	}
	return p.store.Get(ctx, rctx.TenantID, projectID)
}

// SendBack rewinds a package to an earlier stage with a mandatory reason.
// The next advance from the target stage's owner resumes the forward
// sequence from there.
func (p *Pipeline) SendBack(ctx context.Context, rctx *model.RequestContext, projectID, target, reason string) (model.ProjectPackage, error) {
	pkg, err := p.store.Get(ctx, rctx.TenantID, projectID)
	if err != nil {
		return model.ProjectPackage{}, err
	}
	if pkg.IsActive() {
		return model.ProjectPackage{}, model.NewInstanceTerminalError(
			fmt.Sprintf("project %q is already active", projectID),
		)
	}
	if pkg.Status == model.PackageSentBack {
		return model.ProjectPackage{}, model.NewActionNotAllowedError(
			fmt.Sprintf("project %q is already sent back", projectID),
		)
	}

	targetStage, known := sentBackStage[target]
	if !known {
		return model.ProjectPackage{}, model.NewBadRequestError(
			fmt.Sprintf("unknown send-back target %q", target),
		)
	}
	if stageIndex(targetStage) > stageIndex(pkg.Status) {
		return model.ProjectPackage{}, model.NewActionNotAllowedError(
			fmt.Sprintf("send-back target %s is not at or before stage %s", target, pkg.Status),
		)
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return model.ProjectPackage{}, model.NewCommentRequiredError("a send-back requires a reason")
	}

	if err := p.checkStageOwner(rctx, pkg.Status, projectID, model.ActionSendBack); err != nil {
		return model.ProjectPackage{}, err
	}

	from := pkg.Status
	pkg.Status = model.PackageSentBack
	pkg.SentBackTo = target
	pkg.SentBackReason = reason
	pkg.UpdatedBy = rctx.SubjectID

	action := p.newAction(rctx, &pkg, from, model.ActionSendBack, reason)
	action.Metadata = map[string]string{
		MetaFromStage:          from,
		model.MetaTargetStepID: targetStage,
	}
	if err := p.store.Update(ctx, pkg, action); err != nil {
		return model.ProjectPackage{}, err
	}
	return p.store.Get(ctx, rctx.TenantID, projectID)
}

// ListActions returns the package's audit trail in sequence order.
func (p *Pipeline) ListActions(ctx context.Context, rctx *model.RequestContext, projectID string) ([]model.WorkflowAction, error) {
	return p.store.ListActions(ctx, rctx.TenantID, projectID)
}

func (p *Pipeline) checkStageOwner(rctx *model.RequestContext, stage, projectID, action string) error {
	owner := stageOwner[stage]
	if rctx.HasRole(owner) || rctx.HasRole(model.RoleAdmin) {
		return nil
	}
	p.logger.Info("package action forbidden",
		zap.String("project_id", projectID),
		zap.String("stage", stage),
		zap.String("actor_id", rctx.SubjectID),
		zap.String("action", action),
	)
	return model.NewForbiddenError(
		fmt.Sprintf("stage %s belongs to role %s", stage, owner),
	)
}

func (p *Pipeline) newAction(rctx *model.RequestContext, pkg *model.ProjectPackage, stage, action, comment string) *model.WorkflowAction {
	return &model.WorkflowAction{
		ID:         uuid.New().String(),
		TenantID:   pkg.TenantID,
		InstanceID: pkg.ProjectID,
		StepID:     stage,
		ActorID:    rctx.SubjectID,
		Action:     action,
		Comment:    comment,
		CreatedAt:  time.Now().UTC(),
	}
}

// effectiveStage is the stage whose forward path an advance follows: the
// send-back target while SENT_BACK, the current status otherwise.
func effectiveStage(pkg model.ProjectPackage) string {
	if pkg.Status == model.PackageSentBack {
		return sentBackStage[pkg.SentBackTo]
	}
	return pkg.Status
}

func stageIndex(stage string) int {
	for i, s := range stageOrder {
		if s == stage {
			return i
		}
	}
	return -1
}
