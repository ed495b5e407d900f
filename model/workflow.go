package model

import "time"

// Workflow instance status constants.
const (
	InstanceNotStarted       = "NOT_STARTED"
	InstanceInProgress       = "IN_PROGRESS"
	InstanceCompleted        = "COMPLETED"
	InstanceRejected         = "REJECTED"
	InstanceChangesRequested = "CHANGES_REQUESTED"
)

// Step instance status constants. SENT_BACK is a step-local marker; the
// instance stays IN_PROGRESS through a send-back.
const (
	StepPending          = "PENDING"
	StepActive           = "ACTIVE"
	StepApproved         = "APPROVED"
	StepRejected         = "REJECTED"
	StepChangesRequested = "CHANGES_REQUESTED"
	StepSentBack         = "SENT_BACK"
)

// Actions an approver can take on an active step.
const (
	ActionApprove       = "APPROVE"
	ActionReject        = "REJECT"
	ActionSendBack      = "SEND_BACK"
	ActionRequestChange = "REQUEST_CHANGE"
)

// Lifecycle actions recorded in the audit trail alongside approver actions.
const (
	ActionStart    = "START"
	ActionResubmit = "RESUBMIT"
)

// Approver spec types on a step definition.
const (
	ApproverTypeRole    = "ROLE"
	ApproverTypeDynamic = "DYNAMIC"
)

// Dynamic approver types. A closed enum: adding a new dynamic approver means
// extending this list and the resolver match, nothing else.
const (
	DynamicEngineeringPool   = "engineering-team-pool"
	DynamicProjectManager    = "project-manager"
	DynamicProjectManagerAlt = "pm" // legacy alias for project-manager
	DynamicAssignedDeveloper = "assigned-developer"
)

// Instance context keys consumed by dynamic approver resolution.
const (
	ContextProjectManagerID    = "projectManagerId"
	ContextAssignedDeveloperID = "assignedDeveloperId"
)

// Role labels used across the console.
const (
	RoleProjectManager = "PM"
	RolePJM            = "PJM"
	RoleEngineer       = "ENGINEER"
	RoleAdmin          = "ADMIN"
)

// WorkflowDefinition is a reusable, immutable approval template. Edits create
// a new version; instances keep the snapshot embedded at creation.
type WorkflowDefinition struct {
	ID         string           `json:"id" yaml:"id"`
	TenantID   string           `json:"tenant_id" yaml:"tenant_id"`
	Name       string           `json:"name" yaml:"name"`
	EntityType string           `json:"entity_type" yaml:"entity_type"`
	Version    int              `json:"version" yaml:"version"`
	Steps      []StepDefinition `json:"steps" yaml:"steps"`
	CreatedAt  time.Time        `json:"created_at" yaml:"-"`
}

// StepDefinition describes one approval stage within a definition. Orders
// are strictly increasing and unique within a definition; gaps are allowed.
type StepDefinition struct {
	ID                        string   `json:"id" yaml:"id"`
	Name                      string   `json:"name" yaml:"name"`
	Order                     int      `json:"order" yaml:"order"`
	AssigneeRole              string   `json:"assignee_role" yaml:"assignee_role"`
	ApproverType              string   `json:"approver_type" yaml:"approver_type"`
	ApproverRole              string   `json:"approver_role,omitempty" yaml:"approver_role"`
	DynamicApprover           string   `json:"dynamic_approver,omitempty" yaml:"dynamic_approver"`
	RequiresCommentOnReject   bool     `json:"requires_comment_on_reject" yaml:"requires_comment_on_reject"`
	RequiresCommentOnSendBack bool     `json:"requires_comment_on_send_back" yaml:"requires_comment_on_send_back"`
	AllowedActions            []string `json:"allowed_actions" yaml:"allowed_actions"`
}

// AllowsAction reports whether the given action is in the step's allowed set.
func (s *StepDefinition) AllowsAction(action string) bool {
	for _, a := range s.AllowedActions {
		if a == action {
			return true
		}
	}
	return false
}

// WorkflowInstance is one concrete run of a definition against one gated
// entity (1:1). Steps are a deep copy of the definition's steps taken at
// creation time; later definition versions never touch an existing instance.
type WorkflowInstance struct {
	ID            string            `json:"id"`
	TenantID      string            `json:"tenant_id"`
	DefinitionID  string            `json:"definition_id"`
	EntityID      string            `json:"entity_id"`
	EntityType    string            `json:"entity_type"`
	Status        string            `json:"status"`
	CurrentStepID string            `json:"current_step_id,omitempty"`
	Context       map[string]string `json:"context,omitempty"`
	Steps         []StepInstance    `json:"steps"`
	Version       int               `json:"version"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// ActiveStep returns a pointer into Steps for the single ACTIVE step, or nil.
func (w *WorkflowInstance) ActiveStep() *StepInstance {
	for i := range w.Steps {
		if w.Steps[i].Status == StepActive {
			return &w.Steps[i]
		}
	}
	return nil
}

// StepByID returns a pointer into Steps for the step with the given ID, or nil.
func (w *WorkflowInstance) StepByID(stepID string) *StepInstance {
	for i := range w.Steps {
		if w.Steps[i].ID == stepID {
			return &w.Steps[i]
		}
	}
	return nil
}

// IsTerminal reports whether the instance can never be actioned again.
func (w *WorkflowInstance) IsTerminal() bool {
	return w.Status == InstanceCompleted || w.Status == InstanceRejected
}

// CloneSteps returns a deep copy of the instance's steps.
func (w *WorkflowInstance) CloneSteps() []StepInstance {
	steps := make([]StepInstance, len(w.Steps))
	copy(steps, w.Steps)
	for i := range steps {
		steps[i].AllowedActions = append([]string(nil), steps[i].AllowedActions...)
	}
	return steps
}

// StepInstance is a definition step snapshot plus its run state.
type StepInstance struct {
	StepDefinition

	Status    string     `json:"status"`
	ActedByID string     `json:"acted_by_id,omitempty"`
	ActedAt   *time.Time `json:"acted_at,omitempty"`
	Action    string     `json:"action,omitempty"`
	Comment   string     `json:"comment,omitempty"`
}

// WorkflowAction is one append-only audit row. One row per accepted
// transition; rows are never updated or deleted, and the full sequence
// reconstructs the instance history.
type WorkflowAction struct {
	ID         string            `json:"id"`
	TenantID   string            `json:"tenant_id"`
	InstanceID string            `json:"instance_id"`
	StepID     string            `json:"step_id,omitempty"`
	ActorID    string            `json:"actor_id"`
	Action     string            `json:"action"`
	Comment    string            `json:"comment,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Sequence   int64             `json:"sequence"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Metadata key recording the explicit send-back target step.
const MetaTargetStepID = "target_step_id"

// ResolvedApprover is the outcome of approver resolution for one attempt:
// either any holder of a role, or exactly one user.
type ResolvedApprover struct {
	Kind   string `json:"kind"`
	Role   string `json:"role,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// ResolvedApprover kinds.
const (
	ApproverKindRole     = "ROLE"
	ApproverKindIdentity = "IDENTITY"
)

// Matches reports whether an actor satisfies the resolved approver: role
// membership for ROLE, exact user match for IDENTITY.
func (a ResolvedApprover) Matches(actorID string, roles []string) bool {
	switch a.Kind {
	case ApproverKindRole:
		for _, r := range roles {
			if r == a.Role {
				return true
			}
		}
		return false
	case ApproverKindIdentity:
		return actorID != "" && actorID == a.UserID
	default:
		return false
	}
}

// InstanceFilters are optional filters for listing workflow instances.
type InstanceFilters struct {
	DefinitionID string
	EntityType   string
	EntityID     string
	Status       string
	Page         int
	PageSize     int
}
