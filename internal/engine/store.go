package engine

import (
	"context"

	"github.com/kasoma/signoff/model"
)

// InstanceStore persists workflow instances and their append-only action
// trail. Update writes the instance and its audit row in one atomic unit;
// an accepted transition is never visible without its action, and an action
// never exists for a transition that lost the version check.
type InstanceStore interface {
	// Create persists a new workflow instance. Returns BAD_REQUEST if the
	// gated entity already has an instance; instances are 1:1 with entities.
	Create(ctx context.Context, inst model.WorkflowInstance) error

	// Get retrieves an instance by ID, scoped to a tenant. Returns
	// INSTANCE_NOT_FOUND if the instance doesn't exist or belongs to a
	// different tenant.
	Get(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error)

	// GetByEntity retrieves the instance gating an entity, if any.
	GetByEntity(ctx context.Context, tenantID, entityType, entityID string) (model.WorkflowInstance, error)

	// Update persists an updated instance with optimistic locking and,
	// when action is non-nil, appends it to the audit trail in the same
	// atomic unit, assigning the next sequence number. The instance version
	// must match the stored version; CONCURRENT_MODIFICATION otherwise.
	Update(ctx context.Context, inst model.WorkflowInstance, action *model.WorkflowAction) error

	// List returns a tenant's instances matching the filters, oldest first.
	List(ctx context.Context, tenantID string, filters model.InstanceFilters) ([]model.WorkflowInstance, error)

	// ListActions returns the full audit trail for an instance in sequence
	// order.
	ListActions(ctx context.Context, tenantID, instanceID string) ([]model.WorkflowAction, error)

	// DeleteByEntity removes the instance gating an entity together with
	// its audit trail. Removing an entity cascades here; a missing instance
	// is not an error.
	DeleteByEntity(ctx context.Context, tenantID, entityType, entityID string) error
}
