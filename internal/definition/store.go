package definition

import (
	"context"

	"github.com/kasoma/signoff/model"
)

// Store persists workflow definitions. Definitions are immutable once
// created: there is no update or delete, only new versions.
type Store interface {
	// Create persists a new definition. The caller has already assigned
	// ID and Version.
	Create(ctx context.Context, def model.WorkflowDefinition) error

	// Get retrieves a definition by ID, scoped to a tenant. Returns
	// DEFINITION_NOT_FOUND if the definition doesn't exist or belongs to a
	// different tenant.
	Get(ctx context.Context, tenantID, definitionID string) (model.WorkflowDefinition, error)

	// List returns all definitions for a tenant, optionally filtered by
	// entity type, newest version first within a name.
	List(ctx context.Context, tenantID, entityType string) ([]model.WorkflowDefinition, error)

	// LatestVersion returns the highest existing version for a definition
	// name within a tenant, or 0 if none exists.
	LatestVersion(ctx context.Context, tenantID, name string) (int, error)
}
