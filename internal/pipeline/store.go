package pipeline

import (
	"context"

	"github.com/kasoma/signoff/model"
)

// PackageStore persists project package pipeline state and its audit trail.
// Like the workflow instance store, Update writes the package and its audit
// row atomically under an optimistic version check.
type PackageStore interface {
	// Create persists a new project package. Returns BAD_REQUEST if the
	// project already has one.
	Create(ctx context.Context, pkg model.ProjectPackage) error

	// Get retrieves a project's package, scoped to a tenant. Returns
	// NOT_FOUND if the project has no package or belongs to another tenant.
	Get(ctx context.Context, tenantID, projectID string) (model.ProjectPackage, error)

	// Update persists an updated package with optimistic locking and
	// appends the audit row in the same atomic unit. The package version
	// must match the stored version; CONCURRENT_MODIFICATION otherwise.
	Update(ctx context.Context, pkg model.ProjectPackage, action *model.WorkflowAction) error

	// ListActions returns the package's audit trail in sequence order.
	ListActions(ctx context.Context, tenantID, projectID string) ([]model.WorkflowAction, error)
}
