// Package definition validates, versions, and persists workflow definitions,
// and loads administrator-authored seed definitions from YAML files.
package definition

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kasoma/signoff/model"
)

// Service owns the definition lifecycle: validation, version assignment,
// persistence, and reads.
type Service struct {
	store     Store
	validator *Validator
}

// NewService creates a definition service.
func NewService(store Store) *Service {
	return &Service{store: store, validator: NewValidator()}
}

// Create validates a definition, assigns its ID and next version, and
// persists it. Definitions with zero steps fail with EMPTY_DEFINITION:
// an instance of one could never be started.
func (s *Service) Create(ctx context.Context, rctx *model.RequestContext, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	if len(def.Steps) == 0 {
		return model.WorkflowDefinition{}, model.NewEmptyDefinitionError(
			fmt.Sprintf("definition %q has no steps", def.Name),
		)
	}

	if verrs := s.validator.Validate(def); len(verrs) > 0 {
		return model.WorkflowDefinition{}, model.NewValidationError(FieldErrors(verrs))
	}

	latest, err := s.store.LatestVersion(ctx, rctx.TenantID, def.Name)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}

	def.ID = uuid.New().String()
	def.TenantID = rctx.TenantID
	def.Version = latest + 1
	def.CreatedAt = time.Now().UTC()

	if err := s.store.Create(ctx, def); err != nil {
		return model.WorkflowDefinition{}, err
	}
	return def, nil
}

// Get returns a definition by ID.
func (s *Service) Get(ctx context.Context, rctx *model.RequestContext, definitionID string) (model.WorkflowDefinition, error) {
	return s.store.Get(ctx, rctx.TenantID, definitionID)
}

// List returns the tenant's definitions, optionally filtered by entity type.
func (s *Service) List(ctx context.Context, rctx *model.RequestContext, entityType string) ([]model.WorkflowDefinition, error) {
	return s.store.List(ctx, rctx.TenantID, entityType)
}

// Count returns the number of persisted definitions for a tenant. Used by
// the readiness endpoint.
func (s *Service) Count(ctx context.Context, tenantID string) (int, error) {
	defs, err := s.store.List(ctx, tenantID, "")
	if err != nil {
		return 0, err
	}
	return len(defs), nil
}
