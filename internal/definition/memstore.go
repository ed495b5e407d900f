package definition

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kasoma/signoff/model"
)

// MemoryStore is an in-memory definition Store for testing and
// single-instance deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	defs map[string]model.WorkflowDefinition // key: definition ID
}

// NewMemoryStore creates a new in-memory definition store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{defs: make(map[string]model.WorkflowDefinition)}
}

// Create persists a new definition.
func (s *MemoryStore) Create(_ context.Context, def model.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.defs[def.ID]; exists {
		return model.NewBadRequestError(
			fmt.Sprintf("definition %q already exists", def.ID),
		)
	}
	s.defs[def.ID] = cloneDefinition(def)
	return nil
}

// Get retrieves a definition by ID, scoped to tenant.
func (s *MemoryStore) Get(_ context.Context, tenantID, definitionID string) (model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, exists := s.defs[definitionID]
	if !exists || def.TenantID != tenantID {
		return model.WorkflowDefinition{}, model.NewDefinitionNotFoundError(
			fmt.Sprintf("workflow definition %q not found", definitionID),
		)
	}
	return cloneDefinition(def), nil
}

// List returns definitions for a tenant, sorted by name then version descending.
func (s *MemoryStore) List(_ context.Context, tenantID, entityType string) ([]model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowDefinition
	for _, def := range s.defs {
		if def.TenantID != tenantID {
			continue
		}
		if entityType != "" && def.EntityType != entityType {
			continue
		}
		result = append(result, cloneDefinition(def))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].Version > result[j].Version
	})
	return result, nil
}

// LatestVersion returns the highest version for a definition name, or 0.
func (s *MemoryStore) LatestVersion(_ context.Context, tenantID, name string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := 0
	for _, def := range s.defs {
		if def.TenantID == tenantID && def.Name == name && def.Version > latest {
			latest = def.Version
		}
	}
	return latest, nil
}

// cloneDefinition deep-copies a definition so callers can't mutate the
// stored steps through the returned slice.
func cloneDefinition(def model.WorkflowDefinition) model.WorkflowDefinition {
	steps := make([]model.StepDefinition, len(def.Steps))
	copy(steps, def.Steps)
	for i := range steps {
		steps[i].AllowedActions = append([]string(nil), steps[i].AllowedActions...)
	}
	def.Steps = steps
	return def
}
