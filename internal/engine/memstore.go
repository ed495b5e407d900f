package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kasoma/signoff/model"
)

// MemoryInstanceStore is an in-memory InstanceStore for testing and
// single-instance deployments. It mirrors the transactional semantics of the
// PostgreSQL store: the instance update and audit append happen under one
// lock, and version conflicts surface as CONCURRENT_MODIFICATION.
type MemoryInstanceStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance // key: instance ID
	byEntity  map[string]string                 // key: tenant/entityType/entityID, value: instance ID
	actions   map[string][]model.WorkflowAction // key: instance ID
}

// NewMemoryInstanceStore creates a new in-memory instance store.
func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{
		instances: make(map[string]model.WorkflowInstance),
		byEntity:  make(map[string]string),
		actions:   make(map[string][]model.WorkflowAction),
	}
}

func entityKey(tenantID, entityType, entityID string) string {
	return tenantID + "/" + entityType + "/" + entityID
}

// Create persists a new workflow instance.
func (s *MemoryInstanceStore) Create(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewBadRequestError(
			fmt.Sprintf("workflow instance %q already exists", inst.ID),
		)
	}
	ek := entityKey(inst.TenantID, inst.EntityType, inst.EntityID)
	if _, exists := s.byEntity[ek]; exists {
		return model.NewBadRequestError(
			fmt.Sprintf("entity %s/%s already has a workflow instance", inst.EntityType, inst.EntityID),
		)
	}

	s.instances[inst.ID] = cloneInstance(inst)
	s.byEntity[ek] = inst.ID
	return nil
}

// Get retrieves an instance by ID, scoped to tenant.
func (s *MemoryInstanceStore) Get(_ context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists || inst.TenantID != tenantID {
		return model.WorkflowInstance{}, model.NewInstanceNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return cloneInstance(inst), nil
}

// GetByEntity retrieves the instance gating an entity.
func (s *MemoryInstanceStore) GetByEntity(_ context.Context, tenantID, entityType, entityID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byEntity[entityKey(tenantID, entityType, entityID)]
	if !exists {
		return model.WorkflowInstance{}, model.NewInstanceNotFoundError(
			fmt.Sprintf("no workflow instance for entity %s/%s", entityType, entityID),
		)
	}
	return cloneInstance(s.instances[id]), nil
}

// Update persists an updated instance with optimistic locking and appends
// the audit row under the same lock.
func (s *MemoryInstanceStore) Update(_ context.Context, inst model.WorkflowInstance, action *model.WorkflowAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists || existing.TenantID != inst.TenantID {
		return model.NewInstanceNotFoundError(
			fmt.Sprintf("workflow instance %q not found", inst.ID),
		)
	}
	if existing.Version != inst.Version {
		return model.NewConcurrentModificationError(
			fmt.Sprintf("workflow instance %q was modified concurrently (expected version %d, found %d)",
				inst.ID, inst.Version, existing.Version),
		)
	}

	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	s.instances[inst.ID] = cloneInstance(inst)

	if action != nil {
		a := *action
		a.Sequence = int64(len(s.actions[inst.ID])) + 1
		s.actions[inst.ID] = append(s.actions[inst.ID], a)
	}
	return nil
}

// List returns a tenant's instances matching the filters, oldest first.
func (s *MemoryInstanceStore) List(_ context.Context, tenantID string, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.TenantID != tenantID {
			continue
		}
		if filters.DefinitionID != "" && inst.DefinitionID != filters.DefinitionID {
			continue
		}
		if filters.EntityType != "" && inst.EntityType != filters.EntityType {
			continue
		}
		if filters.EntityID != "" && inst.EntityID != filters.EntityID {
			continue
		}
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		result = append(result, cloneInstance(inst))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return paginate(result, filters.Page, filters.PageSize), nil
}

// ListActions returns the audit trail for an instance in sequence order.
func (s *MemoryInstanceStore) ListActions(_ context.Context, tenantID, instanceID string) ([]model.WorkflowAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists || inst.TenantID != tenantID {
		return nil, model.NewInstanceNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}

	actions := make([]model.WorkflowAction, len(s.actions[instanceID]))
	copy(actions, s.actions[instanceID])
	return actions, nil
}

// DeleteByEntity removes the instance gating an entity together with its
// audit trail.
func (s *MemoryInstanceStore) DeleteByEntity(_ context.Context, tenantID, entityType, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ek := entityKey(tenantID, entityType, entityID)
	id, exists := s.byEntity[ek]
	if !exists {
		return nil
	}
	delete(s.byEntity, ek)
	delete(s.instances, id)
	delete(s.actions, id)
	return nil
}

func paginate(instances []model.WorkflowInstance, page, pageSize int) []model.WorkflowInstance {
	if pageSize <= 0 {
		return instances
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start >= len(instances) {
		return nil
	}
	end := start + pageSize
	if end > len(instances) {
		end = len(instances)
	}
	return instances[start:end]
}

// cloneInstance deep-copies an instance so callers can't mutate stored state
// through returned steps or context.
func cloneInstance(inst model.WorkflowInstance) model.WorkflowInstance {
	inst.Steps = inst.CloneSteps()
	if inst.Context != nil {
		ctx := make(map[string]string, len(inst.Context))
		for k, v := range inst.Context {
			ctx[k] = v
		}
		inst.Context = ctx
	}
	return inst
}
