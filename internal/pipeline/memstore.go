package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kasoma/signoff/model"
)

// MemoryPackageStore is an in-memory PackageStore for testing and
// single-instance deployments.
type MemoryPackageStore struct {
	mu       sync.RWMutex
	packages map[string]model.ProjectPackage   // key: tenant/project ID
	actions  map[string][]model.WorkflowAction // key: tenant/project ID
}

// NewMemoryPackageStore creates a new in-memory package store.
func NewMemoryPackageStore() *MemoryPackageStore {
	return &MemoryPackageStore{
		packages: make(map[string]model.ProjectPackage),
		actions:  make(map[string][]model.WorkflowAction),
	}
}

func packageKey(tenantID, projectID string) string {
	return tenantID + "/" + projectID
}

// Create persists a new project package.
func (s *MemoryPackageStore) Create(_ context.Context, pkg model.ProjectPackage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := packageKey(pkg.TenantID, pkg.ProjectID)
	if _, exists := s.packages[key]; exists {
		return model.NewBadRequestError(
			fmt.Sprintf("project %q already has a package", pkg.ProjectID),
		)
	}
	s.packages[key] = pkg
	return nil
}

// Get retrieves a project's package, scoped to tenant.
func (s *MemoryPackageStore) Get(_ context.Context, tenantID, projectID string) (model.ProjectPackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pkg, exists := s.packages[packageKey(tenantID, projectID)]
	if !exists {
		return model.ProjectPackage{}, model.NewNotFoundError(
			fmt.Sprintf("project %q has no package", projectID),
		)
	}
	return pkg, nil
}

// Update persists an updated package with optimistic locking and appends
// the audit row under the same lock.
func (s *MemoryPackageStore) Update(_ context.Context, pkg model.ProjectPackage, action *model.WorkflowAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := packageKey(pkg.TenantID, pkg.ProjectID)
	existing, exists := s.packages[key]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("project %q has no package", pkg.ProjectID),
		)
	}
	if existing.Version != pkg.Version {
		return model.NewConcurrentModificationError(
			fmt.Sprintf("package for project %q was modified concurrently (expected version %d, found %d)",
				pkg.ProjectID, pkg.Version, existing.Version),
		)
	}

	pkg.Version++
	pkg.UpdatedAt = time.Now().UTC()
	s.packages[key] = pkg

	if action != nil {
		a := *action
		a.Sequence = int64(len(s.actions[key])) + 1
		s.actions[key] = append(s.actions[key], a)
	}
	return nil
}

// ListActions returns the package's audit trail in sequence order.
func (s *MemoryPackageStore) ListActions(_ context.Context, tenantID, projectID string) ([]model.WorkflowAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := packageKey(tenantID, projectID)
	if _, exists := s.packages[key]; !exists {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("project %q has no package", projectID),
		)
	}
	actions := make([]model.WorkflowAction, len(s.actions[key]))
	copy(actions, s.actions[key])
	return actions, nil
}
