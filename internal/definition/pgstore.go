package definition

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kasoma/signoff/model"
)

// PgStore is a PostgreSQL-backed definition Store using pgx/v5. Steps are
// stored as a JSONB column: the definition is an immutable document, never
// queried step-by-step.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL definition store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Create inserts a new definition.
func (s *PgStore) Create(ctx context.Context, def model.WorkflowDefinition) error {
	stepsJSON, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_definitions (
			id, tenant_id, name, entity_type, version, steps, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		def.ID, def.TenantID, def.Name, def.EntityType, def.Version, stepsJSON, def.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow definition: %w", err)
	}
	return nil
}

// Get retrieves a definition by ID, scoped to tenant.
func (s *PgStore) Get(ctx context.Context, tenantID, definitionID string) (model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	var stepsJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, entity_type, version, steps, created_at
		FROM workflow_definitions
		WHERE id = $1 AND tenant_id = $2`,
		definitionID, tenantID,
	).Scan(&def.ID, &def.TenantID, &def.Name, &def.EntityType, &def.Version, &stepsJSON, &def.CreatedAt)
	if err == pgx.ErrNoRows {
		return model.WorkflowDefinition{}, model.NewDefinitionNotFoundError(
			fmt.Sprintf("workflow definition %q not found", definitionID),
		)
	}
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("query workflow definition: %w", err)
	}

	if err := json.Unmarshal(stepsJSON, &def.Steps); err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("unmarshal steps: %w", err)
	}
	return def, nil
}

// List returns definitions for a tenant, newest version first within a name.
func (s *PgStore) List(ctx context.Context, tenantID, entityType string) ([]model.WorkflowDefinition, error) {
	query := `SELECT id, tenant_id, name, entity_type, version, steps, created_at
	          FROM workflow_definitions
	          WHERE tenant_id = $1`
	args := []any{tenantID}
	if entityType != "" {
		query += " AND entity_type = $2"
		args = append(args, entityType)
	}
	query += " ORDER BY name ASC, version DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow definitions: %w", err)
	}
	defer rows.Close()

	var defs []model.WorkflowDefinition
	for rows.Next() {
		var def model.WorkflowDefinition
		var stepsJSON []byte
		if err := rows.Scan(&def.ID, &def.TenantID, &def.Name, &def.EntityType, &def.Version, &stepsJSON, &def.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan workflow definition: %w", err)
		}
		if err := json.Unmarshal(stepsJSON, &def.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// LatestVersion returns the highest version for a definition name, or 0.
func (s *PgStore) LatestVersion(ctx context.Context, tenantID, name string) (int, error) {
	var version int
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM workflow_definitions
		WHERE tenant_id = $1 AND name = $2`,
		tenantID, name,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("query latest definition version: %w", err)
	}
	return version, nil
}

// HealthCheck verifies database connectivity for the readiness endpoint.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
