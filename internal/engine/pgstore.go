package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kasoma/signoff/model"
)

// PgInstanceStore is a PostgreSQL-backed InstanceStore using pgx/v5. The
// workflow_instances table carries a unique index on
// (tenant_id, entity_type, entity_id); instances are 1:1 with gated entities.
type PgInstanceStore struct {
	pool *pgxpool.Pool
}

// NewPgInstanceStore creates a new PostgreSQL instance store.
func NewPgInstanceStore(pool *pgxpool.Pool) *PgInstanceStore {
	return &PgInstanceStore{pool: pool}
}

const instanceColumns = `id, tenant_id, definition_id, entity_id, entity_type,
	       status, current_step_id, context, steps, version,
	       created_at, updated_at`

// Create inserts a new workflow instance.
func (s *PgInstanceStore) Create(ctx context.Context, inst model.WorkflowInstance) error {
	stepsJSON, contextJSON, err := marshalInstance(inst)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, tenant_id, definition_id, entity_id, entity_type,
			status, current_step_id, context, steps, version,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12
		)`,
		inst.ID, inst.TenantID, inst.DefinitionID, inst.EntityID, inst.EntityType,
		inst.Status, inst.CurrentStepID, contextJSON, stepsJSON, inst.Version,
		inst.CreatedAt, inst.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return model.NewBadRequestError(
			fmt.Sprintf("entity %s/%s already has a workflow instance", inst.EntityType, inst.EntityID),
		)
	}
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// Get retrieves an instance by ID, scoped to tenant.
func (s *PgInstanceStore) Get(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE id = $1 AND tenant_id = $2`,
		instanceID, tenantID,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewInstanceNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return inst, err
}

// GetByEntity retrieves the instance gating an entity.
func (s *PgInstanceStore) GetByEntity(ctx context.Context, tenantID, entityType, entityID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3`,
		tenantID, entityType, entityID,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewInstanceNotFoundError(
			fmt.Sprintf("no workflow instance for entity %s/%s", entityType, entityID),
		)
	}
	return inst, err
}

// Update persists an updated instance with optimistic locking and appends
// the audit row in the same transaction.
func (s *PgInstanceStore) Update(ctx context.Context, inst model.WorkflowInstance, action *model.WorkflowAction) error {
	stepsJSON, contextJSON, err := marshalInstance(inst)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE workflow_instances SET
			status = $1,
			current_step_id = $2,
			context = $3,
			steps = $4,
			version = $5,
			updated_at = $6
		WHERE id = $7 AND tenant_id = $8 AND version = $9`,
		inst.Status, inst.CurrentStepID, contextJSON, stepsJSON, inst.Version+1,
		time.Now().UTC(),
		inst.ID, inst.TenantID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConcurrentModificationError(
			fmt.Sprintf("workflow instance %q was modified concurrently (expected version %d)", inst.ID, inst.Version),
		)
	}

	if action != nil {
		metaJSON, err := json.Marshal(action.Metadata)
		if err != nil {
			return fmt.Errorf("marshal action metadata: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO workflow_actions (
				id, tenant_id, instance_id, step_id, actor_id,
				action, comment, metadata, sequence, created_at
			)
			SELECT $1, $2, $3, $4, $5, $6, $7, $8,
			       COALESCE(MAX(sequence), 0) + 1, $9
			FROM workflow_actions WHERE instance_id = $3`,
			action.ID, action.TenantID, action.InstanceID, action.StepID, action.ActorID,
			action.Action, action.Comment, metaJSON, action.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert workflow action: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// List returns a tenant's instances matching the filters, oldest first.
func (s *PgInstanceStore) List(ctx context.Context, tenantID string, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM workflow_instances
		WHERE tenant_id = $1`
	args := []any{tenantID}

	if filters.DefinitionID != "" {
		args = append(args, filters.DefinitionID)
		query += fmt.Sprintf(" AND definition_id = $%d", len(args))
	}
	if filters.EntityType != "" {
		args = append(args, filters.EntityType)
		query += fmt.Sprintf(" AND entity_type = $%d", len(args))
	}
	if filters.EntityID != "" {
		args = append(args, filters.EntityID)
		query += fmt.Sprintf(" AND entity_id = $%d", len(args))
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at, id"
	if filters.PageSize > 0 {
		page := filters.Page
		if page < 1 {
			page = 1
		}
		args = append(args, filters.PageSize)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		args = append(args, (page-1)*filters.PageSize)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var result []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
	}
	return result, rows.Err()
}

// ListActions returns the audit trail for an instance in sequence order.
func (s *PgInstanceStore) ListActions(ctx context.Context, tenantID, instanceID string) ([]model.WorkflowAction, error) {
	// Verify tenant access before reading the trail.
	if _, err := s.Get(ctx, tenantID, instanceID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, instance_id, step_id, actor_id,
		       action, comment, metadata, sequence, created_at
		FROM workflow_actions
		WHERE instance_id = $1
		ORDER BY sequence`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow actions: %w", err)
	}
	defer rows.Close()

	var actions []model.WorkflowAction
	for rows.Next() {
		var a model.WorkflowAction
		var metaJSON []byte
		if err := rows.Scan(
			&a.ID, &a.TenantID, &a.InstanceID, &a.StepID, &a.ActorID,
			&a.Action, &a.Comment, &metaJSON, &a.Sequence, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan workflow action: %w", err)
		}
		if metaJSON != nil {
			if err := json.Unmarshal(metaJSON, &a.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal action metadata: %w", err)
			}
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// DeleteByEntity removes the instance gating an entity together with its
// audit trail.
func (s *PgInstanceStore) DeleteByEntity(ctx context.Context, tenantID, entityType, entityID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		DELETE FROM workflow_actions
		WHERE instance_id IN (
			SELECT id FROM workflow_instances
			WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3
		)`,
		tenantID, entityType, entityID,
	)
	if err != nil {
		return fmt.Errorf("delete workflow actions: %w", err)
	}

	_, err = tx.Exec(ctx, `
		DELETE FROM workflow_instances
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3`,
		tenantID, entityType, entityID,
	)
	if err != nil {
		return fmt.Errorf("delete workflow instance: %w", err)
	}

	return tx.Commit(ctx)
}

// HealthCheck verifies database connectivity.
func (s *PgInstanceStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var stepsJSON, contextJSON []byte

	err := row.Scan(
		&inst.ID, &inst.TenantID, &inst.DefinitionID, &inst.EntityID, &inst.EntityType,
		&inst.Status, &inst.CurrentStepID, &contextJSON, &stepsJSON, &inst.Version,
		&inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	if contextJSON != nil {
		if err := json.Unmarshal(contextJSON, &inst.Context); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal instance context: %w", err)
		}
	}
	if err := json.Unmarshal(stepsJSON, &inst.Steps); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("unmarshal instance steps: %w", err)
	}
	return inst, nil
}

func marshalInstance(inst model.WorkflowInstance) (stepsJSON, contextJSON []byte, err error) {
	stepsJSON, err = json.Marshal(inst.Steps)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal instance steps: %w", err)
	}
	contextJSON, err = json.Marshal(inst.Context)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal instance context: %w", err)
	}
	return stepsJSON, contextJSON, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
