package pipeline

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

// PgPackageStore is a PostgreSQL-backed PackageStore using pgx/v5. Pipeline
// fields live directly on the project_packages record; the audit trail
// shares the workflow_actions table, keyed by project ID.
type PgPackageStore struct {
	pool *pgxpool.Pool
}

// NewPgPackageStore creates a new PostgreSQL package store.
func NewPgPackageStore(pool *pgxpool.Pool) *PgPackageStore {
	return &PgPackageStore{pool: pool}
}

// Create persists a new project package.
func (s *PgPackageStore) Create(ctx context.Context, pkg model.ProjectPackage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO project_packages (
			project_id, tenant_id, status, sent_back_to, sent_back_reason,
			updated_by, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		pkg.ProjectID, pkg.TenantID, pkg.Status, pkg.SentBackTo, pkg.SentBackReason,
		pkg.UpdatedBy, pkg.Version, pkg.CreatedAt, pkg.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return model.NewBadRequestError(
			fmt.Sprintf("project %q already has a package", pkg.ProjectID),
		)
	}
	if err != nil {
		return fmt.Errorf("insert project package: %w", err)
	}
	return nil
}

// Get retrieves a project's package, scoped to tenant.
func (s *PgPackageStore) Get(ctx context.Context, tenantID, projectID string) (model.ProjectPackage, error) {
	var pkg model.ProjectPackage
	err := s.pool.QueryRow(ctx, `
		SELECT project_id, tenant_id, status, sent_back_to, sent_back_reason,
		       updated_by, version, created_at, updated_at
		FROM project_packages
		WHERE project_id = $1 AND tenant_id = $2`,
		projectID, tenantID,
	).Scan(
		&pkg.ProjectID, &pkg.TenantID, &pkg.Status, &pkg.SentBackTo, &pkg.SentBackReason,
		&pkg.UpdatedBy, &pkg.Version, &pkg.CreatedAt, &pkg.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ProjectPackage{}, model.NewNotFoundError(
			fmt.Sprintf("project %q has no package", projectID),
		)
	}
	if err != nil {
		return model.ProjectPackage{}, fmt.Errorf("query project package: %w", err)
	}
	return pkg, nil
}

// Update persists an updated package with optimistic locking and appends
// the audit row in the same transaction.
func (s *PgPackageStore) Update(ctx context.Context, pkg model.ProjectPackage, action *model.WorkflowAction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE project_packages SET
			status = $1,
			sent_back_to = $2,
			sent_back_reason = $3,
			updated_by = $4,
			version = $5,
			updated_at = $6
		WHERE project_id = $7 AND tenant_id = $8 AND version = $9`,
		pkg.Status, pkg.SentBackTo, pkg.SentBackReason, pkg.UpdatedBy,
		pkg.Version+1, time.Now().UTC(),
		pkg.ProjectID, pkg.TenantID, pkg.Version,
	)
	if err != nil {
		return fmt.Errorf("update project package: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConcurrentModificationError(
			fmt.Sprintf("package for project %q was modified concurrently (expected version %d)", pkg.ProjectID, pkg.Version),
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
			return fmt.Errorf("insert package action: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// ListActions returns the package's audit trail in sequence order.
func (s *PgPackageStore) ListActions(ctx context.Context, tenantID, projectID string) ([]model.WorkflowAction, error) {
	if _, err := s.Get(ctx, tenantID, projectID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, instance_id, step_id, actor_id,
		       action, comment, metadata, sequence, created_at
		FROM workflow_actions
		WHERE instance_id = $1 AND tenant_id = $2
		ORDER BY sequence`,
		projectID, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("query package actions: %w", err)
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
			return nil, fmt.Errorf("scan package action: %w", err)
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

// HealthCheck verifies database connectivity.
func (s *PgPackageStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
