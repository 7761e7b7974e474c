// Package roles provides PostgreSQL backed persistence for role
// assignments across the three authorization scopes.
package roles

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/rolesync/internal/propagation"
)

// OriginGateway marks writes performed through the mutation gateway. The
// row triggers copy it into the change notification payload so the
// reactive bridge can suppress its own echo.
const OriginGateway = "gateway"

// Repository implements propagation.RoleStore on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// withOrigin runs a write inside a transaction that carries the gateway
// origin marker for the change-notification triggers.
func (r *Repository) withOrigin(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("roles: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('rolesync.origin', $1, true)`, OriginGateway); err != nil {
		return fmt.Errorf("roles: set origin: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetOrgRole returns the user's role in the organization.
func (r *Repository) GetOrgRole(ctx context.Context, userID, orgID string) (string, error) {
	var role string
	err := r.pool.QueryRow(ctx, `SELECT role FROM org_roles WHERE user_id = $1 AND org_id = $2`, userID, orgID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", propagation.ErrRoleNotFound
	}
	if err != nil {
		return "", fmt.Errorf("roles: get org role: %w", err)
	}
	return role, nil
}

// UpsertOrgRole inserts or replaces the user's organization role.
func (r *Repository) UpsertOrgRole(ctx context.Context, userID, orgID, role string, canAccessAllProjects bool) error {
	return r.withOrigin(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO org_roles (user_id, org_id, role, can_access_all_projects, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (user_id, org_id)
			DO UPDATE SET role = EXCLUDED.role, can_access_all_projects = EXCLUDED.can_access_all_projects, updated_at = NOW()`,
			userID, orgID, role, canAccessAllProjects)
		if err != nil {
			return fmt.Errorf("roles: upsert org role: %w", err)
		}
		return nil
	})
}

// DeleteOrgRole removes the user's organization role. Removing an absent
// assignment is a no-op.
func (r *Repository) DeleteOrgRole(ctx context.Context, userID, orgID string) error {
	return r.withOrigin(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM org_roles WHERE user_id = $1 AND org_id = $2`, userID, orgID); err != nil {
			return fmt.Errorf("roles: delete org role: %w", err)
		}
		return nil
	})
}

// GetProjectRole returns the user's role in the project.
func (r *Repository) GetProjectRole(ctx context.Context, userID, projectID string) (string, error) {
	var role string
	err := r.pool.QueryRow(ctx, `SELECT role FROM project_roles WHERE user_id = $1 AND project_id = $2`, userID, projectID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", propagation.ErrRoleNotFound
	}
	if err != nil {
		return "", fmt.Errorf("roles: get project role: %w", err)
	}
	return role, nil
}

// UpsertProjectRole inserts or replaces the user's project role.
func (r *Repository) UpsertProjectRole(ctx context.Context, userID, projectID, role string) error {
	return r.withOrigin(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO project_roles (user_id, project_id, role, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (user_id, project_id)
			DO UPDATE SET role = EXCLUDED.role, updated_at = NOW()`,
			userID, projectID, role)
		if err != nil {
			return fmt.Errorf("roles: upsert project role: %w", err)
		}
		return nil
	})
}

// DeleteProjectRole removes the user's project role.
func (r *Repository) DeleteProjectRole(ctx context.Context, userID, projectID string) error {
	return r.withOrigin(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM project_roles WHERE user_id = $1 AND project_id = $2`, userID, projectID); err != nil {
			return fmt.Errorf("roles: delete project role: %w", err)
		}
		return nil
	})
}

// GetSystemRole returns the user's system-wide role.
func (r *Repository) GetSystemRole(ctx context.Context, userID string) (string, error) {
	var role string
	err := r.pool.QueryRow(ctx, `SELECT role FROM system_roles WHERE user_id = $1`, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", propagation.ErrRoleNotFound
	}
	if err != nil {
		return "", fmt.Errorf("roles: get system role: %w", err)
	}
	return role, nil
}

// UpsertSystemRole inserts or replaces the user's system-wide role.
func (r *Repository) UpsertSystemRole(ctx context.Context, userID, role string) error {
	return r.withOrigin(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO system_roles (user_id, role, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (user_id)
			DO UPDATE SET role = EXCLUDED.role, updated_at = NOW()`,
			userID, role)
		if err != nil {
			return fmt.Errorf("roles: upsert system role: %w", err)
		}
		return nil
	})
}

// DeleteSystemRole removes the user's system-wide role.
func (r *Repository) DeleteSystemRole(ctx context.Context, userID string) error {
	return r.withOrigin(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM system_roles WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("roles: delete system role: %w", err)
		}
		return nil
	})
}

// DistinctUserIDs lists every user holding at least one role assignment in
// any scope. Used by the scheduled full resync.
func (r *Repository) DistinctUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id FROM org_roles
		UNION
		SELECT user_id FROM project_roles
		UNION
		SELECT user_id FROM system_roles`)
	if err != nil {
		return nil, fmt.Errorf("roles: list users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("roles: scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
