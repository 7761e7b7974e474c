package snapshot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/meridian-erp/rolesync/internal/propagation"
)

// Coordinator implements the propagation.Invalidator contract: eager,
// synchronous invalidation of cached permission snapshots. It bumps the
// user's cache version, so every versioned snapshot key misses the moment a
// call returns. Re-invalidating an already invalidated scope is a no-op in
// effect, which keeps out-of-order task execution harmless.
type Coordinator struct {
	client *redis.Client
	logger *slog.Logger
}

// NewCoordinator builds the invalidation coordinator.
func NewCoordinator(client *redis.Client, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{client: client, logger: logger}
}

// InvalidateRoleChange marks every cached snapshot for the user stale.
func (c *Coordinator) InvalidateRoleChange(ctx context.Context, userID string, scope propagation.Scope, orgID, projectID string) error {
	if err := c.bump(ctx, userID); err != nil {
		return fmt.Errorf("snapshot: invalidate role change for %s: %w", userID, err)
	}
	c.logger.Debug("invalidated role snapshots",
		slog.String("user_id", userID),
		slog.String("scope", string(scope)),
		slog.String("org_id", orgID),
		slog.String("project_id", projectID))
	return nil
}

// InvalidatePermissionChange marks the user's cached permission snapshots
// stale.
func (c *Coordinator) InvalidatePermissionChange(ctx context.Context, userID, orgID, projectID string) error {
	if err := c.bump(ctx, userID); err != nil {
		return fmt.Errorf("snapshot: invalidate permission change for %s: %w", userID, err)
	}
	return nil
}

func (c *Coordinator) bump(ctx context.Context, userID string) error {
	return c.client.Incr(ctx, userVersionPrefix+userID).Err()
}
