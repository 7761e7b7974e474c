package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/meridian-erp/rolesync/internal/bridge"
	jobmetrics "github.com/meridian-erp/rolesync/internal/jobs"
)

// UserLister names the users eligible for a full resync.
type UserLister interface {
	DistinctUserIDs(ctx context.Context) ([]string, error)
}

// Notifier executes the pg_notify statements. Satisfied by *pgxpool.Pool.
type Notifier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AuthzResyncJob pushes resync notifications through the change feed. The
// worker process has no access to the server's in-memory queue, so it
// reaches sessions the same way an out-of-band writer does: a NOTIFY that
// the reactive bridge turns into full_sync tasks.
type AuthzResyncJob struct {
	pool    Notifier
	users   UserLister
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewAuthzResyncJob constructs the resync job.
func NewAuthzResyncJob(pool Notifier, users UserLister, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuthzResyncJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthzResyncJob{pool: pool, users: users, logger: logger, metrics: metrics}
}

// Handle processes TaskAuthzResync tasks.
func (j *AuthzResyncJob) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := j.metrics.Track("authz_resync")

	var payload AuthzResyncPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	userIDs := payload.UserIDs
	if len(userIDs) == 0 {
		var err error
		userIDs, err = j.users.DistinctUserIDs(ctx)
		if err != nil {
			return tracker.End(err)
		}
	}

	for _, userID := range userIDs {
		notification, err := json.Marshal(bridge.Notification{
			Op:     bridge.OpResync,
			UserID: userID,
		})
		if err != nil {
			return tracker.End(err)
		}
		if _, err := j.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, bridge.Channel, string(notification)); err != nil {
			return tracker.End(err)
		}
	}

	j.logger.Info("authz resync dispatched", slog.Int("users", len(userIDs)))
	return tracker.End(nil)
}
