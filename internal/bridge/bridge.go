// Package bridge subscribes to the PostgreSQL change feed on the role
// tables and feeds out-of-band mutations back into the propagation
// pipeline. Administrative edits that bypass the mutation gateway still
// reach every affected session this way.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/rolesync/internal/propagation"
)

// Channel is the NOTIFY channel populated by the role table triggers.
const Channel = "rolesync_changes"

// Notification operations.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
	OpResync = "RESYNC"
)

// Notification is the JSON payload emitted by the role table triggers and
// the resync job.
type Notification struct {
	Op           string `json:"op"`
	Scope        string `json:"scope"`
	UserID       string `json:"user_id"`
	OrgID        string `json:"org_id,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
	Role         string `json:"role,omitempty"`
	PreviousRole string `json:"previous_role,omitempty"`
	Origin       string `json:"origin,omitempty"`
}

// Pipeline is the slice of the propagation service the bridge drives.
type Pipeline interface {
	IngestExternalChange(ctx context.Context, t propagation.EventType, userID, role, previousRole, orgID, projectID string) propagation.Event
	QueueSessionUpdates(userID, eventID string, update propagation.UpdateType, priority propagation.Priority) int
}

// Bridge listens on the change feed and synthesizes propagation events.
type Bridge struct {
	pool     *pgxpool.Pool
	pipeline Pipeline
	logger   *slog.Logger
}

// New constructs a bridge.
func New(pool *pgxpool.Pool, pipeline Pipeline, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{pool: pool, pipeline: pipeline, logger: logger}
}

// Run listens for change notifications until the context is cancelled,
// reconnecting with backoff after connection failures.
func (b *Bridge) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := b.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.logger.Error("change feed disconnected", slog.Any("error", err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (b *Bridge) listen(ctx context.Context) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("bridge: acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return fmt.Errorf("bridge: listen: %w", err)
	}
	b.logger.Info("change feed connected", slog.String("channel", Channel))

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("bridge: wait for notification: %w", err)
		}
		b.Handle(ctx, []byte(notification.Payload))
	}
}

// Handle processes one raw notification payload. Gateway-originated
// notifications are suppressed: the gateway already drove the pipeline for
// that write, so reacting again would double-enqueue.
func (b *Bridge) Handle(ctx context.Context, payload []byte) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		b.logger.Warn("malformed change notification", slog.Any("error", err))
		return
	}
	if n.Origin == "gateway" {
		return
	}
	if n.UserID == "" {
		b.logger.Warn("change notification without user id", slog.String("op", n.Op))
		return
	}

	if n.Op == OpResync {
		queued := b.pipeline.QueueSessionUpdates(n.UserID, uuid.NewString(), propagation.UpdateFullSync, propagation.PriorityNormal)
		b.logger.Info("queued full resync",
			slog.String("user_id", n.UserID), slog.Int("sessions", queued))
		return
	}

	eventType, err := eventTypeFor(n.Scope, n.Op)
	if err != nil {
		b.logger.Warn("unmapped change notification",
			slog.String("scope", n.Scope), slog.String("op", n.Op))
		return
	}
	ev := b.pipeline.IngestExternalChange(ctx, eventType, n.UserID, n.Role, n.PreviousRole, n.OrgID, n.ProjectID)
	b.logger.Info("ingested external role change",
		slog.String("event_id", ev.ID),
		slog.String("type", string(ev.Type)),
		slog.String("user_id", ev.UserID))
}

func eventTypeFor(scope, op string) (propagation.EventType, error) {
	switch propagation.Scope(scope) {
	case propagation.ScopeOrg:
		switch op {
		case OpInsert:
			return propagation.EventOrgRoleAssigned, nil
		case OpUpdate:
			return propagation.EventOrgRoleUpdated, nil
		case OpDelete:
			return propagation.EventOrgRoleRemoved, nil
		}
	case propagation.ScopeProject:
		switch op {
		case OpInsert:
			return propagation.EventProjectRoleAssigned, nil
		case OpUpdate:
			return propagation.EventProjectRoleUpdated, nil
		case OpDelete:
			return propagation.EventProjectRoleRemoved, nil
		}
	case propagation.ScopeSystem:
		switch op {
		case OpInsert, OpUpdate:
			return propagation.EventSystemRoleAssigned, nil
		case OpDelete:
			return propagation.EventSystemRoleRemoved, nil
		}
	}
	return "", errors.New("bridge: no event type for notification")
}
