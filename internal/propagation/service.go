package propagation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-erp/rolesync/internal/shared"
)

// ErrRoleNotFound is returned by a RoleStore when no assignment exists for
// the requested key.
var ErrRoleNotFound = errors.New("propagation: role not found")

// RoleStore persists role assignments. Implemented by internal/roles.
type RoleStore interface {
	GetOrgRole(ctx context.Context, userID, orgID string) (string, error)
	UpsertOrgRole(ctx context.Context, userID, orgID, role string, canAccessAllProjects bool) error
	DeleteOrgRole(ctx context.Context, userID, orgID string) error

	GetProjectRole(ctx context.Context, userID, projectID string) (string, error)
	UpsertProjectRole(ctx context.Context, userID, projectID, role string) error
	DeleteProjectRole(ctx context.Context, userID, projectID string) error

	GetSystemRole(ctx context.Context, userID string) (string, error)
	UpsertSystemRole(ctx context.Context, userID, role string) error
	DeleteSystemRole(ctx context.Context, userID string) error
}

// Invalidator marks cached permission snapshots stale. Implementations must
// be eager and synchronous: once a call returns, any subsequent cache read
// for the same key is a miss. This is the authoritative correctness
// mechanism of the pipeline; the session update queue only nudges already
// open sessions to refresh sooner.
type Invalidator interface {
	InvalidateRoleChange(ctx context.Context, userID string, scope Scope, orgID, projectID string) error
	InvalidatePermissionChange(ctx context.Context, userID, orgID, projectID string) error
}

// SessionRefresher applies a queued update to a session's cached state.
// Implemented by internal/snapshot.
type SessionRefresher interface {
	// EvictSession drops the session's cached authorization state so the
	// next access forces a refresh.
	EvictSession(ctx context.Context, userID, sessionID string) error
	// RefreshPermissions drops only the permissions sub-component.
	RefreshPermissions(ctx context.Context, userID, sessionID string) error
}

// Auditor records role mutations to the audit trail.
type Auditor interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig collects the dependencies and tunables of the propagation
// service.
type ServiceConfig struct {
	Store       RoleStore
	Invalidator Invalidator
	Refresher   SessionRefresher
	Audit       Auditor
	Logger      *slog.Logger
	Metrics     *Metrics

	// MaxRetries bounds session update task retries. Defaults to 3.
	MaxRetries int
	// EventLogLimit bounds the in-memory event log. Defaults to 1000.
	EventLogLimit int
	// SessionTick is the session update worker interval. Defaults to 500ms.
	SessionTick time.Duration
	// PropagationTick is the propagation worker interval. Defaults to 1s.
	PropagationTick time.Duration
	// PropagationTimeout is the best-effort completion deadline for an
	// in-flight event. Defaults to 5s.
	PropagationTimeout time.Duration
	// HighPerTick and NormalPerTick cap task executions per worker tick.
	// Default to 10 and 5.
	HighPerTick   int
	NormalPerTick int

	// Now overrides the service clock for testing.
	Now func() time.Time
}

func (c *ServiceConfig) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.EventLogLimit <= 0 {
		c.EventLogLimit = 1000
	}
	if c.SessionTick <= 0 {
		c.SessionTick = 500 * time.Millisecond
	}
	if c.PropagationTick <= 0 {
		c.PropagationTick = time.Second
	}
	if c.PropagationTimeout <= 0 {
		c.PropagationTimeout = 5 * time.Second
	}
	if c.HighPerTick <= 0 {
		c.HighPerTick = 10
	}
	if c.NormalPerTick <= 0 {
		c.NormalPerTick = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Service is the mutation gateway and owner of the propagation pipeline.
// Construct one per process and pass it by reference; Close stops the
// workers and releases subscriptions.
type Service struct {
	cfg         ServiceConfig
	store       RoleStore
	invalidator Invalidator
	refresher   SessionRefresher
	audit       Auditor
	logger      *slog.Logger
	metrics     *Metrics
	now         func() time.Time

	log         *EventLog
	queue       *Queue
	directory   *Directory
	subscribers *subscriberRegistry

	stop      chan struct{}
	closeOnce sync.Once
}

// NewService constructs the propagation service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("propagation: role store required")
	}
	if cfg.Invalidator == nil {
		return nil, errors.New("propagation: invalidator required")
	}
	if cfg.Refresher == nil {
		return nil, errors.New("propagation: session refresher required")
	}
	cfg.applyDefaults()
	return &Service{
		cfg:         cfg,
		store:       cfg.Store,
		invalidator: cfg.Invalidator,
		refresher:   cfg.Refresher,
		audit:       cfg.Audit,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		now:         cfg.Now,
		log:         NewEventLog(cfg.EventLogLimit),
		queue:       NewQueue(),
		directory:   NewDirectory(),
		subscribers: newSubscriberRegistry(cfg.Logger),
		stop:        make(chan struct{}),
	}, nil
}

// Close stops the workers and drops every subscription. Idempotent.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.subscribers.close()
	})
}

// AssignOrgRole grants a user an organization role.
func (s *Service) AssignOrgRole(ctx context.Context, userID, orgID, role string, canAccessAllProjects bool) (Event, error) {
	ev := s.newEvent(EventOrgRoleAssigned, userID, role, "", orgID, "")
	return s.mutate(ctx, ev, func(ctx context.Context) error {
		return s.store.UpsertOrgRole(ctx, userID, orgID, role, canAccessAllProjects)
	})
}

// UpdateOrgRole changes a user's organization role. Succeeds even when no
// prior assignment exists; PreviousRole is then empty.
func (s *Service) UpdateOrgRole(ctx context.Context, userID, orgID, newRole string, canAccessAllProjects bool) (Event, error) {
	prev, err := s.previousRole(ctx, func(ctx context.Context) (string, error) {
		return s.store.GetOrgRole(ctx, userID, orgID)
	})
	if err != nil {
		return Event{}, err
	}
	ev := s.newEvent(EventOrgRoleUpdated, userID, newRole, prev, orgID, "")
	return s.mutate(ctx, ev, func(ctx context.Context) error {
		return s.store.UpsertOrgRole(ctx, userID, orgID, newRole, canAccessAllProjects)
	})
}

// RemoveOrgRole revokes a user's organization role.
func (s *Service) RemoveOrgRole(ctx context.Context, userID, orgID string) (Event, error) {
	prev, err := s.previousRole(ctx, func(ctx context.Context) (string, error) {
		return s.store.GetOrgRole(ctx, userID, orgID)
	})
	if err != nil {
		return Event{}, err
	}
	ev := s.newEvent(EventOrgRoleRemoved, userID, "", prev, orgID, "")
	return s.mutate(ctx, ev, func(ctx context.Context) error {
		return s.store.DeleteOrgRole(ctx, userID, orgID)
	})
}

// AssignProjectRole grants a user a project role.
func (s *Service) AssignProjectRole(ctx context.Context, userID, projectID, role string) (Event, error) {
	ev := s.newEvent(EventProjectRoleAssigned, userID, role, "", "", projectID)
	return s.mutate(ctx, ev, func(ctx context.Context) error {
		return s.store.UpsertProjectRole(ctx, userID, projectID, role)
	})
}

// UpdateProjectRole changes a user's project role.
func (s *Service) UpdateProjectRole(ctx context.Context, userID, projectID, newRole string) (Event, error) {
	prev, err := s.previousRole(ctx, func(ctx context.Context) (string, error) {
		return s.store.GetProjectRole(ctx, userID, projectID)
	})
	if err != nil {
		return Event{}, err
	}
	ev := s.newEvent(EventProjectRoleUpdated, userID, newRole, prev, "", projectID)
	return s.mutate(ctx, ev, func(ctx context.Context) error {
		return s.store.UpsertProjectRole(ctx, userID, projectID, newRole)
	})
}

// RemoveProjectRole revokes a user's project role.
func (s *Service) RemoveProjectRole(ctx context.Context, userID, projectID string) (Event, error) {
	prev, err := s.previousRole(ctx, func(ctx context.Context) (string, error) {
		return s.store.GetProjectRole(ctx, userID, projectID)
	})
	if err != nil {
		return Event{}, err
	}
	ev := s.newEvent(EventProjectRoleRemoved, userID, "", prev, "", projectID)
	return s.mutate(ctx, ev, func(ctx context.Context) error {
		return s.store.DeleteProjectRole(ctx, userID, projectID)
	})
}

// AssignSystemRole grants a user a system-wide role.
func (s *Service) AssignSystemRole(ctx context.Context, userID, role string) (Event, error) {
	ev := s.newEvent(EventSystemRoleAssigned, userID, role, "", "", "")
	return s.mutate(ctx, ev, func(ctx context.Context) error {
		return s.store.UpsertSystemRole(ctx, userID, role)
	})
}

// RemoveSystemRole revokes a user's system-wide role.
func (s *Service) RemoveSystemRole(ctx context.Context, userID string) (Event, error) {
	prev, err := s.previousRole(ctx, func(ctx context.Context) (string, error) {
		return s.store.GetSystemRole(ctx, userID)
	})
	if err != nil {
		return Event{}, err
	}
	ev := s.newEvent(EventSystemRoleRemoved, userID, "", prev, "", "")
	return s.mutate(ctx, ev, func(ctx context.Context) error {
		return s.store.DeleteSystemRole(ctx, userID)
	})
}

// RegisterUserSession records an active session for a user. Idempotent.
func (s *Service) RegisterUserSession(userID, sessionID string) {
	s.directory.Register(userID, sessionID)
}

// UnregisterUserSession removes a session for a user. Unknown pairs are a
// no-op.
func (s *Service) UnregisterUserSession(userID, sessionID string) {
	s.directory.Unregister(userID, sessionID)
}

// Subscribe registers a callback for an event type and returns its
// unsubscribe function.
func (s *Service) Subscribe(t EventType, cb Callback) func() {
	return s.subscribers.subscribe(t, cb)
}

// GetEventStatus returns the event, if still retained in the log.
func (s *Service) GetEventStatus(eventID string) (Event, bool) {
	return s.log.Get(eventID)
}

// QueueStatus summarizes the session update queue.
func (s *Service) QueueStatus() QueueStatus {
	return s.queue.Status()
}

// QueueSessionUpdates enqueues one task per session currently registered
// for the user. Enqueueing is idempotent per (event, session) pair; the
// number of newly queued tasks is returned. This is the entry point shared
// by the mutation gateway and the reactive change bridge.
func (s *Service) QueueSessionUpdates(userID, eventID string, update UpdateType, priority Priority) int {
	now := s.now()
	queued := 0
	for _, sessionID := range s.directory.Sessions(userID) {
		t := Task{
			ID:         TaskID(eventID, sessionID),
			UserID:     userID,
			SessionID:  sessionID,
			EventID:    eventID,
			Update:     update,
			Priority:   priority,
			MaxRetries: s.cfg.MaxRetries,
			Status:     TaskPending,
			CreatedAt:  now,
		}
		if s.queue.Enqueue(t) {
			queued++
		}
	}
	s.metrics.setQueueDepth(s.queue.Status().TotalTasks)
	return queued
}

// IngestExternalChange records an event for a role mutation that did not
// pass through the gateway (an out-of-band write surfaced by the change
// bridge). The write is already durable, so the event starts in_progress;
// caches are invalidated and session updates queued exactly as for a
// gateway mutation.
func (s *Service) IngestExternalChange(ctx context.Context, t EventType, userID, role, previousRole, orgID, projectID string) Event {
	ev := s.newEvent(t, userID, role, previousRole, orgID, projectID)
	s.log.Append(ev)
	s.log.MarkInProgress(ev.ID)
	s.metrics.eventOutcome(ev.Type, "external")
	if err := s.invalidator.InvalidateRoleChange(ctx, ev.UserID, ev.Type.Scope(), ev.OrgID, ev.ProjectID); err != nil {
		s.logger.Error("invalidate after external change",
			slog.String("event_id", ev.ID), slog.Any("error", err))
	}
	s.QueueSessionUpdates(ev.UserID, ev.ID, UpdateRoleChange, PriorityHigh)
	out, _ := s.log.Get(ev.ID)
	s.subscribers.emit(out)
	return out
}

func (s *Service) newEvent(t EventType, userID, role, previousRole, orgID, projectID string) Event {
	return Event{
		ID:           uuid.NewString(),
		Type:         t,
		UserID:       userID,
		Role:         role,
		PreviousRole: previousRole,
		OrgID:        orgID,
		ProjectID:    projectID,
		Timestamp:    s.now(),
		Status:       StatusPending,
	}
}

// previousRole reads the current assignment for update/remove flows. This
// read and the subsequent write are not fenced against concurrent
// mutations; a racing writer can make PreviousRole stale.
func (s *Service) previousRole(ctx context.Context, get func(context.Context) (string, error)) (string, error) {
	role, err := get(ctx)
	if err != nil {
		if errors.Is(err, ErrRoleNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("propagation: read current role: %w", err)
	}
	return role, nil
}

// mutate drives one gateway mutation through the pipeline: record the event
// pending, perform the durable write, then invalidate caches, queue session
// updates, and notify subscribers. Once the write succeeds the event is
// guaranteed to reach in_progress and a cache invalidation attempt is
// guaranteed to occur before this returns; task execution is asynchronous.
func (s *Service) mutate(ctx context.Context, ev Event, write func(context.Context) error) (Event, error) {
	s.log.Append(ev)

	if err := write(ctx); err != nil {
		s.log.Fail(ev.ID)
		s.metrics.eventOutcome(ev.Type, "persist_failed")
		out, _ := s.log.Get(ev.ID)
		return out, fmt.Errorf("propagation: persist %s: %w", ev.Type, err)
	}

	s.log.MarkInProgress(ev.ID)
	s.metrics.eventOutcome(ev.Type, "accepted")

	if err := s.invalidator.InvalidateRoleChange(ctx, ev.UserID, ev.Type.Scope(), ev.OrgID, ev.ProjectID); err != nil {
		s.logger.Error("invalidate role change",
			slog.String("event_id", ev.ID),
			slog.String("user_id", ev.UserID),
			slog.Any("error", err))
	}

	s.QueueSessionUpdates(ev.UserID, ev.ID, UpdateRoleChange, PriorityHigh)

	out, _ := s.log.Get(ev.ID)
	s.subscribers.emit(out)
	s.recordAudit(ctx, out)
	return out, nil
}

func (s *Service) recordAudit(ctx context.Context, ev Event) {
	if s.audit == nil {
		return
	}
	entry := shared.AuditLog{
		Actor:    shared.ActorFromContext(ctx),
		Action:   string(ev.Type),
		Entity:   "user_role",
		EntityID: ev.UserID,
		Meta: map[string]any{
			"event_id":      ev.ID,
			"role":          ev.Role,
			"previous_role": ev.PreviousRole,
			"org_id":        ev.OrgID,
			"project_id":    ev.ProjectID,
		},
		At: ev.Timestamp,
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("audit role mutation",
			slog.String("event_id", ev.ID), slog.Any("error", err))
	}
}
