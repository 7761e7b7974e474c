// Package propagation keeps a user's effective authorization state in sync
// across every session that user holds. It implements the event-sourced
// pipeline behind role mutations: an append-only event log, a prioritized
// session-update queue drained by a periodic worker, synchronous cache
// invalidation at mutation time, and a bridge entry point for changes that
// bypass the mutation API.
package propagation

import (
	"time"

	"github.com/google/uuid"
)

// Scope identifies the authorization boundary a role applies to.
type Scope string

// Known scopes.
const (
	ScopeOrg     Scope = "org"
	ScopeProject Scope = "project"
	ScopeSystem  Scope = "system"
)

// EventType identifies the kind of role mutation an event records.
type EventType string

// Known event types.
const (
	EventOrgRoleAssigned     EventType = "org_role_assigned"
	EventOrgRoleUpdated      EventType = "org_role_updated"
	EventOrgRoleRemoved      EventType = "org_role_removed"
	EventProjectRoleAssigned EventType = "project_role_assigned"
	EventProjectRoleUpdated  EventType = "project_role_updated"
	EventProjectRoleRemoved  EventType = "project_role_removed"
	EventSystemRoleAssigned  EventType = "system_role_assigned"
	EventSystemRoleRemoved   EventType = "system_role_removed"
)

// Scope returns the authorization boundary the event type belongs to.
func (t EventType) Scope() Scope {
	switch t {
	case EventOrgRoleAssigned, EventOrgRoleUpdated, EventOrgRoleRemoved:
		return ScopeOrg
	case EventProjectRoleAssigned, EventProjectRoleUpdated, EventProjectRoleRemoved:
		return ScopeProject
	default:
		return ScopeSystem
	}
}

// Status is the propagation lifecycle of an event.
type Status string

// Event lifecycle. Transitions are monotonic: pending -> in_progress ->
// completed|failed. Terminal events are immutable and eligible for eviction
// from the in-memory log.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusInProgress:
		return 1
	default:
		return 2
	}
}

// Event records one logical role mutation.
//
// Status "completed" is a best-effort deadline signal, not a barrier: it
// does not guarantee every derived session update finished. Correctness is
// carried by the synchronous cache invalidation performed at mutation time;
// sessions self-correct on their next cache miss.
type Event struct {
	ID           string
	Type         EventType
	UserID       string
	Role         string
	PreviousRole string // empty on first assignment
	OrgID        string
	ProjectID    string
	Timestamp    time.Time
	PropagatedAt time.Time // zero until the event completes
	Status       Status
}

// UpdateType determines what a session-side refresh must do.
type UpdateType string

// Session update kinds.
const (
	UpdateRoleChange        UpdateType = "role_change"
	UpdatePermissionRefresh UpdateType = "permission_refresh"
	UpdateFullSync          UpdateType = "full_sync"
)

// Priority orders task execution within a worker tick.
type Priority int

// Priorities, highest first. Role changes are always PriorityHigh.
const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// TaskStatus is the lifecycle of a session update task.
type TaskStatus string

// Task lifecycle.
const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Task is one unit of session-refresh work derived from an event. One task
// exists per (event, session) pair; its id is deterministic so enqueueing
// the same pair twice is a no-op.
type Task struct {
	ID         string
	UserID     string
	SessionID  string
	EventID    string
	Update     UpdateType
	Priority   Priority
	Retries    int
	MaxRetries int
	Status     TaskStatus
	NotBefore  time.Time // backoff gate; zero means immediately eligible
	CreatedAt  time.Time
}

// taskNamespace seeds deterministic task ids.
var taskNamespace = uuid.MustParse("5a1fd3a2-8c0e-4f6b-9b1e-4d2f0c9a7e31")

// TaskID derives the deterministic task id for an (event, session) pair.
func TaskID(eventID, sessionID string) string {
	return uuid.NewSHA1(taskNamespace, []byte(eventID+":"+sessionID)).String()
}

// QueueStatus is a point-in-time summary of the session update queue.
// Completed and Failed are cumulative counters; the rest describe tasks
// currently held in the queue.
type QueueStatus struct {
	TotalTasks int `json:"total_tasks"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}
