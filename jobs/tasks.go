// Package jobs defines the background tasks processed by the asynq worker.
package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuthzResync forces a full session resync for users holding role
	// assignments.
	TaskAuthzResync = "authz:resync"
)

// AuthzResyncPayload scopes a resync run. An empty UserIDs slice means
// every user with at least one role assignment.
type AuthzResyncPayload struct {
	UserIDs []string `json:"user_ids,omitempty"`
}

// NewAuthzResyncTask constructs an Asynq task for a resync run.
func NewAuthzResyncTask(payload AuthzResyncPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuthzResync, data), nil
}
