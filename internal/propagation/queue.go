package propagation

import (
	"sort"
	"sync"
	"time"
)

// Queue holds pending session update tasks. Enqueueing is idempotent per
// (event, session) pair; completed and failed tasks are removed immediately
// and only counted. Safe for concurrent use.
type Queue struct {
	mu        sync.Mutex
	tasks     map[string]*Task
	completed int
	failed    int
}

// NewQueue builds an empty queue.
func NewQueue() *Queue {
	return &Queue{tasks: make(map[string]*Task)}
}

// Enqueue adds a task unless one with the same id is already queued.
// Reports whether the task was actually added.
func (q *Queue) Enqueue(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.tasks[t.ID]; ok {
		return false
	}
	cp := t
	cp.Status = TaskPending
	q.tasks[t.ID] = &cp
	return true
}

// Select picks the tasks to execute this tick and marks them in_progress.
// Eligible pending tasks are ordered by priority then age; at most highCap
// high tasks and normalCap normal tasks are taken. Low tasks are only
// drained when no higher-priority work is eligible, capped at normalCap.
func (q *Queue) Select(now time.Time, highCap, normalCap int) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	eligible := make([]*Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		if t.Status == TaskPending && !t.NotBefore.After(now) {
			eligible = append(eligible, t)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	var picked []Task
	highs, normals, lows := 0, 0, 0
	higherWork := false
	for _, t := range eligible {
		switch t.Priority {
		case PriorityHigh:
			higherWork = true
			if highs >= highCap {
				continue
			}
			highs++
		case PriorityNormal:
			higherWork = true
			if normals >= normalCap {
				continue
			}
			normals++
		default:
			if higherWork || lows >= normalCap {
				continue
			}
			lows++
		}
		t.Status = TaskInProgress
		picked = append(picked, *t)
	}
	return picked
}

// Complete removes a finished task and counts it as completed.
func (q *Queue) Complete(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.tasks[id]; ok {
		delete(q.tasks, id)
		q.completed++
	}
}

// Discard removes a task whose session no longer exists. A vanished session
// has nothing to refresh, so this counts as success, not failure.
func (q *Queue) Discard(id string) {
	q.Complete(id)
}

// Retry returns a failed execution to pending with a backoff gate, unless
// the retry budget is exhausted, in which case the task is dropped and
// counted as failed. Reports whether the task will run again.
func (q *Queue) Retry(id string, notBefore time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return false
	}
	t.Retries++
	if t.Retries > t.MaxRetries {
		delete(q.tasks, id)
		q.failed++
		return false
	}
	t.Status = TaskPending
	t.NotBefore = notBefore
	return true
}

// LiveForEvent counts tasks still queued for the given event.
func (q *Queue) LiveForEvent(eventID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.tasks {
		if t.EventID == eventID {
			n++
		}
	}
	return n
}

// Status summarizes the queue.
func (q *Queue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := QueueStatus{
		TotalTasks: len(q.tasks),
		Completed:  q.completed,
		Failed:     q.failed,
	}
	for _, t := range q.tasks {
		switch t.Status {
		case TaskPending:
			st.Pending++
		case TaskInProgress:
			st.InProgress++
		}
	}
	return st
}
