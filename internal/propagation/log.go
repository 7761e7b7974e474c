package propagation

import (
	"sync"
	"time"
)

// EventLog is the in-memory, size-bounded record of role assignment events.
// It is the source of truth for "did this mutation finish propagating".
// Safe for concurrent use.
type EventLog struct {
	mu     sync.Mutex
	events map[string]*Event
	order  []string
	limit  int
}

// NewEventLog builds an event log that holds at most limit events. Once the
// bound is reached the oldest terminal events are evicted first; in-flight
// events are never evicted.
func NewEventLog(limit int) *EventLog {
	if limit <= 0 {
		limit = 1000
	}
	return &EventLog{
		events: make(map[string]*Event),
		limit:  limit,
	}
}

// Append records a new event.
func (l *EventLog) Append(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.events[ev.ID]; ok {
		return
	}
	cp := ev
	l.events[ev.ID] = &cp
	l.order = append(l.order, ev.ID)
	l.evictLocked()
}

// Get returns a copy of the event, if still retained.
func (l *EventLog) Get(id string) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev, ok := l.events[id]
	if !ok {
		return Event{}, false
	}
	return *ev, true
}

// MarkInProgress moves a pending event to in_progress.
func (l *EventLog) MarkInProgress(id string) {
	l.transition(id, StatusInProgress, time.Time{})
}

// Complete marks an event completed and stamps its propagation time.
func (l *EventLog) Complete(id string, at time.Time) {
	l.transition(id, StatusCompleted, at)
}

// Fail marks an event failed.
func (l *EventLog) Fail(id string) {
	l.transition(id, StatusFailed, time.Time{})
}

// transition applies a status change, refusing regressions and any mutation
// of terminal events.
func (l *EventLog) transition(id string, to Status, propagatedAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev, ok := l.events[id]
	if !ok {
		return
	}
	if ev.Status.terminal() || to.rank() <= ev.Status.rank() {
		return
	}
	ev.Status = to
	if to == StatusCompleted {
		ev.PropagatedAt = propagatedAt
	}
}

// InProgress returns copies of all events currently in_progress.
func (l *EventLog) InProgress() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, 0)
	for _, id := range l.order {
		if ev := l.events[id]; ev != nil && ev.Status == StatusInProgress {
			out = append(out, *ev)
		}
	}
	return out
}

// Len reports how many events the log currently retains.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func (l *EventLog) evictLocked() {
	if len(l.events) <= l.limit {
		return
	}
	kept := l.order[:0]
	excess := len(l.events) - l.limit
	for _, id := range l.order {
		ev := l.events[id]
		if ev == nil {
			continue
		}
		if excess > 0 && ev.Status.terminal() {
			delete(l.events, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	l.order = kept
}
