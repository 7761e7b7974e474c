package propagation

import (
	"log/slog"
	"sync"
)

// Callback receives events the subscriber registered for. Callbacks run on
// the emitter's goroutine; panics are recovered and logged per callback and
// never reach the emitter.
type Callback func(Event)

// subscriberRegistry maps event types to callbacks.
type subscriberRegistry struct {
	mu     sync.Mutex
	next   int64
	subs   map[EventType]map[int64]Callback
	logger *slog.Logger
}

func newSubscriberRegistry(logger *slog.Logger) *subscriberRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &subscriberRegistry{
		subs:   make(map[EventType]map[int64]Callback),
		logger: logger,
	}
}

// subscribe registers a callback and returns its unsubscribe function.
// Unsubscribing twice is a no-op.
func (r *subscriberRegistry) subscribe(t EventType, cb Callback) func() {
	if cb == nil {
		return func() {}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[t]
	if !ok {
		set = make(map[int64]Callback)
		r.subs[t] = set
	}
	r.next++
	id := r.next
	set[id] = cb
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if set, ok := r.subs[t]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.subs, t)
			}
		}
	}
}

// emit delivers the event to every subscriber of its type.
func (r *subscriberRegistry) emit(ev Event) {
	r.mu.Lock()
	callbacks := make([]Callback, 0, len(r.subs[ev.Type]))
	for _, cb := range r.subs[ev.Type] {
		callbacks = append(callbacks, cb)
	}
	r.mu.Unlock()

	for _, cb := range callbacks {
		r.deliver(cb, ev)
	}
}

func (r *subscriberRegistry) deliver(cb Callback, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("subscriber callback panic",
				slog.String("event_id", ev.ID),
				slog.String("event_type", string(ev.Type)),
				slog.Any("panic", rec))
		}
	}()
	cb(ev)
}

// close drops every subscription.
func (r *subscriberRegistry) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[EventType]map[int64]Callback)
}
