package propagation

import "sync"

// Directory is the in-memory registry of active sessions per user. A session
// id belongs to at most one user at a time; registering it under a different
// user moves it. Registration and unregistration are idempotent.
type Directory struct {
	mu     sync.RWMutex
	byUser map[string]map[string]struct{}
	owner  map[string]string
}

// NewDirectory builds an empty session directory.
func NewDirectory() *Directory {
	return &Directory{
		byUser: make(map[string]map[string]struct{}),
		owner:  make(map[string]string),
	}
}

// Register records a session for a user.
func (d *Directory) Register(userID, sessionID string) {
	if userID == "" || sessionID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.owner[sessionID]; ok {
		if prev == userID {
			return
		}
		d.removeLocked(prev, sessionID)
	}
	set, ok := d.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		d.byUser[userID] = set
	}
	set[sessionID] = struct{}{}
	d.owner[sessionID] = userID
}

// Unregister removes a session for a user. Unknown pairs are a no-op.
func (d *Directory) Unregister(userID, sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.owner[sessionID] != userID {
		return
	}
	d.removeLocked(userID, sessionID)
}

func (d *Directory) removeLocked(userID, sessionID string) {
	delete(d.owner, sessionID)
	if set, ok := d.byUser[userID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(d.byUser, userID)
		}
	}
}

// Sessions returns a snapshot of the user's current session ids. Callers
// must not assume the set stays live.
func (d *Directory) Sessions(userID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	set := d.byUser[userID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Owner reports which user a session is registered under.
func (d *Directory) Owner(sessionID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	userID, ok := d.owner[sessionID]
	return userID, ok
}
