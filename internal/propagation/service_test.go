package propagation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// MOCKS
// ============================================================================

type mockStore struct {
	mu        sync.Mutex
	orgRoles  map[string]string
	projRoles map[string]string
	sysRoles  map[string]string
	writeErr  error
	readErr   error
}

func newMockStore() *mockStore {
	return &mockStore{
		orgRoles:  make(map[string]string),
		projRoles: make(map[string]string),
		sysRoles:  make(map[string]string),
	}
}

func orgKey(userID, orgID string) string { return userID + "|" + orgID }

func (m *mockStore) GetOrgRole(ctx context.Context, userID, orgID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return "", m.readErr
	}
	role, ok := m.orgRoles[orgKey(userID, orgID)]
	if !ok {
		return "", ErrRoleNotFound
	}
	return role, nil
}

func (m *mockStore) UpsertOrgRole(ctx context.Context, userID, orgID, role string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.orgRoles[orgKey(userID, orgID)] = role
	return nil
}

func (m *mockStore) DeleteOrgRole(ctx context.Context, userID, orgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	delete(m.orgRoles, orgKey(userID, orgID))
	return nil
}

func (m *mockStore) GetProjectRole(ctx context.Context, userID, projectID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.projRoles[orgKey(userID, projectID)]
	if !ok {
		return "", ErrRoleNotFound
	}
	return role, nil
}

func (m *mockStore) UpsertProjectRole(ctx context.Context, userID, projectID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.projRoles[orgKey(userID, projectID)] = role
	return nil
}

func (m *mockStore) DeleteProjectRole(ctx context.Context, userID, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.projRoles, orgKey(userID, projectID))
	return nil
}

func (m *mockStore) GetSystemRole(ctx context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.sysRoles[userID]
	if !ok {
		return "", ErrRoleNotFound
	}
	return role, nil
}

func (m *mockStore) UpsertSystemRole(ctx context.Context, userID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.sysRoles[userID] = role
	return nil
}

func (m *mockStore) DeleteSystemRole(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sysRoles, userID)
	return nil
}

type invalidation struct {
	userID    string
	scope     Scope
	orgID     string
	projectID string
}

type mockInvalidator struct {
	mu    sync.Mutex
	calls []invalidation
	err   error
}

func (m *mockInvalidator) InvalidateRoleChange(ctx context.Context, userID string, scope Scope, orgID, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.calls = append(m.calls, invalidation{userID: userID, scope: scope, orgID: orgID, projectID: projectID})
	return nil
}

func (m *mockInvalidator) InvalidatePermissionChange(ctx context.Context, userID, orgID, projectID string) error {
	return m.InvalidateRoleChange(ctx, userID, ScopeSystem, orgID, projectID)
}

func (m *mockInvalidator) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockRefresher struct {
	mu             sync.Mutex
	evicted        []string
	permRefreshed  []string
	failRemaining  int
	permanentError error
}

func (m *mockRefresher) EvictSession(ctx context.Context, userID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.permanentError != nil {
		return m.permanentError
	}
	if m.failRemaining > 0 {
		m.failRemaining--
		return errors.New("refresher: transient failure")
	}
	m.evicted = append(m.evicted, sessionID)
	return nil
}

func (m *mockRefresher) RefreshPermissions(ctx context.Context, userID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.permRefreshed = append(m.permRefreshed, sessionID)
	return nil
}

func (m *mockRefresher) evictedSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.evicted...)
}

func newTestService(t *testing.T) (*Service, *mockStore, *mockInvalidator, *mockRefresher) {
	t.Helper()
	store := newMockStore()
	inv := &mockInvalidator{}
	ref := &mockRefresher{}
	svc, err := NewService(ServiceConfig{
		Store:       store,
		Invalidator: inv,
		Refresher:   ref,
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc, store, inv, ref
}

// ============================================================================
// MUTATION GATEWAY
// ============================================================================

func TestAssignOrgRoleDrivesPipeline(t *testing.T) {
	svc, store, inv, _ := newTestService(t)
	svc.RegisterUserSession("u1", "s1")
	svc.RegisterUserSession("u1", "s2")

	ev, err := svc.AssignOrgRole(context.Background(), "u1", "org1", "manager", false)
	require.NoError(t, err)

	assert.Equal(t, EventOrgRoleAssigned, ev.Type)
	assert.Equal(t, StatusInProgress, ev.Status)
	assert.Equal(t, "manager", store.orgRoles[orgKey("u1", "org1")])

	// The invalidation attempt happened before the call returned.
	require.Equal(t, 1, inv.count())
	assert.Equal(t, invalidation{userID: "u1", scope: ScopeOrg, orgID: "org1"}, inv.calls[0])

	// Exactly one high-priority role_change task per registered session.
	st := svc.QueueStatus()
	assert.Equal(t, 2, st.TotalTasks)
	assert.Equal(t, 2, st.Pending)
}

func TestPersistenceFailureHasNoSideEffects(t *testing.T) {
	svc, store, inv, _ := newTestService(t)
	store.writeErr = errors.New("store: connection reset")
	svc.RegisterUserSession("u1", "s1")

	ev, err := svc.AssignOrgRole(context.Background(), "u1", "org1", "manager", false)
	require.Error(t, err)

	got, ok := svc.GetEventStatus(ev.ID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 0, inv.count(), "caches must stay untouched")
	assert.Equal(t, 0, svc.QueueStatus().TotalTasks, "no tasks enqueued")
}

func TestUpdateOrgRoleCapturesPreviousRole(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.AssignOrgRole(context.Background(), "u1", "org1", "viewer", false)
	require.NoError(t, err)

	ev, err := svc.UpdateOrgRole(context.Background(), "u1", "org1", "manager", true)
	require.NoError(t, err)
	assert.Equal(t, "viewer", ev.PreviousRole)
	assert.Equal(t, "manager", ev.Role)
}

func TestUpdateOrgRoleWithoutExistingRoleSucceeds(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	ev, err := svc.UpdateOrgRole(context.Background(), "u1", "org1", "manager", false)
	require.NoError(t, err)
	assert.Empty(t, ev.PreviousRole)
	assert.Equal(t, StatusInProgress, ev.Status)
}

func TestRemoveSystemRoleCapturesPreviousRole(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.AssignSystemRole(context.Background(), "u1", "admin")
	require.NoError(t, err)

	ev, err := svc.RemoveSystemRole(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, EventSystemRoleRemoved, ev.Type)
	assert.Equal(t, "admin", ev.PreviousRole)
	assert.Empty(t, ev.Role)
}

func TestProjectRoleEventsCarryProjectScope(t *testing.T) {
	svc, _, inv, _ := newTestService(t)

	ev, err := svc.AssignProjectRole(context.Background(), "u1", "p1", "lead")
	require.NoError(t, err)
	assert.Equal(t, EventProjectRoleAssigned, ev.Type)
	assert.Equal(t, "p1", ev.ProjectID)
	assert.Empty(t, ev.OrgID)
	assert.Equal(t, invalidation{userID: "u1", scope: ScopeProject, projectID: "p1"}, inv.calls[0])
}

func TestMutationWithThousandSessions(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	for i := 0; i < 1000; i++ {
		svc.RegisterUserSession("u1", fmt.Sprintf("s%04d", i))
	}

	_, err := svc.AssignOrgRole(context.Background(), "u1", "org1", "manager", false)
	require.NoError(t, err)
	assert.Equal(t, 1000, svc.QueueStatus().TotalTasks)
}

func TestQueueSessionUpdatesIsIdempotentPerEvent(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	svc.RegisterUserSession("u1", "s1")
	svc.RegisterUserSession("u1", "s2")

	queued := svc.QueueSessionUpdates("u1", "ev1", UpdateRoleChange, PriorityHigh)
	assert.Equal(t, 2, queued)
	queued = svc.QueueSessionUpdates("u1", "ev1", UpdateRoleChange, PriorityHigh)
	assert.Equal(t, 0, queued)
	assert.Equal(t, 2, svc.QueueStatus().TotalTasks)
}

func TestGetEventStatusUnknown(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, ok := svc.GetEventStatus("missing")
	assert.False(t, ok)
}

// ============================================================================
// SUBSCRIBERS
// ============================================================================

func TestSubscribersReceiveMatchingEvents(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	var received []Event
	unsubscribe := svc.Subscribe(EventOrgRoleAssigned, func(ev Event) {
		received = append(received, ev)
	})

	_, err := svc.AssignOrgRole(context.Background(), "u1", "org1", "manager", false)
	require.NoError(t, err)
	_, err = svc.AssignSystemRole(context.Background(), "u1", "admin")
	require.NoError(t, err)

	require.Len(t, received, 1)
	assert.Equal(t, EventOrgRoleAssigned, received[0].Type)
	assert.Equal(t, StatusInProgress, received[0].Status)

	unsubscribe()
	_, err = svc.AssignOrgRole(context.Background(), "u2", "org1", "viewer", false)
	require.NoError(t, err)
	assert.Len(t, received, 1, "unsubscribed callback must not fire")
}

func TestSubscriberPanicDoesNotReachEmitter(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	svc.Subscribe(EventOrgRoleAssigned, func(Event) {
		panic("listener bug")
	})
	fired := false
	svc.Subscribe(EventOrgRoleAssigned, func(Event) {
		fired = true
	})

	_, err := svc.AssignOrgRole(context.Background(), "u1", "org1", "manager", false)
	require.NoError(t, err)
	assert.True(t, fired, "remaining subscribers still run after a panic")
}

// ============================================================================
// EXTERNAL CHANGES
// ============================================================================

func TestIngestExternalChange(t *testing.T) {
	svc, _, inv, _ := newTestService(t)
	svc.RegisterUserSession("u1", "s1")

	ev := svc.IngestExternalChange(context.Background(), EventOrgRoleUpdated, "u1", "manager", "viewer", "org1", "")

	assert.Equal(t, StatusInProgress, ev.Status)
	assert.Equal(t, "viewer", ev.PreviousRole)
	assert.Equal(t, 1, inv.count(), "bridge-originated changes invalidate caches too")
	assert.Equal(t, 1, svc.QueueStatus().TotalTasks)
}

func TestCloseIsIdempotent(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	svc.Close()
	svc.Close()

	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run must return once the service is closed")
	}
}
