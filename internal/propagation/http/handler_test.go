package propagationhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/rolesync/internal/propagation"
	_ "github.com/meridian-erp/rolesync/internal/testing/guard"
)

type stubService struct {
	event       propagation.Event
	err         error
	eventFound  bool
	queueStatus propagation.QueueStatus

	registered   [][2]string
	unregistered [][2]string
	lastCall     string
}

func (s *stubService) AssignOrgRole(ctx context.Context, userID, orgID, role string, canAccessAllProjects bool) (propagation.Event, error) {
	s.lastCall = "AssignOrgRole"
	return s.event, s.err
}

func (s *stubService) UpdateOrgRole(ctx context.Context, userID, orgID, newRole string, canAccessAllProjects bool) (propagation.Event, error) {
	s.lastCall = "UpdateOrgRole"
	return s.event, s.err
}

func (s *stubService) RemoveOrgRole(ctx context.Context, userID, orgID string) (propagation.Event, error) {
	s.lastCall = "RemoveOrgRole"
	return s.event, s.err
}

func (s *stubService) AssignProjectRole(ctx context.Context, userID, projectID, role string) (propagation.Event, error) {
	s.lastCall = "AssignProjectRole"
	return s.event, s.err
}

func (s *stubService) UpdateProjectRole(ctx context.Context, userID, projectID, newRole string) (propagation.Event, error) {
	s.lastCall = "UpdateProjectRole"
	return s.event, s.err
}

func (s *stubService) RemoveProjectRole(ctx context.Context, userID, projectID string) (propagation.Event, error) {
	s.lastCall = "RemoveProjectRole"
	return s.event, s.err
}

func (s *stubService) AssignSystemRole(ctx context.Context, userID, role string) (propagation.Event, error) {
	s.lastCall = "AssignSystemRole"
	return s.event, s.err
}

func (s *stubService) RemoveSystemRole(ctx context.Context, userID string) (propagation.Event, error) {
	s.lastCall = "RemoveSystemRole"
	return s.event, s.err
}

func (s *stubService) RegisterUserSession(userID, sessionID string) {
	s.registered = append(s.registered, [2]string{userID, sessionID})
}

func (s *stubService) UnregisterUserSession(userID, sessionID string) {
	s.unregistered = append(s.unregistered, [2]string{userID, sessionID})
}

func (s *stubService) GetEventStatus(eventID string) (propagation.Event, bool) {
	return s.event, s.eventFound
}

func (s *stubService) QueueStatus() propagation.QueueStatus {
	return s.queueStatus
}

func newTestRouter(stub *stubService) http.Handler {
	r := chi.NewRouter()
	NewHandler(nil, stub).MountRoutes(r)
	return r
}

func doRequest(t *testing.T, handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAssignOrgRoleAccepted(t *testing.T) {
	stub := &stubService{event: propagation.Event{
		ID:        "ev1",
		Type:      propagation.EventOrgRoleAssigned,
		UserID:    "u1",
		Role:      "manager",
		OrgID:     "org1",
		Timestamp: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Status:    propagation.StatusInProgress,
	}}
	router := newTestRouter(stub)

	rec := doRequest(t, router, http.MethodPost, "/orgs/org1/roles",
		`{"user_id": "u1", "role": "manager"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "AssignOrgRole", stub.lastCall)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ev1", resp["id"])
	assert.Equal(t, "in_progress", resp["status"])
	assert.NotContains(t, resp, "propagated_at", "zero PropagatedAt is omitted")
}

func TestAssignOrgRoleValidation(t *testing.T) {
	stub := &stubService{}
	router := newTestRouter(stub)

	rec := doRequest(t, router, http.MethodPost, "/orgs/org1/roles",
		`{"user_id": "u1"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, stub.lastCall, "invalid requests never reach the service")
	var problem map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "Validation Failed", problem["title"])
}

func TestAssignOrgRoleRejectsUnknownFields(t *testing.T) {
	router := newTestRouter(&stubService{})

	rec := doRequest(t, router, http.MethodPost, "/orgs/org1/roles",
		`{"user_id": "u1", "role": "manager", "surprise": true}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMutationPersistenceFailure(t *testing.T) {
	stub := &stubService{
		event: propagation.Event{ID: "ev1", Status: propagation.StatusFailed},
		err:   errors.New("store down"),
	}
	router := newTestRouter(stub)

	rec := doRequest(t, router, http.MethodPost, "/orgs/org1/roles",
		`{"user_id": "u1", "role": "manager"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestUpdateProjectRole(t *testing.T) {
	stub := &stubService{event: propagation.Event{ID: "ev1", Status: propagation.StatusInProgress}}
	router := newTestRouter(stub)

	rec := doRequest(t, router, http.MethodPut, "/projects/p1/roles/u1",
		`{"role": "lead"}`)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "UpdateProjectRole", stub.lastCall)
}

func TestRemoveSystemRole(t *testing.T) {
	stub := &stubService{event: propagation.Event{ID: "ev1", Status: propagation.StatusInProgress}}
	router := newTestRouter(stub)

	rec := doRequest(t, router, http.MethodDelete, "/system/roles/u1", "")

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "RemoveSystemRole", stub.lastCall)
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	stub := &stubService{}
	router := newTestRouter(stub)

	rec := doRequest(t, router, http.MethodPut, "/users/u1/sessions/s1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, [][2]string{{"u1", "s1"}}, stub.registered)

	rec = doRequest(t, router, http.MethodDelete, "/users/u1/sessions/s1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, [][2]string{{"u1", "s1"}}, stub.unregistered)
}

func TestEventStatusFound(t *testing.T) {
	at := time.Date(2026, 8, 1, 12, 0, 1, 0, time.UTC)
	stub := &stubService{
		eventFound: true,
		event: propagation.Event{
			ID:           "ev1",
			Type:         propagation.EventOrgRoleUpdated,
			UserID:       "u1",
			Status:       propagation.StatusCompleted,
			PropagatedAt: at,
		},
	}
	router := newTestRouter(stub)

	rec := doRequest(t, router, http.MethodGet, "/events/ev1", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "completed", resp["status"])
	assert.Contains(t, resp, "propagated_at")
}

func TestEventStatusNotRetained(t *testing.T) {
	router := newTestRouter(&stubService{eventFound: false})

	rec := doRequest(t, router, http.MethodGet, "/events/missing", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueStatusEndpoint(t *testing.T) {
	stub := &stubService{queueStatus: propagation.QueueStatus{
		TotalTasks: 3,
		Pending:    2,
		InProgress: 1,
		Completed:  40,
		Failed:     1,
	}}
	router := newTestRouter(stub)

	rec := doRequest(t, router, http.MethodGet, "/queue", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp propagation.QueueStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, stub.queueStatus, resp)
}
