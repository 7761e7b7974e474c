// Package propagationhttp exposes the mutation gateway over JSON HTTP.
package propagationhttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/rolesync/internal/platform/httpx"
	"github.com/meridian-erp/rolesync/internal/propagation"
)

// Service is the propagation surface the handler drives.
type Service interface {
	AssignOrgRole(ctx context.Context, userID, orgID, role string, canAccessAllProjects bool) (propagation.Event, error)
	UpdateOrgRole(ctx context.Context, userID, orgID, newRole string, canAccessAllProjects bool) (propagation.Event, error)
	RemoveOrgRole(ctx context.Context, userID, orgID string) (propagation.Event, error)
	AssignProjectRole(ctx context.Context, userID, projectID, role string) (propagation.Event, error)
	UpdateProjectRole(ctx context.Context, userID, projectID, newRole string) (propagation.Event, error)
	RemoveProjectRole(ctx context.Context, userID, projectID string) (propagation.Event, error)
	AssignSystemRole(ctx context.Context, userID, role string) (propagation.Event, error)
	RemoveSystemRole(ctx context.Context, userID string) (propagation.Event, error)
	RegisterUserSession(userID, sessionID string)
	UnregisterUserSession(userID, sessionID string)
	GetEventStatus(eventID string) (propagation.Event, bool)
	QueueStatus() propagation.QueueStatus
}

// Handler wires HTTP endpoints for role mutations and propagation status.
type Handler struct {
	logger    *slog.Logger
	service   Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
	}
}

type assignRoleRequest struct {
	UserID               string `json:"user_id" validate:"required"`
	Role                 string `json:"role" validate:"required"`
	CanAccessAllProjects bool   `json:"can_access_all_projects"`
}

type updateRoleRequest struct {
	Role                 string `json:"role" validate:"required"`
	CanAccessAllProjects bool   `json:"can_access_all_projects"`
}

// eventResponse is the wire shape of a propagation event.
//
// Status "completed" reports that propagation finished its best-effort
// window, not that every session already refreshed; open sessions converge
// on their next cache access.
type eventResponse struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	UserID       string     `json:"user_id"`
	Role         string     `json:"role,omitempty"`
	PreviousRole string     `json:"previous_role,omitempty"`
	OrgID        string     `json:"org_id,omitempty"`
	ProjectID    string     `json:"project_id,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
	PropagatedAt *time.Time `json:"propagated_at,omitempty"`
	Status       string     `json:"status"`
}

func toEventResponse(ev propagation.Event) eventResponse {
	resp := eventResponse{
		ID:           ev.ID,
		Type:         string(ev.Type),
		UserID:       ev.UserID,
		Role:         ev.Role,
		PreviousRole: ev.PreviousRole,
		OrgID:        ev.OrgID,
		ProjectID:    ev.ProjectID,
		Timestamp:    ev.Timestamp,
		Status:       string(ev.Status),
	}
	if !ev.PropagatedAt.IsZero() {
		at := ev.PropagatedAt
		resp.PropagatedAt = &at
	}
	return resp
}

func (h *Handler) decodeValid(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return err
	}
	return h.validator.Struct(target)
}

func (h *Handler) handleAssignOrgRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if err := h.decodeValid(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	ev, err := h.service.AssignOrgRole(r.Context(), req.UserID, chi.URLParam(r, "orgID"), req.Role, req.CanAccessAllProjects)
	h.respondMutation(w, ev, err)
}

func (h *Handler) handleUpdateOrgRole(w http.ResponseWriter, r *http.Request) {
	var req updateRoleRequest
	if err := h.decodeValid(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	ev, err := h.service.UpdateOrgRole(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "orgID"), req.Role, req.CanAccessAllProjects)
	h.respondMutation(w, ev, err)
}

func (h *Handler) handleRemoveOrgRole(w http.ResponseWriter, r *http.Request) {
	ev, err := h.service.RemoveOrgRole(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "orgID"))
	h.respondMutation(w, ev, err)
}

func (h *Handler) handleAssignProjectRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if err := h.decodeValid(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	ev, err := h.service.AssignProjectRole(r.Context(), req.UserID, chi.URLParam(r, "projectID"), req.Role)
	h.respondMutation(w, ev, err)
}

func (h *Handler) handleUpdateProjectRole(w http.ResponseWriter, r *http.Request) {
	var req updateRoleRequest
	if err := h.decodeValid(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	ev, err := h.service.UpdateProjectRole(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "projectID"), req.Role)
	h.respondMutation(w, ev, err)
}

func (h *Handler) handleRemoveProjectRole(w http.ResponseWriter, r *http.Request) {
	ev, err := h.service.RemoveProjectRole(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "projectID"))
	h.respondMutation(w, ev, err)
}

func (h *Handler) handleAssignSystemRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if err := h.decodeValid(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	ev, err := h.service.AssignSystemRole(r.Context(), req.UserID, req.Role)
	h.respondMutation(w, ev, err)
}

func (h *Handler) handleRemoveSystemRole(w http.ResponseWriter, r *http.Request) {
	ev, err := h.service.RemoveSystemRole(r.Context(), chi.URLParam(r, "userID"))
	h.respondMutation(w, ev, err)
}

// respondMutation returns the event handle even when persistence failed;
// the caller can poll its terminal status either way.
func (h *Handler) respondMutation(w http.ResponseWriter, ev propagation.Event, err error) {
	if err != nil {
		h.logger.Error("role mutation failed",
			slog.String("event_id", ev.ID), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Persistence Failure", err.Error())
		return
	}
	httpx.JSON(w, http.StatusAccepted, toEventResponse(ev))
}

func (h *Handler) handleRegisterSession(w http.ResponseWriter, r *http.Request) {
	h.service.RegisterUserSession(chi.URLParam(r, "userID"), chi.URLParam(r, "sessionID"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleUnregisterSession(w http.ResponseWriter, r *http.Request) {
	h.service.UnregisterUserSession(chi.URLParam(r, "userID"), chi.URLParam(r, "sessionID"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleEventStatus(w http.ResponseWriter, r *http.Request) {
	ev, ok := h.service.GetEventStatus(chi.URLParam(r, "eventID"))
	if !ok {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "event not retained")
		return
	}
	httpx.JSON(w, http.StatusOK, toEventResponse(ev))
}

func (h *Handler) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, h.service.QueueStatus())
}
