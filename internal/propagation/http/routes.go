package propagationhttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/meridian-erp/rolesync/internal/shared"
)

// MountRoutes registers the propagation API onto the router.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(120, time.Minute,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)

	r.Group(func(gr chi.Router) {
		gr.Use(limiter)

		gr.Post("/orgs/{orgID}/roles", h.handleAssignOrgRole)
		gr.Put("/orgs/{orgID}/roles/{userID}", h.handleUpdateOrgRole)
		gr.Delete("/orgs/{orgID}/roles/{userID}", h.handleRemoveOrgRole)

		gr.Post("/projects/{projectID}/roles", h.handleAssignProjectRole)
		gr.Put("/projects/{projectID}/roles/{userID}", h.handleUpdateProjectRole)
		gr.Delete("/projects/{projectID}/roles/{userID}", h.handleRemoveProjectRole)

		gr.Post("/system/roles", h.handleAssignSystemRole)
		gr.Delete("/system/roles/{userID}", h.handleRemoveSystemRole)
	})

	r.Put("/users/{userID}/sessions/{sessionID}", h.handleRegisterSession)
	r.Delete("/users/{userID}/sessions/{sessionID}", h.handleUnregisterSession)

	r.Get("/events/{eventID}", h.handleEventStatus)
	r.Get("/queue", h.handleQueueStatus)
}

func rateLimitKey(r *http.Request) (string, error) {
	if actor := shared.ActorFromContext(r.Context()); actor != "" {
		return "actor:" + actor, nil
	}
	return httprate.KeyByRealIP(r)
}
