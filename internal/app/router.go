package app

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/meridian-erp/rolesync/internal/observability"
	"github.com/meridian-erp/rolesync/internal/platform/httpx"
	propagationhttp "github.com/meridian-erp/rolesync/internal/propagation/http"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	Metrics            *observability.Metrics
	PropagationHandler *propagationhttp.Handler

	// EnqueueResync schedules a background full resync for the given users
	// (all role-holding users when empty). Optional; the endpoint is only
	// mounted when set.
	EnqueueResync func(ctx context.Context, userIDs []string) error
}

// NewRouter assembles the service router.
func NewRouter(p RouterParams) chi.Router {
	r := chi.NewRouter()
	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  p.Logger,
		Config:  p.Config,
		Metrics: p.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if p.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", p.Metrics.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		if p.Config != nil {
			api.Use(BearerAuth(p.Config.APITokenHash, p.Logger))
		}
		p.PropagationHandler.MountRoutes(api)
		if p.EnqueueResync != nil {
			api.Post("/resync", handleResync(p.Logger, p.EnqueueResync))
		}
	})

	return r
}

type resyncRequest struct {
	UserIDs []string `json:"user_ids"`
}

func handleResync(logger *slog.Logger, enqueue func(ctx context.Context, userIDs []string) error) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req resyncRequest
		if r.ContentLength > 0 {
			if err := httpx.DecodeJSON(r, &req); err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
				return
			}
		}
		if err := enqueue(r.Context(), req.UserIDs); err != nil {
			logger.Error("enqueue resync", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Enqueue Failure", err.Error())
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}
