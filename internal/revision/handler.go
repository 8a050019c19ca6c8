package revision

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"consentry/pkg/platform/httputil"
	"consentry/pkg/platform/middleware/admin"
	"consentry/pkg/requestcontext"
)

type Bumper interface {
	Current(ctx context.Context) (int, error)
	Bump(ctx context.Context) (int, error)
}

type Handler struct {
	gate   Bumper
	logger *slog.Logger
}

func NewHandler(gate Bumper, logger *slog.Logger) *Handler {
	return &Handler{gate: gate, logger: logger}
}

// Register mounts the revision routes. The caller wraps r with admin auth.
func (h *Handler) Register(r chi.Router) {
	r.Get("/revision", h.HandleShow)
	r.Post("/revision/bump", h.HandleBump)
}

type revisionResponse struct {
	Revision int `json:"revision"`
}

func (h *Handler) HandleShow(w http.ResponseWriter, r *http.Request) {
	rev, err := h.gate.Current(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, revisionResponse{Revision: rev})
}

func (h *Handler) HandleBump(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rev, err := h.gate.Bump(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "revision bumped by operator",
		"request_id", requestcontext.RequestID(ctx),
		"actor", admin.GetAdminActorID(ctx),
		"revision", rev,
	)
	httputil.WriteJSON(w, http.StatusOK, revisionResponse{Revision: rev})
}
