// Package handler exposes the service audit to administrators.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"consentry/internal/servicescan/job"
	"consentry/internal/servicescan/store"
	dErrors "consentry/pkg/domain-errors"
	"consentry/pkg/platform/httputil"
	"consentry/pkg/platform/middleware/admin"
	"consentry/pkg/requestcontext"
)

type Auditor interface {
	Run(ctx context.Context) (*job.Result, error)
}

type Handler struct {
	auditor Auditor
	store   store.Store
	logger  *slog.Logger
}

func New(auditor Auditor, st store.Store, logger *slog.Logger) *Handler {
	return &Handler{auditor: auditor, store: st, logger: logger}
}

// Register mounts the audit routes. The caller wraps r with admin auth.
func (h *Handler) Register(r chi.Router) {
	r.Get("/services", h.HandleReport)
	r.Post("/services/audit", h.HandleAudit)
}

type auditResponse struct {
	Baseline bool        `json:"baseline"`
	Revision int         `json:"revision,omitempty"`
	Notified bool        `json:"notified"`
	Report   *job.Report `json:"report"`
}

func (h *Handler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := h.auditor.Run(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "manual service audit failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeUnavailable, "service audit failed"))
		return
	}
	h.logger.InfoContext(ctx, "manual service audit completed",
		"request_id", requestcontext.RequestID(ctx),
		"actor", admin.GetAdminActorID(ctx),
		"alert_active", res.Alert.Active,
	)

	rep, err := job.LatestReport(ctx, h.store)
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load audit report"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, auditResponse{
		Baseline: res.Baseline,
		Revision: res.Revision,
		Notified: res.Notified,
		Report:   rep,
	})
}

func (h *Handler) HandleReport(w http.ResponseWriter, r *http.Request) {
	rep, err := job.LatestReport(r.Context(), h.store)
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load audit report"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rep)
}
