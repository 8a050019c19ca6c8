// Package handler exposes the consent endpoints over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"consentry/internal/consent/identity"
	"consentry/internal/consent/models"
	"consentry/internal/consent/service"
	dErrors "consentry/pkg/domain-errors"
	"consentry/pkg/platform/httputil"
	"consentry/pkg/requestcontext"
)

// Service is the consent application service.
type Service interface {
	Submit(ctx context.Context, cmd service.SubmitCommand) (*service.SubmitResult, error)
	Revoke(ctx context.Context, cmd service.RevokeCommand) (*service.RevokeResult, error)
	State(ctx context.Context, q service.StateQuery) (*service.StateResult, error)
	Summary(ctx context.Context) (*service.SummaryResult, error)
	Records(ctx context.Context, filter models.Filter, page models.Page) (*service.RecordsResult, error)
}

type NonceIssuer interface {
	Issue(ctx context.Context) (string, time.Time, error)
}

type Option func(*Handler)

// WithWriteMiddleware wraps POST /consent and /consent/revoke, after the
// origin guard.
func WithWriteMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(h *Handler) {
		h.writeMW = append(h.writeMW, mw...)
	}
}

// WithNonceMiddleware wraps GET /consent/nonce (typically a rate limit).
func WithNonceMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(h *Handler) {
		h.nonceMW = append(h.nonceMW, mw...)
	}
}

type Handler struct {
	service Service
	nonces  NonceIssuer
	guard   *OriginGuard
	cookie  identity.CookieConfig
	logger  *slog.Logger
	writeMW []func(http.Handler) http.Handler
	nonceMW []func(http.Handler) http.Handler
}

func New(svc Service, nonces NonceIssuer, guard *OriginGuard, cookie identity.CookieConfig, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		service: svc,
		nonces:  nonces,
		guard:   guard,
		cookie:  cookie,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the visitor-facing routes.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(wr chi.Router) {
		if h.guard != nil {
			wr.Use(h.guard.Middleware)
		}
		wr.Use(h.writeMW...)
		wr.Post("/consent", h.HandleSubmit)
		wr.Post("/consent/revoke", h.HandleRevoke)
	})
	r.With(h.nonceMW...).Get("/consent/nonce", h.HandleNonce)
	r.Get("/consent/state", h.HandleState)
}

// RegisterAdmin mounts the reporting routes. The caller wraps r with admin auth.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Get("/consent/summary", h.HandleSummary)
	r.Get("/consent/records", h.HandleRecords)
}

func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[SubmitRequest](w, r, h.logger)
	if !ok {
		return
	}

	res, err := h.service.Submit(ctx, service.SubmitCommand{
		Event:     req.Event,
		States:    req.states,
		Lang:      req.Lang,
		ConsentID: req.ConsentID,
		Revision:  req.Revision,
		ClientIP:  requestcontext.ClientIP(ctx),
		UserAgent: requestcontext.UserAgent(ctx),
		Identity:  identity.NewCookieStore(h.cookie, w, r),
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, SubmitResponse{
		ConsentID:     res.ConsentID,
		Rev:           res.Rev,
		Signals:       res.Signals,
		StaleRevision: res.StaleRevision,
	})
}

func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[RevokeRequest](w, r, h.logger)
	if !ok {
		return
	}

	res, err := h.service.Revoke(ctx, service.RevokeCommand{
		ConsentID: req.ConsentID,
		Lang:      req.Lang,
		ClientIP:  requestcontext.ClientIP(ctx),
		UserAgent: requestcontext.UserAgent(ctx),
		Identity:  identity.NewCookieStore(h.cookie, w, r),
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, RevokeResponse{
		Success:   true,
		ConsentID: res.ConsentID,
		States:    res.States,
	})
}

func (h *Handler) HandleNonce(w http.ResponseWriter, r *http.Request) {
	if h.nonces == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "nonces are disabled"))
		return
	}
	nonce, expires, err := h.nonces.Issue(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httputil.WriteJSON(w, http.StatusOK, NonceResponse{Nonce: nonce, ExpiresAt: expires})
}

func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.State(r.Context(), service.StateQuery{
		ConsentID: strings.TrimSpace(r.URL.Query().Get("consent_id")),
		Identity:  identity.NewCookieStore(h.cookie, nil, r),
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httputil.WriteJSON(w, http.StatusOK, toStateResponse(res))
}

func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Summary(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, SummaryResponse{
		Summary:  res.Summary,
		Total:    res.Total,
		Options:  res.Options,
		Snapshot: res.Snapshot,
	})
}

func (h *Handler) HandleRecords(w http.ResponseWriter, r *http.Request) {
	filter, page, err := parseRecordsQuery(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	res, err := h.service.Records(r.Context(), filter, page)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toRecordsResponse(res))
}

func parseRecordsQuery(r *http.Request) (models.Filter, models.Page, error) {
	q := r.URL.Query()
	var filter models.Filter
	var page models.Page

	if raw := strings.TrimSpace(q.Get("event")); raw != "" {
		ev := models.Event(strings.ToLower(raw))
		if !ev.IsValid() {
			return filter, page, dErrors.New(dErrors.CodeBadRequest, "unknown event")
		}
		filter.Event = ev
	}
	filter.Search = strings.TrimSpace(q.Get("search"))

	var err error
	if filter.From, err = parseDate(q.Get("from"), false); err != nil {
		return filter, page, dErrors.New(dErrors.CodeBadRequest, "invalid from date")
	}
	if filter.To, err = parseDate(q.Get("to"), true); err != nil {
		return filter, page, dErrors.New(dErrors.CodeBadRequest, "invalid to date")
	}

	if page.Limit, err = parseInt(q.Get("limit")); err != nil {
		return filter, page, dErrors.New(dErrors.CodeBadRequest, "invalid limit")
	}
	if page.Offset, err = parseInt(q.Get("offset")); err != nil {
		return filter, page, dErrors.New(dErrors.CodeBadRequest, "invalid offset")
	}
	return filter, page, nil
}

// parseDate accepts RFC 3339 or a bare date. A bare "to" date covers the
// whole day.
func parseDate(raw string, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}

func parseInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
