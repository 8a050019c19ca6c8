package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	consenthandler "consentry/internal/consent/handler"
	rlmiddleware "consentry/internal/ratelimit/middleware"
	rlmodels "consentry/internal/ratelimit/models"
	"consentry/internal/revision"
	scanhandler "consentry/internal/servicescan/handler"
	"consentry/pkg/platform/middleware/admin"
	"consentry/pkg/platform/middleware/metadata"
	"consentry/pkg/platform/middleware/request"
	"consentry/pkg/platform/privacy"
)

const maxBodyBytes = 16 << 10

// RouterOption customises the HTTP surface.
type RouterOption func(*routerSettings)

type routerSettings struct {
	latency  *request.Metrics
	gatherer prometheus.Gatherer
}

// WithLatencyMetrics records per-route latency.
func WithLatencyMetrics(m *request.Metrics) RouterOption {
	return func(s *routerSettings) {
		s.latency = m
	}
}

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) RouterOption {
	return func(s *routerSettings) {
		s.gatherer = g
	}
}

// Router builds the HTTP handler: visitor consent routes, admin routes
// behind the admin token, health probes and /metrics.
func (a *App) Router(opts ...RouterOption) http.Handler {
	st := routerSettings{gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(&st)
	}

	cfg := a.Config
	r := chi.NewRouter()

	r.Use(request.Recovery(a.Logger))
	r.Use(request.RequestID)
	r.Use(request.RequestTime)
	r.Use(metadata.NewMiddleware(&metadata.Config{
		TrustPrivatePeers: cfg.Security.TrustPrivatePeers,
		TrustedProxies:    cfg.Security.TrustedProxies,
	}).Handler)
	r.Use(request.Logger(a.Logger))
	if st.latency != nil {
		r.Use(request.LatencyMiddleware(st.latency, routePattern))
	}

	a.Health.Register(r)
	r.Handle("/metrics", promhttp.HandlerFor(st.gatherer, promhttp.HandlerOpts{}))

	salt := []byte(cfg.Security.IPHashSalt)
	limits := rlmiddleware.New(a.Limiter, func(ip string) string {
		return privacy.HashIP(salt, ip)
	}, a.Logger)

	var writeMW []func(http.Handler) http.Handler
	if throttle := consenthandler.NewThrottle(cfg.Server.GlobalRPS, cfg.Server.GlobalBurst); throttle != nil {
		writeMW = append(writeMW, consenthandler.Throttle(throttle))
	}

	consent := consenthandler.New(
		a.Consent,
		a.Nonces,
		consenthandler.NewOriginGuard(cfg.Server.SiteURL, a.Nonces, a.Logger),
		a.Cookie,
		a.Logger,
		consenthandler.WithWriteMiddleware(writeMW...),
		consenthandler.WithNonceMiddleware(limits.RateLimit(rlmodels.ActionConsentNonce)),
	)

	r.Group(func(pub chi.Router) {
		pub.Use(request.Timeout(cfg.Server.RequestTimeout))
		pub.Use(request.BodyLimit(maxBodyBytes))
		pub.Use(request.ContentTypeJSON)
		consent.Register(pub)
	})

	r.Group(func(adm chi.Router) {
		adm.Use(admin.RequireAdminToken(cfg.Security.AdminToken, a.Logger))
		consent.RegisterAdmin(adm)
		revision.NewHandler(a.Revisions, a.Logger).Register(adm)
		scanhandler.New(a.Auditor, a.Audits, a.Logger).Register(adm)
	})

	return r
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
