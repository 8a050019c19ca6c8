package handler

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	dErrors "consentry/pkg/domain-errors"
	"consentry/pkg/platform/httputil"
	"consentry/pkg/platform/validation"
	"consentry/pkg/requestcontext"
)

// NonceHeader carries a nonce from GET /consent/nonce.
const NonceHeader = "X-Consent-Nonce"

const maxLoggedOriginLength = 128

type NonceVerifier interface {
	Verify(ctx context.Context, raw string) error
}

// OriginGuard rejects writes that do not come from the configured site.
// Origin is compared first, then Referer; failing both, a valid nonce is
// required.
type OriginGuard struct {
	siteHost string
	nonces   NonceVerifier
	logger   *slog.Logger
}

func NewOriginGuard(siteURL string, nonces NonceVerifier, logger *slog.Logger) *OriginGuard {
	return &OriginGuard{
		siteHost: NormalizeHost(siteURL),
		nonces:   nonces,
		logger:   logger,
	}
}

func (g *OriginGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.Allowed(r) {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		g.logger.WarnContext(ctx, "consent_origin_rejected",
			"request_id", requestcontext.RequestID(ctx),
			"origin", validation.Truncate(r.Header.Get("Origin"), maxLoggedOriginLength),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "request origin not allowed"))
	})
}

// Allowed reports whether r may write consent.
func (g *OriginGuard) Allowed(r *http.Request) bool {
	if g.siteHost != "" {
		origin := r.Header.Get("Origin")
		if origin == "" || origin == "null" {
			origin = r.Header.Get("Referer")
		}
		if origin != "" && NormalizeHost(origin) == g.siteHost {
			return true
		}
	}
	if g.nonces == nil {
		return false
	}
	return g.nonces.Verify(r.Context(), r.Header.Get(NonceHeader)) == nil
}

// NormalizeHost reduces a URL to a comparable host: lowercased, default
// ports removed, scheme ignored. Unparseable input yields "".
func NormalizeHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	host = strings.TrimSuffix(host, ".")
	port := u.Port()
	if port == "" || (port == "80" && scheme == "http") || (port == "443" && scheme == "https") {
		return host
	}
	return net.JoinHostPort(host, port)
}
