package metadata

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"consentry/pkg/requestcontext"
)

// MaxXFFHeaderLength is the maximum accepted length for X-Forwarded-For and
// X-Real-IP. Longer values are ignored and the direct peer address is used.
const MaxXFFHeaderLength = 500

// Config holds configuration for the metadata middleware.
type Config struct {
	// TrustPrivatePeers trusts forwarding headers when the direct peer is a
	// loopback or RFC 1918 / RFC 4193 address, i.e. a reverse proxy on the
	// same host or network.
	TrustPrivatePeers bool
	// TrustedProxies lists additional public proxy prefixes (CIDR notation).
	TrustedProxies []netip.Prefix
}

// DefaultConfig trusts forwarding headers only from loopback and private peers.
func DefaultConfig() *Config {
	return &Config{TrustPrivatePeers: true}
}

// Middleware handles client metadata extraction with configurable trusted proxies.
type Middleware struct {
	config *Config
}

// NewMiddleware creates a new metadata middleware with the given config.
func NewMiddleware(cfg *Config) *Middleware {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Middleware{config: cfg}
}

// Handler resolves the client IP and User-Agent and stores them in the context.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithClientMetadata(r.Context(), m.ClientIP(r), r.Header.Get("User-Agent"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIP returns the apparent client address. Forwarding headers are only
// honoured when the direct peer is trusted; a spoofed X-Forwarded-For from a
// public peer is ignored.
func (m *Middleware) ClientIP(r *http.Request) string {
	remote := parseRemoteAddr(r.RemoteAddr)
	if !remote.IsValid() {
		return "unknown"
	}
	remoteIP := remote.String()
	if !m.isTrustedProxy(remote) {
		return remoteIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if len(xff) > MaxXFFHeaderLength {
			return remoteIP
		}
		first, _, _ := strings.Cut(xff, ",")
		if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			return addr.Unmap().String()
		}
		return remoteIP
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" && len(xri) <= MaxXFFHeaderLength {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr.Unmap().String()
		}
	}
	return remoteIP
}

func (m *Middleware) isTrustedProxy(addr netip.Addr) bool {
	if m.config.TrustPrivatePeers && (addr.IsLoopback() || addr.IsPrivate()) {
		return true
	}
	for _, prefix := range m.config.TrustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// parseRemoteAddr extracts the IP from RemoteAddr, with or without a port.
func parseRemoteAddr(remoteAddr string) netip.Addr {
	if remoteAddr == "" {
		return netip.Addr{}
	}
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil {
		return netip.Addr{}
	}
	return addr.Unmap()
}
