package metadata

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"consentry/pkg/requestcontext"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		cfg        *Config
		headers    map[string]string
		remoteAddr string
		expectedIP string
	}{
		{
			name:       "public peer cannot spoof XFF",
			cfg:        DefaultConfig(),
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.1"},
			remoteAddr: "203.0.113.9:443",
			expectedIP: "203.0.113.9",
		},
		{
			name:       "public peer cannot spoof X-Real-IP",
			cfg:        DefaultConfig(),
			headers:    map[string]string{"X-Real-IP": "198.51.100.1"},
			remoteAddr: "203.0.113.9:443",
			expectedIP: "203.0.113.9",
		},
		{
			name:       "loopback proxy XFF first hop is trusted",
			cfg:        DefaultConfig(),
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.1, 10.0.0.2"},
			remoteAddr: "127.0.0.1:5000",
			expectedIP: "198.51.100.1",
		},
		{
			name:       "private proxy X-Real-IP is trusted",
			cfg:        DefaultConfig(),
			headers:    map[string]string{"X-Real-IP": "198.51.100.7"},
			remoteAddr: "10.1.2.3:5000",
			expectedIP: "198.51.100.7",
		},
		{
			name:       "ipv6 loopback peer is trusted",
			cfg:        DefaultConfig(),
			headers:    map[string]string{"X-Forwarded-For": "2001:db8::1"},
			remoteAddr: "[::1]:5000",
			expectedIP: "2001:db8::1",
		},
		{
			name:       "private trust can be disabled",
			cfg:        &Config{},
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.1"},
			remoteAddr: "10.0.0.1:5000",
			expectedIP: "10.0.0.1",
		},
		{
			name:       "explicit public proxy prefix is trusted",
			cfg:        &Config{TrustedProxies: []netip.Prefix{netip.MustParsePrefix("203.0.113.0/24")}},
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.1"},
			remoteAddr: "203.0.113.9:443",
			expectedIP: "198.51.100.1",
		},
		{
			name:       "garbage XFF falls back to peer",
			cfg:        DefaultConfig(),
			headers:    map[string]string{"X-Forwarded-For": "not-an-ip"},
			remoteAddr: "127.0.0.1:5000",
			expectedIP: "127.0.0.1",
		},
		{
			name:       "oversized XFF falls back to peer",
			cfg:        DefaultConfig(),
			headers:    map[string]string{"X-Forwarded-For": strings.Repeat("1", MaxXFFHeaderLength+1)},
			remoteAddr: "127.0.0.1:5000",
			expectedIP: "127.0.0.1",
		},
		{
			name:       "unparseable peer is unknown",
			cfg:        DefaultConfig(),
			remoteAddr: "",
			expectedIP: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/consent", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.expectedIP, NewMiddleware(tt.cfg).ClientIP(req))
		})
	}
}

func TestHandlerStoresMetadata(t *testing.T) {
	var ip, ua string
	handler := NewMiddleware(nil).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip = requestcontext.ClientIP(r.Context())
		ua = requestcontext.UserAgent(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:1234"
	req.Header.Set("User-Agent", "Mozilla/5.0")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "192.0.2.10", ip)
	assert.Equal(t, "Mozilla/5.0", ua)
}
