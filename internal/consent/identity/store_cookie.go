package identity

import (
	"net/http"
	"net/url"
	"time"
)

// CookieConfig describes the identity cookie.
type CookieConfig struct {
	Name   string
	MaxAge time.Duration
	Secure bool
}

// CookieStore reads the token from a request and writes it to the response.
// It is bound to one request.
type CookieStore struct {
	cfg CookieConfig
	r   *http.Request
	w   http.ResponseWriter
	now func() time.Time
}

func NewCookieStore(cfg CookieConfig, w http.ResponseWriter, r *http.Request) *CookieStore {
	return &CookieStore{cfg: cfg, r: r, w: w, now: time.Now}
}

func (s *CookieStore) Read() (Token, bool) {
	if s.r == nil {
		return Token{}, false
	}
	c, err := s.r.Cookie(s.cfg.Name)
	if err != nil {
		return Token{}, false
	}
	raw, err := url.QueryUnescape(c.Value)
	if err != nil {
		raw = c.Value
	}
	return ParseToken(raw)
}

func (s *CookieStore) Write(t Token) error {
	if s.w == nil {
		return nil
	}
	http.SetCookie(s.w, &http.Cookie{
		Name:     s.cfg.Name,
		Value:    url.QueryEscape(t.Encode()),
		Path:     "/",
		MaxAge:   int(s.cfg.MaxAge.Seconds()),
		Expires:  s.now().Add(s.cfg.MaxAge),
		Secure:   s.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}
