package identity

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// Justification: identity continuity is what makes the ledger an audit
// trail; regenerating a valid identity would sever it silently.
type IdentitySuite struct {
	suite.Suite
}

func TestIdentitySuite(t *testing.T) {
	suite.Run(t, new(IdentitySuite))
}

var hex32 = regexp.MustCompile(`^[0-9a-f]{32}$`)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy unavailable") }

func (s *IdentitySuite) TestGeneratorSecurePath() {
	id, degraded := NewGenerator().New()
	s.False(degraded)
	s.Regexp(hex32, id)
}

func (s *IdentitySuite) TestGeneratorIsDeterministicWithFixedEntropy() {
	gen := NewGenerator(WithRandom(bytes.NewReader(bytes.Repeat([]byte{0xab}, 16))))
	id, _ := gen.New()
	s.Equal(strings.Repeat("ab", 16), id)
}

func (s *IdentitySuite) TestGeneratorDegradedPath() {
	var logs bytes.Buffer
	hooked := 0
	gen := NewGenerator(
		WithRandom(failingReader{}),
		WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))),
		WithDegradedHook(func() { hooked++ }),
	)

	id, degraded := gen.New()

	s.True(degraded)
	s.True(strings.HasPrefix(id, DegradedPrefix))
	s.Len(id, 32)
	s.True(Valid(id))
	s.Equal(1, hooked)
	s.Contains(logs.String(), "consent_identity_degraded")
}

func (s *IdentitySuite) TestParseToken() {
	cases := []struct {
		raw  string
		want Token
		ok   bool
	}{
		{"abc123", Token{ID: "abc123"}, true},
		{"abc123|4", Token{ID: "abc123", Revision: 4}, true},
		{"abc123|x", Token{ID: "abc123"}, true},
		{`{"id":"abc123","revision":2}`, Token{ID: "abc123", Revision: 2}, true},
		{`{"id":"abc123","revision":"7"}`, Token{ID: "abc123", Revision: 7}, true},
		{`{"id":"abc123"}`, Token{ID: "abc123"}, true},
		{"", Token{}, false},
		{"|3", Token{}, false},
		{"bad id|3", Token{}, false},
		{`{"id":""}`, Token{}, false},
		{`{broken`, Token{}, false},
		{strings.Repeat("a", 65), Token{}, false},
	}
	for _, tc := range cases {
		got, ok := ParseToken(tc.raw)
		s.Equal(tc.ok, ok, "raw %q", tc.raw)
		s.Equal(tc.want, got, "raw %q", tc.raw)
	}
}

func (s *IdentitySuite) TestEncodeRoundTripsThroughParse() {
	for _, t := range []Token{{ID: "abc"}, {ID: "abc", Revision: 12}} {
		got, ok := ParseToken(t.Encode())
		s.True(ok)
		s.Equal(t, got)
	}
}

func (s *IdentitySuite) TestEnsureKeepsExistingIdentity() {
	store := NewMemoryStore()
	s.Require().NoError(store.Write(Token{ID: "existing", Revision: 3}))

	token, minted, err := Ensure(store, NewGenerator(WithRandom(failingReader{}), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))))

	s.Require().NoError(err)
	s.False(minted)
	s.Equal("existing", token.ID)
}

func (s *IdentitySuite) TestEnsureMintsOnceAndIsStable() {
	store := NewMemoryStore()
	gen := NewGenerator()

	first, minted, err := Ensure(store, gen)
	s.Require().NoError(err)
	s.True(minted)

	second, minted, err := Ensure(store, gen)
	s.Require().NoError(err)
	s.False(minted)
	s.Equal(first.ID, second.ID)
}

func (s *IdentitySuite) TestEnsureReplacesInvalidIdentity() {
	store := NewMemoryStore()
	s.Require().NoError(store.Write(Token{ID: "not valid!"}))

	token, minted, err := Ensure(store, NewGenerator())
	s.Require().NoError(err)
	s.True(minted)
	s.Regexp(hex32, token.ID)
}

func (s *IdentitySuite) TestCookieStore() {
	cfg := CookieConfig{Name: "consentry_id", MaxAge: 24 * time.Hour, Secure: true}

	s.Run("reads pipe form", func() {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: "consentry_id", Value: "abc%7C5"})

		token, ok := NewCookieStore(cfg, nil, req).Read()
		s.True(ok)
		s.Equal(Token{ID: "abc", Revision: 5}, token)
	})

	s.Run("missing cookie", func() {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		_, ok := NewCookieStore(cfg, nil, req).Read()
		s.False(ok)
	})

	s.Run("writes escaped cookie", func() {
		rec := httptest.NewRecorder()
		s.Require().NoError(NewCookieStore(cfg, rec, nil).Write(Token{ID: "abc", Revision: 2}))

		cookies := rec.Result().Cookies()
		s.Require().Len(cookies, 1)
		s.Equal("consentry_id", cookies[0].Name)
		s.Equal("abc%7C2", cookies[0].Value)
		s.True(cookies[0].Secure)
		s.Equal(86400, cookies[0].MaxAge)
		s.Equal(http.SameSiteLaxMode, cookies[0].SameSite)
	})
}
