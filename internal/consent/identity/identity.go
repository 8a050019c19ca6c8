// Package identity issues and persists the opaque visitor identifier that
// ties a visitor's ledger rows together.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	mrand "math/rand/v2"
	"strconv"
	"strings"

	"consentry/pkg/platform/validation"
)

const (
	// randomBytes is hex-encoded into a 32 character identity.
	randomBytes = 16
	// DegradedPrefix marks identities minted without a secure RNG.
	DegradedPrefix = "w"
)

// Token is what the client persists: the identity and, optionally, the
// policy revision it last consented under.
type Token struct {
	ID       string `json:"id"`
	Revision int    `json:"revision,omitempty"`
}

// Valid reports whether id is a well-formed identity.
func Valid(id string) bool {
	return validation.IsToken(id, validation.MaxConsentIDLength)
}

// Encode returns the pipe-delimited form "id|rev" (or just "id").
func (t Token) Encode() string {
	if t.Revision <= 0 {
		return t.ID
	}
	return t.ID + "|" + strconv.Itoa(t.Revision)
}

// ParseToken accepts the pipe-delimited form or a JSON object. Only the
// identity is required; a malformed revision is ignored.
func ParseToken(raw string) (Token, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Token{}, false
	}

	var t Token
	if strings.HasPrefix(raw, "{") {
		var wire struct {
			ID       string          `json:"id"`
			Revision json.RawMessage `json:"revision"`
		}
		if err := json.Unmarshal([]byte(raw), &wire); err != nil {
			return Token{}, false
		}
		t.ID = wire.ID
		t.Revision = parseRevision(strings.Trim(string(wire.Revision), `"`))
	} else {
		id, rev, _ := strings.Cut(raw, "|")
		t.ID = id
		t.Revision = parseRevision(rev)
	}

	if !Valid(t.ID) {
		return Token{}, false
	}
	return t, true
}

func parseRevision(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Generator mints identities.
type Generator struct {
	random     io.Reader
	logger     *slog.Logger
	onDegraded func()
}

type Option func(*Generator)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithRandom replaces crypto/rand as the entropy source.
func WithRandom(r io.Reader) Option {
	return func(g *Generator) {
		if r != nil {
			g.random = r
		}
	}
}

// WithDegradedHook is called every time the fallback generator is used.
func WithDegradedHook(fn func()) Option {
	return func(g *Generator) {
		g.onDegraded = fn
	}
}

func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		random: rand.Reader,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// New returns 32 hex characters from the secure RNG. If the RNG fails it
// returns a "w"-prefixed pseudo-random identity and degraded=true.
func (g *Generator) New() (id string, degraded bool) {
	buf := make([]byte, randomBytes)
	_, err := io.ReadFull(g.random, buf)
	if err == nil {
		return hex.EncodeToString(buf), false
	}

	g.logger.Warn("consent_identity_degraded", "error", err)
	if g.onDegraded != nil {
		g.onDegraded()
	}

	for i := range buf {
		buf[i] = byte(mrand.UintN(256))
	}
	return DegradedPrefix + hex.EncodeToString(buf)[:2*randomBytes-1], true
}

// Store is where the client keeps its token between visits.
type Store interface {
	Read() (Token, bool)
	Write(Token) error
}

// Ensure returns the stored identity untouched when it is valid and mints
// (and stores) a new one otherwise. minted reports which happened.
func Ensure(store Store, gen *Generator) (token Token, minted bool, err error) {
	if t, ok := store.Read(); ok && Valid(t.ID) {
		return t, false, nil
	}
	id, _ := gen.New()
	token = Token{ID: id}
	if err := store.Write(token); err != nil {
		return Token{}, false, err
	}
	return token, true, nil
}
