// Package nonce issues and verifies the signed tokens that let a page served
// from a cached or proxied host submit consent when its Origin does not match
// the configured site.
package nonce

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	dErrors "consentry/pkg/domain-errors"
	"consentry/pkg/requestcontext"
)

const (
	// DefaultTTL matches the lifetime of a cached page.
	DefaultTTL = 12 * time.Hour
	audience   = "consent"
)

// Claims carried by a consent nonce.
type Claims struct {
	jwt.RegisteredClaims
}

// Issuer signs nonces with HS256 under the site's host as issuer.
type Issuer struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
}

func NewIssuer(signingKey, issuer string, ttl time.Duration) (*Issuer, error) {
	if len(signingKey) < 32 {
		return nil, errors.New("nonce signing key must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		ttl:        ttl,
	}, nil
}

// Issue returns a signed nonce and its expiry.
func (i *Issuer) Issue(ctx context.Context) (string, time.Time, error) {
	now := requestcontext.Now(ctx)
	expires := now.Add(i.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	})
	signed, err := token.SignedString(i.signingKey)
	if err != nil {
		return "", time.Time{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to issue nonce")
	}
	return signed, expires, nil
}

// Verify checks signature, algorithm, issuer, audience and expiry at the
// request's time.
func (i *Issuer) Verify(ctx context.Context, raw string) error {
	if raw == "" {
		return dErrors.New(dErrors.CodeForbidden, "nonce required")
	}
	now := requestcontext.Now(ctx)
	_, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return i.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return dErrors.New(dErrors.CodeForbidden, "nonce expired")
		}
		return dErrors.New(dErrors.CodeForbidden, "invalid nonce")
	}
	return nil
}
