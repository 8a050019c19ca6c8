package nonce

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "consentry/pkg/domain-errors"
	"consentry/pkg/requestcontext"
)

const key = "0123456789abcdef0123456789abcdef"

var t0 = time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)

func at(t time.Time) context.Context {
	return requestcontext.WithTime(context.Background(), t)
}

func newIssuer(t *testing.T) *Issuer {
	t.Helper()
	iss, err := NewIssuer(key, "example.com", DefaultTTL)
	require.NoError(t, err)
	return iss
}

func TestIssueAndVerify(t *testing.T) {
	iss := newIssuer(t)
	token, expires, err := iss.Issue(at(t0))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(12*time.Hour), expires)

	assert.NoError(t, iss.Verify(at(t0.Add(time.Hour)), token))
}

func TestVerifyRejects(t *testing.T) {
	iss := newIssuer(t)
	token, _, err := iss.Issue(at(t0))
	require.NoError(t, err)

	t.Run("expired nonce", func(t *testing.T) {
		err := iss.Verify(at(t0.Add(13*time.Hour)), token)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
		assert.ErrorContains(t, err, "expired")
	})

	t.Run("empty nonce", func(t *testing.T) {
		assert.True(t, dErrors.HasCode(iss.Verify(at(t0), ""), dErrors.CodeForbidden))
	})

	t.Run("other site's nonce", func(t *testing.T) {
		other, err := NewIssuer(key, "evil.example", DefaultTTL)
		require.NoError(t, err)
		foreign, _, err := other.Issue(at(t0))
		require.NoError(t, err)
		assert.Error(t, iss.Verify(at(t0), foreign))
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := NewIssuer("ffffffffffffffffffffffffffffffff", "example.com", DefaultTTL)
		require.NoError(t, err)
		forged, _, err := other.Issue(at(t0))
		require.NoError(t, err)
		assert.Error(t, iss.Verify(at(t0), forged))
	})

	t.Run("unsigned token", func(t *testing.T) {
		unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "example.com",
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(t0.Add(time.Hour)),
		}})
		raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		assert.Error(t, iss.Verify(at(t0), raw))
	})
}

func TestNewIssuerRequiresStrongKey(t *testing.T) {
	_, err := NewIssuer("short", "example.com", time.Hour)
	assert.Error(t, err)
}
