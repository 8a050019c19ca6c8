package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnonymizeIP(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "ipv4 standard address", input: "192.168.1.47", expected: "192.168.1.0"},
		{name: "ipv4 localhost", input: "127.0.0.1", expected: "127.0.0.0"},
		{name: "ipv6 compressed address", input: "2001:db8:85a3::8a2e:370:7334", expected: "2001:0db8:85a3::"},
		{name: "ipv6 loopback", input: "::1", expected: "0000:0000:0000::"},
		{name: "ipv4-mapped ipv6", input: "::ffff:198.51.100.9", expected: "198.51.100.0"},
		{name: "empty string", input: "", expected: "unknown"},
		{name: "invalid ip", input: "not-an-ip", expected: "invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, AnonymizeIP(tt.input))
		})
	}
}

func TestHashIP(t *testing.T) {
	salt := []byte("server-salt")

	t.Run("fixed length hex digest", func(t *testing.T) {
		h := HashIP(salt, "203.0.113.7")
		assert.Len(t, h, IPHashLength)
		assert.Regexp(t, `^[0-9a-f]+$`, h)
	})

	t.Run("never contains the raw address", func(t *testing.T) {
		assert.NotContains(t, HashIP(salt, "203.0.113.7"), "203.0.113.7")
	})

	t.Run("deterministic for the same salt", func(t *testing.T) {
		assert.Equal(t, HashIP(salt, "203.0.113.7"), HashIP(salt, "203.0.113.7"))
	})

	t.Run("salt changes the digest", func(t *testing.T) {
		assert.NotEqual(t, HashIP(salt, "203.0.113.7"), HashIP([]byte("other"), "203.0.113.7"))
	})

	t.Run("oversized salt is accepted", func(t *testing.T) {
		long := make([]byte, 200)
		assert.Len(t, HashIP(long, "203.0.113.7"), IPHashLength)
	})
}
