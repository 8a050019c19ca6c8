// Package privacy provides utilities for handling personally identifiable information (PII)
// in a GDPR-compliant manner.
package privacy

import (
	"encoding/hex"
	"fmt"
	"net"

	"golang.org/x/crypto/blake2b"
)

// IPHashLength is the length of the hex digest returned by HashIP.
const IPHashLength = blake2b.Size256 * 2

// AnonymizeIP truncates an IP address to its network prefix for logging.
//
// IPv4 addresses keep the /24 (e.g., "192.168.1.47" -> "192.168.1.0"); IPv6
// addresses keep the /48 prefix (e.g., "2001:db8:85a3::8a2e:370:7334" -> "2001:0db8:85a3::").
//
// Returns "invalid" for unparseable IP addresses, and "unknown" for empty strings.
func AnonymizeIP(ip string) string {
	if ip == "" || ip == "unknown" {
		return "unknown"
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "invalid"
	}

	if v4 := parsed.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.0", v4[0], v4[1], v4[2])
	}

	return fmt.Sprintf("%02x%02x:%02x%02x:%02x%02x::",
		parsed[0], parsed[1],
		parsed[2], parsed[3],
		parsed[4], parsed[5])
}

// HashIP returns a keyed BLAKE2b-256 digest of ip, hex encoded.
// The salt is a server secret; without it the digest cannot be reversed by
// enumerating the IPv4 space. An empty ip hashes like "unknown".
func HashIP(salt []byte, ip string) string {
	if ip == "" {
		ip = "unknown"
	}
	key := salt
	if len(key) > blake2b.Size {
		sum := blake2b.Sum512(key)
		key = sum[:]
	}
	h, err := blake2b.New256(key)
	if err != nil {
		// Unreachable: the key is at most blake2b.Size bytes.
		sum := blake2b.Sum256(append(append([]byte{}, salt...), ip...))
		return hex.EncodeToString(sum[:])
	}
	_, _ = h.Write([]byte(ip))
	return hex.EncodeToString(h.Sum(nil))
}
