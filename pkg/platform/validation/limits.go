package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	dErrors "consentry/pkg/domain-errors"
)

// HTTP body limits
const (
	// MaxBodySize is the maximum allowed request body size (16 KB).
	// A consent submission is a handful of booleans; anything larger is abuse.
	MaxBodySize = 16 * 1024
)

// Map and slice element count limits
const (
	// MaxCategories is the maximum number of category keys accepted per submission.
	MaxCategories = 32
)

// String element length limits
const (
	// MaxConsentIDLength is the maximum length of a visitor consent identity.
	MaxConsentIDLength = 64

	// MaxUserAgentLength is the maximum stored length of a User-Agent.
	MaxUserAgentLength = 255

	// MaxLangLength is the maximum stored length of a language tag.
	MaxLangLength = 20

	// MaxCategoryKeyLength is the maximum length of a category key.
	MaxCategoryKeyLength = 64

	// MaxSearchLength is the maximum length of a ledger search term.
	MaxSearchLength = 200
)

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// CheckStringLength validates that a string does not exceed the maximum length.
func CheckStringLength(fieldName, value string, max int) error {
	if len(value) > max {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("%s exceeds max length of %d", fieldName, max))
	}
	return nil
}

// IsToken reports whether value is 1..max characters of [A-Za-z0-9_-].
func IsToken(value string, max int) bool {
	return value != "" && len(value) <= max && tokenPattern.MatchString(value)
}

// SanitizeToken drops every character outside [A-Za-z0-9_-] and truncates to max.
func SanitizeToken(value string, max int) string {
	out := make([]byte, 0, min(len(value), max))
	for i := 0; i < len(value) && len(out) < max; i++ {
		c := value[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-' {
			out = append(out, c)
		}
	}
	return string(out)
}

// Truncate drops invalid UTF-8 and shortens value to at most max bytes
// without splitting a UTF-8 sequence.
func Truncate(value string, max int) string {
	value = strings.ToValidUTF8(value, "")
	if len(value) <= max {
		return value
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
