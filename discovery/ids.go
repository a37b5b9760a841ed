package discovery

import (
	"reflect"
	"strings"

	"github.com/chazu/peephole/introspect"
)

const zeroID = "00000000000000000000000000000000"

// Normalize canonicalizes an identifier: surrounding space trimmed, dashes
// removed, lower case. It does not validate.
func Normalize(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
}

// Valid reports whether s normalizes to 32 hex digits other than the
// all-zero sentinel.
func Valid(s string) bool {
	n := Normalize(s)
	if len(n) != 32 || n == zeroID {
		return false
	}
	for i := range len(n) {
		c := n[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ParseID normalizes s and reports whether the result is a valid identifier.
func ParseID(s string) (string, bool) {
	n := Normalize(s)
	return n, Valid(n)
}

// KeyID is ParseID applied to a dictionary key of any type.
func KeyID(k reflect.Value) (string, bool) {
	return ParseID(introspect.KeyString(k))
}
