package utils

import (
	"strings"
)

// NormalizeName lower-cases s, trims it and collapses inner whitespace runs,
// so "  Front   Door " and "front door" compare equal.
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// FirstNonEmpty returns the first argument that is not blank.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
