package util

import (
	"slices"
	"strings"
)

// SafeTruncate returns at most the first maxLen bytes of s.
// Used to log a recognizable prefix of secrets such as state values.
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
//	SafeTruncate("test", -1)                  // ""
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeScopes trims, de-duplicates and sorts scopes so that the same
// logical scope set always produces the same cache key. Empty entries are
// dropped. The input slice is not modified.
func NormalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// ScopeString joins the normalized form of scopes with single spaces.
func ScopeString(scopes []string) string {
	return strings.Join(NormalizeScopes(scopes), " ")
}

// SplitScopes parses a space or comma separated scope list.
func SplitScopes(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t' || r == '\n'
	})
	return NormalizeScopes(fields)
}
