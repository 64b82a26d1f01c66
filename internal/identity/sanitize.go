package identity

import (
	"regexp"
	"strings"
)

var unsafeRunes = regexp.MustCompile(`[^A-Za-z0-9]+`)

// KubeID converts an arbitrary string into a valid object name:
// every run of characters outside [A-Za-z0-9] becomes a single dash,
// then the result is lowercased. Idempotent.
func KubeID(s string) string {
	return strings.ToLower(unsafeRunes.ReplaceAllString(s, "-"))
}
