package testutil

import (
	"regexp"
	"strings"
	"testing"
)

var unsafeNameChars = regexp.MustCompile(`[^a-z0-9_]+`)

// SanitizedName turns the name of the test into something usable as a file
// or database name
func SanitizedName(t *testing.T) string {
	name := unsafeNameChars.ReplaceAllString(strings.ToLower(t.Name()), "_")
	if len(name) > 40 {
		name = name[:40]
	}
	return strings.Trim(name, "_")
}
