// Package pattern implements the glob dialect used by Sekimon rule documents
// for both server names and tool names.
//
// The dialect is deliberately small: "*" alone matches everything, a trailing
// "*" matches a prefix, a leading "*" matches a suffix, and anything without a
// wildcard is an exact string. Wildcards anywhere else are a configuration
// error; they are rejected by Valid at document validation time and never
// reach Match.
package pattern

import "strings"

// Match reports whether value matches pattern. Pattern forms:
//
//	"*"        everything
//	"prefix*"  starts-with
//	"*suffix"  ends-with
//	"literal"  exact match
//
// Match assumes pattern passed Valid; an ill-formed pattern is treated as an
// exact literal and will simply never match anything useful.
func Match(pattern, value string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*") && strings.Count(pattern, "*") == 1:
		return strings.HasPrefix(value, pattern[:len(pattern)-1])
	case strings.HasPrefix(pattern, "*") && strings.Count(pattern, "*") == 1:
		return strings.HasSuffix(value, pattern[1:])
	default:
		return pattern == value
	}
}

// IsGlob reports whether pattern contains a wildcard. Used by the policy
// engine to separate exact entries from glob entries during evaluation.
func IsGlob(pattern string) bool {
	return strings.Contains(pattern, "*")
}

// Valid reports whether pattern is well-formed: no wildcard at all, a single
// wildcard as the sole character, or a single wildcard at the start or end.
// Embedded wildcards ("get_*_all") and multi-wildcard patterns ("*x*") are
// rejected.
func Valid(pattern string) bool {
	if pattern == "" {
		return false
	}
	switch strings.Count(pattern, "*") {
	case 0:
		return true
	case 1:
		return pattern[0] == '*' || pattern[len(pattern)-1] == '*'
	default:
		return false
	}
}
