// Package environment provides helpers for loading configuration from
// environment variables, plus ${NAME} placeholder expansion for configuration
// document values.
//
// All lookup helpers follow a consistent pattern: they read an environment
// variable and return either the value or a default. Required variables return
// an error rather than calling os.Exit, keeping business logic out of library
// code.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LookupFunc resolves a variable name to a value. It matches the signature of
// os.LookupEnv so the process environment is the default source, while tests
// can substitute a map-backed lookup.
type LookupFunc func(name string) (string, bool)

// String returns the value of the named environment variable and a boolean
// indicating whether it was set (even if set to the empty string).
func String(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	return v, ok
}

// StringOr returns the value of the named environment variable, or
// defaultValue if the variable is unset or empty.
func StringOr(name, defaultValue string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultValue
}

// RequiredString returns the value of the named environment variable or an
// error if it is unset or empty.
func RequiredString(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("required environment variable %q is not set", name)
	}
	return v, nil
}

// BoolOr parses the named environment variable as a boolean. Recognized values
// are the same as strconv.ParseBool ("1", "t", "true", "0", "f", "false", etc.).
// Returns defaultValue if the variable is unset, empty, or cannot be parsed.
func BoolOr(name string, defaultValue bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

// DurationOr parses the named environment variable as a time.Duration (e.g.
// "200ms", "5m"). Returns defaultValue if the variable is unset, empty, or
// cannot be parsed.
func DurationOr(name string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}

// Expand replaces every ${NAME} placeholder in s with the value resolved by
// lookup. A nil lookup uses the process environment. The first placeholder
// that does not resolve produces an error naming the variable; a variable set
// to the empty string counts as resolved.
//
// Only the braced form is recognized. A literal "$" not followed by "{" is
// passed through unchanged, so shell-ish values survive expansion.
func Expand(s string, lookup LookupFunc) (string, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var b strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			b.WriteString(s)
			return b.String(), nil
		}
		end := strings.Index(s[start:], "}")
		if end < 0 {
			b.WriteString(s)
			return b.String(), nil
		}
		name := s[start+2 : start+end]
		if name == "" {
			return "", fmt.Errorf("empty ${} placeholder")
		}
		v, ok := lookup(name)
		if !ok {
			return "", fmt.Errorf("unresolved environment variable ${%s}", name)
		}
		b.WriteString(s[:start])
		b.WriteString(v)
		s = s[start+end+1:]
	}
}
