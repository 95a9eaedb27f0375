package environment_test

import (
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Sekimon/common/environment"
)

func TestStringOr(t *testing.T) {
	t.Setenv("TEST_STRING", "hello")
	if got := environment.StringOr("TEST_STRING", "default"); got != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}
	if got := environment.StringOr("TEST_STRING_MISSING", "default"); got != "default" {
		t.Errorf("expected %q, got %q", "default", got)
	}
}

func TestRequiredString(t *testing.T) {
	t.Setenv("TEST_REQUIRED", "value")
	v, err := environment.RequiredString("TEST_REQUIRED")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "value" {
		t.Errorf("expected %q, got %q", "value", v)
	}

	_, err = environment.RequiredString("TEST_REQUIRED_MISSING")
	if err == nil {
		t.Error("expected error for missing variable, got nil")
	}
}

func TestBoolOr(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	if !environment.BoolOr("TEST_BOOL", false) {
		t.Error("expected true")
	}
	t.Setenv("TEST_BOOL", "0")
	if environment.BoolOr("TEST_BOOL", true) {
		t.Error("expected false")
	}
	if !environment.BoolOr("TEST_BOOL_MISSING", true) {
		t.Error("expected default true")
	}
}

func TestDurationOr(t *testing.T) {
	t.Setenv("TEST_DUR", "200ms")
	if got := environment.DurationOr("TEST_DUR", time.Minute); got != 200*time.Millisecond {
		t.Errorf("expected 200ms, got %v", got)
	}
	if got := environment.DurationOr("TEST_DUR_MISSING", time.Minute); got != time.Minute {
		t.Errorf("expected 1m, got %v", got)
	}
}

func mapLookup(m map[string]string) environment.LookupFunc {
	return func(name string) (string, bool) {
		v, ok := m[name]
		return v, ok
	}
}

func TestExpand(t *testing.T) {
	lookup := mapLookup(map[string]string{
		"TOKEN": "abc123",
		"HOST":  "example.com",
		"EMPTY": "",
	})

	tests := []struct {
		in   string
		want string
	}{
		{"no placeholders", "no placeholders"},
		{"Bearer ${TOKEN}", "Bearer abc123"},
		{"https://${HOST}/v1/${TOKEN}", "https://example.com/v1/abc123"},
		{"${EMPTY}", ""},
		{"price is $5", "price is $5"},
		{"dangling ${brace", "dangling ${brace"},
	}
	for _, tt := range tests {
		got, err := environment.Expand(tt.in, lookup)
		if err != nil {
			t.Errorf("Expand(%q) returned error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Expand(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExpand_UnresolvedNamesVariable(t *testing.T) {
	_, err := environment.Expand("Bearer ${MISSING_VAR}", mapLookup(nil))
	if err == nil {
		t.Fatal("expected error for unresolved variable")
	}
	if !strings.Contains(err.Error(), "MISSING_VAR") {
		t.Errorf("error should name the unresolved variable, got: %v", err)
	}
}

func TestExpand_ProcessEnvDefault(t *testing.T) {
	t.Setenv("TEST_EXPAND_VAR", "live")
	got, err := environment.Expand("${TEST_EXPAND_VAR}", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "live" {
		t.Errorf("expected %q, got %q", "live", got)
	}
}
