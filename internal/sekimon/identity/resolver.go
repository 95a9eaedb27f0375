// Package identity resolves the effective agent identifier for a request
// before any policy decision runs.
//
// The fallback chain is: explicit identifier on the request, then the
// process-wide configured default, then an agent literally named "default" in
// the rule document. When the document sets denyOnMissingAgent the explicit
// identifier is mandatory and the fallbacks are skipped entirely. Resolution
// never grants anything by itself; the resolved identity's rules are
// evaluated normally by the policy engine.
package identity

import (
	"errors"
	"fmt"

	"github.com/bdobrica/Sekimon/common/spec/rules"
)

// ErrUnresolved is returned when no agent identity can be determined for a
// request. Callers must fail closed.
var ErrUnresolved = errors.New("agent identity could not be resolved")

// Resolver applies the identity fallback chain.
type Resolver struct {
	// DefaultAgent is the process-wide default identifier, usually from
	// SEKIMON_DEFAULT_AGENT. Empty means no default is configured.
	DefaultAgent string
}

// Resolve returns the effective agent identifier for a request carrying the
// given explicit identifier (may be empty) under the active rule document.
//
// A configured DefaultAgent that is absent from the document is a
// misconfiguration, reported as an error rather than silently skipped.
func (r Resolver) Resolve(explicit string, doc *rules.Document) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if doc == nil {
		return "", fmt.Errorf("no request identifier and no rule document loaded: %w", ErrUnresolved)
	}
	if doc.Defaults.DenyOnMissingAgent {
		return "", fmt.Errorf("request carries no agent identifier and denyOnMissingAgent is set: %w", ErrUnresolved)
	}
	if r.DefaultAgent != "" {
		if _, ok := doc.Agents[r.DefaultAgent]; !ok {
			return "", fmt.Errorf("configured default agent %q is not present in the rule document: %w", r.DefaultAgent, ErrUnresolved)
		}
		return r.DefaultAgent, nil
	}
	if _, ok := doc.Agents["default"]; ok {
		return "default", nil
	}
	return "", fmt.Errorf("no request identifier, no configured default, no \"default\" agent: %w", ErrUnresolved)
}
