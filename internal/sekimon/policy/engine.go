// Package policy implements the Sekimon policy engine.
//
// The engine answers whether an agent may access a backend server and whether
// it may invoke a given tool on that server, evaluated against the currently
// active rule document. Evaluation is purely deterministic and read-only; the
// active document is obtained through a provider interface so hot reload can
// swap it out from under the engine without any coordination beyond the
// provider's own lock.
//
// Precedence is fixed and security-relevant: every deny check runs strictly
// before any allow check, at both the server and tool level, so a wildcard
// deny always beats an explicit allow. Do not reorder the evaluation steps.
package policy

import (
	"fmt"
	"sort"

	"github.com/bdobrica/Sekimon/common/pattern"
	"github.com/bdobrica/Sekimon/common/spec/rules"
)

// Step identifies which evaluation step produced a decision. It is carried in
// every Result so callers can emit audit records naming the matched rule.
type Step int

const (
	// StepNoRules means no rule document is loaded; everything is denied.
	StepNoRules Step = iota
	// StepMissingAgent means the agent (and any fallback) is absent from the
	// document.
	StepMissingAgent
	// StepServerDeny means a denyServers pattern matched.
	StepServerDeny
	// StepServerAllow means an allowServers pattern matched.
	StepServerAllow
	// StepServerDefault means the agent entry exists but no server pattern
	// matched; the default is deny.
	StepServerDefault
	// StepToolDenyExact means the tool name appeared verbatim in denyTools.
	StepToolDenyExact
	// StepToolDenyGlob means a denyTools glob pattern matched the tool.
	StepToolDenyGlob
	// StepToolAllowExact means the tool name appeared verbatim in allowTools.
	StepToolAllowExact
	// StepToolAllowGlob means an allowTools glob pattern matched the tool.
	StepToolAllowGlob
	// StepImplicitGrant means no allowTools entry exists for the server at
	// all, so the server-level grant extends to every tool.
	StepImplicitGrant
	// StepToolDefault means no tool rule matched; the default is deny.
	StepToolDefault
)

func (s Step) String() string {
	switch s {
	case StepNoRules:
		return "no_rules"
	case StepMissingAgent:
		return "missing_agent"
	case StepServerDeny:
		return "deny_servers"
	case StepServerAllow:
		return "allow_servers"
	case StepServerDefault:
		return "server_default_deny"
	case StepToolDenyExact:
		return "deny_tools_exact"
	case StepToolDenyGlob:
		return "deny_tools_glob"
	case StepToolAllowExact:
		return "allow_tools_exact"
	case StepToolAllowGlob:
		return "allow_tools_glob"
	case StepImplicitGrant:
		return "implicit_grant"
	case StepToolDefault:
		return "tool_default_deny"
	default:
		return "unknown"
	}
}

// Result is the full outcome of a decision query.
type Result struct {
	// Allowed is the decision.
	Allowed bool
	// Step identifies the evaluation step that short-circuited.
	Step Step
	// Rule is the pattern that matched, when one did.
	Rule string
	// Reason is a human-readable explanation, suitable for audit records and
	// error messages.
	Reason string
}

// RulesProvider returns the currently active rule document. Implementations
// must guarantee that the returned pointer is a complete, validated document
// (or nil); the engine never observes a partially-applied one.
type RulesProvider interface {
	Rules() *rules.Document
}

// NamesProvider returns the names of currently registered servers. Used only
// by AllowedServers introspection.
type NamesProvider interface {
	Names() []string
}

// Engine evaluates access decisions against the active rule document.
type Engine struct {
	provider RulesProvider
	servers  NamesProvider
}

// New returns an Engine reading rules from provider. servers may be nil, in
// which case AllowedServers returns nil.
func New(provider RulesProvider, servers NamesProvider) *Engine {
	return &Engine{provider: provider, servers: servers}
}

// CanAccessServer reports whether agentID may access the named server.
func (e *Engine) CanAccessServer(agentID, server string) bool {
	return e.EvaluateServer(agentID, server).Allowed
}

// CanAccessTool reports whether agentID may invoke tool on server.
func (e *Engine) CanAccessTool(agentID, server, tool string) bool {
	return e.EvaluateTool(agentID, server, tool).Allowed
}

// EvaluateServer runs the server-access algorithm:
//
//  1. server matches any denyServers pattern -> deny
//  2. server matches any allowServers pattern -> allow
//  3. nothing matched -> deny (absent agents go through the missing-agent
//     policy first, see lookupAgent)
func (e *Engine) EvaluateServer(agentID, server string) Result {
	doc := e.provider.Rules()
	if doc == nil {
		return Result{Step: StepNoRules, Reason: "no rule document loaded"}
	}
	agent, ok := e.lookupAgent(doc, agentID)
	if !ok {
		return Result{
			Step:   StepMissingAgent,
			Reason: fmt.Sprintf("agent %q has no rules and no fallback applies", agentID),
		}
	}
	return evaluateServer(agent, agentID, server)
}

// EvaluateTool runs the tool-access algorithm. The server gate is evaluated
// first and dominates: when the server is denied the server-level result is
// returned unchanged and no tool rule is consulted.
//
// The tool steps run in this exact order, each short-circuiting:
//
//  1. exact tool name in denyTools for the server -> deny
//  2. glob in denyTools matches -> deny
//  3. exact tool name in allowTools -> allow
//  4. glob in allowTools matches -> allow
//  5. no allowTools entry for the server at all -> allow (implicit grant)
//  6. otherwise -> deny
//
// Step 5 deliberately tests key absence, not emptiness of the union of deny
// and allow rules: deny rules authored for unrelated tools on the same server
// were already exhausted in steps 1-2 and must not suppress the implicit
// grant for this tool.
func (e *Engine) EvaluateTool(agentID, server, tool string) Result {
	doc := e.provider.Rules()
	if doc == nil {
		return Result{Step: StepNoRules, Reason: "no rule document loaded"}
	}
	agent, ok := e.lookupAgent(doc, agentID)
	if !ok {
		return Result{
			Step:   StepMissingAgent,
			Reason: fmt.Sprintf("agent %q has no rules and no fallback applies", agentID),
		}
	}

	if gate := evaluateServer(agent, agentID, server); !gate.Allowed {
		return gate
	}

	denyPatterns, _ := toolPatterns(agent.DenyTools, server)
	allowPatterns, allowAuthored := toolPatterns(agent.AllowTools, server)

	// Steps 1-2: all deny checks strictly before any allow check.
	for _, p := range denyPatterns {
		if p == tool {
			return Result{
				Step: StepToolDenyExact, Rule: p,
				Reason: fmt.Sprintf("tool %q on server %q is denied explicitly", tool, server),
			}
		}
	}
	for _, p := range denyPatterns {
		if pattern.IsGlob(p) && pattern.Match(p, tool) {
			return Result{
				Step: StepToolDenyGlob, Rule: p,
				Reason: fmt.Sprintf("tool %q on server %q matches deny pattern %q", tool, server, p),
			}
		}
	}

	// Steps 3-4: allow checks.
	for _, p := range allowPatterns {
		if p == tool {
			return Result{
				Allowed: true, Step: StepToolAllowExact, Rule: p,
				Reason: fmt.Sprintf("tool %q on server %q is allowed explicitly", tool, server),
			}
		}
	}
	for _, p := range allowPatterns {
		if pattern.IsGlob(p) && pattern.Match(p, tool) {
			return Result{
				Allowed: true, Step: StepToolAllowGlob, Rule: p,
				Reason: fmt.Sprintf("tool %q on server %q matches allow pattern %q", tool, server, p),
			}
		}
	}

	// Step 5: implicit grant when no allowTools entry was authored for this
	// server (key absence, not an empty list).
	if !allowAuthored {
		return Result{
			Allowed: true, Step: StepImplicitGrant,
			Reason: fmt.Sprintf("server %q has no tool restrictions; server-level grant extends to %q", server, tool),
		}
	}

	// Step 6: default deny.
	return Result{
		Step: StepToolDefault,
		Reason: fmt.Sprintf("tool %q on server %q matches no allow rule", tool, server),
	}
}

// AllowedServers returns the registered server names agentID may access, in
// sorted order. Returns nil when the engine has no registry names provider.
func (e *Engine) AllowedServers(agentID string) []string {
	if e.servers == nil {
		return nil
	}
	var allowed []string
	for _, name := range e.servers.Names() {
		if e.CanAccessServer(agentID, name) {
			allowed = append(allowed, name)
		}
	}
	sort.Strings(allowed)
	return allowed
}

// DeniedReason returns the human-readable reason a query would be denied, or
// "" when it is allowed. Pass an empty tool to query server access only.
func (e *Engine) DeniedReason(agentID, server, tool string) string {
	var r Result
	if tool == "" {
		r = e.EvaluateServer(agentID, server)
	} else {
		r = e.EvaluateTool(agentID, server, tool)
	}
	if r.Allowed {
		return ""
	}
	return r.Reason
}

// lookupAgent resolves the effective rule set for agentID. When the agent is
// absent and DenyOnMissingAgent is false, the literal "default" agent's rules
// apply if present. An absent agent under DenyOnMissingAgent, or with no
// "default" entry, resolves to nothing and the caller denies.
func (e *Engine) lookupAgent(doc *rules.Document, agentID string) (rules.AgentRule, bool) {
	if agent, ok := doc.Agents[agentID]; ok {
		return agent, true
	}
	if doc.Defaults.DenyOnMissingAgent {
		return rules.AgentRule{}, false
	}
	if agent, ok := doc.Agents["default"]; ok {
		return agent, true
	}
	return rules.AgentRule{}, false
}

// evaluateServer applies the server-access precedence for a resolved agent:
// deny patterns first, then allow patterns, then default deny. A server named
// in both lists with equal specificity is denied.
func evaluateServer(agent rules.AgentRule, agentID, server string) Result {
	for _, p := range agent.DenyServers {
		if pattern.Match(p, server) {
			return Result{
				Step: StepServerDeny, Rule: p,
				Reason: fmt.Sprintf("server %q matches deny pattern %q for agent %q", server, p, agentID),
			}
		}
	}
	for _, p := range agent.AllowServers {
		if pattern.Match(p, server) {
			return Result{
				Allowed: true, Step: StepServerAllow, Rule: p,
				Reason: fmt.Sprintf("server %q matches allow pattern %q for agent %q", server, p, agentID),
			}
		}
	}
	return Result{
		Step:   StepServerDefault,
		Reason: fmt.Sprintf("server %q matches no allow pattern for agent %q", server, agentID),
	}
}

// toolPatterns collects the tool patterns from a server-pattern-keyed map for
// a concrete server name. authored is true when at least one key matched,
// even if the union of patterns is empty; the implicit grant hinges on it.
func toolPatterns(m map[string][]string, server string) (patterns []string, authored bool) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if pattern.Match(k, server) {
			authored = true
			patterns = append(patterns, m[k]...)
		}
	}
	return patterns, authored
}
