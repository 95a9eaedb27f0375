// Package rules defines the Sekimon rule document: per-agent allow/deny rules
// for backend server and tool access, plus global defaults.
//
// A Document is immutable once constructed. Hot reload never mutates a live
// Document; it parses and validates a brand-new one and swaps the pointer.
package rules

// Document is the root type of a rule document.
type Document struct {
	// Agents maps an agent identifier to its rule set.
	Agents map[string]AgentRule `yaml:"agents" json:"agents"`

	// Defaults holds the document-wide policy defaults.
	Defaults Defaults `yaml:"defaults,omitempty" json:"defaults,omitempty"`
}

// Defaults holds document-wide policy switches.
type Defaults struct {
	// DenyOnMissingAgent, when true, requires every request to carry an
	// explicit agent identifier; identity fallback and the literal "default"
	// agent are not consulted, and queries for unknown agents are denied.
	DenyOnMissingAgent bool `yaml:"denyOnMissingAgent,omitempty" json:"denyOnMissingAgent,omitempty"`
}

// AgentRule is one agent's policy.
//
// AllowTools and DenyTools are keyed by server pattern. The absence of a key
// matching a server is semantically distinct from a key mapping to an empty
// list: no key means "no tool restriction was authored" and the server-level
// grant extends to every tool on that server (implicit grant), while an empty
// list means "nothing is allowed".
type AgentRule struct {
	// AllowServers lists server-name patterns this agent may access.
	AllowServers []string `yaml:"allowServers,omitempty" json:"allowServers,omitempty"`

	// DenyServers lists server-name patterns this agent must never access.
	// Deny entries are checked before allow entries and always win.
	DenyServers []string `yaml:"denyServers,omitempty" json:"denyServers,omitempty"`

	// AllowTools maps a server pattern to the tool-name patterns allowed on
	// matching servers.
	AllowTools map[string][]string `yaml:"allowTools,omitempty" json:"allowTools,omitempty"`

	// DenyTools maps a server pattern to the tool-name patterns denied on
	// matching servers.
	DenyTools map[string][]string `yaml:"denyTools,omitempty" json:"denyTools,omitempty"`
}

// AgentIDs returns the agent identifiers present in the document.
func (d *Document) AgentIDs() []string {
	ids := make([]string, 0, len(d.Agents))
	for id := range d.Agents {
		ids = append(ids, id)
	}
	return ids
}
