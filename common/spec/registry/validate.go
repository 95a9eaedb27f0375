package registry

import (
	_ "embed"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Sekimon/common/environment"
	"github.com/bdobrica/Sekimon/common/pattern"
	"github.com/bdobrica/Sekimon/common/spec/rules"
)

//go:embed schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("registry.json", schemaJSON)

// Parse decodes a server registry document (JSON or YAML), validates it, and
// expands ${NAME} placeholders against lookup (nil means the process
// environment). An unresolved placeholder is a structural error; the error
// names the variable and the field it appeared in.
func Parse(data []byte, lookup environment.LookupFunc) (*Document, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("registry parse: %w", err)
	}
	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("registry schema: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("registry decode: %w", err)
	}
	if err := Validate(&doc, lookup); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks every entry for transport-kind correctness and expands
// environment placeholders in place. The first error encountered is returned.
func Validate(doc *Document, lookup environment.LookupFunc) error {
	if doc == nil {
		return fmt.Errorf("registry document must not be nil")
	}

	for name, entry := range doc.Servers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("servers: name must not be empty")
		}
		normalized, err := validateEntry(entry, lookup)
		if err != nil {
			return fmt.Errorf("servers[%q]: %w", name, err)
		}
		doc.Servers[name] = normalized
	}
	return nil
}

// validateEntry resolves the transport kind, checks the kind's required
// fields, and expands placeholders. Returns the normalized entry.
func validateEntry(e Entry, lookup environment.LookupFunc) (Entry, error) {
	hasCommand := e.Command != ""
	hasURL := e.URL != ""

	switch {
	case hasCommand && hasURL:
		return e, fmt.Errorf("command and url are mutually exclusive")
	case e.Transport == TransportStdio && !hasCommand:
		return e, fmt.Errorf("stdio transport requires a command")
	case e.Transport == TransportHTTP && !hasURL:
		return e, fmt.Errorf("http transport requires a url")
	case e.Transport == "" && !hasCommand && !hasURL:
		return e, fmt.Errorf("entry must specify a command (stdio) or a url (http)")
	}

	if e.Transport == "" {
		if hasCommand {
			e.Transport = TransportStdio
		} else {
			e.Transport = TransportHTTP
		}
	}

	var err error
	if e.Command, err = expandField("command", e.Command, lookup); err != nil {
		return e, err
	}
	for i, arg := range e.Args {
		if e.Args[i], err = expandField(fmt.Sprintf("args[%d]", i), arg, lookup); err != nil {
			return e, err
		}
	}
	if e.Env, err = expandMap("env", e.Env, lookup); err != nil {
		return e, err
	}
	if e.URL, err = expandField("url", e.URL, lookup); err != nil {
		return e, err
	}
	if e.Headers, err = expandMap("headers", e.Headers, lookup); err != nil {
		return e, err
	}

	if e.Transport == TransportHTTP {
		u, err := url.Parse(e.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return e, fmt.Errorf("url %q is not an absolute URL", e.URL)
		}
	}
	return e, nil
}

func expandField(field, value string, lookup environment.LookupFunc) (string, error) {
	expanded, err := environment.Expand(value, lookup)
	if err != nil {
		return "", fmt.Errorf("%s: %w", field, err)
	}
	return expanded, nil
}

func expandMap(field string, m map[string]string, lookup environment.LookupFunc) (map[string]string, error) {
	if len(m) == 0 {
		return m, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		expanded, err := environment.Expand(v, lookup)
		if err != nil {
			return nil, fmt.Errorf("%s[%q]: %w", field, k, err)
		}
		out[k] = expanded
	}
	return out, nil
}

// CrossValidate checks rule document references against the registry. Every
// non-wildcard server reference that matches no registered name yields a
// warning. Warnings never block a reload: rules for a temporarily-removed
// backend stay in the document and are simply inert until it returns.
func CrossValidate(rulesDoc *rules.Document, reg *Document) []string {
	if rulesDoc == nil || reg == nil {
		return nil
	}
	names := reg.Names()

	var warnings []string
	for _, agentID := range sortedAgentIDs(rulesDoc) {
		agent := rulesDoc.Agents[agentID]
		warn := func(field, ref string) {
			warnings = append(warnings,
				fmt.Sprintf("agent %q: %s references unknown server %q", agentID, field, ref))
		}
		checkRefs(agent.AllowServers, names, "allowServers", warn)
		checkRefs(agent.DenyServers, names, "denyServers", warn)
		checkRefs(mapKeys(agent.AllowTools), names, "allowTools", warn)
		checkRefs(mapKeys(agent.DenyTools), names, "denyTools", warn)
	}
	return warnings
}

// checkRefs reports refs that match no registered server name. Glob patterns
// that currently match nothing are also reported; they may legitimately be
// forward references, which is exactly why this is a warning and not an error.
func checkRefs(refs, names []string, field string, warn func(field, ref string)) {
	for _, ref := range refs {
		matched := false
		for _, name := range names {
			if pattern.Match(ref, name) {
				matched = true
				break
			}
		}
		if !matched {
			warn(field, ref)
		}
	}
}

func mapKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedAgentIDs(doc *rules.Document) []string {
	ids := doc.AgentIDs()
	sort.Strings(ids)
	return ids
}
