package rules

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Sekimon/common/pattern"
)

//go:embed schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("rules.json", schemaJSON)

// Parse decodes a rule document (JSON or YAML; JSON is a YAML subset) and
// validates it structurally. It is the canonical entry point for loading rule
// documents; a non-nil error means the candidate must be discarded without
// touching any live state.
func Parse(data []byte) (*Document, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("rules parse: %w", err)
	}
	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("rules schema: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("rules decode: %w", err)
	}
	if err := Validate(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks a Document for structural correctness. It returns the first
// validation error encountered, or nil if the document is valid.
func Validate(doc *Document) error {
	if doc == nil {
		return fmt.Errorf("rule document must not be nil")
	}

	for id, agent := range doc.Agents {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("agents: identifier must not be empty")
		}
		if err := validateAgent(agent); err != nil {
			return fmt.Errorf("agents[%q]: %w", id, err)
		}
	}
	return nil
}

func validateAgent(a AgentRule) error {
	if err := validatePatterns("allowServers", a.AllowServers); err != nil {
		return err
	}
	if err := validatePatterns("denyServers", a.DenyServers); err != nil {
		return err
	}
	if err := validateToolMap("allowTools", a.AllowTools); err != nil {
		return err
	}
	return validateToolMap("denyTools", a.DenyTools)
}

func validatePatterns(field string, patterns []string) error {
	for _, p := range patterns {
		if !pattern.Valid(p) {
			return fmt.Errorf("%s: malformed pattern %q (wildcard allowed only at start, end, or alone)", field, p)
		}
	}
	return nil
}

func validateToolMap(field string, m map[string][]string) error {
	for server, tools := range m {
		if !pattern.Valid(server) {
			return fmt.Errorf("%s: malformed server pattern %q (wildcard allowed only at start, end, or alone)", field, server)
		}
		for _, p := range tools {
			if !pattern.Valid(p) {
				return fmt.Errorf("%s[%q]: malformed tool pattern %q (wildcard allowed only at start, end, or alone)", field, server, p)
			}
		}
	}
	return nil
}
