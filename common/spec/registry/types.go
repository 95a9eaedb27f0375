// Package registry defines the Sekimon server registry document: the set of
// backend tool servers the gateway can proxy to, keyed by server name.
//
// Like the rule document, a parsed Document is immutable; hot reload replaces
// the whole structure.
package registry

import "sort"

// Transport is the connection kind of a registry entry.
type Transport string

const (
	// TransportStdio is a local process speaking MCP over stdin/stdout.
	TransportStdio Transport = "stdio"
	// TransportHTTP is a remote MCP endpoint reached over HTTP.
	TransportHTTP Transport = "http"
)

// Document is the root type of a server registry document.
type Document struct {
	// Servers maps a server name to its connection descriptor.
	Servers map[string]Entry `yaml:"servers" json:"servers"`
}

// Entry describes how to reach one backend server. Exactly one transport kind
// must be specified: a stdio entry carries Command (plus optional Args/Env),
// an http entry carries URL (plus optional Headers). The kind may be given
// explicitly in Transport or inferred from which field is set.
//
// All string fields support ${NAME} environment placeholders, resolved at
// validation time. Expanded values may contain credentials; anything derived
// from Env or Headers must pass through redact before leaving the process.
type Entry struct {
	// Transport is the explicit transport kind. Optional; inferred from
	// Command/URL when empty. Validate normalizes it.
	Transport Transport `yaml:"transport,omitempty" json:"transport,omitempty"`

	// Command is the binary to execute for a stdio server.
	Command string `yaml:"command,omitempty" json:"command,omitempty"`

	// Args are the command-line arguments for a stdio server.
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`

	// Env holds extra environment variables for the stdio server process.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// URL is the endpoint of an http server.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// Headers are sent with every request to an http server.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// Description is a human-readable note, surfaced in diagnostics only.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Names returns the registered server names in sorted order.
func (d *Document) Names() []string {
	names := make([]string, 0, len(d.Servers))
	for name := range d.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether the named server is registered.
func (d *Document) Has(name string) bool {
	_, ok := d.Servers[name]
	return ok
}
