// Package conns owns the live connections to backend MCP servers. Entries
// arrive from registry reloads; connections are dialed lazily on first use
// and released when their entry disappears or changes.
package conns

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/bdobrica/Sekimon/common/spec/registry"
	"github.com/bdobrica/Sekimon/internal/sekimon/mcp"
)

// DialFunc establishes a connection to one registry entry. Tests inject a
// fake; production uses Dial.
type DialFunc func(ctx context.Context, name string, entry registry.Entry) (mcp.Conn, error)

// Dial connects to entry using the transport its registry entry declares.
func Dial(ctx context.Context, name string, entry registry.Entry) (mcp.Conn, error) {
	switch entry.Transport {
	case registry.TransportStdio:
		env := os.Environ()
		for k, v := range entry.Env {
			env = append(env, k+"="+v)
		}
		return mcp.DialStdio(ctx, name, entry.Command, entry.Args, env)
	case registry.TransportHTTP:
		return mcp.DialHTTP(ctx, name, entry.URL, entry.Headers)
	default:
		return nil, fmt.Errorf("server %s: unsupported transport %q", name, entry.Transport)
	}
}

// Manager maps server names to live connections. It implements the reload
// coordinator's Notifier so registry diffs keep the connection set current.
type Manager struct {
	dial DialFunc

	mu       sync.Mutex
	entries  map[string]registry.Entry
	conns    map[string]mcp.Conn
	inflight map[string]chan struct{}
}

// NewManager creates an empty manager. A nil dial uses Dial.
func NewManager(dial DialFunc) *Manager {
	if dial == nil {
		dial = Dial
	}
	return &Manager{
		dial:     dial,
		entries:  make(map[string]registry.Entry),
		conns:    make(map[string]mcp.Conn),
		inflight: make(map[string]chan struct{}),
	}
}

// ServerAdded registers an entry for lazy connection on first use.
func (m *Manager) ServerAdded(name string, entry registry.Entry) {
	m.mu.Lock()
	m.entries[name] = entry
	m.mu.Unlock()
	slog.Debug("server registered", "name", name, "transport", entry.Transport)
}

// ServerRemoved drops an entry and closes its live connection, if any.
func (m *Manager) ServerRemoved(name string) {
	m.mu.Lock()
	delete(m.entries, name)
	conn := m.conns[name]
	delete(m.conns, name)
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			slog.Warn("closing server connection", "name", name, "error", err)
		}
		slog.Info("server connection released", "name", name)
	}
}

// Get returns the connection for name, dialing on first use. Dials serialize
// per server: concurrent callers for the same server wait on a single dial,
// while callers for other servers proceed without holding the manager lock.
func (m *Manager) Get(ctx context.Context, name string) (mcp.Conn, error) {
	for {
		m.mu.Lock()
		if conn, ok := m.conns[name]; ok {
			m.mu.Unlock()
			return conn, nil
		}
		entry, ok := m.entries[name]
		if !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("server %s is not registered", name)
		}
		if wait, ok := m.inflight[name]; ok {
			m.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return nil, fmt.Errorf("connect to server %s: %w", name, ctx.Err())
			}
			continue
		}
		done := make(chan struct{})
		m.inflight[name] = done
		m.mu.Unlock()

		conn, err := m.dial(ctx, name, entry)

		m.mu.Lock()
		delete(m.inflight, name)
		close(done)
		if err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("connect to server %s: %w", name, err)
		}
		if _, ok := m.entries[name]; !ok {
			m.mu.Unlock()
			conn.Close()
			return nil, fmt.Errorf("server %s was removed during connect", name)
		}
		m.conns[name] = conn
		m.mu.Unlock()
		return conn, nil
	}
}

// Names returns the registered server names, connected or not.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for name := range m.entries {
		out = append(out, name)
	}
	return out
}

// CloseAll releases every live connection. The entry set is kept so servers
// can be re-dialed later.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]mcp.Conn)
	m.mu.Unlock()

	for name, conn := range conns {
		if err := conn.Close(); err != nil {
			slog.Warn("closing server connection", "name", name, "error", err)
		}
	}
}
