// Package reload orchestrates configuration reloads: it reads a changed
// document from disk, validates it off-lock, swaps it into the live loader on
// success, and keeps a per-document status history for diagnostics. A failed
// reload of one document never disturbs the other document's cycle or either
// live structure.
package reload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/bdobrica/Sekimon/common/retry"
	"github.com/bdobrica/Sekimon/common/spec/registry"
	"github.com/bdobrica/Sekimon/internal/sekimon/config"
)

// Notifier receives registry diff events so the connection layer can release
// stale connections and pick up new entries lazily. A changed entry is
// delivered as remove-then-add.
type Notifier interface {
	ServerAdded(name string, entry registry.Entry)
	ServerRemoved(name string)
}

// Recorder persists the outcome of each reload attempt. Optional.
type Recorder interface {
	RecordReload(ctx context.Context, doc string, success bool, errMsg string, warnings []string)
}

// readRetry covers the window where an editor's atomic rename has removed
// the old file but not yet linked the replacement.
var readRetry = retry.Config{
	MaxAttempts:  3,
	InitialDelay: 25 * time.Millisecond,
	MaxDelay:     200 * time.Millisecond,
	ShouldRetry:  func(err error) bool { return errors.Is(err, os.ErrNotExist) },
}

// Coordinator drives reloads of the rule document and the server registry.
type Coordinator struct {
	rulesPath   string
	serversPath string
	rules       *config.RuleLoader
	servers     *config.RegistryLoader
	notifier    Notifier
	recorder    Recorder

	// Each document reloads under its own lock so a slow or failing reload
	// of one cannot stall the other.
	rulesTrack   track
	serversTrack track
}

type track struct {
	mu     sync.Mutex
	status Status
}

// New creates a coordinator over the two live loaders. notifier and recorder
// may be nil.
func New(rulesPath, serversPath string, rules *config.RuleLoader, servers *config.RegistryLoader, notifier Notifier, recorder Recorder) *Coordinator {
	return &Coordinator{
		rulesPath:   rulesPath,
		serversPath: serversPath,
		rules:       rules,
		servers:     servers,
		notifier:    notifier,
		recorder:    recorder,
	}
}

// RulesPath returns the watched rule document path.
func (c *Coordinator) RulesPath() string { return c.rulesPath }

// ServersPath returns the watched server registry path.
func (c *Coordinator) ServersPath() string { return c.serversPath }

// ReloadRules re-reads, validates, and applies the rule document. The live
// document is retained unchanged when any stage fails.
func (c *Coordinator) ReloadRules(ctx context.Context) error {
	c.rulesTrack.mu.Lock()
	defer c.rulesTrack.mu.Unlock()

	st := &c.rulesTrack.status
	st.LastAttempt = time.Now()
	st.AttemptCount++

	err := c.reloadRulesLocked(ctx, st)
	if err != nil {
		st.State = StateRollingBack
		st.LastError = err.Error()
		slog.Error("rule document reload failed, previous document retained",
			"path", c.rulesPath, "error", err)
	} else {
		st.SuccessCount++
		st.LastSuccess = time.Now()
		st.LastError = ""
	}
	st.State = StateIdle

	c.record(ctx, DocumentRules, err, st.LastWarnings)
	return err
}

func (c *Coordinator) reloadRulesLocked(ctx context.Context, st *Status) error {
	data, err := c.readFile(ctx, c.rulesPath)
	if err != nil {
		return err
	}

	st.State = StateValidating
	doc, err := c.rules.Validate(data)
	if err != nil {
		return fmt.Errorf("validate rule document: %w", err)
	}

	// Cross-reference warnings are advisory: rules naming an unregistered
	// server stay inert until that server appears.
	st.LastWarnings = nil
	if reg := c.servers.Registry(); reg != nil {
		st.LastWarnings = registry.CrossValidate(doc, reg)
		for _, w := range st.LastWarnings {
			slog.Warn("rule document cross-reference", "warning", w)
		}
	}

	st.State = StateApplying
	c.rules.Install(doc, data)
	return nil
}

// ReloadServers re-reads, validates, and applies the server registry, then
// diffs old against new and notifies the connection layer.
func (c *Coordinator) ReloadServers(ctx context.Context) error {
	c.serversTrack.mu.Lock()
	defer c.serversTrack.mu.Unlock()

	st := &c.serversTrack.status
	st.LastAttempt = time.Now()
	st.AttemptCount++

	err := c.reloadServersLocked(ctx, st)
	if err != nil {
		st.State = StateRollingBack
		st.LastError = err.Error()
		slog.Error("server registry reload failed, previous registry retained",
			"path", c.serversPath, "error", err)
	} else {
		st.SuccessCount++
		st.LastSuccess = time.Now()
		st.LastError = ""
	}
	st.State = StateIdle

	c.record(ctx, DocumentServers, err, st.LastWarnings)
	return err
}

func (c *Coordinator) reloadServersLocked(ctx context.Context, st *Status) error {
	data, err := c.readFile(ctx, c.serversPath)
	if err != nil {
		return err
	}

	st.State = StateValidating
	doc, err := c.servers.Validate(data)
	if err != nil {
		return fmt.Errorf("validate server registry: %w", err)
	}

	st.LastWarnings = nil
	if rd := c.rules.Rules(); rd != nil {
		st.LastWarnings = registry.CrossValidate(rd, doc)
		for _, w := range st.LastWarnings {
			slog.Warn("server registry cross-reference", "warning", w)
		}
	}

	st.State = StateApplying
	old := c.servers.Registry()
	c.servers.Install(doc, data)
	c.notifyDiff(old, doc)
	return nil
}

// ReloadAll runs both reload sequences, used by the manual trigger. Both
// documents are attempted even when the first fails.
func (c *Coordinator) ReloadAll(ctx context.Context) error {
	return errors.Join(c.ReloadServers(ctx), c.ReloadRules(ctx))
}

// Statuses returns a snapshot of both documents' reload histories.
func (c *Coordinator) Statuses() map[Document]Status {
	out := make(map[Document]Status, 2)

	c.rulesTrack.mu.Lock()
	out[DocumentRules] = snapshot(c.rulesTrack.status)
	c.rulesTrack.mu.Unlock()

	c.serversTrack.mu.Lock()
	out[DocumentServers] = snapshot(c.serversTrack.status)
	c.serversTrack.mu.Unlock()

	return out
}

func snapshot(st Status) Status {
	st.LastWarnings = append([]string(nil), st.LastWarnings...)
	return st
}

func (c *Coordinator) readFile(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := retry.Do(ctx, readRetry, func() error {
		var readErr error
		data, readErr = os.ReadFile(path)
		return readErr
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (c *Coordinator) notifyDiff(old, next *registry.Document) {
	if c.notifier == nil {
		return
	}

	var oldServers map[string]registry.Entry
	if old != nil {
		oldServers = old.Servers
	}

	for name, prev := range oldServers {
		if !next.Has(name) {
			c.notifier.ServerRemoved(name)
			continue
		}
		if entry := next.Servers[name]; !reflect.DeepEqual(prev, entry) {
			c.notifier.ServerRemoved(name)
			c.notifier.ServerAdded(name, entry)
		}
	}
	for name, entry := range next.Servers {
		if _, ok := oldServers[name]; !ok {
			c.notifier.ServerAdded(name, entry)
		}
	}
}

func (c *Coordinator) record(ctx context.Context, doc Document, err error, warnings []string) {
	if c.recorder == nil {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	c.recorder.RecordReload(ctx, string(doc), err == nil, msg, warnings)
}
