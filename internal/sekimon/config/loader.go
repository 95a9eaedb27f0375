// Package config holds the live configuration structures of the gateway: the
// active rule document and the active server registry. Each loader is the
// authoritative source of its structure and allows safe hot-swaps.
//
// The swap discipline implements the reload consistency contract: parsing and
// validation of a candidate happen entirely off-lock; the lock is held only
// for the pointer assignment, so a decision query always observes either the
// old or the new document in full, never a mix, and never blocks on reload
// I/O. A failed validation leaves the live structure untouched.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/bdobrica/Sekimon/common/environment"
	"github.com/bdobrica/Sekimon/common/spec/registry"
	"github.com/bdobrica/Sekimon/common/spec/rules"
)

// RuleLoader holds the active rule document.
type RuleLoader struct {
	mu   sync.RWMutex
	doc  *rules.Document
	hash string
}

// NewRuleLoader creates an empty RuleLoader with no document loaded yet.
func NewRuleLoader() *RuleLoader {
	return &RuleLoader{}
}

// Validate parses and validates data as a candidate rule document without
// touching the live one. Used by the reload coordinator's validating stage.
func (l *RuleLoader) Validate(data []byte) (*rules.Document, error) {
	return rules.Parse(data)
}

// Install atomically replaces the live document with a validated candidate.
func (l *RuleLoader) Install(doc *rules.Document, data []byte) {
	hash := digest(data)

	l.mu.Lock()
	l.doc = doc
	l.hash = hash
	l.mu.Unlock()

	slog.Info("rule document applied", "agents", len(doc.Agents), "hash", hash[:12])
}

// Apply validates and installs data in one step. It returns an error without
// modifying the live document if validation fails.
func (l *RuleLoader) Apply(data []byte) error {
	doc, err := l.Validate(data)
	if err != nil {
		return err
	}
	l.Install(doc, data)
	return nil
}

// LoadFile reads a rule document from disk, validates it, and applies it.
func (l *RuleLoader) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rule document: %w", err)
	}
	return l.Apply(data)
}

// Rules returns the current live rule document, or nil when none is loaded.
// Satisfies policy.RulesProvider.
func (l *RuleLoader) Rules() *rules.Document {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.doc
}

// Hash returns the SHA-256 hex digest of the applied document bytes, or ""
// when no document is loaded.
func (l *RuleLoader) Hash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hash
}

// RegistryLoader holds the active server registry.
type RegistryLoader struct {
	mu     sync.RWMutex
	doc    *registry.Document
	hash   string
	lookup environment.LookupFunc
}

// NewRegistryLoader creates an empty RegistryLoader. lookup resolves ${NAME}
// placeholders during validation; nil uses the process environment.
func NewRegistryLoader(lookup environment.LookupFunc) *RegistryLoader {
	return &RegistryLoader{lookup: lookup}
}

// Validate parses and validates data as a candidate registry without touching
// the live one.
func (l *RegistryLoader) Validate(data []byte) (*registry.Document, error) {
	return registry.Parse(data, l.lookup)
}

// Install atomically replaces the live registry with a validated candidate.
func (l *RegistryLoader) Install(doc *registry.Document, data []byte) {
	hash := digest(data)

	l.mu.Lock()
	l.doc = doc
	l.hash = hash
	l.mu.Unlock()

	slog.Info("server registry applied", "servers", len(doc.Servers), "hash", hash[:12])
}

// Apply validates and installs data in one step.
func (l *RegistryLoader) Apply(data []byte) error {
	doc, err := l.Validate(data)
	if err != nil {
		return err
	}
	l.Install(doc, data)
	return nil
}

// LoadFile reads a registry document from disk, validates it, and applies it.
func (l *RegistryLoader) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read server registry: %w", err)
	}
	return l.Apply(data)
}

// Registry returns the current live registry, or nil when none is loaded.
func (l *RegistryLoader) Registry() *registry.Document {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.doc
}

// Names returns the registered server names, sorted. Satisfies
// policy.NamesProvider. Returns nil when no registry is loaded.
func (l *RegistryLoader) Names() []string {
	doc := l.Registry()
	if doc == nil {
		return nil
	}
	return doc.Names()
}

// Hash returns the SHA-256 hex digest of the applied registry bytes.
func (l *RegistryLoader) Hash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hash
}

func digest(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
