// Package audit persists gateway history: every authorization decision,
// every reload attempt, and the hash of each currently applied configuration
// document.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite connection holding the audit tables.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at dbPath and runs all pending
// migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -32000",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// DB returns the raw *sql.DB for ad-hoc queries.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// runMigrations applies any SQL files not yet recorded in schema_migrations.
func (s *Store) runMigrations() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	_ = s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current)

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		parts := strings.SplitN(e.Name(), "_", 2)
		if len(parts) < 2 {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}
		description := strings.TrimSuffix(parts[1], ".sql")

		content, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration tx: %w", err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", e.Name(), err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
			version, description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", e.Name(), err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", e.Name(), err)
		}
		slog.Info("applied migration", "version", version, "description", description)
	}
	return nil
}

// Decision is one recorded authorization outcome.
type Decision struct {
	ID        string    `json:"id"`
	TraceID   string    `json:"traceId,omitempty"`
	AgentID   string    `json:"agentId"`
	Server    string    `json:"server"`
	Tool      string    `json:"tool,omitempty"`
	Allowed   bool      `json:"allowed"`
	Step      string    `json:"step"`
	Rule      string    `json:"rule,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// RecordDecision appends one authorization outcome to decision_log and
// returns its generated ID.
func (s *Store) RecordDecision(ctx context.Context, d Decision) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decision_log (decision_id, trace_id, agent_id, server, tool, allowed, step, rule, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, nullableString(d.TraceID), d.AgentID, d.Server, nullableString(d.Tool),
		d.Allowed, d.Step, nullableString(d.Rule), nullableString(d.Reason),
	)
	if err != nil {
		return "", fmt.Errorf("record decision: %w", err)
	}
	return id, nil
}

// RecentDecisions returns the newest entries of decision_log, newest first.
func (s *Store) RecentDecisions(ctx context.Context, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT decision_id, COALESCE(trace_id, ''), agent_id, server, COALESCE(tool, ''),
		       allowed, step, COALESCE(rule, ''), COALESCE(reason, ''), created_at
		FROM decision_log ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.ID, &d.TraceID, &d.AgentID, &d.Server, &d.Tool,
			&d.Allowed, &d.Step, &d.Rule, &d.Reason, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecordReload appends one reload attempt to reload_log. It satisfies the
// reload coordinator's Recorder interface.
func (s *Store) RecordReload(ctx context.Context, doc string, success bool, errMsg string, warnings []string) {
	var warningsJSON *string
	if len(warnings) > 0 {
		if b, err := json.Marshal(warnings); err == nil {
			v := string(b)
			warningsJSON = &v
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reload_log (reload_id, document, success, error_msg, warnings_json)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), doc, success, nullableString(errMsg), warningsJSON,
	)
	if err != nil {
		slog.Warn("recording reload attempt", "document", doc, "error", err)
	}
}

// ReloadEntry is one recorded reload attempt.
type ReloadEntry struct {
	ID        string    `json:"id"`
	Document  string    `json:"document"`
	Success   bool      `json:"success"`
	ErrorMsg  string    `json:"errorMsg,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// RecentReloads returns the newest entries of reload_log, newest first.
func (s *Store) RecentReloads(ctx context.Context, limit int) ([]ReloadEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT reload_id, document, success, COALESCE(error_msg, ''), COALESCE(warnings_json, ''), created_at
		FROM reload_log ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReloadEntry
	for rows.Next() {
		var e ReloadEntry
		var warningsJSON string
		if err := rows.Scan(&e.ID, &e.Document, &e.Success, &e.ErrorMsg, &warningsJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		if warningsJSON != "" {
			_ = json.Unmarshal([]byte(warningsJSON), &e.Warnings)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveAppliedDocument stores (or replaces) the hash of the currently applied
// version of a configuration document.
func (s *Store) SaveAppliedDocument(ctx context.Context, document, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO applied_documents (document, hash, applied_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(document) DO UPDATE SET
			hash       = excluded.hash,
			applied_at = excluded.applied_at`,
		document, hash,
	)
	return err
}

// LoadAppliedDocument retrieves the hash of the last applied version of a
// document. Returns ("", nil) when the document has never been applied.
func (s *Store) LoadAppliedDocument(ctx context.Context, document string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		"SELECT hash FROM applied_documents WHERE document = ?", document,
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return hash, err
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
