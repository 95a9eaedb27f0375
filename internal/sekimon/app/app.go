// Package app wires all gateway subsystems and implements the request path:
// resolve the calling agent → policy decision → backend tool call → audit.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bdobrica/Sekimon/common/trace"
	"github.com/bdobrica/Sekimon/common/version"
	"github.com/bdobrica/Sekimon/internal/sekimon/audit"
	"github.com/bdobrica/Sekimon/internal/sekimon/config"
	"github.com/bdobrica/Sekimon/internal/sekimon/conns"
	"github.com/bdobrica/Sekimon/internal/sekimon/control"
	"github.com/bdobrica/Sekimon/internal/sekimon/identity"
	"github.com/bdobrica/Sekimon/internal/sekimon/mcp"
	"github.com/bdobrica/Sekimon/internal/sekimon/observability"
	"github.com/bdobrica/Sekimon/internal/sekimon/policy"
	"github.com/bdobrica/Sekimon/internal/sekimon/reload"
	"github.com/bdobrica/Sekimon/internal/sekimon/watcher"
)

// ErrDenied marks an authorization refusal, as opposed to a transport or
// configuration failure. Callers match it with errors.Is.
var ErrDenied = errors.New("denied by policy")

// Config holds the gateway application configuration. All values are
// typically loaded from environment variables by cmd/sekimon/main.go.
type Config struct {
	// RulesPath is the path to the rule document.
	RulesPath string
	// ServersPath is the path to the server registry document.
	ServersPath string

	// DatabasePath is the path to the SQLite audit database. When empty no
	// audit history is kept.
	DatabasePath string

	// ControlAddr is the TCP address for the operator HTTP server.
	// Defaults to ":8710".
	ControlAddr string
	// ControlToken, when non-empty, is the bearer token operator clients
	// must supply. When empty, authentication is disabled (dev/test mode).
	ControlToken string
	// Debug enables the /diagnostics endpoint.
	Debug bool

	// DefaultAgent is the process-wide fallback identity used when a request
	// carries no agent identifier.
	DefaultAgent string

	// DebounceWindow is the quiet period before a file change triggers a
	// reload. Zero uses the watcher default.
	DebounceWindow time.Duration

	// LogLevel is "debug", "info", "warn", or "error". Defaults to "info".
	LogLevel string
	// LogFormat is "text" or "json". Defaults to "text".
	LogFormat string
}

// App is the gateway application.
type App struct {
	cfg       *Config
	db        *audit.Store
	rules     *config.RuleLoader
	servers   *config.RegistryLoader
	engine    *policy.Engine
	resolver  identity.Resolver
	manager   *conns.Manager
	coord     *reload.Coordinator
	ctl       *control.Server
	startedAt time.Time
}

// New builds the gateway from cfg and performs the initial load of both
// configuration documents. An invalid document at startup is fatal; only
// reloads of an already-running gateway fall back to the previous version.
func New(cfg *Config) (*App, error) {
	observability.Setup(cfg.LogLevel, cfg.LogFormat)

	if cfg.RulesPath == "" || cfg.ServersPath == "" {
		return nil, fmt.Errorf("rules and servers document paths are required")
	}

	var db *audit.Store
	if cfg.DatabasePath != "" {
		var err error
		db, err = audit.New(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("open audit store: %w", err)
		}
	}

	a := &App{
		cfg:       cfg,
		db:        db,
		rules:     config.NewRuleLoader(),
		servers:   config.NewRegistryLoader(nil),
		resolver:  identity.Resolver{DefaultAgent: cfg.DefaultAgent},
		manager:   conns.NewManager(nil),
		startedAt: time.Now(),
	}

	var recorder reload.Recorder
	if db != nil {
		recorder = db
	}
	a.coord = reload.New(cfg.RulesPath, cfg.ServersPath, a.rules, a.servers, a.manager, recorder)
	a.engine = policy.New(a.rules, a.servers)

	if err := a.coord.ReloadAll(context.Background()); err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("initial configuration load: %w", err)
	}
	a.saveApplied(context.Background())

	ctlAddr := cfg.ControlAddr
	if ctlAddr == "" {
		ctlAddr = ":8710"
	}
	a.ctl = control.New(ctlAddr, control.Handlers{
		Version:     version.Version,
		StartedAt:   a.startedAt,
		Token:       cfg.ControlToken,
		Debug:       cfg.Debug,
		RulesHash:   a.rules.Hash,
		ServersHash: a.servers.Hash,
		Statuses:    a.coord.Statuses,
		AgentIDs: func() []string {
			if doc := a.rules.Rules(); doc != nil {
				return doc.AgentIDs()
			}
			return nil
		},
		ServerNames: a.servers.Names,
		Paths: func() (string, string) {
			return cfg.RulesPath, cfg.ServersPath
		},
		Reload: a.ReloadAll,
	})

	return a, nil
}

// Run starts the control server and the document watchers, then blocks until
// a shutdown signal is received. SIGHUP triggers a manual reload of both
// documents.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.ctl.Start(ctx); err != nil {
		return fmt.Errorf("start control server: %w", err)
	}

	rulesWatch, err := watcher.New(a.cfg.RulesPath, a.cfg.DebounceWindow, func() {
		a.reloadRules(context.Background())
	})
	if err != nil {
		return fmt.Errorf("watch rule document: %w", err)
	}
	serversWatch, err := watcher.New(a.cfg.ServersPath, a.cfg.DebounceWindow, func() {
		a.reloadServers(context.Background())
	})
	if err != nil {
		return fmt.Errorf("watch server registry: %w", err)
	}
	go rulesWatch.Run(ctx)
	go serversWatch.Run(ctx)

	slog.Info("gateway started",
		"version", version.Version,
		"rules", a.cfg.RulesPath,
		"servers", a.cfg.ServersPath,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for {
		sig := <-sigCh
		if sig == syscall.SIGHUP {
			slog.Info("manual reload requested via SIGHUP")
			if err := a.ReloadAll(ctx); err != nil {
				slog.Error("manual reload failed", "error", err)
			}
			continue
		}
		slog.Info("received shutdown signal")
		break
	}

	cancel()
	a.Stop()
	return nil
}

// Stop shuts down all subsystems cleanly.
func (a *App) Stop() {
	a.ctl.Stop()
	a.manager.CloseAll()
	if a.db != nil {
		a.db.Close()
	}
}

// ReloadAll re-validates and re-applies both documents, used by the SIGHUP
// handler and the control server's /reload endpoint.
func (a *App) ReloadAll(ctx context.Context) error {
	err := errors.Join(a.reloadServers(ctx), a.reloadRules(ctx))
	return err
}

func (a *App) reloadRules(ctx context.Context) error {
	if err := a.coord.ReloadRules(ctx); err != nil {
		return err
	}
	a.saveApplied(ctx)
	return nil
}

func (a *App) reloadServers(ctx context.Context) error {
	if err := a.coord.ReloadServers(ctx); err != nil {
		return err
	}
	a.saveApplied(ctx)
	return nil
}

func (a *App) saveApplied(ctx context.Context) {
	if a.db == nil {
		return
	}
	if h := a.rules.Hash(); h != "" {
		if err := a.db.SaveAppliedDocument(ctx, string(reload.DocumentRules), h); err != nil {
			slog.Warn("persisting applied document hash", "document", "rules", "error", err)
		}
	}
	if h := a.servers.Hash(); h != "" {
		if err := a.db.SaveAppliedDocument(ctx, string(reload.DocumentServers), h); err != nil {
			slog.Warn("persisting applied document hash", "document", "servers", "error", err)
		}
	}
}

// Authorize resolves the caller's identity and evaluates the policy for
// (server, tool). An empty tool checks server access only. The decision is
// recorded in the audit store; a deny is reported through the Result, not as
// an error.
func (a *App) Authorize(ctx context.Context, agentID, server, tool string) (policy.Result, error) {
	// Callers arriving without a trace ID still get a correlated audit trail.
	if trace.FromContext(ctx) == "" {
		ctx = trace.WithTraceID(ctx, trace.GenerateID())
	}

	resolved, err := a.resolver.Resolve(agentID, a.rules.Rules())
	if err != nil {
		return policy.Result{}, fmt.Errorf("resolve agent identity: %w", err)
	}

	var res policy.Result
	if tool == "" {
		res = a.engine.EvaluateServer(resolved, server)
	} else {
		res = a.engine.EvaluateTool(resolved, server, tool)
	}

	observability.WithTrace(ctx).Debug("policy decision",
		"agent", resolved, "server", server, "tool", tool,
		"allowed", res.Allowed, "step", res.Step.String())

	if a.db != nil {
		if _, err := a.db.RecordDecision(ctx, audit.Decision{
			TraceID: trace.FromContext(ctx),
			AgentID: resolved,
			Server:  server,
			Tool:    tool,
			Allowed: res.Allowed,
			Step:    res.Step.String(),
			Rule:    res.Rule,
			Reason:  res.Reason,
		}); err != nil {
			slog.Warn("recording decision", "error", err)
		}
	}
	return res, nil
}

// CallTool authorizes and proxies one tool invocation to the named backend.
// Policy refusals return an error wrapping ErrDenied.
func (a *App) CallTool(ctx context.Context, agentID, server, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	res, err := a.Authorize(ctx, agentID, server, tool)
	if err != nil {
		return nil, err
	}
	if !res.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrDenied, res.Reason)
	}

	conn, err := a.manager.Get(ctx, server)
	if err != nil {
		return nil, err
	}
	return conn.CallTool(ctx, tool, args)
}

// ListTools returns the backend's tools filtered down to those the agent may
// actually call. Server-level refusal returns ErrDenied.
func (a *App) ListTools(ctx context.Context, agentID, server string) ([]mcp.Tool, error) {
	res, err := a.Authorize(ctx, agentID, server, "")
	if err != nil {
		return nil, err
	}
	if !res.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrDenied, res.Reason)
	}

	resolved, err := a.resolver.Resolve(agentID, a.rules.Rules())
	if err != nil {
		return nil, fmt.Errorf("resolve agent identity: %w", err)
	}

	conn, err := a.manager.Get(ctx, server)
	if err != nil {
		return nil, err
	}
	tools, err := conn.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	allowed := tools[:0]
	for _, t := range tools {
		if a.engine.CanAccessTool(resolved, server, t.Name) {
			allowed = append(allowed, t)
		}
	}
	return allowed, nil
}
