// Sekimon is an access-control gateway for MCP tool servers.
//
// All configuration is loaded from environment variables. The gateway loads
// its rule document and server registry from disk, watches both files for
// edits, and re-applies them live; the policy decisions it serves never
// observe a partially-applied configuration.
//
// Required environment variables:
//
//	SEKIMON_RULES_FILE    - path to the rule document (agent allow/deny rules)
//	SEKIMON_SERVERS_FILE  - path to the server registry document
//
// Optional environment variables:
//
//	SEKIMON_DB_PATH       - path to the SQLite audit database (default: /data/sekimon.db)
//	SEKIMON_CONTROL_ADDR  - control HTTP server listen address (default ":8710")
//	SEKIMON_CONTROL_TOKEN - bearer token for the control server (default: auth disabled)
//	SEKIMON_DEFAULT_AGENT - fallback agent identity for requests without one
//	SEKIMON_DEBOUNCE      - watcher debounce window, e.g. "200ms"
//	SEKIMON_DEBUG         - "true" enables the /diagnostics endpoint
//	LOG_LEVEL             - "debug", "info", "warn", "error" (default: "info")
//	LOG_FORMAT            - "text" or "json" (default: "text")
package main

import (
	"log/slog"
	"os"

	"github.com/bdobrica/Sekimon/common/environment"
	"github.com/bdobrica/Sekimon/internal/sekimon/app"
)

func main() {
	rulesPath, err := environment.RequiredString("SEKIMON_RULES_FILE")
	if err != nil {
		slog.Error("configuration error", "err", err)
		os.Exit(1)
	}
	serversPath, err := environment.RequiredString("SEKIMON_SERVERS_FILE")
	if err != nil {
		slog.Error("configuration error", "err", err)
		os.Exit(1)
	}

	controlToken, _ := environment.String("SEKIMON_CONTROL_TOKEN")
	defaultAgent, _ := environment.String("SEKIMON_DEFAULT_AGENT")

	cfg := &app.Config{
		RulesPath:      rulesPath,
		ServersPath:    serversPath,
		DatabasePath:   environment.StringOr("SEKIMON_DB_PATH", "/data/sekimon.db"),
		ControlAddr:    environment.StringOr("SEKIMON_CONTROL_ADDR", ":8710"),
		ControlToken:   controlToken,
		DefaultAgent:   defaultAgent,
		DebounceWindow: environment.DurationOr("SEKIMON_DEBOUNCE", 0),
		Debug:          environment.BoolOr("SEKIMON_DEBUG", false),
		LogLevel:       environment.StringOr("LOG_LEVEL", "info"),
		LogFormat:      environment.StringOr("LOG_FORMAT", "text"),
	}

	gateway, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialize Sekimon", "err", err)
		os.Exit(1)
	}

	if err := gateway.Run(); err != nil {
		slog.Error("Sekimon exited with error", "err", err)
		os.Exit(1)
	}
}
