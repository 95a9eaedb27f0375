// Package control implements the gateway's operator HTTP surface.
//
// Endpoints:
//
//	GET  /health       → HealthResponse
//	GET  /status       → StatusResponse (reload counters, document hashes)
//	GET  /diagnostics  → DiagnosticsResponse; 404 unless debug mode is on,
//	                     since it reveals the policy structure itself
//	POST /reload       → re-validates and re-applies both documents
//
// Bearer-token authentication: set Handlers.Token to require
// "Authorization: Bearer <token>" on every request. When Token is empty
// authentication is disabled (dev/test mode).
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bdobrica/Sekimon/internal/sekimon/reload"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Version     string                            `json:"version"`
	Uptime      float64                           `json:"uptime_seconds"`
	StartedAt   time.Time                         `json:"started_at"`
	RulesHash   string                            `json:"rules_hash"`
	ServersHash string                            `json:"servers_hash"`
	Reloads     map[reload.Document]reload.Status `json:"reloads"`
}

// DiagnosticsResponse is returned by GET /diagnostics when debug mode is on.
type DiagnosticsResponse struct {
	RulesPath   string                            `json:"rules_path"`
	ServersPath string                            `json:"servers_path"`
	Agents      []string                          `json:"agents"`
	Servers     []string                          `json:"servers"`
	Reloads     map[reload.Document]reload.Status `json:"reloads"`
}

// Handlers bundles the callbacks the server delegates to.
type Handlers struct {
	// Version is the gateway version string.
	Version string
	// StartedAt is the time the binary started.
	StartedAt time.Time

	// Token, when non-empty, is the expected bearer token for all requests.
	// When empty, authentication is disabled (useful in local dev/test).
	Token string

	// Debug enables GET /diagnostics. Off by default because the response
	// exposes the policy structure.
	Debug bool

	// RulesHash returns the hash of the applied rule document.
	RulesHash func() string
	// ServersHash returns the hash of the applied server registry.
	ServersHash func() string
	// Statuses returns the per-document reload histories.
	Statuses func() map[reload.Document]reload.Status
	// AgentIDs returns the agent identifiers known to the rule document.
	AgentIDs func() []string
	// ServerNames returns the registered server names.
	ServerNames func() []string
	// Paths returns the watched rule and registry file paths.
	Paths func() (rulesPath, serversPath string)
	// Reload re-validates and re-applies both documents. When nil the
	// /reload endpoint returns 503 Service Unavailable.
	Reload func(ctx context.Context) error
}

// Server is the operator HTTP server.
type Server struct {
	addr     string
	handlers Handlers
	server   *http.Server
}

// New creates a Server listening on addr.
func New(addr string, h Handlers) *Server {
	s := &Server{addr: addr, handlers: h}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("/reload", s.handleReload)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.authMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// authMiddleware rejects requests that do not carry the correct bearer token.
// When Handlers.Token is empty, all requests are allowed (dev/test mode).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.handlers.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if auth[len("Bearer "):] != s.handlers.Token {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins listening. It returns once the listener is bound so callers
// can immediately start sending requests.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("control listen %s: %w", s.addr, err)
	}
	slog.Info("control server listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("control server error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.server.Shutdown(context.Background())
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := StatusResponse{
		Version:   s.handlers.Version,
		Uptime:    time.Since(s.handlers.StartedAt).Seconds(),
		StartedAt: s.handlers.StartedAt,
	}
	if s.handlers.RulesHash != nil {
		resp.RulesHash = s.handlers.RulesHash()
	}
	if s.handlers.ServersHash != nil {
		resp.ServersHash = s.handlers.ServersHash()
	}
	if s.handlers.Statuses != nil {
		resp.Reloads = s.handlers.Statuses()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Indistinguishable from an unknown route when debug mode is off.
	if !s.handlers.Debug {
		http.NotFound(w, r)
		return
	}

	var resp DiagnosticsResponse
	if s.handlers.Paths != nil {
		resp.RulesPath, resp.ServersPath = s.handlers.Paths()
	}
	if s.handlers.AgentIDs != nil {
		resp.Agents = s.handlers.AgentIDs()
	}
	if s.handlers.ServerNames != nil {
		resp.Servers = s.handlers.ServerNames()
	}
	if s.handlers.Statuses != nil {
		resp.Reloads = s.handlers.Statuses()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.handlers.Reload == nil {
		writeError(w, http.StatusServiceUnavailable, "reload not available")
		return
	}

	slog.Info("control: reload requested")
	if err := s.handlers.Reload(r.Context()); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// TestHandler exposes the server's HTTP handler for use in httptest.NewServer.
// This is only intended for tests.
func (s *Server) TestHandler() http.Handler {
	return s.server.Handler
}
