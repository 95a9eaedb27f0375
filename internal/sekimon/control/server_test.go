package control_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bdobrica/Sekimon/internal/sekimon/control"
	"github.com/bdobrica/Sekimon/internal/sekimon/reload"
)

// --- helpers ---------------------------------------------------------------

type serverOpts struct {
	token     string
	debug     bool
	reloadErr error
}

func newTestServer(opts serverOpts) *control.Server {
	return control.New(":0", control.Handlers{
		Version:     "v0.0.1-test",
		StartedAt:   time.Now(),
		Token:       opts.token,
		Debug:       opts.debug,
		RulesHash:   func() string { return "rrrr" },
		ServersHash: func() string { return "ssss" },
		Statuses: func() map[reload.Document]reload.Status {
			return map[reload.Document]reload.Status{
				reload.DocumentRules:   {AttemptCount: 3, SuccessCount: 2, LastError: "boom"},
				reload.DocumentServers: {AttemptCount: 1, SuccessCount: 1},
			}
		},
		AgentIDs:    func() []string { return []string{"ci-bot", "default"} },
		ServerNames: func() []string { return []string{"github"} },
		Paths:       func() (string, string) { return "/etc/sekimon/rules.yaml", "/etc/sekimon/servers.yaml" },
		Reload:      func(context.Context) error { return opts.reloadErr },
	})
}

func startTestServer(t *testing.T, opts serverOpts) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(newTestServer(opts).TestHandler())
	t.Cleanup(ts.Close)
	return ts
}

// --- Auth middleware -------------------------------------------------------

func TestAuthMiddleware_RejectsUnauthenticated(t *testing.T) {
	ts := startTestServer(t, serverOpts{token: "my-secret-token"})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestAuthMiddleware_RejectsBadToken(t *testing.T) {
	ts := startTestServer(t, serverOpts{token: "my-secret-token"})

	req, _ := http.NewRequest("GET", ts.URL+"/health", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestAuthMiddleware_AcceptsGoodToken(t *testing.T) {
	ts := startTestServer(t, serverOpts{token: "my-secret-token"})

	req, _ := http.NewRequest("GET", ts.URL+"/health", nil)
	req.Header.Set("Authorization", "Bearer my-secret-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

// --- Endpoints -------------------------------------------------------------

func TestStatusEndpoint(t *testing.T) {
	ts := startTestServer(t, serverOpts{})

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var status control.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.RulesHash != "rrrr" || status.ServersHash != "ssss" {
		t.Errorf("hashes = %q/%q, want rrrr/ssss", status.RulesHash, status.ServersHash)
	}
	if status.Reloads[reload.DocumentRules].LastError != "boom" {
		t.Errorf("rules reload status not surfaced: %+v", status.Reloads)
	}
}

func TestDiagnostics_HiddenWithoutDebug(t *testing.T) {
	ts := startTestServer(t, serverOpts{debug: false})

	resp, err := http.Get(ts.URL + "/diagnostics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 with debug off, got %d", resp.StatusCode)
	}
}

func TestDiagnostics_ExposedWithDebug(t *testing.T) {
	ts := startTestServer(t, serverOpts{debug: true})

	resp, err := http.Get(ts.URL + "/diagnostics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var diag control.DiagnosticsResponse
	if err := json.NewDecoder(resp.Body).Decode(&diag); err != nil {
		t.Fatalf("decode diagnostics: %v", err)
	}
	if len(diag.Agents) != 2 || diag.Agents[0] != "ci-bot" {
		t.Errorf("agents = %v, want [ci-bot default]", diag.Agents)
	}
	if diag.RulesPath != "/etc/sekimon/rules.yaml" {
		t.Errorf("rules path = %q", diag.RulesPath)
	}
}

func TestReloadEndpoint(t *testing.T) {
	ts := startTestServer(t, serverOpts{})

	resp, err := http.Post(ts.URL+"/reload", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestReloadEndpoint_SurfacesFailure(t *testing.T) {
	ts := startTestServer(t, serverOpts{reloadErr: errors.New("validate rule document: bad")})

	resp, err := http.Post(ts.URL+"/reload", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", resp.StatusCode)
	}
}

func TestReloadEndpoint_RequiresPost(t *testing.T) {
	ts := startTestServer(t, serverOpts{})

	resp, err := http.Get(ts.URL + "/reload")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
}
