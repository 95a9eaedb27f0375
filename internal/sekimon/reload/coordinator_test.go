package reload_test

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/bdobrica/Sekimon/common/spec/registry"
	"github.com/bdobrica/Sekimon/internal/sekimon/config"
	"github.com/bdobrica/Sekimon/internal/sekimon/policy"
	"github.com/bdobrica/Sekimon/internal/sekimon/reload"
)

type diffRecorder struct {
	mu      sync.Mutex
	added   []string
	removed []string
}

func (d *diffRecorder) ServerAdded(name string, _ registry.Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.added = append(d.added, name)
}

func (d *diffRecorder) ServerRemoved(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = append(d.removed, name)
}

type fixture struct {
	coord       *reload.Coordinator
	rules       *config.RuleLoader
	servers     *config.RegistryLoader
	rulesPath   string
	serversPath string
	diff        *diffRecorder
}

func newFixture(t *testing.T, rulesDoc, serversDoc string) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		rules:       config.NewRuleLoader(),
		servers:     config.NewRegistryLoader(func(string) (string, bool) { return "", false }),
		rulesPath:   filepath.Join(dir, "rules.yaml"),
		serversPath: filepath.Join(dir, "servers.yaml"),
		diff:        &diffRecorder{},
	}
	writeFile(t, f.rulesPath, rulesDoc)
	writeFile(t, f.serversPath, serversDoc)
	f.coord = reload.New(f.rulesPath, f.serversPath, f.rules, f.servers, f.diff, nil)
	return f
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

const baseRules = `
agents:
  ci-bot:
    allowServers: ["github"]
`

const baseServers = `
servers:
  github:
    command: "github-mcp"
`

func TestReloadRules_Success(t *testing.T) {
	f := newFixture(t, baseRules, baseServers)
	ctx := context.Background()

	if err := f.coord.ReloadRules(ctx); err != nil {
		t.Fatalf("ReloadRules: %v", err)
	}
	if f.rules.Rules() == nil {
		t.Fatal("expected live rule document")
	}

	st := f.coord.Statuses()[reload.DocumentRules]
	if st.AttemptCount != 1 || st.SuccessCount != 1 {
		t.Errorf("counters = %d/%d, want 1/1", st.AttemptCount, st.SuccessCount)
	}
	if st.LastError != "" {
		t.Errorf("LastError = %q, want empty", st.LastError)
	}
	if st.LastSuccess.IsZero() {
		t.Error("LastSuccess not set")
	}
}

func TestReloadRules_InvalidRetainsPrevious(t *testing.T) {
	f := newFixture(t, baseRules, baseServers)
	ctx := context.Background()

	if err := f.coord.ReloadRules(ctx); err != nil {
		t.Fatalf("initial reload: %v", err)
	}
	goodHash := f.rules.Hash()

	writeFile(t, f.rulesPath, `agents: [not, a, map]`)
	if err := f.coord.ReloadRules(ctx); err == nil {
		t.Fatal("expected error for malformed document")
	}

	if f.rules.Hash() != goodHash {
		t.Error("live document replaced by invalid reload")
	}
	st := f.coord.Statuses()[reload.DocumentRules]
	if st.AttemptCount != 2 || st.SuccessCount != 1 {
		t.Errorf("counters = %d/%d, want 2/1", st.AttemptCount, st.SuccessCount)
	}
	if st.LastError == "" {
		t.Error("LastError not recorded")
	}
}

func TestReloadRules_IdempotentClearsError(t *testing.T) {
	f := newFixture(t, baseRules, baseServers)
	ctx := context.Background()

	if err := f.coord.ReloadAll(ctx); err != nil {
		t.Fatal(err)
	}
	engine := policy.New(f.rules, f.servers)
	if !engine.CanAccessServer("ci-bot", "github") {
		t.Fatal("expected ci-bot to reach github before reload")
	}
	if engine.CanAccessServer("ci-bot", "jira") {
		t.Fatal("expected ci-bot denied jira before reload")
	}

	writeFile(t, f.rulesPath, `agents: "broken"`)
	_ = f.coord.ReloadRules(ctx)
	writeFile(t, f.rulesPath, baseRules)
	if err := f.coord.ReloadRules(ctx); err != nil {
		t.Fatalf("reload after fix: %v", err)
	}

	// Reloading the same document must leave decisions untouched.
	if !engine.CanAccessServer("ci-bot", "github") {
		t.Error("github access changed across identical reload")
	}
	if engine.CanAccessServer("ci-bot", "jira") {
		t.Error("jira denial changed across identical reload")
	}

	st := f.coord.Statuses()[reload.DocumentRules]
	if st.LastError != "" {
		t.Errorf("LastError = %q, want cleared after successful reload", st.LastError)
	}
	if st.AttemptCount != 3 || st.SuccessCount != 2 {
		t.Errorf("counters = %d/%d, want 3/2", st.AttemptCount, st.SuccessCount)
	}
}

func TestReloadRules_CrossReferenceWarnings(t *testing.T) {
	f := newFixture(t, baseRules, baseServers)
	ctx := context.Background()

	if err := f.coord.ReloadServers(ctx); err != nil {
		t.Fatal(err)
	}

	writeFile(t, f.rulesPath, `
agents:
  ci-bot:
    allowServers: ["github", "jira"]
`)
	if err := f.coord.ReloadRules(ctx); err != nil {
		t.Fatalf("ReloadRules: %v", err)
	}

	st := f.coord.Statuses()[reload.DocumentRules]
	if len(st.LastWarnings) != 1 {
		t.Fatalf("LastWarnings = %v, want one entry for jira", st.LastWarnings)
	}
	// Warnings are advisory and the reload still applied.
	if f.rules.Rules() == nil || len(f.rules.Rules().Agents["ci-bot"].AllowServers) != 2 {
		t.Error("warned reload was not applied")
	}
}

func TestReloadServers_DiffNotifications(t *testing.T) {
	f := newFixture(t, baseRules, baseServers)
	ctx := context.Background()

	if err := f.coord.ReloadServers(ctx); err != nil {
		t.Fatal(err)
	}
	f.diff.mu.Lock()
	if len(f.diff.added) != 1 || f.diff.added[0] != "github" {
		t.Errorf("added = %v, want [github]", f.diff.added)
	}
	f.diff.added, f.diff.removed = nil, nil
	f.diff.mu.Unlock()

	// github changes, jira appears, and the old github connection must be
	// released before the new entry is announced.
	writeFile(t, f.serversPath, `
servers:
  github:
    command: "github-mcp"
    args: ["--readonly"]
  jira:
    url: "https://jira.example.com/mcp"
`)
	if err := f.coord.ReloadServers(ctx); err != nil {
		t.Fatal(err)
	}

	f.diff.mu.Lock()
	defer f.diff.mu.Unlock()
	sort.Strings(f.diff.added)
	if len(f.diff.removed) != 1 || f.diff.removed[0] != "github" {
		t.Errorf("removed = %v, want [github]", f.diff.removed)
	}
	if len(f.diff.added) != 2 || f.diff.added[0] != "github" || f.diff.added[1] != "jira" {
		t.Errorf("added = %v, want [github jira]", f.diff.added)
	}
}

func TestReloadAll_FailureIsolation(t *testing.T) {
	f := newFixture(t, baseRules, `servers: [broken]`)
	ctx := context.Background()

	err := f.coord.ReloadAll(ctx)
	if err == nil {
		t.Fatal("expected error from broken server registry")
	}

	// The registry failure must not block the rule document.
	if f.rules.Rules() == nil {
		t.Error("rule document not applied despite registry failure")
	}
	statuses := f.coord.Statuses()
	if statuses[reload.DocumentServers].LastError == "" {
		t.Error("server registry error not recorded")
	}
	if statuses[reload.DocumentRules].LastError != "" {
		t.Errorf("rule status polluted by registry failure: %q",
			statuses[reload.DocumentRules].LastError)
	}
}

func TestReloadRules_MissingFile(t *testing.T) {
	f := newFixture(t, baseRules, baseServers)
	if err := os.Remove(f.rulesPath); err != nil {
		t.Fatal(err)
	}
	if err := f.coord.ReloadRules(context.Background()); err == nil {
		t.Fatal("expected error for missing file")
	}
}

type reloadLog struct {
	mu      sync.Mutex
	entries []string
}

func (r *reloadLog) RecordReload(_ context.Context, doc string, success bool, errMsg string, _ []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := "ok"
	if !success {
		status = "failed"
	}
	_ = errMsg
	r.entries = append(r.entries, doc+":"+status)
}

func TestCoordinator_RecorderHook(t *testing.T) {
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "rules.yaml")
	serversPath := filepath.Join(dir, "servers.yaml")
	writeFile(t, rulesPath, baseRules)
	writeFile(t, serversPath, `servers: "broken"`)

	rec := &reloadLog{}
	coord := reload.New(rulesPath, serversPath,
		config.NewRuleLoader(), config.NewRegistryLoader(nil), nil, rec)

	_ = coord.ReloadAll(context.Background())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	sort.Strings(rec.entries)
	want := []string{"rules:ok", "servers:failed"}
	if len(rec.entries) != 2 || rec.entries[0] != want[0] || rec.entries[1] != want[1] {
		t.Errorf("recorded = %v, want %v", rec.entries, want)
	}
}
