package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bdobrica/Sekimon/internal/sekimon/config"
)

const validRules = `
agents:
  ci-bot:
    allowServers: ["github"]
defaults:
  denyOnMissingAgent: false
`

const validRegistry = `
servers:
  github:
    command: "github-mcp"
    args: ["--stdio"]
`

func TestRuleLoader_ApplySwapsDocument(t *testing.T) {
	l := config.NewRuleLoader()
	if l.Rules() != nil {
		t.Fatal("expected nil document before first apply")
	}

	if err := l.Apply([]byte(validRules)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	doc := l.Rules()
	if doc == nil {
		t.Fatal("expected live document after apply")
	}
	if _, ok := doc.Agents["ci-bot"]; !ok {
		t.Error("expected agent ci-bot in applied document")
	}
	if l.Hash() == "" {
		t.Error("expected non-empty hash after apply")
	}
}

func TestRuleLoader_InvalidLeavesLiveDocumentIntact(t *testing.T) {
	l := config.NewRuleLoader()
	if err := l.Apply([]byte(validRules)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	before := l.Hash()

	err := l.Apply([]byte(`agents: {"x": {"allowServers": ["bad**pattern"]}}`))
	if err == nil {
		t.Fatal("expected error for invalid document")
	}
	if l.Rules() == nil {
		t.Error("live document was discarded on failed apply")
	}
	if l.Hash() != before {
		t.Error("hash changed on failed apply")
	}
}

func TestRuleLoader_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(validRules), 0o600); err != nil {
		t.Fatal(err)
	}

	l := config.NewRuleLoader()
	if err := l.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if l.Rules() == nil {
		t.Fatal("expected live document after LoadFile")
	}

	if err := l.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRegistryLoader_ApplyAndNames(t *testing.T) {
	l := config.NewRegistryLoader(nil)
	if l.Names() != nil {
		t.Fatal("expected nil names before first apply")
	}

	if err := l.Apply([]byte(validRegistry)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	names := l.Names()
	if len(names) != 1 || names[0] != "github" {
		t.Errorf("Names() = %v, want [github]", names)
	}
}

func TestRegistryLoader_LookupResolvesPlaceholders(t *testing.T) {
	lookup := func(name string) (string, bool) {
		if name == "GH_TOKEN" {
			return "secret", true
		}
		return "", false
	}
	l := config.NewRegistryLoader(lookup)

	doc := `
servers:
  github:
    command: "github-mcp"
    env:
      GITHUB_TOKEN: "${GH_TOKEN}"
`
	if err := l.Apply([]byte(doc)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got := l.Registry().Servers["github"].Env["GITHUB_TOKEN"]
	if got != "secret" {
		t.Errorf("expanded env = %q, want %q", got, "secret")
	}
}

func TestRegistryLoader_UnresolvedPlaceholderRejected(t *testing.T) {
	l := config.NewRegistryLoader(func(string) (string, bool) { return "", false })
	doc := `
servers:
  github:
    command: "github-mcp"
    env:
      TOKEN: "${NOPE}"
`
	if err := l.Apply([]byte(doc)); err == nil {
		t.Fatal("expected error for unresolved placeholder")
	}
	if l.Registry() != nil {
		t.Error("live registry set despite failed apply")
	}
}
