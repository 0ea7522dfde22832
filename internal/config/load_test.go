package config

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestExtendsMergeSemantics(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", `
version: "1.0"
env:
  REGION: us-east-1
  STAGE: dev
max_parallelism: 2
checks:
  review:
    type: ai
    prompt: Review the code.
    tags: [slow, ai]
  lint:
    type: command
    exec: make lint
  docs:
    type: log
    message: docs
`)
	path := writeConfig(t, dir, "child.yaml", `
extends: base.yaml
env:
  STAGE: prod
max_parallelism: 8
checks:
  review:
    appendPrompt: Focus on security.
    tags: [security]
  docs:
    on: []
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// Scalars overwrite.
	if cfg.MaxParallelism != 8 {
		t.Errorf("max_parallelism = %d, want 8", cfg.MaxParallelism)
	}
	// Objects deep-merge.
	if cfg.Env["REGION"] != "us-east-1" || cfg.Env["STAGE"] != "prod" {
		t.Errorf("env = %v", cfg.Env)
	}
	// appendPrompt appends to the parent prompt with a blank line.
	wantPrompt := "Review the code.\n\nFocus on security."
	if got := cfg.Checks["review"].Prompt; got != wantPrompt {
		t.Errorf("prompt = %q, want %q", got, wantPrompt)
	}
	if got := cfg.Checks["review"].AppendPrompt; got != "" {
		t.Errorf("appendPrompt should be consumed, got %q", got)
	}
	// Arrays replace.
	if got := cfg.Checks["review"].Tags; len(got) != 1 || got[0] != "security" {
		t.Errorf("tags = %v, want [security]", got)
	}
	// Parent-only checks survive.
	if cfg.Checks["lint"] == nil || cfg.Checks["lint"].Exec != "make lint" {
		t.Errorf("lint = %+v", cfg.Checks["lint"])
	}
	// on: [] disables.
	if !cfg.Checks["docs"].Disabled() {
		t.Error("docs should be disabled by on: []")
	}
}

func TestExtendsChainFoldsEachAppendPrompt(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", `
version: "1.0"
checks:
  review:
    type: ai
    prompt: Base.
`)
	writeConfig(t, dir, "b.yaml", `
extends: a.yaml
checks:
  review:
    appendPrompt: Middle.
`)
	path := writeConfig(t, dir, "c.yaml", `
extends: b.yaml
checks:
  review:
    appendPrompt: Leaf.
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := "Base.\n\nMiddle.\n\nLeaf."
	if got := cfg.Checks["review"].Prompt; got != want {
		t.Fatalf("prompt = %q, want %q", got, want)
	}
}

func TestExtendsList(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "one.yaml", "version: \"1.0\"\nchecks:\n  a: {type: log, message: one}\n")
	writeConfig(t, dir, "two.yaml", "checks:\n  b: {type: log, message: two}\n")
	path := writeConfig(t, dir, "child.yaml", `
extends: [one.yaml, two.yaml]
checks:
  c: {type: log, message: three}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if cfg.Checks[id] == nil {
			t.Errorf("check %s missing after merge", id)
		}
	}
}

func TestExtendsCycleDetected(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", "extends: b.yaml\n")
	path := writeConfig(t, dir, "b.yaml", "extends: a.yaml\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("err = %v, want extends cycle", err)
	}
}

func TestExtendsDepthCap(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "l2.yaml", "version: \"1.0\"\nchecks:\n  a: {type: log}\n")
	writeConfig(t, dir, "l1.yaml", "extends: l2.yaml\n")
	path := writeConfig(t, dir, "l0.yaml", "extends: l1.yaml\n")

	l := NewLoader()
	l.MaxDepth = 1
	if _, err := l.Load(path); err == nil || !strings.Contains(err.Error(), "depth") {
		t.Fatalf("err = %v, want depth cap", err)
	}
	l.MaxDepth = 5
	if _, err := l.Load(path); err != nil {
		t.Fatalf("within depth cap: %v", err)
	}
}

func TestRemoteExtends(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "version: \"1.0\"\nchecks:\n  remote: {type: log, message: from afar}")
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := writeConfig(t, dir, "child.yaml", fmt.Sprintf(`
extends: %s/base.yaml
checks:
  local: {type: log, message: here}
`, srv.URL))

	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Checks["remote"] == nil || cfg.Checks["local"] == nil {
		t.Fatalf("checks = %v", cfg.Checks)
	}
}

func TestRemoteExtendsDisabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "version: \"1.0\"")
	}))
	defer srv.Close()

	dir := t.TempDir()
	byLoader := writeConfig(t, dir, "a.yaml", fmt.Sprintf("extends: %s/base.yaml\n", srv.URL))
	l := NewLoader()
	l.AllowRemote = false
	if _, err := l.Load(byLoader); err == nil || !strings.Contains(err.Error(), "disabled") {
		t.Fatalf("err = %v, want remote disabled", err)
	}

	byDoc := writeConfig(t, dir, "b.yaml", fmt.Sprintf("allow_remote_extends: false\nextends: %s/base.yaml\n", srv.URL))
	if _, err := NewLoader().Load(byDoc); err == nil || !strings.Contains(err.Error(), "disabled") {
		t.Fatalf("err = %v, want remote disabled by document", err)
	}
}

func TestLoadBytesResolvesRelativeExtends(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", "version: \"1.0\"\nchecks:\n  a: {type: log}\n")
	cfg, err := NewLoader().LoadBytes([]byte("extends: base.yaml\nchecks:\n  b: {type: log}\n"), dir)
	if err != nil {
		t.Fatalf("load bytes: %v", err)
	}
	if cfg.Checks["a"] == nil || cfg.Checks["b"] == nil {
		t.Fatalf("checks = %v", cfg.Checks)
	}
}
