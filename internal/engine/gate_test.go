package engine

import (
	"reflect"
	"testing"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/journal"
	"github.com/droverhq/drover/internal/review"
)

func gateView(t *testing.T, j *journal.Journal, scope journal.Scope) *journal.ContextView {
	t.Helper()
	return journal.NewContextView(j, "s", j.BeginSnapshot(), scope, "manual")
}

func commitOutput(t *testing.T, j *journal.Journal, check string, scope journal.Scope, output any) {
	t.Helper()
	if _, err := j.Commit(journal.Entry{
		SessionID: "s",
		CheckID:   check,
		Scope:     scope,
		Result:    &review.Summary{Output: output},
	}); err != nil {
		t.Fatalf("commit %s: %v", check, err)
	}
}

func noneOf(string) bool { return false }

func TestSplitToken(t *testing.T) {
	tests := []struct {
		token string
		want  []string
	}{
		{"a", []string{"a"}},
		{"a|b", []string{"a", "b"}},
		{" a | b |c", []string{"a", "b", "c"}},
		{"a||b", []string{"a", "b"}},
	}
	for _, tc := range tests {
		if got := splitToken(tc.token); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("splitToken(%q) = %v, want %v", tc.token, got, tc.want)
		}
	}
}

func TestGateDependencies(t *testing.T) {
	j := journal.New()
	commitOutput(t, j, "ok", nil, "fine")
	commitOutput(t, j, "bad", nil, nil)
	commitOutput(t, j, "soft", nil, nil)

	all := map[string]*config.Check{
		"ok":   {Type: "log"},
		"bad":  {Type: "log"},
		"soft": {Type: "log", ContinueOnFailure: true},
	}
	failed := func(id string) bool { return id == "bad" || id == "soft" }
	skipped := func(id string) bool { return id == "gone" }
	view := gateView(t, j, journal.RootScope)

	tests := []struct {
		name      string
		deps      []string
		ok        bool
		wantToken string
	}{
		{name: "satisfied", deps: []string{"ok"}, ok: true},
		{name: "failed dependency blocks", deps: []string{"bad"}, wantToken: "bad"},
		{name: "continue_on_failure passes", deps: []string{"soft"}, ok: true},
		{name: "missing entry blocks", deps: []string{"never"}, wantToken: "never"},
		{name: "skipped blocks", deps: []string{"gone"}, wantToken: "gone"},
		{name: "or group survives one failure", deps: []string{"bad|ok"}, ok: true},
		{name: "or group fails when all options fail", deps: []string{"bad|never"}, wantToken: "bad|never"},
		{name: "all groups must hold", deps: []string{"ok", "bad"}, wantToken: "bad"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			check := &config.Check{Type: "log", DependsOn: tc.deps}
			g := gateDependencies(check, all, view, skipped, failed)
			if g.ok != tc.ok {
				t.Fatalf("ok = %v, want %v", g.ok, tc.ok)
			}
			if g.token != tc.wantToken {
				t.Fatalf("token = %q, want %q", g.token, tc.wantToken)
			}
		})
	}
}

func TestGatePerItemCascade(t *testing.T) {
	j := journal.New()
	scope := journal.RootScope.Child("list", 2)
	commitOutput(t, j, "parent", nil, []any{"a", "b", "c"})
	commitOutput(t, j, "step", scope, wrapFailedItem("c"))

	all := map[string]*config.Check{
		"parent": {Type: "command"},
		"step":   {Type: "log"},
	}
	next := &config.Check{Type: "log", DependsOn: []string{"step"}}

	// The aggregate run passed, so the root-scope gate holds.
	if g := gateDependencies(next, all, gateView(t, j, journal.RootScope), noneOf, noneOf); !g.ok {
		t.Fatalf("root gate blocked: %+v", g)
	}
	// The poisoned item scope does not.
	if g := gateDependencies(next, all, gateView(t, j, scope), noneOf, noneOf); g.ok {
		t.Fatalf("item gate passed despite failed iteration")
	}
}

func TestGatePerItemCascadeHonorsContinueOnFailure(t *testing.T) {
	j := journal.New()
	scope := journal.RootScope.Child("list", 0)
	commitOutput(t, j, "step", scope, wrapFailedItem("x"))

	all := map[string]*config.Check{
		"step": {Type: "log", ContinueOnFailure: true},
	}
	next := &config.Check{Type: "log", DependsOn: []string{"step"}}
	if g := gateDependencies(next, all, gateView(t, j, scope), noneOf, noneOf); !g.ok {
		t.Fatalf("continue_on_failure item blocked: %+v", g)
	}
}

func TestItemMarkers(t *testing.T) {
	if itemCarries("plain", markerFailed) {
		t.Fatalf("plain value carries marker")
	}
	wrapped := wrapFailedItem("x")
	if !itemCarries(wrapped, markerFailed) {
		t.Fatalf("wrapped value missing marker: %v", wrapped)
	}
	m := wrapFailedItem(map[string]any{"k": 1})
	asMap, ok := m.(map[string]any)
	if !ok || asMap["k"] != 1 || asMap[markerFailed] != true {
		t.Fatalf("map wrap = %v", m)
	}
	if !itemCarries(skipMarkerItem(), markerSkip) {
		t.Fatalf("skip marker not detected")
	}
	if itemCarries(map[string]any{markerFailed: "yes"}, markerFailed) {
		t.Fatalf("non-bool marker detected")
	}
}
