package provider

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/memstore"
	"github.com/droverhq/drover/internal/sandbox"
)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	return NewMemory(memstore.New(memstore.Options{}), sandbox.New(sandbox.Options{}), "run")
}

func runMemoryOp(t *testing.T, p *Memory, check *config.Check) any {
	t.Helper()
	sum, err := p.Execute(context.Background(), &RunContext{}, check, nil, newTestExecContext(t, "m", nil, nil))
	if err != nil {
		t.Fatalf("Execute(%s %s): %v", check.Operation, check.Key, err)
	}
	return sum.Output
}

func TestMemoryOperations(t *testing.T) {
	p := newTestMemory(t)

	if got := runMemoryOp(t, p, &config.Check{Operation: "set", Key: "count", Value: 2}); got != 2 {
		t.Fatalf("set returned %v", got)
	}
	if got := runMemoryOp(t, p, &config.Check{Operation: "get", Key: "count"}); got != 2 {
		t.Fatalf("get = %v", got)
	}
	if got := runMemoryOp(t, p, &config.Check{Operation: "has", Key: "count"}); got != true {
		t.Fatalf("has = %v", got)
	}
	if got := runMemoryOp(t, p, &config.Check{Operation: "increment", Key: "count", Value: 3}); got != int64(5) {
		t.Fatalf("increment = %v (%T)", got, got)
	}
	if got := runMemoryOp(t, p, &config.Check{Operation: "append", Key: "notes", Value: "a"}); !reflect.DeepEqual(got, []any{"a"}) {
		t.Fatalf("append = %v", got)
	}
	runMemoryOp(t, p, &config.Check{Operation: "append", Key: "notes", Value: "b"})
	if got := runMemoryOp(t, p, &config.Check{Operation: "list"}); !reflect.DeepEqual(got, []string{"count", "notes"}) {
		t.Fatalf("list = %v", got)
	}
	if got := runMemoryOp(t, p, &config.Check{Operation: "delete", Key: "count"}); got != nil {
		t.Fatalf("delete = %v", got)
	}
	if got := runMemoryOp(t, p, &config.Check{Operation: "has", Key: "count"}); got != false {
		t.Fatalf("has after delete = %v", got)
	}
	runMemoryOp(t, p, &config.Check{Operation: "clear"})
	if got := runMemoryOp(t, p, &config.Check{Operation: "list"}); len(got.([]string)) != 0 {
		t.Fatalf("list after clear = %v", got)
	}
}

func TestMemoryIncrementDefaultsToOne(t *testing.T) {
	p := newTestMemory(t)
	runMemoryOp(t, p, &config.Check{Operation: "set", Key: "n", Value: 10})
	if got := runMemoryOp(t, p, &config.Check{Operation: "increment", Key: "n"}); got != int64(11) {
		t.Fatalf("increment = %v (%T)", got, got)
	}
}

func TestMemoryIncrementMissingKeyFails(t *testing.T) {
	p := newTestMemory(t)
	check := &config.Check{Operation: "increment", Key: "absent"}
	_, err := p.Execute(context.Background(), &RunContext{}, check, nil, newTestExecContext(t, "m", nil, nil))
	if err == nil || !strings.Contains(err.Error(), "missing key") {
		t.Fatalf("error = %v, want missing-key failure", err)
	}
}

func TestMemoryValueJS(t *testing.T) {
	p := newTestMemory(t)
	check := &config.Check{Operation: "set", Key: "score", ValueJS: "outputs.lint.count * 2"}
	ec := newTestExecContext(t, "m", sandbox.Env{
		"outputs": map[string]any{"lint": map[string]any{"count": 4}},
	}, nil)
	sum, err := p.Execute(context.Background(), &RunContext{}, check, nil, ec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if sum.Output != 8 {
		t.Fatalf("output = %v (%T)", sum.Output, sum.Output)
	}
}

func TestMemoryNamespaceIsolation(t *testing.T) {
	store := memstore.New(memstore.Options{})
	sb := sandbox.New(sandbox.Options{})
	first := NewMemory(store, sb, "alpha")
	second := NewMemory(store, sb, "beta")

	runMemoryOp(t, first, &config.Check{Operation: "set", Key: "k", Value: "from-alpha"})
	if got := runMemoryOp(t, second, &config.Check{Operation: "has", Key: "k"}); got != false {
		t.Fatalf("namespace beta sees alpha's key")
	}
}

func TestMemoryValidateConfig(t *testing.T) {
	p := newTestMemory(t)
	cases := []struct {
		name  string
		check config.Check
		ok    bool
	}{
		{"missing operation", config.Check{}, false},
		{"unknown operation", config.Check{Operation: "swap", Key: "k"}, false},
		{"missing key", config.Check{Operation: "get"}, false},
		{"set without value", config.Check{Operation: "set", Key: "k"}, false},
		{"value and value_js", config.Check{Operation: "set", Key: "k", Value: 1, ValueJS: "2"}, false},
		{"get", config.Check{Operation: "get", Key: "k"}, true},
		{"clear without key", config.Check{Operation: "clear"}, true},
		{"list without key", config.Check{Operation: "list"}, true},
		{"set with value_js", config.Check{Operation: "set", Key: "k", ValueJS: "1 + 1"}, true},
		{"increment without value", config.Check{Operation: "increment", Key: "k"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := p.ValidateConfig(&tc.check)
			if tc.ok && err != nil {
				t.Fatalf("rejected: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("accepted")
			}
		})
	}
}
