// Package config loads, merges, and validates the engine's configuration
// document. Documents are YAML or JSON, decoded strictly (unknown keys are
// errors), and may extend other local or remote documents; merge semantics
// are scalars-overwrite, objects-deep-merge, arrays-replace.
package config

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Current schema version. Only major version 1 documents are accepted.
const Version = "1.0"

// DefaultMaxLoops bounds goto/forward-run routing per run.
const DefaultMaxLoops = 10

// Fanout modes for forEach dependents.
const (
	FanoutMap    = "map"
	FanoutReduce = "reduce"
)

// Criticality classifies how a check's failures should be treated by
// retry and abort policy.
const (
	CriticalityExternal = "external"
	CriticalityInternal = "internal"
	CriticalityPolicy   = "policy"
)

// Config is the root document.
type Config struct {
	Version            string             `json:"version,omitempty" yaml:"version,omitempty"`
	Extends            StringList         `json:"extends,omitempty" yaml:"extends,omitempty"`
	AllowRemoteExtends *bool              `json:"allow_remote_extends,omitempty" yaml:"allow_remote_extends,omitempty"`
	Env                map[string]string  `json:"env,omitempty" yaml:"env,omitempty"`
	AIModel            string             `json:"ai_model,omitempty" yaml:"ai_model,omitempty"`
	AIProvider         string             `json:"ai_provider,omitempty" yaml:"ai_provider,omitempty"`
	MaxParallelism     int                `json:"max_parallelism,omitempty" yaml:"max_parallelism,omitempty"`
	FailFast           *bool              `json:"fail_fast,omitempty" yaml:"fail_fast,omitempty"`
	FailIf             string             `json:"fail_if,omitempty" yaml:"fail_if,omitempty"`
	FailureConditions  []FailureCondition `json:"failure_conditions,omitempty" yaml:"failure_conditions,omitempty"`
	Memory             MemoryConfig       `json:"memory,omitempty" yaml:"memory,omitempty"`
	Routing            RoutingConfig      `json:"routing,omitempty" yaml:"routing,omitempty"`
	Output             OutputConfig       `json:"output,omitempty" yaml:"output,omitempty"`
	TagFilter          []string           `json:"tag_filter,omitempty" yaml:"tag_filter,omitempty"`
	Checks             map[string]*Check  `json:"checks,omitempty" yaml:"checks,omitempty"`
}

// Check declares one node of the execution graph. The per-kind parameter
// fields are interpreted by the provider named in Type.
type Check struct {
	Type              string             `json:"type" yaml:"type"`
	Group             string             `json:"group,omitempty" yaml:"group,omitempty"`
	Schema            SchemaSpec         `json:"schema,omitempty" yaml:"schema,omitempty"`
	Template          string             `json:"template,omitempty" yaml:"template,omitempty"`
	DependsOn         []string           `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	On                []string           `json:"on,omitempty" yaml:"on,omitempty"`
	Tags              []string           `json:"tags,omitempty" yaml:"tags,omitempty"`
	If                string             `json:"if,omitempty" yaml:"if,omitempty"`
	FailIf            string             `json:"fail_if,omitempty" yaml:"fail_if,omitempty"`
	FailureConditions []FailureCondition `json:"failure_conditions,omitempty" yaml:"failure_conditions,omitempty"`
	ForEach           bool               `json:"forEach,omitempty" yaml:"forEach,omitempty"`
	Fanout            string             `json:"fanout,omitempty" yaml:"fanout,omitempty"`
	ContinueOnFailure bool               `json:"continue_on_failure,omitempty" yaml:"continue_on_failure,omitempty"`
	Criticality       string             `json:"criticality,omitempty" yaml:"criticality,omitempty"`
	Session           string             `json:"session,omitempty" yaml:"session,omitempty"`
	OnSuccess         *ActionBlock       `json:"on_success,omitempty" yaml:"on_success,omitempty"`
	OnFail            *ActionBlock       `json:"on_fail,omitempty" yaml:"on_fail,omitempty"`
	OnFinish          *ActionBlock       `json:"on_finish,omitempty" yaml:"on_finish,omitempty"`
	Goto              string             `json:"goto,omitempty" yaml:"goto,omitempty"`
	GotoJS            string             `json:"goto_js,omitempty" yaml:"goto_js,omitempty"`

	Prompt       string            `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	AppendPrompt string            `json:"appendPrompt,omitempty" yaml:"appendPrompt,omitempty"`
	Exec         string            `json:"exec,omitempty" yaml:"exec,omitempty"`
	URL          string            `json:"url,omitempty" yaml:"url,omitempty"`
	Method       string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers      map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body         string            `json:"body,omitempty" yaml:"body,omitempty"`
	Operation    string            `json:"operation,omitempty" yaml:"operation,omitempty"`
	Key          string            `json:"key,omitempty" yaml:"key,omitempty"`
	Value        any               `json:"value,omitempty" yaml:"value,omitempty"`
	ValueJS      string            `json:"value_js,omitempty" yaml:"value_js,omitempty"`
	Transform    string            `json:"transform,omitempty" yaml:"transform,omitempty"`
	TransformJS  string            `json:"transform_js,omitempty" yaml:"transform_js,omitempty"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Timeout      int               `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Message      string            `json:"message,omitempty" yaml:"message,omitempty"`
	Level        string            `json:"level,omitempty" yaml:"level,omitempty"`
	AIModel      string            `json:"ai_model,omitempty" yaml:"ai_model,omitempty"`
	AIProvider   string            `json:"ai_provider,omitempty" yaml:"ai_provider,omitempty"`
}

// Disabled reports whether the check was switched off with an explicit
// empty event list (`on: []`). An absent `on` matches every event.
func (c *Check) Disabled() bool {
	return c.On != nil && len(c.On) == 0
}

// RunsOn reports whether the check should run for the given start event.
func (c *Check) RunsOn(event string) bool {
	if c.On == nil {
		return true
	}
	for _, e := range c.On {
		if e == event {
			return true
		}
	}
	return false
}

// HasTag reports whether the check carries the tag.
func (c *Check) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ActionBlock is the routing payload of on_success / on_fail / on_finish.
// Retry is only honored on on_fail.
type ActionBlock struct {
	Run    []string     `json:"run,omitempty" yaml:"run,omitempty"`
	Goto   string       `json:"goto,omitempty" yaml:"goto,omitempty"`
	GotoJS string       `json:"goto_js,omitempty" yaml:"goto_js,omitempty"`
	Retry  *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// RetryPolicy re-runs a failed check up to Max extra times.
type RetryPolicy struct {
	Max     int            `json:"max" yaml:"max"`
	Backoff *BackoffConfig `json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

// BackoffConfig shapes the delay between retries.
type BackoffConfig struct {
	InitialDelayMS int     `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`
	BackoffFactor  float64 `json:"backoff_factor,omitempty" yaml:"backoff_factor,omitempty"`
	MaxDelayMS     int     `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
	Jitter         *bool   `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// FailureCondition turns a matching expression into an issue on the result.
type FailureCondition struct {
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
	Condition string `json:"condition" yaml:"condition"`
	Message   string `json:"message,omitempty" yaml:"message,omitempty"`
	Severity  string `json:"severity,omitempty" yaml:"severity,omitempty"`
}

// MemoryConfig configures the run's memory store.
type MemoryConfig struct {
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Persist   string `json:"persist,omitempty" yaml:"persist,omitempty"`
}

// RoutingConfig bounds rerouting per run.
type RoutingConfig struct {
	MaxLoops int `json:"max_loops,omitempty" yaml:"max_loops,omitempty"`
}

// OutputConfig selects the CLI result rendering.
type OutputConfig struct {
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
	File   string `json:"file,omitempty" yaml:"file,omitempty"`
}

// StringList accepts a scalar or a sequence in YAML/JSON.
type StringList []string

func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var single string
		if err := value.Decode(&single); err != nil {
			return err
		}
		*s = StringList{single}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = StringList(list)
		return nil
	default:
		return fmt.Errorf("expected string or list of strings")
	}
}

func (s *StringList) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var single string
		if err := json.Unmarshal(b, &single); err != nil {
			return err
		}
		*s = StringList{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	*s = StringList(list)
	return nil
}

// SchemaSpec is either a schema name ("plain", "code-review", ...) or an
// inline JSON-schema mapping.
type SchemaSpec struct {
	Name   string
	Inline map[string]any
}

// IsZero reports whether no schema was declared.
func (s SchemaSpec) IsZero() bool { return s.Name == "" && s.Inline == nil }

// String returns the schema name, or "inline" for inline definitions.
func (s SchemaSpec) String() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Inline != nil {
		return "inline"
	}
	return ""
}

func (s *SchemaSpec) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		return value.Decode(&s.Name)
	case yaml.MappingNode:
		return value.Decode(&s.Inline)
	default:
		return fmt.Errorf("expected schema name or inline mapping")
	}
}

func (s *SchemaSpec) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '{' {
		return json.Unmarshal(b, &s.Inline)
	}
	return json.Unmarshal(b, &s.Name)
}

func (s SchemaSpec) MarshalJSON() ([]byte, error) {
	if s.Inline != nil {
		return json.Marshal(s.Inline)
	}
	return json.Marshal(s.Name)
}

func (s SchemaSpec) MarshalYAML() (any, error) {
	if s.Inline != nil {
		return s.Inline, nil
	}
	return s.Name, nil
}

// applyDefaults normalizes a decoded document in place.
func applyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Version) == "" {
		cfg.Version = Version
	}
	if cfg.MaxParallelism <= 0 {
		cfg.MaxParallelism = runtime.NumCPU()
	}
	if cfg.FailFast == nil {
		f := false
		cfg.FailFast = &f
	}
	if cfg.Routing.MaxLoops <= 0 {
		cfg.Routing.MaxLoops = DefaultMaxLoops
	}
	if strings.TrimSpace(cfg.Memory.Namespace) == "" {
		cfg.Memory.Namespace = "default"
	}
	if strings.TrimSpace(cfg.Output.Format) == "" {
		cfg.Output.Format = "table"
	}
	cfg.TagFilter = trimNonEmpty(cfg.TagFilter)
	for _, check := range cfg.Checks {
		applyCheckDefaults(check)
	}
}

func applyCheckDefaults(c *Check) {
	if c == nil {
		return
	}
	c.Type = strings.ToLower(strings.TrimSpace(c.Type))
	c.Fanout = strings.ToLower(strings.TrimSpace(c.Fanout))
	c.Criticality = strings.ToLower(strings.TrimSpace(c.Criticality))
	if c.Criticality == "" {
		c.Criticality = CriticalityExternal
	}
	c.Level = strings.ToLower(strings.TrimSpace(c.Level))
	c.DependsOn = trimNonEmpty(c.DependsOn)
	c.Tags = trimNonEmpty(c.Tags)
	if c.On != nil {
		kept := c.On[:0]
		for _, e := range c.On {
			if t := strings.TrimSpace(e); t != "" {
				kept = append(kept, t)
			}
		}
		c.On = kept
	}
	for i := range c.FailureConditions {
		c.FailureConditions[i].Severity = strings.ToLower(strings.TrimSpace(c.FailureConditions[i].Severity))
	}
}

func trimNonEmpty(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}
