package engine

import (
	"sync"
	"time"
)

// Lifecycle event names emitted by the runner and dispatcher.
const (
	EventCheckScheduled      = "CheckScheduled"
	EventCheckCompleted      = "CheckCompleted"
	EventCheckErrored        = "CheckErrored"
	EventLevelReady          = "LevelReady"
	EventLevelDepleted       = "LevelDepleted"
	EventForwardRunRequested = "ForwardRunRequested"
	EventWaveRetry           = "WaveRetry"
)

// Telemetry event names emitted around provider work.
const (
	EventIterationStart  = "iteration.start"
	EventToolCall        = "tool.call"
	EventAIRequest       = "ai.request"
	EventFailIfEvaluated = "fail_if.evaluated"
	EventFailIfTriggered = "fail_if.triggered"
	EventForEachItem     = "foreach.item"
	EventStateSnapshot   = "state.snapshot"
)

// Event is one structured engine event. Fields carry event-specific
// payload; the fixed keys identify where in the run it happened.
type Event struct {
	Name    string         `json:"event"`
	Session string         `json:"session"`
	Check   string         `json:"check,omitempty"`
	Scope   string         `json:"scope,omitempty"`
	Wave    int            `json:"wave,omitempty"`
	At      time.Time      `json:"at"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// EventSink receives engine events. Implementations must be safe for
// concurrent Emit calls and must not block dispatch.
type EventSink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(ev Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

// NopSink discards every event.
func NopSink() EventSink { return SinkFunc(func(Event) {}) }

// MultiSink fans events out to every sink in order.
func MultiSink(sinks ...EventSink) EventSink {
	kept := make([]EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return SinkFunc(func(ev Event) {
		for _, s := range kept {
			s.Emit(ev)
		}
	})
}

// CollectorSink buffers every event in arrival order.
type CollectorSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *CollectorSink) Emit(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

// Events returns a copy of everything collected so far.
func (c *CollectorSink) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event{}, c.events...)
}

// Named returns the collected events with the given name, in order.
func (c *CollectorSink) Named(name string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// emit builds and sends one event through the runner's sink.
func (r *Runner) emit(name, check string, scope string, fields map[string]any) {
	if r.sink == nil {
		return
	}
	r.sink.Emit(Event{
		Name:    name,
		Session: r.sessionID,
		Check:   check,
		Scope:   scope,
		Wave:    r.currentWave(),
		At:      time.Now(),
		Fields:  fields,
	})
}
