package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/droverhq/drover/internal/engine"
)

// Recording doubles built on the noop implementations so only the methods
// the sink exercises need overriding.

type recordingUpDown struct {
	metricnoop.Int64UpDownCounter
	mu   sync.Mutex
	sum  int64
	peak int64
}

func (c *recordingUpDown) Add(_ context.Context, v int64, _ ...metric.AddOption) {
	c.mu.Lock()
	c.sum += v
	if c.sum > c.peak {
		c.peak = c.sum
	}
	c.mu.Unlock()
}

type counterAdd struct {
	value int64
	attrs attribute.Set
}

type recordingCounter struct {
	metricnoop.Int64Counter
	mu   sync.Mutex
	adds []counterAdd
}

func (c *recordingCounter) Add(_ context.Context, v int64, opts ...metric.AddOption) {
	set := metric.NewAddConfig(opts).Attributes()
	c.mu.Lock()
	c.adds = append(c.adds, counterAdd{value: v, attrs: set})
	c.mu.Unlock()
}

type histRecord struct {
	value float64
	attrs attribute.Set
}

type recordingHistogram struct {
	metricnoop.Float64Histogram
	mu      sync.Mutex
	records []histRecord
}

func (h *recordingHistogram) Record(_ context.Context, v float64, opts ...metric.RecordOption) {
	set := metric.NewRecordConfig(opts).Attributes()
	h.mu.Lock()
	h.records = append(h.records, histRecord{value: v, attrs: set})
	h.mu.Unlock()
}

type recordingMeter struct {
	metricnoop.Meter
	active   *recordingUpDown
	counters map[string]*recordingCounter
	hist     *recordingHistogram
}

func (m *recordingMeter) Int64UpDownCounter(string, ...metric.Int64UpDownCounterOption) (metric.Int64UpDownCounter, error) {
	return m.active, nil
}

func (m *recordingMeter) Int64Counter(name string, _ ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	c := &recordingCounter{}
	m.counters[name] = c
	return c, nil
}

func (m *recordingMeter) Float64Histogram(string, ...metric.Float64HistogramOption) (metric.Float64Histogram, error) {
	return m.hist, nil
}

type spanEvent struct {
	name  string
	attrs []attribute.KeyValue
}

type recordingSpan struct {
	tracenoop.Span
	mu     sync.Mutex
	name   string
	attrs  []attribute.KeyValue
	events []spanEvent
	status codes.Code
	desc   string
	ended  bool
}

func (s *recordingSpan) End(...trace.SpanEndOption) {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
}

func (s *recordingSpan) AddEvent(name string, opts ...trace.EventOption) {
	cfg := trace.NewEventConfig(opts...)
	s.mu.Lock()
	s.events = append(s.events, spanEvent{name: name, attrs: cfg.Attributes()})
	s.mu.Unlock()
}

func (s *recordingSpan) SetStatus(code codes.Code, desc string) {
	s.mu.Lock()
	s.status = code
	s.desc = desc
	s.mu.Unlock()
}

func (s *recordingSpan) SetAttributes(kv ...attribute.KeyValue) {
	s.mu.Lock()
	s.attrs = append(s.attrs, kv...)
	s.mu.Unlock()
}

func (s *recordingSpan) eventNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		out = append(out, e.name)
	}
	return out
}

type recordingTracer struct {
	tracenoop.Tracer
	mu    sync.Mutex
	spans []*recordingSpan
}

func (t *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	cfg := trace.NewSpanStartConfig(opts...)
	sp := &recordingSpan{name: name, attrs: cfg.Attributes()}
	t.mu.Lock()
	t.spans = append(t.spans, sp)
	t.mu.Unlock()
	return ctx, sp
}

func newRecordingSink(t *testing.T) (*OTelSink, *recordingMeter, *recordingTracer) {
	t.Helper()
	meter := &recordingMeter{
		active:   &recordingUpDown{},
		counters: map[string]*recordingCounter{},
		hist:     &recordingHistogram{},
	}
	tracer := &recordingTracer{}
	sink, err := NewOTelSink(OTelOptions{Meter: meter, Tracer: tracer})
	if err != nil {
		t.Fatalf("NewOTelSink: %v", err)
	}
	return sink, meter, tracer
}

func otelEvent(name, check, scope string, fields map[string]any) engine.Event {
	return engine.Event{
		Name:    name,
		Session: "01TEST",
		Check:   check,
		Scope:   scope,
		At:      time.Now(),
		Fields:  fields,
	}
}

func attrValue(set attribute.Set, key string) string {
	v, ok := set.Value(attribute.Key(key))
	if !ok {
		return ""
	}
	return v.AsString()
}

func TestOTelSinkTracksActiveChecks(t *testing.T) {
	sink, meter, _ := newRecordingSink(t)

	sink.Emit(otelEvent(engine.EventCheckScheduled, "a", "", map[string]any{"type": "command"}))
	sink.Emit(otelEvent(engine.EventCheckScheduled, "b", "", map[string]any{"type": "log"}))
	if meter.active.peak != 2 {
		t.Fatalf("peak = %d, want 2", meter.active.peak)
	}

	sink.Emit(otelEvent(engine.EventCheckCompleted, "a", "", map[string]any{"success": true, "type": "command", "durationMs": int64(5)}))
	sink.Emit(otelEvent(engine.EventCheckErrored, "b", "", map[string]any{"kind": "provider_execution_error", "error": "boom", "type": "log", "durationMs": int64(3)}))
	if meter.active.sum != 0 {
		t.Fatalf("sum = %d, want 0 after both completions", meter.active.sum)
	}
}

func TestOTelSinkIgnoresCompletionWithoutSchedule(t *testing.T) {
	sink, meter, tracer := newRecordingSink(t)

	// Fail-fast clears emit completions for checks that never dispatched.
	sink.Emit(otelEvent(engine.EventCheckCompleted, "cleared", "", map[string]any{"skipped": true, "reason": "fail_fast"}))

	if meter.active.sum != 0 {
		t.Fatalf("sum = %d, want 0", meter.active.sum)
	}
	if len(tracer.spans) != 0 {
		t.Fatalf("spans = %d, want none", len(tracer.spans))
	}
}

func TestOTelSinkRecordsProviderDuration(t *testing.T) {
	sink, meter, _ := newRecordingSink(t)

	sink.Emit(otelEvent(engine.EventCheckScheduled, "fmt", "", map[string]any{"type": "command"}))
	sink.Emit(otelEvent(engine.EventCheckCompleted, "fmt", "", map[string]any{
		"success":    true,
		"type":       "command",
		"durationMs": int64(120),
	}))

	recs := meter.hist.records
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].value != 120 {
		t.Fatalf("value = %v, want 120", recs[0].value)
	}
	if got := attrValue(recs[0].attrs, "provider"); got != "command" {
		t.Fatalf("provider attr = %q, want command", got)
	}
}

func TestOTelSinkCountsIssuesBySeverity(t *testing.T) {
	sink, meter, _ := newRecordingSink(t)

	sink.Emit(otelEvent(engine.EventCheckScheduled, "digest", "", map[string]any{"type": "ai"}))
	sink.Emit(otelEvent(engine.EventCheckCompleted, "digest", "", map[string]any{
		"success":    false,
		"type":       "ai",
		"durationMs": int64(9),
		"severities": map[string]int{"error": 2, "warning": 1},
	}))

	counter := meter.counters[MetricIssues]
	if counter == nil {
		t.Fatalf("issues counter not registered")
	}
	totals := map[string]int64{}
	for _, add := range counter.adds {
		if got := attrValue(add.attrs, "check"); got != "digest" {
			t.Fatalf("check attr = %q, want digest", got)
		}
		totals[attrValue(add.attrs, "severity")] += add.value
	}
	if totals["error"] != 2 || totals["warning"] != 1 {
		t.Fatalf("totals = %v", totals)
	}
}

func TestOTelSinkCountsFailIfByScope(t *testing.T) {
	sink, meter, _ := newRecordingSink(t)

	sink.Emit(otelEvent(engine.EventCheckScheduled, "guard", "", map[string]any{"type": "script"}))
	sink.Emit(otelEvent(engine.EventFailIfTriggered, "guard", "items[2]", map[string]any{"expression": "output > 3"}))

	counter := meter.counters[MetricFailIfTriggered]
	if counter == nil {
		t.Fatalf("fail_if counter not registered")
	}
	if len(counter.adds) != 1 || counter.adds[0].value != 1 {
		t.Fatalf("adds = %+v", counter.adds)
	}
	if got := attrValue(counter.adds[0].attrs, "scope"); got != "items[2]" {
		t.Fatalf("scope attr = %q, want items[2]", got)
	}
	if got := attrValue(counter.adds[0].attrs, "check"); got != "guard" {
		t.Fatalf("check attr = %q, want guard", got)
	}
}

func TestOTelSinkSpanLifecycle(t *testing.T) {
	sink, _, tracer := newRecordingSink(t)

	sink.Emit(otelEvent(engine.EventCheckScheduled, "probe", "", map[string]any{"type": "http"}))
	sink.Emit(otelEvent(engine.EventIterationStart, "probe", "root", map[string]any{"attempt": 1, "type": "http"}))
	sink.Emit(otelEvent(engine.EventCheckCompleted, "probe", "", map[string]any{
		"success":    true,
		"type":       "http",
		"durationMs": int64(33),
	}))

	if len(tracer.spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(tracer.spans))
	}
	span := tracer.spans[0]
	if span.name != "check.execute" {
		t.Fatalf("span name = %q", span.name)
	}
	if !span.ended {
		t.Fatalf("span not ended")
	}
	if span.status != codes.Ok {
		t.Fatalf("status = %v, want Ok", span.status)
	}
	names := span.eventNames()
	if len(names) != 1 || names[0] != engine.EventIterationStart {
		t.Fatalf("span events = %v", names)
	}

	var hasCheck, hasProvider bool
	for _, kv := range span.attrs {
		switch kv.Key {
		case "check":
			hasCheck = kv.Value.AsString() == "probe"
		case "provider":
			hasProvider = kv.Value.AsString() == "http"
		}
	}
	if !hasCheck || !hasProvider {
		t.Fatalf("span attrs missing check/provider: %v", span.attrs)
	}
}

func TestOTelSinkSpanStatusOnError(t *testing.T) {
	sink, _, tracer := newRecordingSink(t)

	sink.Emit(otelEvent(engine.EventCheckScheduled, "flaky", "", map[string]any{"type": "command"}))
	sink.Emit(otelEvent(engine.EventCheckErrored, "flaky", "", map[string]any{
		"kind":       "provider_execution_error",
		"error":      "exit status 2",
		"type":       "command",
		"durationMs": int64(7),
	}))

	span := tracer.spans[0]
	if !span.ended || span.status != codes.Error {
		t.Fatalf("ended = %v status = %v, want ended Error", span.ended, span.status)
	}
	if span.desc != "exit status 2" {
		t.Fatalf("desc = %q", span.desc)
	}
}

func TestOTelSinkSpanSkipKeepsStatusUnset(t *testing.T) {
	sink, _, tracer := newRecordingSink(t)

	sink.Emit(otelEvent(engine.EventCheckScheduled, "gated", "", map[string]any{"type": "noop"}))
	sink.Emit(otelEvent(engine.EventCheckCompleted, "gated", "", map[string]any{
		"skipped": true,
		"reason":  "if_condition",
	}))

	span := tracer.spans[0]
	if !span.ended {
		t.Fatalf("span not ended")
	}
	if span.status != codes.Unset {
		t.Fatalf("status = %v, want Unset", span.status)
	}
	names := span.eventNames()
	if len(names) != 1 || names[0] != "skipped" {
		t.Fatalf("span events = %v", names)
	}
}
