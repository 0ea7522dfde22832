package telemetry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/droverhq/drover/internal/engine"
)

const instrumentationName = "github.com/droverhq/drover/internal/telemetry"

// Instrument names registered by the OpenTelemetry sink.
const (
	MetricActiveChecks     = "drover.checks.active"
	MetricFailIfTriggered  = "drover.fail_if.triggered"
	MetricIssues           = "drover.issues"
	MetricProviderDuration = "drover.provider.duration"
)

// OTelOptions configures the bridge. A nil Meter or Tracer falls back to
// the global provider; Parent is the context check spans start under.
type OTelOptions struct {
	Parent context.Context
	Meter  metric.Meter
	Tracer trace.Tracer
}

// OTelSink projects engine events onto OpenTelemetry instruments: an
// up/down counter of dispatched checks, counters for triggered fail_if
// expressions and produced issues, a per-provider duration histogram,
// and one span per dispatched check.
type OTelSink struct {
	parent context.Context
	tracer trace.Tracer

	active   metric.Int64UpDownCounter
	failIf   metric.Int64Counter
	issues   metric.Int64Counter
	duration metric.Float64Histogram

	mu    sync.Mutex
	spans map[string]trace.Span
}

// NewOTelSink registers the drover instruments and returns the bridge.
func NewOTelSink(opts OTelOptions) (*OTelSink, error) {
	parent := opts.Parent
	if parent == nil {
		parent = context.Background()
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}

	active, err := meter.Int64UpDownCounter(MetricActiveChecks,
		metric.WithDescription("checks currently dispatched"))
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", MetricActiveChecks, err)
	}
	failIf, err := meter.Int64Counter(MetricFailIfTriggered,
		metric.WithDescription("fail_if expressions that evaluated true"))
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", MetricFailIfTriggered, err)
	}
	issues, err := meter.Int64Counter(MetricIssues,
		metric.WithDescription("issues produced by completed checks"))
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", MetricIssues, err)
	}
	duration, err := meter.Float64Histogram(MetricProviderDuration,
		metric.WithDescription("provider execution time per dispatch"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", MetricProviderDuration, err)
	}

	return &OTelSink{
		parent:   parent,
		tracer:   tracer,
		active:   active,
		failIf:   failIf,
		issues:   issues,
		duration: duration,
		spans:    map[string]trace.Span{},
	}, nil
}

func (s *OTelSink) Emit(ev engine.Event) {
	switch ev.Name {
	case engine.EventCheckScheduled:
		s.active.Add(s.parent, 1)
		s.beginSpan(ev)
	case engine.EventCheckCompleted, engine.EventCheckErrored:
		s.finishCheck(ev)
	case engine.EventFailIfTriggered:
		s.failIf.Add(s.parent, 1, metric.WithAttributes(
			attribute.String("check", ev.Check),
			attribute.String("scope", ev.Scope),
		))
		s.annotate(ev)
	case engine.EventIterationStart, engine.EventToolCall, engine.EventAIRequest,
		engine.EventFailIfEvaluated, engine.EventForEachItem:
		s.annotate(ev)
	}
}

func (s *OTelSink) beginSpan(ev engine.Event) {
	attrs := []attribute.KeyValue{attribute.String("check", ev.Check)}
	if typ, ok := ev.Fields["type"].(string); ok {
		attrs = append(attrs, attribute.String("provider", typ))
	}
	if ev.Wave > 0 {
		attrs = append(attrs, attribute.Int("wave", ev.Wave))
	}
	_, span := s.tracer.Start(s.parent, "check.execute", trace.WithAttributes(attrs...))

	s.mu.Lock()
	if prev, ok := s.spans[ev.Check]; ok {
		prev.End()
	}
	s.spans[ev.Check] = span
	s.mu.Unlock()
}

// finishCheck closes the check's span and records the completion-side
// instruments. Checks cleared without ever being scheduled carry no span
// and leave the active counter untouched.
func (s *OTelSink) finishCheck(ev engine.Event) {
	span := s.popSpan(ev.Check)
	if span != nil {
		s.active.Add(s.parent, -1)
	}

	if prov, ok := ev.Fields["type"].(string); ok {
		if ms, ok := ev.Fields["durationMs"].(int64); ok {
			s.duration.Record(s.parent, float64(ms), metric.WithAttributes(
				attribute.String("provider", prov),
			))
		}
	}
	if counts, ok := ev.Fields["severities"].(map[string]int); ok {
		for severity, n := range counts {
			s.issues.Add(s.parent, int64(n), metric.WithAttributes(
				attribute.String("check", ev.Check),
				attribute.String("severity", severity),
			))
		}
	}

	if span == nil {
		return
	}
	span.SetAttributes(scalarAttrs(ev.Fields)...)
	skipped, _ := ev.Fields["skipped"].(bool)
	success, _ := ev.Fields["success"].(bool)
	switch {
	case ev.Name == engine.EventCheckErrored:
		msg, _ := ev.Fields["error"].(string)
		span.SetStatus(codes.Error, msg)
	case skipped:
		reason, _ := ev.Fields["reason"].(string)
		span.AddEvent("skipped", trace.WithAttributes(attribute.String("reason", reason)))
	case !success:
		span.SetStatus(codes.Error, "check failed")
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// annotate attaches a mid-flight event to the check's open span.
func (s *OTelSink) annotate(ev engine.Event) {
	s.mu.Lock()
	span, ok := s.spans[ev.Check]
	s.mu.Unlock()
	if !ok {
		return
	}
	attrs := scalarAttrs(ev.Fields)
	if ev.Scope != "" {
		attrs = append(attrs, attribute.String("scope", ev.Scope))
	}
	span.AddEvent(ev.Name, trace.WithAttributes(attrs...))
}

func (s *OTelSink) popSpan(check string) trace.Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	span, ok := s.spans[check]
	if !ok {
		return nil
	}
	delete(s.spans, check)
	return span
}

// scalarAttrs converts the scalar event fields to attributes, sorted by
// key. Composite values are dropped.
func scalarAttrs(fields map[string]any) []attribute.KeyValue {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		switch v := fields[k].(type) {
		case string:
			attrs = append(attrs, attribute.String(k, v))
		case bool:
			attrs = append(attrs, attribute.Bool(k, v))
		case int:
			attrs = append(attrs, attribute.Int(k, v))
		case int64:
			attrs = append(attrs, attribute.Int64(k, v))
		case float64:
			attrs = append(attrs, attribute.Float64(k, v))
		}
	}
	return attrs
}
