// Package telemetry ships the concrete sinks behind engine.EventSink: a
// newline-delimited JSON event stream and an OpenTelemetry bridge that
// turns the event flow into metric instruments and per-check spans.
package telemetry

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/internal/engine"
)

// NDJSONSink writes one JSON object per engine event. Emit is safe for
// concurrent use; each event lands as a single write.
type NDJSONSink struct {
	log    zerolog.Logger
	closer io.Closer
}

// NewNDJSONSink streams events to w. The caller owns w's lifecycle.
func NewNDJSONSink(w io.Writer) *NDJSONSink {
	return &NDJSONSink{log: zerolog.New(zerolog.SyncWriter(w))}
}

// OpenNDJSONFile appends events to the file at path, creating it when
// missing. Close releases the handle.
func OpenNDJSONFile(path string) (*NDJSONSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open events file: %w", err)
	}
	s := NewNDJSONSink(f)
	s.closer = f
	return s, nil
}

func (s *NDJSONSink) Emit(ev engine.Event) {
	line := s.log.Log().
		Str("event", ev.Name).
		Str("session", ev.Session).
		Time("at", ev.At)
	if ev.Check != "" {
		line = line.Str("check", ev.Check)
	}
	if ev.Scope != "" {
		line = line.Str("scope", ev.Scope)
	}
	if ev.Wave > 0 {
		line = line.Int("wave", ev.Wave)
	}
	if len(ev.Fields) > 0 {
		line = line.Fields(ev.Fields)
	}
	line.Send()
}

// Close releases the underlying file when the sink opened one itself.
func (s *NDJSONSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
