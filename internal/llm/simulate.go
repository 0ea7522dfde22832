package llm

import (
	"context"
	"strings"
)

// Simulated is an in-process adapter for tests and credential-less runs.
// Reply, when set, scripts the response; otherwise Complete echoes a small
// JSON object so schema-expecting callers still parse.
type Simulated struct {
	Model string
	Reply func(Request) (Response, error)
}

func (s *Simulated) Name() string { return "simulated" }

func (s *Simulated) Available() bool { return true }

func (s *Simulated) Complete(_ context.Context, req Request) (Response, error) {
	if s.Reply != nil {
		resp, err := s.Reply(req)
		if err != nil {
			return Response{}, err
		}
		if resp.Provider == "" {
			resp.Provider = s.Name()
		}
		return resp, nil
	}
	model := req.Model
	if model == "" {
		model = s.Model
	}
	text := `{"issues": []}`
	if !req.ForceJSON {
		text = "simulated response to: " + firstLine(req.Prompt)
	}
	return Response{
		Text:       text,
		Model:      model,
		Provider:   s.Name(),
		StopReason: "end_turn",
	}, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}
