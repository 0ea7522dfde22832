package llm

import (
	"context"
	"errors"
	"testing"
)

func TestClientRoutesToDefaultProvider(t *testing.T) {
	c := NewClient(Options{})
	c.Register(&Simulated{Model: "sim-1"})

	resp, err := c.Complete(context.Background(), Request{Prompt: "hello"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Provider != "simulated" {
		t.Fatalf("provider = %q", resp.Provider)
	}
}

func TestClientUnknownProvider(t *testing.T) {
	c := NewClient(Options{})
	c.Register(&Simulated{})

	_, err := c.Complete(context.Background(), Request{Prompt: "x", Provider: "nonesuch"})
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
}

func TestClientValidatesRequest(t *testing.T) {
	c := NewClient(Options{})
	c.Register(&Simulated{})
	if _, err := c.Complete(context.Background(), Request{}); err == nil {
		t.Fatal("empty prompt should be rejected")
	}
	if _, err := c.Complete(context.Background(), Request{Prompt: "x", MaxTokens: -1}); err == nil {
		t.Fatal("negative max tokens should be rejected")
	}
}

func TestCanonicalProviderAliases(t *testing.T) {
	cases := map[string]string{
		"Claude":    "anthropic",
		"GPT":       "openai",
		"chatgpt":   "openai",
		" OpenAI ":  "openai",
		"simulated": "simulated",
	}
	for in, want := range cases {
		if got := canonicalProvider(in); got != want {
			t.Errorf("canonicalProvider(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestScriptedSimulatedAdapter(t *testing.T) {
	c := NewClient(Options{RequestsPerSecond: 1000, Burst: 10})
	c.Register(&Simulated{Reply: func(req Request) (Response, error) {
		return Response{Text: "echo: " + req.Prompt}, nil
	}})

	resp, err := c.Complete(context.Background(), Request{Prompt: "ping"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Text != "echo: ping" {
		t.Fatalf("text = %q", resp.Text)
	}
}

func TestSimulatedForceJSON(t *testing.T) {
	s := &Simulated{}
	resp, err := s.Complete(context.Background(), Request{Prompt: "p", ForceJSON: true})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != `{"issues": []}` {
		t.Fatalf("text = %q", resp.Text)
	}
}

func TestProviderNamesSorted(t *testing.T) {
	c := NewClient(Options{})
	c.Register(&Simulated{})
	c.SetDefaultProvider("simulated")
	names := c.ProviderNames()
	if len(names) != 1 || names[0] != "simulated" {
		t.Fatalf("names = %v", names)
	}
}
