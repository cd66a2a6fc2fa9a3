package codepunk

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// stubTool is a minimal Tool for registry tests.
type stubTool struct {
	name        string
	description string
	params      string
	execute     func(ctx context.Context, args json.RawMessage) (ToolResult, error)
}

func (s *stubTool) Name() string                { return s.name }
func (s *stubTool) Description() string         { return s.description }
func (s *stubTool) Parameters() json.RawMessage { return json.RawMessage(s.params) }

func (s *stubTool) Execute(ctx context.Context, args json.RawMessage) (ToolResult, error) {
	if s.execute != nil {
		return s.execute(ctx, args)
	}
	return ToolResult{Content: "ok"}, nil
}

func echoTool() *stubTool {
	return &stubTool{
		name:        "echo",
		description: "Echoes its input. Useful for testing.",
		params:      `{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`,
	}
}

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool())

	res, err := r.Execute(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError || res.Content != "ok" {
		t.Errorf("result = %+v", res)
	}
}

func TestRegistryCaseInsensitiveLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool())

	res, err := r.Execute(context.Background(), "ECHO", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Errorf("case-insensitive lookup failed: %+v", res)
	}
}

func TestRegistryToolNotFound(t *testing.T) {
	r := NewRegistry()
	res, err := r.Execute(context.Background(), "missing", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "not found") {
		t.Errorf("result = %+v, want not-found error result", res)
	}
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry(WithToolTimeout(20 * time.Millisecond))
	r.Register(&stubTool{
		name:   "slow",
		params: `{"type":"object"}`,
		execute: func(ctx context.Context, _ json.RawMessage) (ToolResult, error) {
			<-ctx.Done()
			return ToolResult{}, ctx.Err()
		},
	})

	res, err := r.Execute(context.Background(), "slow", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "timed out") {
		t.Errorf("result = %+v, want timeout error result", res)
	}
}

func TestRegistryCallerCancellation(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{
		name:   "block",
		params: `{"type":"object"}`,
		execute: func(ctx context.Context, _ json.RawMessage) (ToolResult, error) {
			<-ctx.Done()
			return ToolResult{}, ctx.Err()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := r.Execute(ctx, "block", nil)
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled (caller cancellation crosses the boundary)", err)
	}
}

func TestRegistryPanicRecovery(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{
		name:   "boom",
		params: `{"type":"object"}`,
		execute: func(context.Context, json.RawMessage) (ToolResult, error) {
			panic("kaboom")
		},
	})

	res, err := r.Execute(context.Background(), "boom", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "panic") {
		t.Errorf("result = %+v, want panic error result", res)
	}
}

func TestRegistryArgValidation(t *testing.T) {
	r := NewRegistry(WithArgValidation())
	r.Register(echoTool())

	// missing required field
	res, err := r.Execute(context.Background(), "echo", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "schema") {
		t.Errorf("result = %+v, want schema violation", res)
	}

	// malformed JSON
	res, _ = r.Execute(context.Background(), "echo", json.RawMessage(`{broken`))
	if !res.IsError || !strings.Contains(res.Content, "not valid JSON") {
		t.Errorf("result = %+v, want JSON parse failure", res)
	}

	// valid args execute
	res, _ = r.Execute(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`))
	if res.IsError {
		t.Errorf("valid args rejected: %+v", res)
	}
}

func TestRegistryDefinitionsOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "b_tool", description: "b", params: `{}`})
	r.Register(&stubTool{name: "a_tool", description: "a", params: `{}`})

	defs := r.Definitions()
	if len(defs) != 2 || defs[0].Name != "b_tool" || defs[1].Name != "a_tool" {
		t.Errorf("definitions out of registration order: %+v", defs)
	}
}

func TestRegistryCompactDescriptions(t *testing.T) {
	t.Setenv("CODEPUNK_COMPACT_TOOLS", "1")
	r := NewRegistry()
	r.Register(&stubTool{
		name:        "verbose",
		description: "First sentence here. Second sentence that should be cut off entirely.",
		params:      `{}`,
	})

	defs := r.Definitions()
	if defs[0].Description != "First sentence here." {
		t.Errorf("compact description = %q", defs[0].Description)
	}
}

func TestRegistrySortedToolNames(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "zeta", params: `{}`})
	r.Register(&stubTool{name: "alpha", params: `{}`})

	names := r.sortedToolNames()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Errorf("sortedToolNames = %v", names)
	}
}

func TestRegistryReplaceOnReregister(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "echo", description: "old", params: `{}`})
	r.Register(&stubTool{name: "Echo", description: "new", params: `{}`})

	defs := r.Definitions()
	if len(defs) != 1 || defs[0].Description != "new" {
		t.Errorf("defs = %+v, want single replaced entry", defs)
	}
}
