package codepunk

import "context"

// Provider abstracts the LLM backend.
type Provider interface {
	// Send sends a request and returns a complete response.
	Send(ctx context.Context, req *LLMRequest) (*LLMResponse, error)
	// Stream streams chunks into ch, then returns the final accumulated
	// response with usage stats. The channel is closed when streaming
	// completes. Fully assembled tool calls are emitted only after their
	// argument JSON is complete.
	Stream(ctx context.Context, req *LLMRequest, ch chan<- LLMStreamChunk) (*LLMResponse, error)
	// CountTokens returns the prompt token count for req without generating.
	CountTokens(ctx context.Context, req *LLMRequest) (int, error)
	// Name returns the provider name (e.g. "anthropic").
	Name() string
}

// SessionDefaulter is implemented by providers that accept per-session
// default overrides for the provider id and model. The orchestrator
// propagates UpdateDefaults through this interface when present.
type SessionDefaulter interface {
	SetSessionDefaults(provider, model string)
}
