package anthropic

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	codepunk "github.com/codepunk/codepunk"
)

// defaultModel is used when neither the request nor the session defaults
// name one.
const defaultModel = "claude-sonnet-4-20250514"

// Provider implements codepunk.Provider for the Anthropic Messages API.
type Provider struct {
	c     *client
	name  string
	model string

	mu           sync.RWMutex
	sessionModel string
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (e.g. for a proxy). It is
// normalized to a single trailing slash.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.c.baseURL = normalizeBaseURL(u) }
}

// WithModel sets the default model id.
func WithModel(m string) Option {
	return func(p *Provider) { p.model = m }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) {
		if hc != nil {
			p.c.http = hc
		}
	}
}

// WithProviderLogger sets a structured logger for transport events.
func WithProviderLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.c.logger = l
		}
	}
}

// New creates an Anthropic provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		c:     newClient(apiKey, defaultBaseURL, nil, codepunk.NopLogger()),
		name:  "anthropic",
		model: defaultModel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns "anthropic".
func (p *Provider) Name() string { return p.name }

// SetSessionDefaults records per-session overrides. A provider name other
// than this adapter's is ignored; the model override applies to requests
// that do not name a model.
func (p *Provider) SetSessionDefaults(provider, model string) {
	if provider != "" && !strings.EqualFold(provider, p.name) {
		return
	}
	p.mu.Lock()
	p.sessionModel = model
	p.mu.Unlock()
}

func (p *Provider) modelFor(req *codepunk.LLMRequest) string {
	if req.ModelID != "" {
		return req.ModelID
	}
	p.mu.RLock()
	m := p.sessionModel
	p.mu.RUnlock()
	if m != "" {
		return m
	}
	return p.model
}

// Send sends a non-streaming request and returns the complete response.
func (p *Provider) Send(ctx context.Context, req *codepunk.LLMRequest) (*codepunk.LLMResponse, error) {
	body := buildBody(req, p.modelFor(req), false)
	resp, err := p.c.post(ctx, "messages", body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &codepunk.ErrProvider{Provider: p.name, Message: "decode response", Err: err}
	}
	return parseResponse(wire), nil
}

// Stream opens an SSE stream and emits chunks on ch; ch is closed when the
// stream ends. The returned response is the accumulated whole.
func (p *Provider) Stream(ctx context.Context, req *codepunk.LLMRequest, ch chan<- codepunk.LLMStreamChunk) (*codepunk.LLMResponse, error) {
	body := buildBody(req, p.modelFor(req), true)
	resp, err := p.c.post(ctx, "messages", body, true)
	if err != nil {
		close(ch)
		return nil, err
	}
	defer resp.Body.Close()

	out, serr := streamSSE(ctx, resp.Body, ch)
	if serr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &codepunk.ErrProvider{Provider: p.name, Message: "stream failed", Err: serr}
	}
	return out, nil
}

// CountTokens POSTs to the count endpoint with the same retry envelope.
func (p *Provider) CountTokens(ctx context.Context, req *codepunk.LLMRequest) (int, error) {
	body := buildBody(req, p.modelFor(req), false)
	count := countRequest{
		Model:    body.Model,
		System:   body.System,
		Messages: body.Messages,
		Tools:    body.Tools,
	}
	resp, err := p.c.post(ctx, "messages/count_tokens", count, false)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var wire countResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return 0, &codepunk.ErrProvider{Provider: p.name, Message: "decode count response", Err: err}
	}
	return wire.InputTokens, nil
}

// parseResponse converts a complete wire response to the normalized form.
func parseResponse(wire messagesResponse) *codepunk.LLMResponse {
	out := &codepunk.LLMResponse{
		Usage: codepunk.Usage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
		},
		FinishReason: mapStopReason(wire.StopReason),
		CacheInfo:    cacheInfoOf(wire.Usage),
	}
	var content strings.Builder
	for _, blk := range wire.Content {
		switch blk.Type {
		case "text":
			content.WriteString(blk.Text)
		case "tool_use":
			input := blk.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			out.ToolCalls = append(out.ToolCalls, codepunk.ToolCallPart(blk.ID, blk.Name, input))
		}
	}
	out.Content = content.String()
	if out.FinishReason == "" {
		out.FinishReason = codepunk.FinishStop
	}
	return out
}

// compile-time checks
var (
	_ codepunk.Provider         = (*Provider)(nil)
	_ codepunk.SessionDefaulter = (*Provider)(nil)
)
