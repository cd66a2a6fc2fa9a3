package codepunk

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures the chat orchestrator's tool-calling loop.
type Options struct {
	// MaxToolCallIterations bounds the loop (default 5).
	MaxToolCallIterations int
	// MaxToolCallsPerIteration caps tool calls per assistant turn
	// (0 = unlimited).
	MaxToolCallsPerIteration int
	// MaxRepeatedToolCalls aborts after this many consecutive iterations
	// that repeat an earlier tool call (0 = disabled).
	MaxRepeatedToolCalls int
	// MaxConsecutiveToolErrors aborts after this many consecutive
	// all-error iterations (0 = disabled).
	MaxConsecutiveToolErrors int
	// ToolExecutionTimeout is forwarded to the registry at wiring time
	// (default 2 minutes).
	ToolExecutionTimeout time.Duration
	DefaultModel         string
	DefaultProvider      string
}

// DefaultOptions returns the standard loop configuration.
func DefaultOptions() Options {
	return Options{
		MaxToolCallIterations: 5,
		ToolExecutionTimeout:  defaultToolTimeout,
	}
}

// ToolSource lists the tool definitions advertised to the model. Registry
// implements it.
type ToolSource interface {
	Definitions() []ToolDefinition
}

// Chat orchestrates one conversation: it persists messages, drives the
// provider, and runs the bounded tool-calling loop. Safe for concurrent
// reads of its state accessors; SendMessage calls must not overlap.
type Chat struct {
	session    *Session
	sessions   SessionRepository
	messages   MessageRepository
	provider   Provider
	tools      ToolSource
	dispatcher Dispatcher
	logger     *slog.Logger
	tracer     Tracer
	events     chan Event

	mu   sync.RWMutex
	opts Options

	processing       atomic.Bool
	toolIteration    atomic.Int64
	promptTokens     atomic.Int64
	completionTokens atomic.Int64
	costBits         atomic.Uint64
}

// ChatOption configures a Chat.
type ChatOption func(*Chat)

// WithChatOptions replaces the loop configuration. Zero-valued caps keep
// their defaults.
func WithChatOptions(o Options) ChatOption {
	return func(c *Chat) {
		if o.MaxToolCallIterations <= 0 {
			o.MaxToolCallIterations = 5
		}
		if o.ToolExecutionTimeout <= 0 {
			o.ToolExecutionTimeout = defaultToolTimeout
		}
		c.opts = o
	}
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) ChatOption {
	return func(c *Chat) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithChatTracer sets a tracer for loop spans.
func WithChatTracer(t Tracer) ChatOption {
	return func(c *Chat) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithDispatcher overrides the execution path for tool calls, e.g. to route
// them through a GitInterceptor. Definitions still come from the ToolSource.
func WithDispatcher(d Dispatcher) ChatOption {
	return func(c *Chat) {
		if d != nil {
			c.dispatcher = d
		}
	}
}

// WithEventBuffer sets the event channel capacity (default 64).
func WithEventBuffer(n int) ChatOption {
	return func(c *Chat) {
		if n > 0 {
			c.events = make(chan Event, n)
		}
	}
}

// NewChat creates an orchestrator over an existing session. When tools also
// implements Dispatcher it doubles as the execution path unless
// WithDispatcher overrides it.
func NewChat(session *Session, sessions SessionRepository, messages MessageRepository, provider Provider, tools ToolSource, opts ...ChatOption) *Chat {
	c := &Chat{
		session:  session,
		sessions: sessions,
		messages: messages,
		provider: provider,
		tools:    tools,
		logger:   nopLogger,
		events:   make(chan Event, defaultEventBuffer),
		opts:     DefaultOptions(),
	}
	if d, ok := tools.(Dispatcher); ok {
		c.dispatcher = d
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Events returns the orchestrator's event stream. Consuming it is optional;
// events are dropped rather than blocking the loop.
func (c *Chat) Events() <-chan Event { return c.events }

// SessionID returns the id of the underlying session.
func (c *Chat) SessionID() string { return c.session.ID }

// IsActive reports whether the orchestrator has a live session.
func (c *Chat) IsActive() bool { return c.session != nil }

// IsProcessing reports whether a SendMessage call is in flight.
func (c *Chat) IsProcessing() bool { return c.processing.Load() }

// ToolIteration returns the current loop iteration, 0 when idle.
func (c *Chat) ToolIteration() int { return int(c.toolIteration.Load()) }

// IsToolLoopActive reports whether the tool loop is mid-iteration.
func (c *Chat) IsToolLoopActive() bool { return c.toolIteration.Load() > 0 }

// AccumulatedPromptTokens returns prompt tokens consumed since creation.
func (c *Chat) AccumulatedPromptTokens() int64 { return c.promptTokens.Load() }

// AccumulatedCompletionTokens returns completion tokens since creation.
func (c *Chat) AccumulatedCompletionTokens() int64 { return c.completionTokens.Load() }

// AccumulatedCost returns the estimated cost in USD since creation.
func (c *Chat) AccumulatedCost() float64 {
	return math.Float64frombits(c.costBits.Load())
}

func (c *Chat) addCost(delta float64) {
	for {
		old := c.costBits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if c.costBits.CompareAndSwap(old, next) {
			return
		}
	}
}

// UpdateDefaults changes the session's provider and model defaults. Empty
// arguments leave the current value untouched. The pair is propagated to the
// provider when it supports per-session defaults.
func (c *Chat) UpdateDefaults(provider, model string) {
	c.mu.Lock()
	if provider != "" {
		c.opts.DefaultProvider = provider
	}
	if model != "" {
		c.opts.DefaultModel = model
	}
	p, m := c.opts.DefaultProvider, c.opts.DefaultModel
	c.mu.Unlock()

	if sd, ok := c.provider.(SessionDefaulter); ok {
		sd.SetSessionDefaults(p, m)
	}
}

func (c *Chat) options() Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opts
}

// SendMessage persists the user message, runs the tool-calling loop to
// completion and returns the terminal assistant message.
func (c *Chat) SendMessage(ctx context.Context, text string) (*Message, error) {
	return c.send(ctx, text, nil)
}

// SendMessageStream is SendMessage with incremental output: provider deltas
// and tool-status payloads are emitted on ch as they arrive, ending with a
// chunk whose IsComplete is true. The channel is closed before returning.
func (c *Chat) SendMessageStream(ctx context.Context, text string, ch chan<- ChatStreamChunk) (*Message, error) {
	defer close(ch)
	return c.send(ctx, text, ch)
}

func (c *Chat) send(ctx context.Context, text string, out chan<- ChatStreamChunk) (*Message, error) {
	c.processing.Store(true)
	defer c.processing.Store(false)
	defer c.toolIteration.Store(0)

	user := UserMessage(c.session.ID, text)
	if err := c.messages.Create(ctx, user); err != nil {
		return nil, err
	}
	emitEvent(c.events, Event{Type: EventMessageStart, SessionID: c.session.ID})

	msgs, err := c.messages.ListBySession(ctx, c.session.ID)
	if err != nil {
		return nil, err
	}
	return c.runLoop(ctx, msgs, out)
}

// CountTokens reports the prompt token count a request over the current
// conversation would consume. Intended for UI budget display.
func (c *Chat) CountTokens(ctx context.Context) (int, error) {
	msgs, err := c.messages.ListBySession(ctx, c.session.ID)
	if err != nil {
		return 0, err
	}
	return c.provider.CountTokens(ctx, c.buildRequest(msgs))
}

// ClearMessages deletes the session's conversation history.
func (c *Chat) ClearMessages(ctx context.Context) error {
	if err := c.messages.DeleteBySession(ctx, c.session.ID); err != nil {
		return err
	}
	emitEvent(c.events, Event{Type: EventSessionCleared, SessionID: c.session.ID})
	return nil
}

func (c *Chat) buildRequest(msgs []*Message) *LLMRequest {
	opts := c.options()
	req := &LLMRequest{
		ModelID:           opts.DefaultModel,
		Messages:          msgs,
		SystemPrompt:      ComposeSystemPrompt(c.provider.Name()),
		UseEphemeralCache: true,
	}
	if c.tools != nil {
		req.Tools = c.tools.Definitions()
	}
	return req
}
