package codepunk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// PromptCache stores complete provider responses keyed by a request
// fingerprint. Implementations must be safe for concurrent readers with
// occasional writers.
type PromptCache interface {
	// TryGet returns the cached response for fingerprint, or false.
	TryGet(ctx context.Context, fingerprint string) (*LLMResponse, bool)
	// Store records resp under fingerprint. Best-effort; errors are not
	// surfaced to the caller.
	Store(ctx context.Context, fingerprint string, resp *LLMResponse)
}

// Fingerprint derives the cache key for a request: SHA-256 over the provider
// name and the canonicalized request JSON.
func Fingerprint(provider string, req *LLMRequest) string {
	raw, _ := json.Marshal(req)
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(CanonicalJSON(raw)))
	return hex.EncodeToString(h.Sum(nil))
}

// cachedProvider wraps a Provider with a PromptCache. Send checks the cache
// first and stores on success. Stream replays hits as a synthetic chunk
// sequence and stores the accumulated response on a miss.
type cachedProvider struct {
	inner Provider
	cache PromptCache
}

// WithCache wraps p so identical requests are served from cache. Compose
// like any other provider wrapper:
//
//	llm = codepunk.WithCache(anthropic.New(key), codepunk.NewMemoryCache(256))
func WithCache(p Provider, c PromptCache) Provider {
	return &cachedProvider{inner: p, cache: c}
}

func (c *cachedProvider) Name() string { return c.inner.Name() }

func (c *cachedProvider) Send(ctx context.Context, req *LLMRequest) (*LLMResponse, error) {
	fp := Fingerprint(c.inner.Name(), req)
	if resp, ok := c.cache.TryGet(ctx, fp); ok {
		return resp, nil
	}
	resp, err := c.inner.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	c.cache.Store(ctx, fp, resp)
	return resp, nil
}

func (c *cachedProvider) Stream(ctx context.Context, req *LLMRequest, ch chan<- LLMStreamChunk) (*LLMResponse, error) {
	fp := Fingerprint(c.inner.Name(), req)
	if resp, ok := c.cache.TryGet(ctx, fp); ok {
		return replayResponse(ctx, resp, ch)
	}
	resp, err := c.inner.Stream(ctx, req, ch)
	if err != nil {
		return nil, err
	}
	c.cache.Store(ctx, fp, resp)
	return resp, nil
}

func (c *cachedProvider) CountTokens(ctx context.Context, req *LLMRequest) (int, error) {
	return c.inner.CountTokens(ctx, req)
}

func (c *cachedProvider) SetSessionDefaults(provider, model string) {
	if sd, ok := c.inner.(SessionDefaulter); ok {
		sd.SetSessionDefaults(provider, model)
	}
}

// replayResponse turns a cached response back into a chunk sequence: one
// chunk per tool call, then a terminal chunk carrying content, usage, and
// finish reason. Collected into a single message this equals the cached
// non-streaming response.
func replayResponse(ctx context.Context, resp *LLMResponse, ch chan<- LLMStreamChunk) (*LLMResponse, error) {
	defer close(ch)
	for i := range resp.ToolCalls {
		tc := resp.ToolCalls[i]
		select {
		case ch <- LLMStreamChunk{ToolCall: &tc}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	usage := resp.Usage
	final := LLMStreamChunk{
		ContentDelta: resp.Content,
		Usage:        &usage,
		FinishReason: resp.FinishReason,
		IsComplete:   true,
		CacheInfo:    resp.CacheInfo,
	}
	select {
	case ch <- final:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return resp, nil
}

// MemoryCache is an in-process PromptCache with FIFO eviction.
type MemoryCache struct {
	mu         sync.RWMutex
	entries    map[string]*LLMResponse
	order      []string
	maxEntries int
}

// NewMemoryCache creates a MemoryCache holding at most maxEntries responses
// (0 means a default of 128).
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 128
	}
	return &MemoryCache{
		entries:    make(map[string]*LLMResponse),
		maxEntries: maxEntries,
	}
}

func (m *MemoryCache) TryGet(_ context.Context, fingerprint string) (*LLMResponse, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	resp, ok := m.entries[fingerprint]
	return resp, ok
}

func (m *MemoryCache) Store(_ context.Context, fingerprint string, resp *LLMResponse) {
	if resp == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[fingerprint]; !exists {
		m.order = append(m.order, fingerprint)
		for len(m.order) > m.maxEntries {
			oldest := m.order[0]
			m.order = m.order[1:]
			delete(m.entries, oldest)
		}
	}
	m.entries[fingerprint] = resp
}

// compile-time checks
var (
	_ Provider         = (*cachedProvider)(nil)
	_ SessionDefaulter = (*cachedProvider)(nil)
	_ PromptCache      = (*MemoryCache)(nil)
)
