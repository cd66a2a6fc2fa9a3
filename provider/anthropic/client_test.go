package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	codepunk "github.com/codepunk/codepunk"
)

const okBody = `{"id":"msg_1","model":"m","content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":2}}`

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New("test-key", WithBaseURL(srv.URL))
}

func TestSendParsesResponse(t *testing.T) {
	var gotPath, gotKey, gotVersion string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		gotVersion = r.Header.Get("Anthropic-Version")
		w.Write([]byte(okBody))
	})

	resp, err := p.Send(context.Background(), &codepunk.LLMRequest{
		Messages: []*codepunk.Message{codepunk.UserMessage("s", "hello")},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/messages" || gotKey != "test-key" || gotVersion != apiVersion {
		t.Errorf("request = %q key=%q version=%q", gotPath, gotKey, gotVersion)
	}
	if resp.Content != "hi" || resp.FinishReason != codepunk.FinishStop {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.InputTokens != 3 || resp.Usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestSendRetriesOn429(t *testing.T) {
	var calls int32
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(okBody))
	})

	resp, err := p.Send(context.Background(), &codepunk.LLMRequest{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Content != "hi" {
		t.Errorf("resp = %+v", resp)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestSendUnauthorizedNoRetry(t *testing.T) {
	var calls int32
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	})

	_, err := p.Send(context.Background(), &codepunk.LLMRequest{})
	if !codepunk.IsUnauthorized(err) {
		t.Fatalf("err = %v, want 401", err)
	}
	// The raw body never leaks; the message is fixed.
	if !strings.Contains(err.Error(), "unauthorized: check the API key") {
		t.Errorf("err = %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1 (no retry on auth failure)", calls)
	}
}

func TestSendServerErrorNoRetry(t *testing.T) {
	var calls int32
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream secrets in here"))
	})

	_, err := p.Send(context.Background(), &codepunk.LLMRequest{})
	if !codepunk.IsServerError(err) {
		t.Fatalf("err = %v, want 5xx", err)
	}
	if !strings.Contains(err.Error(), "provider server error (502)") {
		t.Errorf("err = %v, body should be replaced", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1 (502 is not transient)", calls)
	}
}

func TestSendBadRequestUsesAPIErrorMessage(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"max_tokens is too large"}}`))
	})

	_, err := p.Send(context.Background(), &codepunk.LLMRequest{})
	if !strings.Contains(err.Error(), "max_tokens is too large") {
		t.Errorf("err = %v, want envelope message", err)
	}
	var herr *codepunk.ErrHTTP
	if !errors.As(err, &herr) || herr.Status != 400 {
		t.Errorf("err = %v, want ErrHTTP 400", err)
	}
}

func TestSendRetriesExhausted(t *testing.T) {
	var calls int32
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := p.Send(context.Background(), &codepunk.LLMRequest{})
	if err == nil || !strings.Contains(err.Error(), "retries exhausted") {
		t.Fatalf("err = %v", err)
	}
	if !codepunk.IsTransient(err) {
		t.Error("last transient cause not preserved in the chain")
	}
	if atomic.LoadInt32(&calls) != maxAttempts {
		t.Errorf("calls = %d, want %d", calls, maxAttempts)
	}
}

func TestStreamEndToEnd(t *testing.T) {
	var gotAccept string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		var body messagesRequest
		json.NewDecoder(r.Body).Decode(&body)
		if !body.Stream {
			t.Error("stream flag not set in body")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sse(
			`{"type":"message_start","message":{"usage":{"input_tokens":6}}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hey"}}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"input_tokens":6,"output_tokens":1}}`,
			`{"type":"message_stop"}`,
		)))
	})

	ch := make(chan codepunk.LLMStreamChunk, 16)
	resp, err := p.Stream(context.Background(), &codepunk.LLMRequest{}, ch)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if gotAccept != "text/event-stream" {
		t.Errorf("accept = %q", gotAccept)
	}
	var deltas int
	for c := range ch {
		if c.ContentDelta != "" {
			deltas++
		}
	}
	if deltas != 1 || resp.Content != "hey" {
		t.Errorf("deltas=%d resp=%+v", deltas, resp)
	}
}

func TestStreamClosesChannelOnHTTPError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	ch := make(chan codepunk.LLMStreamChunk, 16)
	_, err := p.Stream(context.Background(), &codepunk.LLMRequest{}, ch)
	if err == nil {
		t.Fatal("expected error")
	}
	if _, open := <-ch; open {
		t.Error("channel left open after transport failure")
	}
}

func TestCountTokens(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages/count_tokens" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body countRequest
		json.NewDecoder(r.Body).Decode(&body)
		if body.Model == "" {
			t.Error("count request missing model")
		}
		w.Write([]byte(`{"input_tokens":321}`))
	})

	n, err := p.CountTokens(context.Background(), &codepunk.LLMRequest{
		Messages: []*codepunk.Message{codepunk.UserMessage("s", "count me")},
	})
	if err != nil || n != 321 {
		t.Errorf("CountTokens = %d, %v", n, err)
	}
}

func TestSessionDefaults(t *testing.T) {
	var gotModel string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body messagesRequest
		json.NewDecoder(r.Body).Decode(&body)
		gotModel = body.Model
		w.Write([]byte(okBody))
	})

	p.SetSessionDefaults("anthropic", "claude-opus-4")
	p.Send(context.Background(), &codepunk.LLMRequest{})
	if gotModel != "claude-opus-4" {
		t.Errorf("model = %q, want session override", gotModel)
	}

	// An explicit request model wins over the session default.
	p.Send(context.Background(), &codepunk.LLMRequest{ModelID: "claude-haiku-3-5"})
	if gotModel != "claude-haiku-3-5" {
		t.Errorf("model = %q, want request model", gotModel)
	}

	// Defaults for a different provider are ignored.
	p.SetSessionDefaults("openai", "gpt-4o")
	p.Send(context.Background(), &codepunk.LLMRequest{})
	if gotModel != "claude-opus-4" {
		t.Errorf("model = %q, foreign defaults must not apply", gotModel)
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"https://api.example.com", "https://api.example.com/"},
		{"https://api.example.com/", "https://api.example.com/"},
		{"https://api.example.com//", "https://api.example.com/"},
		{"  https://api.example.com  ", "https://api.example.com/"},
	}
	for _, tt := range tests {
		if got := normalizeBaseURL(tt.in); got != tt.want {
			t.Errorf("normalizeBaseURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeHeader(t *testing.T) {
	if got := sanitizeHeader(" key\r\nwith-crlf "); got != "keywith-crlf" {
		t.Errorf("sanitizeHeader = %q", got)
	}
}
