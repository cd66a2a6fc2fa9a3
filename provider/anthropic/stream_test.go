package anthropic

import (
	"context"
	"strings"
	"testing"

	codepunk "github.com/codepunk/codepunk"
)

// sse joins data payloads into an event-stream body.
func sse(payloads ...string) string {
	var b strings.Builder
	for _, p := range payloads {
		b.WriteString("data: ")
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	return b.String()
}

func runStream(t *testing.T, body string) (*codepunk.LLMResponse, []codepunk.LLMStreamChunk) {
	t.Helper()
	ch := make(chan codepunk.LLMStreamChunk, 64)
	resp, err := streamSSE(context.Background(), strings.NewReader(body), ch)
	if err != nil {
		t.Fatalf("streamSSE: %v", err)
	}
	var chunks []codepunk.LLMStreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	return resp, chunks
}

func TestStreamTextDeltas(t *testing.T) {
	body := sse(
		`{"type":"message_start","message":{"usage":{"input_tokens":12}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"input_tokens":12,"output_tokens":4}}`,
		`{"type":"message_stop"}`,
		`[DONE]`,
	)
	resp, chunks := runStream(t, body)

	if resp.Content != "Hello" || resp.FinishReason != codepunk.FinishStop {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 2 deltas + terminal", len(chunks))
	}
	if chunks[0].ContentDelta != "Hel" || chunks[1].ContentDelta != "lo" {
		t.Errorf("deltas = %+v", chunks[:2])
	}
	last := chunks[2]
	if !last.IsComplete || last.Usage == nil || last.Usage.OutputTokens != 4 {
		t.Errorf("terminal = %+v", last)
	}
}

func TestStreamToolUseAssembly(t *testing.T) {
	body := sse(
		`{"type":"message_start","message":{"usage":{"input_tokens":5}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"c1","name":"write_file"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"file_"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"path\":\"a.go\"}"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"input_tokens":5,"output_tokens":9}}`,
		`{"type":"message_stop"}`,
	)
	resp, chunks := runStream(t, body)

	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.ToolCallID != "c1" || call.ToolName != "write_file" {
		t.Errorf("call = %+v", call)
	}
	if string(call.Arguments) != `{"file_path":"a.go"}` {
		t.Errorf("assembled args = %s", call.Arguments)
	}
	if resp.FinishReason != codepunk.FinishToolCall {
		t.Errorf("finish = %q", resp.FinishReason)
	}
	if len(chunks) != 2 || chunks[0].ToolCall == nil || chunks[0].ToolCall.ToolCallID != "c1" {
		t.Errorf("chunks = %+v", chunks)
	}
}

func TestStreamToolUseEmptyArgs(t *testing.T) {
	body := sse(
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"c1","name":"list"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_stop"}`,
	)
	resp, _ := runStream(t, body)
	if len(resp.ToolCalls) != 1 || string(resp.ToolCalls[0].Arguments) != "{}" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
}

func TestStreamInvalidToolJSON(t *testing.T) {
	body := sse(
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"c1","name":"write_file"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"file_path\": trunca"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_stop"}`,
	)
	resp, chunks := runStream(t, body)

	if len(resp.ToolCalls) != 0 {
		t.Errorf("unparseable call kept: %+v", resp.ToolCalls)
	}
	var sawEvent bool
	for _, c := range chunks {
		if c.EventType == "tool_use_invalid_json" {
			sawEvent = true
		}
	}
	if !sawEvent {
		t.Error("no tool_use_invalid_json event emitted")
	}
}

func TestStreamInterleavedBlocks(t *testing.T) {
	// Two blocks open at once; deltas route by index.
	body := sse(
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"c1","name":"a"}}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"c2","name":"b"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"n\":2}"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"n\":1}"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_stop"}`,
	)
	resp, _ := runStream(t, body)

	if len(resp.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(resp.ToolCalls))
	}
	if string(resp.ToolCalls[0].Arguments) != `{"n":1}` || string(resp.ToolCalls[1].Arguments) != `{"n":2}` {
		t.Errorf("args routed wrong: %s / %s", resp.ToolCalls[0].Arguments, resp.ToolCalls[1].Arguments)
	}
}

func TestStreamUsageFallbackToMessageStart(t *testing.T) {
	// No usage in message_delta; input tokens fall back to message_start.
	body := sse(
		`{"type":"message_start","message":{"usage":{"input_tokens":42}}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}`,
		`{"type":"message_stop"}`,
	)
	resp, _ := runStream(t, body)
	if resp.Usage.InputTokens != 42 {
		t.Errorf("input tokens = %d, want 42", resp.Usage.InputTokens)
	}
}

func TestStreamTruncatedBeforeStop(t *testing.T) {
	// Connection drops before message_stop: the accumulated content still
	// surfaces and a terminal chunk is emitted.
	body := sse(
		`{"type":"message_start","message":{"usage":{"input_tokens":7}}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}`,
	)
	resp, chunks := runStream(t, body)

	if resp.Content != "partial" || resp.Usage.InputTokens != 7 {
		t.Errorf("resp = %+v", resp)
	}
	last := chunks[len(chunks)-1]
	if !last.IsComplete {
		t.Errorf("no terminal chunk: %+v", chunks)
	}
}

func TestStreamSkipsMalformedAndBlankPayloads(t *testing.T) {
	body := "event: content_block_delta\n" +
		"data: not json at all\n\n" +
		"data:\n\n" +
		"\ufeffdata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"ok\"}}\n\n" +
		"data: {\"type\":\"message_stop\"}\n\n"
	resp, _ := runStream(t, body)
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestStreamCacheInfo(t *testing.T) {
	body := sse(
		`{"type":"message_start","message":{"usage":{"input_tokens":3,"cache_creation_input_tokens":1000,"cache_read_input_tokens":0}}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"input_tokens":3,"output_tokens":1,"cache_read_input_tokens":500}}`,
		`{"type":"message_stop"}`,
	)
	resp, chunks := runStream(t, body)

	if resp.CacheInfo == nil || resp.CacheInfo.CacheReadTokens != 500 {
		t.Errorf("cache info = %+v", resp.CacheInfo)
	}
	last := chunks[len(chunks)-1]
	if last.CacheInfo == nil || last.CacheInfo.CacheReadTokens != 500 {
		t.Errorf("terminal cache info = %+v", last.CacheInfo)
	}
}

func TestStreamCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Unbuffered channel with no reader: send blocks until ctx is checked.
	ch := make(chan codepunk.LLMStreamChunk)
	body := sse(
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"x"}}`,
		`{"type":"message_stop"}`,
	)
	_, err := streamSSE(ctx, strings.NewReader(body), ch)
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
