package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	codepunk "github.com/codepunk/codepunk"
)

// scanBufSize accommodates large SSE payloads (long text deltas, big tool
// argument fragments).
const scanBufSize = 1024 * 1024

// partialBlock assembles one streamed content block. Tool arguments arrive
// as input_json_delta fragments and are concatenated until the matching
// content_block_stop.
type partialBlock struct {
	kind string // "tool_use" or "server_tool_use"
	id   string
	name string
	args strings.Builder
}

// streamSSE reads a Messages API event stream from body, emits chunks on
// ch and returns the fully accumulated response. The channel is closed
// when streaming completes.
//
// SSE format expected:
//
//	event: content_block_delta\n
//	data: {"type":"content_block_delta",...}\n
//	data: [DONE]\n
func streamSSE(ctx context.Context, body io.Reader, ch chan<- codepunk.LLMStreamChunk) (*codepunk.LLMResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, scanBufSize), scanBufSize)

	var (
		content     strings.Builder
		toolCalls   []codepunk.MessagePart
		open        = map[int]*partialBlock{}
		finish      codepunk.FinishReason
		usage       codepunk.Usage
		cache       *codepunk.PromptCacheInfo
		sawUsage    bool
		startTokens int
		sawTerminal bool
	)

	send := func(chunk codepunk.LLMStreamChunk) error {
		select {
		case ch <- chunk:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for scanner.Scan() {
		line := strings.TrimPrefix(scanner.Text(), "\ufeff")

		// Only data lines carry payloads; event: lines restate the type
		// already present in the JSON.
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		data = strings.TrimPrefix(data, "\ufeff")
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			// Skip malformed payloads.
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				startTokens = ev.Message.Usage.InputTokens
				if ci := cacheInfoOf(ev.Message.Usage); ci != nil {
					cache = ci
				}
			}

		case "content_block_start":
			if ev.ContentBlock == nil {
				continue
			}
			switch ev.ContentBlock.Type {
			case "tool_use", "server_tool_use":
				open[ev.Index] = &partialBlock{
					kind: ev.ContentBlock.Type,
					id:   ev.ContentBlock.ID,
					name: ev.ContentBlock.Name,
				}
			case "web_search_tool_result":
				if err := send(codepunk.LLMStreamChunk{EventType: ev.ContentBlock.Type}); err != nil {
					return nil, err
				}
			}

		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				if ev.Delta.Text != "" {
					content.WriteString(ev.Delta.Text)
					if err := send(codepunk.LLMStreamChunk{ContentDelta: ev.Delta.Text}); err != nil {
						return nil, err
					}
				}
			case "input_json_delta":
				if b, ok := open[ev.Index]; ok {
					b.args.WriteString(ev.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			b, ok := open[ev.Index]
			if !ok {
				continue
			}
			delete(open, ev.Index)
			call, bad := finalizeBlock(b)
			if bad && b.kind == "tool_use" {
				// A client tool call with unparseable arguments cannot be
				// executed; surface it as an event instead.
				if err := send(codepunk.LLMStreamChunk{EventType: "tool_use_invalid_json"}); err != nil {
					return nil, err
				}
				continue
			}
			toolCalls = append(toolCalls, call)
			if err := send(codepunk.LLMStreamChunk{ToolCall: &call}); err != nil {
				return nil, err
			}

		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				finish = mapStopReason(ev.Delta.StopReason)
			}
			if ev.Usage != nil {
				usage.InputTokens = ev.Usage.InputTokens
				usage.OutputTokens = ev.Usage.OutputTokens
				sawUsage = true
				if ci := cacheInfoOf(*ev.Usage); ci != nil {
					cache = ci
				}
			}

		case "message_stop":
			sawTerminal = true
			if !sawUsage || usage.InputTokens == 0 {
				usage.InputTokens = startTokens
			}
			if finish == "" {
				finish = codepunk.FinishStop
			}
			if err := send(codepunk.LLMStreamChunk{
				Usage:        &usage,
				FinishReason: finish,
				IsComplete:   true,
				CacheInfo:    cache,
			}); err != nil {
				return nil, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	// A stream truncated before message_stop still surfaces what arrived.
	if !sawTerminal {
		if usage.InputTokens == 0 {
			usage.InputTokens = startTokens
		}
		if err := send(codepunk.LLMStreamChunk{
			Usage:      &usage,
			IsComplete: true,
			CacheInfo:  cache,
		}); err != nil {
			return nil, err
		}
	}

	resp := &codepunk.LLMResponse{
		Content:      content.String(),
		ToolCalls:    toolCalls,
		Usage:        usage,
		FinishReason: finish,
		CacheInfo:    cache,
	}
	if resp.FinishReason == "" {
		resp.FinishReason = codepunk.FinishStop
	}
	return resp, nil
}

// finalizeBlock parses the assembled argument JSON. bad reports a parse
// failure; server-tool blocks fall back to an empty payload so the event is
// not dropped.
func finalizeBlock(b *partialBlock) (call codepunk.MessagePart, bad bool) {
	raw := strings.TrimSpace(b.args.String())
	if raw == "" {
		raw = "{}"
	}
	args := json.RawMessage(raw)
	if !json.Valid(args) {
		if b.kind != "tool_use" {
			return codepunk.ToolCallPart(b.id, b.name, json.RawMessage(`{}`)), false
		}
		return codepunk.MessagePart{}, true
	}
	return codepunk.ToolCallPart(b.id, b.name, args), false
}

// cacheInfoOf extracts ephemeral-cache counters when the usage reports any.
func cacheInfoOf(u wireUsage) *codepunk.PromptCacheInfo {
	if u.CacheCreationInputTokens == 0 && u.CacheReadInputTokens == 0 {
		return nil
	}
	return &codepunk.PromptCacheInfo{
		CacheCreationTokens: u.CacheCreationInputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
	}
}
