// Package codepunk is the core orchestration engine of an agentic coding
// assistant: a conversational scheduler that drives a bounded multi-turn loop
// between an LLM provider and a set of local tools.
//
// The root package defines the normalized message model, the tool registry
// and dispatcher, the provider abstraction, the prompt cache, and the chat
// orchestrator with its guardrails. Provider wire adapters live under
// provider/, file-edit approval and diffing under fileedit/, the git shadow
// session subsystem under gitsession/, and persistence under store/.
//
// Basic usage:
//
//	provider := anthropic.New(apiKey, anthropic.WithModel("claude-sonnet-4-20250514"))
//	registry := codepunk.NewRegistry()
//	registry.Register(myTool)
//
//	chat := codepunk.NewChat(session, sessions, messages, provider, registry)
//	reply, err := chat.SendMessage(ctx, "rename the helper in util.go")
//
// Streaming consumers pass a channel and receive content deltas, tool-status
// payloads, and a terminal chunk carrying usage:
//
//	ch := make(chan codepunk.ChatStreamChunk, 64)
//	go func() {
//		for c := range ch {
//			fmt.Print(c.ContentDelta)
//		}
//	}()
//	reply, err := chat.SendMessageStream(ctx, input, ch)
package codepunk
