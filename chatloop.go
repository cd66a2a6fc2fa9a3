package codepunk

import (
	"context"
	"fmt"
)

// Terminal guardrail texts. The iteration-cap fallback must mention
// "too many tool calls" so UIs can detect it.
const (
	msgBatchingRequired = "I attempted too many tool calls in a single step. Please let me batch related actions, or ask me to continue in smaller steps."
	msgRepetition       = "Stopping: the same tool call was repeated without making progress."
	msgErrorStreak      = "Stopping: tool calls kept failing across consecutive attempts."
	msgIterationCap     = "I made too many tool calls; stopped to avoid an infinite loop. Ask me to continue if more work remains."
	msgUserCancelled    = "Operation cancelled by user."
)

// runLoop drives the bounded tool-calling loop over msgs. When out is
// non-nil, provider deltas and tool-status payloads are re-emitted on it.
// The returned message is the terminal assistant message.
func (c *Chat) runLoop(ctx context.Context, msgs []*Message, out chan<- ChatStreamChunk) (*Message, error) {
	opts := c.options()

	var (
		ephemeral      []*Message
		seenSignatures = map[string]bool{}
		repeatedStreak int
		errorStreak    int
	)

	for i := 1; ; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.toolIteration.Store(int64(i))
		emitEvent(c.events, Event{Type: EventToolIterationStart, SessionID: c.session.ID, Iteration: i})

		ephemeral = c.injectEphemeral(ephemeral, msgs, opts.MaxToolCallIterations-i)

		resp, err := c.streamOnce(ctx, append(ephemeral, msgs...), out, i)
		if err != nil {
			return nil, err
		}
		c.recordUsage(ctx, resp.Usage)

		assistant := c.persistAssistant(ctx, resp)
		msgs = append(msgs, assistant)

		calls := resp.ToolCalls
		if len(calls) == 0 {
			c.toolIteration.Store(0)
			c.emitFinal(out, "", &resp.Usage)
			emitEvent(c.events, Event{Type: EventMessageComplete, SessionID: c.session.ID, IsFinal: true})
			return assistant, nil
		}

		if opts.MaxToolCallsPerIteration > 0 && len(calls) > opts.MaxToolCallsPerIteration {
			c.logger.Warn("tool-call batch cap exceeded",
				"session", c.session.ID, "calls", len(calls), "cap", opts.MaxToolCallsPerIteration)
			return c.abortLoop(ctx, out, i, msgBatchingRequired)
		}

		// Only a signature seen in a prior iteration counts as a repeat;
		// duplicates within one batch do not.
		repeated := false
		batch := make([]string, 0, len(calls))
		for _, call := range calls {
			sig := CallSignature(call.ToolName, call.Arguments)
			if seenSignatures[sig] {
				repeated = true
			}
			batch = append(batch, sig)
		}
		for _, sig := range batch {
			seenSignatures[sig] = true
		}
		if repeated {
			repeatedStreak++
		} else {
			repeatedStreak = 0
		}
		if opts.MaxRepeatedToolCalls > 0 && repeatedStreak >= opts.MaxRepeatedToolCalls {
			c.logger.Warn("repeated tool calls detected",
				"session", c.session.ID, "streak", repeatedStreak)
			return c.abortLoop(ctx, out, i, msgRepetition)
		}

		results, executed, cancelled, allErrors, err := c.executeCalls(ctx, calls)
		if err != nil {
			return nil, err
		}

		toolMsg := ToolResultsMessage(c.session.ID, results)
		if perr := c.messages.Create(ctx, toolMsg); perr != nil {
			c.logger.Error("persisting tool results failed",
				"session", c.session.ID, "error", perr)
		}
		msgs = append(msgs, toolMsg)
		if out != nil {
			for j, call := range executed {
				emitChunk(out, ChatStreamChunk{ContentDelta: FormatToolStatus(call, toolResultOf(results[j]))})
			}
		}

		if cancelled {
			c.toolIteration.Store(0)
			final := c.persistText(ctx, msgUserCancelled)
			c.emitFinal(out, msgUserCancelled, nil)
			emitEvent(c.events, Event{Type: EventMessageComplete, SessionID: c.session.ID, IsFinal: true})
			return final, nil
		}

		if allErrors {
			errorStreak++
		} else {
			errorStreak = 0
		}
		if opts.MaxConsecutiveToolErrors > 0 && errorStreak >= opts.MaxConsecutiveToolErrors {
			c.logger.Warn("consecutive tool errors",
				"session", c.session.ID, "streak", errorStreak)
			return c.abortLoop(ctx, out, i, msgErrorStreak)
		}

		emitEvent(c.events, Event{Type: EventToolIterationEnd, SessionID: c.session.ID, Iteration: i})

		if i == opts.MaxToolCallIterations {
			c.toolIteration.Store(0)
			final := c.persistText(ctx, msgIterationCap)
			c.emitFinal(out, msgIterationCap, nil)
			emitEvent(c.events, Event{Type: EventToolLoopExceeded, SessionID: c.session.ID, Iteration: i, IsFinal: true})
			return final, nil
		}
	}
}

// injectEphemeral returns the ephemeral system messages for this iteration.
// Each guidance phase is injected once per request, keyed by its marker, and
// is never persisted.
func (c *Chat) injectEphemeral(current []*Message, msgs []*Message, remaining int) []*Message {
	all := append(current, msgs...)

	if firstAssistantTurn(msgs) && !containsMarker(all, modePromptMarker) {
		if last := latestUserText(msgs); last != "" && isIntentful(last) {
			if p := modeSelectionPrompt(); p != "" {
				current = append([]*Message{SystemMessage(c.session.ID, p)}, current...)
			}
		}
	}
	if remaining <= 2 && !containsMarker(all, consolidatePromptMarker) {
		if p := consolidationPrompt(); p != "" {
			current = append([]*Message{SystemMessage(c.session.ID, p)}, current...)
		}
	}
	return current
}

// streamOnce opens one provider stream and re-emits deltas to out while the
// provider accumulates the response.
func (c *Chat) streamOnce(ctx context.Context, reqMsgs []*Message, out chan<- ChatStreamChunk, iteration int) (*LLMResponse, error) {
	req := c.buildRequest(reqMsgs)

	var span Span
	if c.tracer != nil {
		ctx, span = c.tracer.Start(ctx, "chat.completion",
			StringAttr("session.id", c.session.ID), IntAttr("iteration", iteration))
		defer span.End()
	}

	ch := make(chan LLMStreamChunk, 32)
	type result struct {
		resp *LLMResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := c.provider.Stream(ctx, req, ch)
		done <- result{resp, err}
	}()

	for chunk := range ch {
		if chunk.ContentDelta != "" {
			emitEvent(c.events, Event{Type: EventStreamDelta, SessionID: c.session.ID,
				Iteration: iteration, ContentDelta: chunk.ContentDelta})
			if out != nil {
				emitChunk(out, ChatStreamChunk{
					ContentDelta: chunk.ContentDelta,
					Model:        req.ModelID,
					Provider:     c.provider.Name(),
				})
			}
		}
	}

	res := <-done
	if res.err != nil {
		if span != nil {
			span.Error(res.err)
		}
		return nil, fmt.Errorf("provider stream: %w", res.err)
	}
	return res.resp, nil
}

// executeCalls runs calls sequentially through the dispatcher. It stops
// early when a tool reports user cancellation. The error return is the
// caller's own cancellation.
func (c *Chat) executeCalls(ctx context.Context, calls []MessagePart) (results []MessagePart, executed []MessagePart, cancelled, allErrors bool, err error) {
	allErrors = true
	for _, call := range calls {
		res, execErr := c.dispatcher.Execute(ctx, call.ToolName, call.Arguments)
		if execErr != nil {
			return nil, nil, false, false, execErr
		}
		results = append(results, ToolResultPart(call.ToolCallID, res.Content, res.IsError))
		executed = append(executed, call)
		if !res.IsError {
			allErrors = false
		}
		if res.UserCancelled {
			return results, executed, true, allErrors, nil
		}
	}
	return results, executed, false, allErrors, nil
}

// abortLoop persists a guardrail assistant message, emits it as the final
// chunk and signals the abort event.
func (c *Chat) abortLoop(ctx context.Context, out chan<- ChatStreamChunk, iteration int, text string) (*Message, error) {
	c.toolIteration.Store(0)
	final := c.persistText(ctx, text)
	c.emitFinal(out, text, nil)
	emitEvent(c.events, Event{Type: EventToolLoopAborted, SessionID: c.session.ID, Iteration: iteration, IsFinal: true})
	return final, nil
}

// persistAssistant stores the assistant message assembled from resp.
// Persistence failures are logged, not fatal: the in-memory copy still
// drives the loop.
func (c *Chat) persistAssistant(ctx context.Context, resp *LLMResponse) *Message {
	opts := c.options()
	m := AssistantMessage(c.session.ID, resp.Content, resp.ToolCalls)
	m.Model = opts.DefaultModel
	m.Provider = c.provider.Name()
	if err := c.messages.Create(ctx, m); err != nil {
		c.logger.Error("persisting assistant message failed",
			"session", c.session.ID, "error", err)
	}
	return m
}

// persistText stores a synthetic terminal assistant message.
func (c *Chat) persistText(ctx context.Context, text string) *Message {
	m := AssistantMessage(c.session.ID, text, nil)
	m.Provider = c.provider.Name()
	if err := c.messages.Create(ctx, m); err != nil {
		c.logger.Error("persisting terminal message failed",
			"session", c.session.ID, "error", err)
	}
	return m
}

// recordUsage folds one provider call's usage into the accumulated counters
// and persists the session totals best-effort.
func (c *Chat) recordUsage(ctx context.Context, u Usage) {
	if u == (Usage{}) {
		return
	}
	c.promptTokens.Add(int64(u.InputTokens))
	c.completionTokens.Add(int64(u.OutputTokens))
	c.addCost(u.EstimatedCost)

	c.session.PromptTokens += int64(u.InputTokens)
	c.session.CompletionTokens += int64(u.OutputTokens)
	c.session.Cost += u.EstimatedCost
	c.session.LastActivityAt = NowUnix()
	if err := c.sessions.Update(ctx, c.session); err != nil {
		c.logger.Warn("persisting session usage failed",
			"session", c.session.ID, "error", err)
	}
}

// emitFinal sends the terminal chunk. Guardrail and cancellation texts
// arrive here as a single chunk since they were never streamed.
func (c *Chat) emitFinal(out chan<- ChatStreamChunk, text string, usage *Usage) {
	if out == nil {
		return
	}
	opts := c.options()
	emitChunk(out, ChatStreamChunk{
		ContentDelta: text,
		Model:        opts.DefaultModel,
		Provider:     c.provider.Name(),
		IsComplete:   true,
		Usage:        usage,
	})
}

// emitChunk delivers a chunk to the consumer. Unlike events, stream chunks
// are part of the contract and block until consumed.
func emitChunk(out chan<- ChatStreamChunk, chunk ChatStreamChunk) {
	out <- chunk
}

// firstAssistantTurn reports whether the conversation has produced no
// assistant or tool messages yet.
func firstAssistantTurn(msgs []*Message) bool {
	for _, m := range msgs {
		if m.Role == RoleAssistant || m.Role == RoleTool {
			return false
		}
	}
	return true
}

// latestUserText returns the text of the most recent user message.
func latestUserText(msgs []*Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return msgs[i].TextContent()
		}
	}
	return ""
}

// toolResultOf reconstructs a ToolResult view from a persisted result part.
func toolResultOf(p MessagePart) ToolResult {
	return ToolResult{Content: p.Content, IsError: p.IsError}
}
