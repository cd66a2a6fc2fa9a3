package codepunk

// EventType identifies the kind of orchestrator event.
type EventType string

const (
	// EventMessageStart signals a SendMessage call has begun processing.
	EventMessageStart EventType = "message-start"
	// EventToolIterationStart signals entry into a tool-loop iteration.
	EventToolIterationStart EventType = "tool-iteration-start"
	// EventStreamDelta carries an incremental text chunk.
	EventStreamDelta EventType = "stream-delta"
	// EventToolIterationEnd signals the end of a tool-loop iteration.
	EventToolIterationEnd EventType = "tool-iteration-end"
	// EventToolLoopAborted signals a guardrail terminated the loop early.
	EventToolLoopAborted EventType = "tool-loop-aborted"
	// EventToolLoopExceeded signals the iteration cap was reached.
	EventToolLoopExceeded EventType = "tool-loop-exceeded"
	// EventMessageComplete signals the terminal assistant message exists.
	EventMessageComplete EventType = "message-complete"
	// EventSessionCleared signals the session's messages were deleted.
	EventSessionCleared EventType = "session-cleared"
)

// Event is a loop observability record. The event stream is optional and
// has no correctness impact: writes never block the loop and are dropped
// when the buffer is full.
type Event struct {
	Type         EventType `json:"type"`
	SessionID    string    `json:"session_id,omitempty"`
	Iteration    int       `json:"iteration,omitempty"`
	ContentDelta string    `json:"content_delta,omitempty"`
	IsFinal      bool      `json:"is_final,omitempty"`
}

// defaultEventBuffer is the event channel capacity.
const defaultEventBuffer = 64

// emitEvent publishes ev without blocking: if the buffer is full the event
// is dropped.
func emitEvent(ch chan Event, ev Event) {
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	default:
	}
}
