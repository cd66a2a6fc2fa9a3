package fileedit

import (
	"context"
	"sync"
)

// FileEditRequest describes one proposed file modification presented for
// approval.
type FileEditRequest struct {
	FilePath   string    `json:"filePath"`
	Original   string    `json:"original"`
	Proposed   string    `json:"proposed"`
	Diff       string    `json:"diff"`
	Stats      DiffStats `json:"stats"`
	ToolCallID string    `json:"toolCallId,omitempty"`
}

// Decision is the outcome of an approval prompt. ModifiedContent, when set,
// replaces the proposed content before the write.
type Decision struct {
	Approved        bool
	ModifiedContent string
	// AutoApproveSession requests that all further edits in this process
	// be approved without prompting.
	AutoApproveSession bool
}

// ApprovalService gates file modifications. Implementations prompt the
// user; AutoApprover approves everything and is used in headless wiring
// and tests.
type ApprovalService interface {
	RequestApproval(ctx context.Context, req FileEditRequest) (Decision, error)
}

// sessionApprover wraps an ApprovalService with the sticky session-wide
// auto-approve state: once a decision sets AutoApproveSession, subsequent
// requests short-circuit to approved for the process lifetime.
type sessionApprover struct {
	inner ApprovalService

	mu   sync.Mutex
	auto bool
}

// WithSessionApproval wraps inner so AutoApproveSession decisions stick.
func WithSessionApproval(inner ApprovalService) ApprovalService {
	return &sessionApprover{inner: inner}
}

func (s *sessionApprover) RequestApproval(ctx context.Context, req FileEditRequest) (Decision, error) {
	s.mu.Lock()
	auto := s.auto
	s.mu.Unlock()
	if auto {
		return Decision{Approved: true}, nil
	}

	dec, err := s.inner.RequestApproval(ctx, req)
	if err != nil {
		return Decision{}, err
	}
	if dec.AutoApproveSession {
		s.mu.Lock()
		s.auto = true
		s.mu.Unlock()
	}
	return dec, nil
}

// AutoApprover approves every request.
type AutoApprover struct{}

func (AutoApprover) RequestApproval(context.Context, FileEditRequest) (Decision, error) {
	return Decision{Approved: true}, nil
}

var (
	_ ApprovalService = (*sessionApprover)(nil)
	_ ApprovalService = AutoApprover{}
)
