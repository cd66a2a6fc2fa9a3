package codepunk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// ShadowRecorder is the slice of the git shadow-session manager the
// interceptor needs. gitsession.Manager implements it.
type ShadowRecorder interface {
	// Enabled reports whether the shadow session is live for sessionID.
	Enabled(sessionID string) bool
	// CommitToolCall records the working-tree changes of one successful
	// write tool as a shadow-branch commit.
	CommitToolCall(ctx context.Context, sessionID, toolName, summary string) error
	// Touch refreshes the session's activity timestamp.
	Touch(sessionID string)
	// MarkFailed flags the session for auto-revert.
	MarkFailed(sessionID, reason string)
}

// defaultWriteTools are the registered tool names whose successful
// executions modify the working tree.
var defaultWriteTools = map[string]bool{
	"write_file":  true,
	"edit_file":   true,
	"replace":     true,
	"create_file": true,
	"delete_file": true,
	"bash":        true,
	"shell":       true,
}

// GitInterceptor wraps a Dispatcher so every successful write-side tool
// execution becomes a commit on the session's shadow branch. Read-only
// tools only refresh the activity timestamp.
type GitInterceptor struct {
	next       Dispatcher
	recorder   ShadowRecorder
	sessionID  string
	writeTools map[string]bool
	logger     *slog.Logger
}

// InterceptorOption configures a GitInterceptor.
type InterceptorOption func(*GitInterceptor)

// WithWriteTools replaces the set of tool names treated as write-side.
// Names are matched case-insensitively.
func WithWriteTools(names ...string) InterceptorOption {
	return func(g *GitInterceptor) {
		set := make(map[string]bool, len(names))
		for _, n := range names {
			set[strings.ToLower(n)] = true
		}
		g.writeTools = set
	}
}

// WithInterceptorLogger sets a structured logger.
func WithInterceptorLogger(l *slog.Logger) InterceptorOption {
	return func(g *GitInterceptor) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGitInterceptor wraps next for the given session.
func NewGitInterceptor(next Dispatcher, recorder ShadowRecorder, sessionID string, opts ...InterceptorOption) *GitInterceptor {
	g := &GitInterceptor{
		next:       next,
		recorder:   recorder,
		sessionID:  sessionID,
		writeTools: defaultWriteTools,
		logger:     nopLogger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Execute dispatches through the wrapped dispatcher and records shadow
// commits for successful write tools. A panic below marks the session
// failed before propagating.
func (g *GitInterceptor) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	defer func() {
		if p := recover(); p != nil {
			g.recorder.MarkFailed(g.sessionID, fmt.Sprintf("panic in tool %s: %v", name, p))
			panic(p)
		}
	}()

	res, err := g.next.Execute(ctx, name, args)
	g.recorder.Touch(g.sessionID)
	if err != nil {
		return res, err
	}

	if !res.IsError && !res.UserCancelled &&
		g.writeTools[strings.ToLower(name)] && g.recorder.Enabled(g.sessionID) {
		if cerr := g.recorder.CommitToolCall(ctx, g.sessionID, name, commitSummary(args)); cerr != nil {
			g.logger.Warn("shadow commit failed",
				"session", g.sessionID, "tool", name, "error", cerr)
		}
	}
	return res, nil
}

// commitSummary derives a short human-readable summary from the call
// arguments, preferring a file path when one is present.
func commitSummary(args json.RawMessage) string {
	if p := argFilePath(args); p != "" {
		return p
	}
	s := strings.TrimSpace(string(args))
	if runes := []rune(s); len(runes) > 60 {
		return string(runes[:60]) + "…"
	}
	if s == "" {
		return "(no arguments)"
	}
	return s
}

var _ Dispatcher = (*GitInterceptor)(nil)
