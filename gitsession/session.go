package gitsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	codepunk "github.com/codepunk/codepunk"
)

// defaultBranchPrefix names shadow branches <prefix>/<sessionID>.
const defaultBranchPrefix = "ai/session"

// defaultAutoRevertTimeout is the inactivity window after which an
// unaccepted session is considered abandoned.
const defaultAutoRevertTimeout = 30 * time.Minute

// ErrMergeConflict is returned by Accept when the squash merge conflicts.
// The repository is left in the conflicted state for manual resolution.
var ErrMergeConflict = errors.New("squash merge conflict requires manual resolution")

// ErrDetachedHead is returned by Begin when no branch is checked out.
var ErrDetachedHead = errors.New("detached HEAD: a branch must be checked out")

// Manager owns the shadow-branch lifecycle for agent sessions in one
// working directory. One working tree supports one live session at a time
// in practice; the manager tracks several only to clean up leftovers.
type Manager struct {
	runner  *Runner
	store   *stateStore
	prefix  string
	stash   bool
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]*State
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithBranchPrefix overrides the shadow branch prefix (default "ai/session").
func WithBranchPrefix(p string) ManagerOption {
	return func(m *Manager) {
		if p != "" {
			m.prefix = strings.Trim(p, "/")
		}
	}
}

// WithStashing toggles stashing of uncommitted changes on Begin (default on).
func WithStashing(on bool) ManagerOption {
	return func(m *Manager) { m.stash = on }
}

// WithAutoRevertTimeout overrides the abandonment window (default 30m).
func WithAutoRevertTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithManagerLogger sets a structured logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a manager for the repository at workDir, persisting
// session state under stateRoot.
func NewManager(workDir, stateRoot string, opts ...ManagerOption) *Manager {
	m := &Manager{
		runner:  NewRunner(workDir),
		store:   newStateStore(stateRoot),
		prefix:  defaultBranchPrefix,
		stash:   true,
		timeout: defaultAutoRevertTimeout,
		logger:  codepunk.NopLogger(),
		active:  make(map[string]*State),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Disabled reports whether the subsystem is switched off via
// CODEPUNK_GIT_SESSION_DISABLED.
func Disabled() bool {
	v := os.Getenv("CODEPUNK_GIT_SESSION_DISABLED")
	return v == "1" || strings.EqualFold(v, "true")
}

func (m *Manager) shadowBranch(sessionID string) string {
	return m.prefix + "/" + sessionID
}

func (m *Manager) stashMessage(sessionID string) string {
	return "codepunk-" + sessionID
}

// Begin starts a shadow session. enabled is false, with a nil error, when
// the subsystem is off or workDir is not a git repository; all further
// calls for the session are then no-ops.
func (m *Manager) Begin(ctx context.Context, sessionID string) (enabled bool, err error) {
	if Disabled() {
		m.logger.Debug("git sessions disabled by environment")
		return false, nil
	}
	if _, err := m.runner.Output(ctx, "rev-parse", "--is-inside-work-tree"); err != nil {
		m.logger.Info("not a git repository, shadow session disabled", "session", sessionID)
		return false, nil
	}

	branch, err := m.runner.Output(ctx, "branch", "--show-current")
	if err != nil {
		return false, err
	}
	if branch == "" {
		return false, ErrDetachedHead
	}

	st := &State{
		SessionID:      sessionID,
		OriginalBranch: branch,
		ShadowBranch:   m.shadowBranch(sessionID),
		PID:            os.Getpid(),
		StartedAt:      time.Now().UTC(),
		LastActivityAt: time.Now().UTC(),
	}

	if m.stash {
		dirty, derr := m.runner.Output(ctx, "status", "--porcelain")
		if derr != nil {
			return false, derr
		}
		if dirty != "" {
			if _, serr := m.runner.Run(ctx, "stash", "push", "-u", "-m", m.stashMessage(sessionID)); serr != nil {
				return false, serr
			}
			st.StashRef = m.stashMessage(sessionID)
		}
	}

	if _, err := m.runner.Run(ctx, "checkout", "-b", st.ShadowBranch); err != nil {
		m.restoreStash(ctx, st)
		return false, err
	}

	if err := m.store.Save(st); err != nil {
		return false, fmt.Errorf("persist session state: %w", err)
	}
	m.mu.Lock()
	m.active[sessionID] = st
	m.mu.Unlock()
	m.logger.Info("shadow session started",
		"session", sessionID, "branch", st.ShadowBranch, "original", branch)
	return true, nil
}

// Enabled reports whether sessionID has a live shadow session.
func (m *Manager) Enabled(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.active[sessionID]
	return ok && !st.Closed() && !st.IsFailed
}

// Touch refreshes the session's activity timestamp, best-effort.
func (m *Manager) Touch(sessionID string) {
	m.mu.Lock()
	st, ok := m.active[sessionID]
	if ok {
		st.LastActivityAt = time.Now().UTC()
	}
	m.mu.Unlock()
	if ok {
		if err := m.store.Save(st); err != nil {
			m.logger.Warn("persisting session activity failed", "session", sessionID, "error", err)
		}
	}
}

// MarkFailed flags the session so cleanup reverts it.
func (m *Manager) MarkFailed(sessionID, reason string) {
	m.mu.Lock()
	st, ok := m.active[sessionID]
	if ok {
		st.IsFailed = true
		st.FailureReason = reason
	}
	m.mu.Unlock()
	if ok {
		if err := m.store.Save(st); err != nil {
			m.logger.Warn("persisting failure state failed", "session", sessionID, "error", err)
		}
	}
}

// CommitToolCall stages all working-tree changes and commits them on the
// shadow branch as "AI Tool: <toolName> - <summary>". A clean tree is
// skipped silently.
func (m *Manager) CommitToolCall(ctx context.Context, sessionID, toolName, summary string) error {
	m.mu.Lock()
	st, ok := m.active[sessionID]
	m.mu.Unlock()
	if !ok || st.Closed() {
		return nil
	}

	if _, err := m.runner.Run(ctx, "add", "-A"); err != nil {
		return err
	}
	// Exit 0 means nothing is staged.
	if res, _ := m.runner.Run(ctx, "diff", "--cached", "--quiet"); res.ExitCode == 0 {
		return nil
	}

	msg := fmt.Sprintf("AI Tool: %s - %s", toolName, summary)
	if _, err := m.runner.Run(ctx, "commit", "-m", msg); err != nil {
		return err
	}

	hash, err := m.runner.Output(ctx, "rev-parse", "HEAD")
	if err != nil {
		return err
	}
	files, _ := m.runner.Output(ctx, "show", "--name-only", "--pretty=format:", "HEAD")
	var changed []string
	for _, f := range strings.Split(files, "\n") {
		if f = strings.TrimSpace(f); f != "" {
			changed = append(changed, f)
		}
	}

	m.mu.Lock()
	st.Commits = append(st.Commits, ToolCallCommit{
		ToolName:     toolName,
		CommitHash:   hash,
		CommittedAt:  time.Now().UTC(),
		FilesChanged: changed,
	})
	st.LastActivityAt = time.Now().UTC()
	m.mu.Unlock()

	m.logger.Debug("tool call committed", "session", sessionID, "tool", toolName, "commit", hash)
	return m.store.Save(st)
}

// Accept squash-merges the shadow branch into the original branch. On
// conflict the repository is left conflicted and ErrMergeConflict is
// returned without closing the session.
func (m *Manager) Accept(ctx context.Context, sessionID, commitMessage string) error {
	m.mu.Lock()
	st, ok := m.active[sessionID]
	m.mu.Unlock()
	if !ok {
		loaded, err := m.store.Load(sessionID)
		if err != nil {
			return fmt.Errorf("unknown session %s", sessionID)
		}
		st = loaded
	}
	if st.Closed() {
		return fmt.Errorf("session %s already closed", sessionID)
	}

	if _, err := m.runner.Run(ctx, "checkout", st.OriginalBranch); err != nil {
		return err
	}
	if _, err := m.runner.Run(ctx, "merge", "--squash", st.ShadowBranch); err != nil {
		return fmt.Errorf("%w: %v", ErrMergeConflict, err)
	}
	// Skip the commit when the squash staged nothing.
	if res, _ := m.runner.Run(ctx, "diff", "--cached", "--quiet"); res.ExitCode != 0 {
		if _, err := m.runner.Run(ctx, "commit", "-m", commitMessage); err != nil {
			return err
		}
	}
	if _, err := m.runner.Run(ctx, "branch", "-D", st.ShadowBranch); err != nil {
		m.logger.Warn("deleting shadow branch failed", "branch", st.ShadowBranch, "error", err)
	}
	m.restoreStash(ctx, st)

	now := time.Now().UTC()
	st.AcceptedAt = &now
	st.LastActivityAt = now
	if err := m.store.Save(st); err != nil {
		m.logger.Warn("persisting accept state failed", "session", sessionID, "error", err)
	}
	m.mu.Lock()
	delete(m.active, sessionID)
	m.mu.Unlock()
	m.logger.Info("shadow session accepted", "session", sessionID, "commits", len(st.Commits))
	return nil
}

// Reject discards the shadow branch and restores the original tree.
func (m *Manager) Reject(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	st, ok := m.active[sessionID]
	m.mu.Unlock()
	if !ok {
		loaded, err := m.store.Load(sessionID)
		if err != nil {
			return fmt.Errorf("unknown session %s", sessionID)
		}
		st = loaded
	}
	if err := m.revert(ctx, st); err != nil {
		return err
	}
	now := time.Now().UTC()
	st.RejectedAt = &now
	st.LastActivityAt = now
	if err := m.store.Save(st); err != nil {
		m.logger.Warn("persisting reject state failed", "session", sessionID, "error", err)
	}
	m.mu.Lock()
	delete(m.active, sessionID)
	m.mu.Unlock()
	m.logger.Info("shadow session rejected", "session", sessionID)
	return nil
}

// revert checks out the original branch, force-deletes the shadow branch
// and restores any stash. Used by Reject and by startup cleanup.
func (m *Manager) revert(ctx context.Context, st *State) error {
	// Abandon uncommitted shadow work so the checkout cannot fail.
	if _, err := m.runner.Run(ctx, "checkout", "-f", st.OriginalBranch); err != nil {
		return err
	}
	if _, err := m.runner.Run(ctx, "branch", "-D", st.ShadowBranch); err != nil {
		var gerr *GitOperationError
		if !errors.As(err, &gerr) || !strings.Contains(gerr.Stderr, "not found") {
			m.logger.Warn("deleting shadow branch failed", "branch", st.ShadowBranch, "error", err)
		}
	}
	m.restoreStash(ctx, st)
	return nil
}

// restoreStash pops the stash recorded for the session, best-effort: a pop
// conflict is reported but never fails the caller.
func (m *Manager) restoreStash(ctx context.Context, st *State) {
	if st.StashRef == "" {
		return
	}
	list, err := m.runner.Output(ctx, "stash", "list")
	if err != nil {
		return
	}
	ref := ""
	for _, line := range strings.Split(list, "\n") {
		if strings.Contains(line, st.StashRef) {
			ref = strings.SplitN(line, ":", 2)[0]
			break
		}
	}
	if ref == "" {
		return
	}
	if _, err := m.runner.Run(ctx, "stash", "pop", ref); err != nil {
		m.logger.Warn("stash pop reported a conflict, resolve manually",
			"session", st.SessionID, "stash", ref, "error", err)
		return
	}
	st.StashRef = ""
}

var _ codepunk.ShadowRecorder = (*Manager)(nil)

// Close flushes the state of any live sessions. Reverting is deferred to
// the next startup's CleanupStale pass.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, st := range m.active {
		if err := m.store.Save(st); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
