package gitsession

import (
	"context"
	"os"
	"strings"
	"syscall"
	"time"
)

// ShouldAutoRevert reports whether a persisted session must be reverted:
// it was never accepted and is rejected, failed, inactive past the timeout,
// or owned by a process that no longer exists.
func (m *Manager) ShouldAutoRevert(st *State) bool {
	if st.AcceptedAt != nil {
		return false
	}
	if st.RejectedAt != nil || st.IsFailed {
		return true
	}
	if time.Since(st.LastActivityAt) > m.timeout {
		return true
	}
	return st.PID != os.Getpid() && !processAlive(st.PID)
}

// CleanupStale sweeps the state directory on startup and reverts every
// session ShouldAutoRevert flags. With CODEPUNK_KEEP_FAILED_SESSIONS set,
// failed sessions keep their shadow branches for inspection and only the
// state document is retired.
func (m *Manager) CleanupStale(ctx context.Context) error {
	states, err := m.store.List()
	if err != nil {
		return err
	}
	keepFailed := keepFailedSessions()

	for _, st := range states {
		if !m.ShouldAutoRevert(st) {
			if st.Closed() {
				if derr := m.store.Delete(st.SessionID); derr != nil {
					m.logger.Warn("removing finished session state failed",
						"session", st.SessionID, "error", derr)
				}
			}
			continue
		}

		if st.IsFailed && keepFailed {
			m.logger.Info("keeping failed session for inspection",
				"session", st.SessionID, "branch", st.ShadowBranch, "reason", st.FailureReason)
			if derr := m.store.Delete(st.SessionID); derr != nil {
				m.logger.Warn("removing session state failed", "session", st.SessionID, "error", derr)
			}
			continue
		}

		if rerr := m.revert(ctx, st); rerr != nil {
			m.logger.Error("auto-revert failed, manual cleanup required",
				"session", st.SessionID, "branch", st.ShadowBranch, "error", rerr)
			continue
		}
		m.logger.Info("stale shadow session reverted",
			"session", st.SessionID,
			"branch", st.ShadowBranch,
			"commits", len(st.Commits),
			"last_activity", st.LastActivityAt)
		if derr := m.store.Delete(st.SessionID); derr != nil {
			m.logger.Warn("removing session state failed", "session", st.SessionID, "error", derr)
		}
	}
	return nil
}

func keepFailedSessions() bool {
	v := os.Getenv("CODEPUNK_KEEP_FAILED_SESSIONS")
	return v == "1" || strings.EqualFold(v, "true")
}

// processAlive reports whether pid refers to a running process. Signal 0
// probes for existence without delivering anything.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
