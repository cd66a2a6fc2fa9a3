package gitsession

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// stateDirName is the subdirectory of the state root holding one JSON
// document per session.
const stateDirName = "git-sessions"

// ToolCallCommit records one shadow-branch commit made for a tool call.
type ToolCallCommit struct {
	ToolName     string    `json:"toolName"`
	CommitHash   string    `json:"commitHash"`
	CommittedAt  time.Time `json:"committedAt"`
	FilesChanged []string  `json:"filesChanged,omitempty"`
}

// State is the persisted lifecycle document of one shadow session. It is
// written on every transition so a crashed process leaves enough behind for
// startup cleanup to revert safely.
type State struct {
	SessionID      string           `json:"sessionId"`
	OriginalBranch string           `json:"originalBranch"`
	ShadowBranch   string           `json:"shadowBranch"`
	StashRef       string           `json:"stashRef,omitempty"`
	PID            int              `json:"pid"`
	StartedAt      time.Time        `json:"startedAt"`
	LastActivityAt time.Time        `json:"lastActivityAt"`
	AcceptedAt     *time.Time       `json:"acceptedAt,omitempty"`
	RejectedAt     *time.Time       `json:"rejectedAt,omitempty"`
	IsFailed       bool             `json:"isFailed,omitempty"`
	FailureReason  string           `json:"failureReason,omitempty"`
	Commits        []ToolCallCommit `json:"commits,omitempty"`
}

// Closed reports whether the session reached a terminal state.
func (s *State) Closed() bool {
	return s.AcceptedAt != nil || s.RejectedAt != nil
}

// stateStore reads and writes session state documents under
// <root>/git-sessions/.
type stateStore struct {
	root string
}

func newStateStore(root string) *stateStore {
	return &stateStore{root: root}
}

func (st *stateStore) dir() string {
	return filepath.Join(st.root, stateDirName)
}

func (st *stateStore) path(sessionID string) string {
	return filepath.Join(st.dir(), sessionID+".json")
}

// Save writes the document atomically (temp + rename).
func (st *stateStore) Save(s *State) error {
	if err := os.MkdirAll(st.dir(), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(st.dir(), ".state-*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, st.path(s.SessionID))
}

// Load reads one session document. Missing files return os.ErrNotExist.
func (st *stateStore) Load(sessionID string) (*State, error) {
	data, err := os.ReadFile(st.path(sessionID))
	if err != nil {
		return nil, err
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Delete removes one session document.
func (st *stateStore) Delete(sessionID string) error {
	err := os.Remove(st.path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// List returns all persisted session states, skipping unreadable files.
func (st *stateStore) List() ([]*State, error) {
	entries, err := os.ReadDir(st.dir())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []*State
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		s, lerr := st.Load(strings.TrimSuffix(e.Name(), ".json"))
		if lerr != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
