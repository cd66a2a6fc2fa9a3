// Package gitsession isolates an agent conversation's file modifications on
// a shadow git branch. Accepting squash-merges the work back; rejecting (or
// crash cleanup) discards it and restores the original working tree. All
// git interaction goes through the git binary.
package gitsession

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// stderrLimit caps stderr carried inside a GitOperationError.
const stderrLimit = 500

// Result is the outcome of one git invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// GitOperationError is a git invocation that exited non-zero.
type GitOperationError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *GitOperationError) Error() string {
	return fmt.Sprintf("git %s: exit %d: %s", e.Command, e.ExitCode, e.Stderr)
}

// Runner executes git commands in a fixed working directory. The zero
// dependency on any git library is deliberate: behavior must match whatever
// git the user has.
type Runner struct {
	dir string
}

// NewRunner creates a runner operating in dir.
func NewRunner(dir string) *Runner {
	return &Runner{dir: dir}
}

// Run executes git with args and captures output. A non-zero exit yields
// both the Result and a *GitOperationError.
func (r *Runner) Run(ctx context.Context, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			res.ExitCode = ee.ExitCode()
			return res, &GitOperationError{
				Command:  strings.Join(args, " "),
				ExitCode: res.ExitCode,
				Stderr:   truncate(strings.TrimSpace(res.Stderr), stderrLimit),
			}
		}
		res.ExitCode = -1
		return res, fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return res, nil
}

// Output runs git and returns trimmed stdout.
func (r *Runner) Output(ctx context.Context, args ...string) (string, error) {
	res, err := r.Run(ctx, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
