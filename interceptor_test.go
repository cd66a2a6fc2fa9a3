package codepunk

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type recorderCall struct {
	tool    string
	summary string
}

// fakeRecorder captures ShadowRecorder calls.
type fakeRecorder struct {
	enabled bool
	commits []recorderCall
	touches int
	failed  []string
	err     error
}

func (f *fakeRecorder) Enabled(string) bool { return f.enabled }

func (f *fakeRecorder) CommitToolCall(_ context.Context, _, toolName, summary string) error {
	f.commits = append(f.commits, recorderCall{tool: toolName, summary: summary})
	return f.err
}

func (f *fakeRecorder) Touch(string)                { f.touches++ }
func (f *fakeRecorder) MarkFailed(_, reason string) { f.failed = append(f.failed, reason) }

// fakeDispatch is a Dispatcher whose behavior is set per test.
type fakeDispatch struct {
	result func(name string, args json.RawMessage) (ToolResult, error)
}

func (f *fakeDispatch) Execute(_ context.Context, name string, args json.RawMessage) (ToolResult, error) {
	if f.result != nil {
		return f.result(name, args)
	}
	return ToolResult{Content: "ok"}, nil
}

func TestInterceptorCommitsOnWriteTool(t *testing.T) {
	rec := &fakeRecorder{enabled: true}
	inner := &fakeDispatch{result: func(string, json.RawMessage) (ToolResult, error) {
		return ToolResult{Content: "written"}, nil
	}}
	g := NewGitInterceptor(inner, rec, "s1")

	args := json.RawMessage(`{"file_path":"cmd/main.go","content":"x"}`)
	res, err := g.Execute(context.Background(), "write_file", args)
	if err != nil || res.IsError {
		t.Fatalf("Execute: %v %+v", err, res)
	}
	if len(rec.commits) != 1 {
		t.Fatalf("commits = %d, want 1", len(rec.commits))
	}
	if rec.commits[0].tool != "write_file" || rec.commits[0].summary != "cmd/main.go" {
		t.Errorf("commit = %+v", rec.commits[0])
	}
	if rec.touches != 1 {
		t.Errorf("touches = %d, want 1", rec.touches)
	}
}

func TestInterceptorSkipsReadTool(t *testing.T) {
	rec := &fakeRecorder{enabled: true}
	inner := &fakeDispatch{}
	g := NewGitInterceptor(inner, rec, "s1")

	g.Execute(context.Background(), "read_file", json.RawMessage(`{"file_path":"a.go"}`))
	if len(rec.commits) != 0 {
		t.Errorf("read tool produced %d commits", len(rec.commits))
	}
	if rec.touches != 1 {
		t.Errorf("touches = %d, want 1 (read tools still refresh activity)", rec.touches)
	}
}

func TestInterceptorSkipsErrorResult(t *testing.T) {
	rec := &fakeRecorder{enabled: true}
	inner := &fakeDispatch{result: func(string, json.RawMessage) (ToolResult, error) {
		return ToolResult{IsError: true, Content: "nope"}, nil
	}}
	g := NewGitInterceptor(inner, rec, "s1")

	g.Execute(context.Background(), "write_file", nil)
	if len(rec.commits) != 0 {
		t.Errorf("error result produced %d commits", len(rec.commits))
	}
}

func TestInterceptorSkipsCancelledResult(t *testing.T) {
	rec := &fakeRecorder{enabled: true}
	inner := &fakeDispatch{result: func(string, json.RawMessage) (ToolResult, error) {
		return ToolResult{IsError: true, UserCancelled: true, Content: "Edit rejected by user"}, nil
	}}
	g := NewGitInterceptor(inner, rec, "s1")

	g.Execute(context.Background(), "write_file", nil)
	if len(rec.commits) != 0 {
		t.Errorf("cancelled result produced %d commits", len(rec.commits))
	}
}

func TestInterceptorSkipsDisabledSession(t *testing.T) {
	rec := &fakeRecorder{enabled: false}
	inner := &fakeDispatch{}
	g := NewGitInterceptor(inner, rec, "s1")

	g.Execute(context.Background(), "write_file", nil)
	if len(rec.commits) != 0 {
		t.Errorf("disabled session produced %d commits", len(rec.commits))
	}
}

func TestInterceptorDispatchError(t *testing.T) {
	rec := &fakeRecorder{enabled: true}
	wantErr := errors.New("dispatch failed")
	inner := &fakeDispatch{result: func(string, json.RawMessage) (ToolResult, error) {
		return ToolResult{}, wantErr
	}}
	g := NewGitInterceptor(inner, rec, "s1")

	_, err := g.Execute(context.Background(), "write_file", nil)
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v", err)
	}
	if len(rec.commits) != 0 {
		t.Error("dispatch error must not commit")
	}
	if rec.touches != 1 {
		t.Errorf("touches = %d, want 1", rec.touches)
	}
}

func TestInterceptorCommitFailureIsNonFatal(t *testing.T) {
	rec := &fakeRecorder{enabled: true, err: errors.New("git broke")}
	inner := &fakeDispatch{}
	g := NewGitInterceptor(inner, rec, "s1")

	res, err := g.Execute(context.Background(), "write_file", nil)
	if err != nil || res.IsError {
		t.Errorf("commit failure leaked into the result: %v %+v", err, res)
	}
}

func TestInterceptorWriteToolsCaseInsensitive(t *testing.T) {
	rec := &fakeRecorder{enabled: true}
	inner := &fakeDispatch{}
	g := NewGitInterceptor(inner, rec, "s1", WithWriteTools("Patch"))

	g.Execute(context.Background(), "PATCH", nil)
	if len(rec.commits) != 1 {
		t.Errorf("commits = %d, want 1", len(rec.commits))
	}
	// default set was replaced
	g.Execute(context.Background(), "write_file", nil)
	if len(rec.commits) != 1 {
		t.Errorf("write_file committed after WithWriteTools replaced the set")
	}
}

func TestInterceptorPanicMarksFailed(t *testing.T) {
	rec := &fakeRecorder{enabled: true}
	inner := &fakeDispatch{result: func(string, json.RawMessage) (ToolResult, error) {
		panic("tool exploded")
	}}
	g := NewGitInterceptor(inner, rec, "s1")

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic was swallowed instead of propagated")
			}
		}()
		g.Execute(context.Background(), "write_file", nil)
	}()

	if len(rec.failed) != 1 {
		t.Fatalf("failed = %v, want one entry", rec.failed)
	}
}

func TestCommitSummary(t *testing.T) {
	tests := []struct {
		args string
		want string
	}{
		{`{"file_path":"pkg/a.go","content":"x"}`, "pkg/a.go"},
		{`{"path":"b.go"}`, "b.go"},
		{`{"command":"ls"}`, `{"command":"ls"}`},
		{``, "(no arguments)"},
	}
	for _, tt := range tests {
		if got := commitSummary(json.RawMessage(tt.args)); got != tt.want {
			t.Errorf("commitSummary(%q) = %q, want %q", tt.args, got, tt.want)
		}
	}
}
