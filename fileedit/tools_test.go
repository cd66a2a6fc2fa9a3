package fileedit

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	codepunk "github.com/codepunk/codepunk"
)

func TestWriteFileToolExecute(t *testing.T) {
	root := t.TempDir()
	svc := NewService(root, nil)
	tool := NewWriteFileTool(svc, false)

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"file_path":"a.go","content":"package a\n"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("result = %+v", res)
	}

	var out EditResult
	if jerr := json.Unmarshal([]byte(res.Content), &out); jerr != nil {
		t.Fatalf("result content not JSON: %v", jerr)
	}
	if out.FilePath != "a.go" || !out.Created || out.Diff == "" {
		t.Errorf("result = %+v", out)
	}
	if got := readTestFile(t, root, "a.go"); got != "package a\n" {
		t.Errorf("file content = %q", got)
	}
}

func TestWriteFileToolEditErrorAsResult(t *testing.T) {
	root := t.TempDir()
	svc := NewService(root, nil)
	tool := NewWriteFileTool(svc, false)

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"file_path":"../out.go","content":"x"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError || res.UserCancelled {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(res.Content, "PathOutOfRoot") {
		t.Errorf("content = %q", res.Content)
	}
}

func TestWriteFileToolUserCancelled(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "a.go", "old\n")
	svc := NewService(root, &recordingApprover{decision: Decision{Approved: false}})
	tool := NewWriteFileTool(svc, true)

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"file_path":"a.go","content":"new\n"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError || !res.UserCancelled || res.Content != "Edit rejected by user" {
		t.Errorf("result = %+v", res)
	}
}

func TestReplaceToolExecute(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "a.go", "foo\nfoo\n")
	svc := NewService(root, nil)
	tool := NewReplaceTool(svc, false)

	res, err := tool.Execute(context.Background(),
		json.RawMessage(`{"file_path":"a.go","old_string":"foo","new_string":"bar","expected_occurrences":2}`))
	if err != nil || res.IsError {
		t.Fatalf("Execute: %v %+v", err, res)
	}
	if got := readTestFile(t, root, "a.go"); got != "bar\nbar\n" {
		t.Errorf("file content = %q", got)
	}

	res, _ = tool.Execute(context.Background(),
		json.RawMessage(`{"file_path":"a.go","old_string":"absent","new_string":"x"}`))
	if !res.IsError || !strings.Contains(res.Content, "NoOccurrence") {
		t.Errorf("result = %+v", res)
	}
}

func TestReadFileTool(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "a.txt", "hello file\n")
	tool := NewReadFileTool(NewService(root, nil))

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"file_path":"a.txt"}`))
	if err != nil || res.IsError {
		t.Fatalf("Execute: %v %+v", err, res)
	}
	if res.Content != "hello file\n" {
		t.Errorf("content = %q", res.Content)
	}

	res, _ = tool.Execute(context.Background(), json.RawMessage(`{"file_path":"missing.txt"}`))
	if !res.IsError || !strings.Contains(res.Content, "FileNotFound") {
		t.Errorf("missing file result = %+v", res)
	}

	res, _ = tool.Execute(context.Background(), json.RawMessage(`{"file_path":"../../etc/passwd"}`))
	if !res.IsError {
		t.Errorf("escape path result = %+v", res)
	}
}

func TestReadFileToolTruncation(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "big.txt", strings.Repeat("a", readTruncateLimit+500))
	tool := NewReadFileTool(NewService(root, nil))

	res, _ := tool.Execute(context.Background(), json.RawMessage(`{"file_path":"big.txt"}`))
	if res.IsError {
		t.Fatalf("result = %+v", res)
	}
	if !strings.HasSuffix(res.Content, "... (truncated)") {
		t.Error("no truncation marker")
	}
	if len(res.Content) > readTruncateLimit+100 {
		t.Errorf("content length = %d", len(res.Content))
	}
}

func TestToolsRejectMalformedArgs(t *testing.T) {
	svc := NewService(t.TempDir(), nil)
	tools := []codepunk.Tool{
		NewWriteFileTool(svc, false),
		NewReplaceTool(svc, false),
		NewReadFileTool(svc),
	}
	for _, tool := range tools {
		res, err := tool.Execute(context.Background(), json.RawMessage(`{broken`))
		if err != nil {
			t.Errorf("%s: err = %v", tool.Name(), err)
		}
		if !res.IsError || !strings.Contains(res.Content, "invalid args") {
			t.Errorf("%s: result = %+v", tool.Name(), res)
		}
	}
}
