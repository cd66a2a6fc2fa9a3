package fileedit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	codepunk "github.com/codepunk/codepunk"
)

// readTruncateLimit caps read_file output fed back into the prompt.
const readTruncateLimit = 8000

// toolResult converts an edit outcome into a tool result. Edit-domain
// failures become error results; a rejected approval sets UserCancelled so
// the orchestrator can short-circuit its loop.
func toolResult(res *EditResult, err error) (codepunk.ToolResult, error) {
	if err != nil {
		if CodeOf(err) == UserCancelled {
			return codepunk.ToolResult{
				Content:       "Edit rejected by user",
				IsError:       true,
				UserCancelled: true,
			}, nil
		}
		return codepunk.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	out, merr := json.Marshal(res)
	if merr != nil {
		return codepunk.ToolResult{Content: merr.Error(), IsError: true}, nil
	}
	return codepunk.ToolResult{Content: string(out)}, nil
}

// WriteFileTool exposes Service.WriteFile as a registered tool.
type WriteFileTool struct {
	svc             *Service
	requireApproval bool
}

// NewWriteFileTool wraps svc. requireApproval gates every non-empty diff
// through the service's approver.
func NewWriteFileTool(svc *Service, requireApproval bool) *WriteFileTool {
	return &WriteFileTool{svc: svc, requireApproval: requireApproval}
}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Create or overwrite a file with the given content. Returns a unified diff of the change. Paths are relative to the working directory."
}

func (t *WriteFileTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"file_path": {"type": "string", "description": "Path of the file to write"},
			"content": {"type": "string", "description": "Full new content of the file"}
		},
		"required": ["file_path", "content"]
	}`)
}

func (t *WriteFileTool) Execute(ctx context.Context, args json.RawMessage) (codepunk.ToolResult, error) {
	var params struct {
		FilePath string `json:"file_path"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return codepunk.ToolResult{Content: "invalid args: " + err.Error(), IsError: true}, nil
	}
	res, err := t.svc.WriteFile(ctx, WriteFileRequest{
		FilePath:        params.FilePath,
		Content:         params.Content,
		RequireApproval: t.requireApproval,
	})
	return toolResult(res, err)
}

// ReplaceTool exposes Service.ReplaceInFile as a registered tool.
type ReplaceTool struct {
	svc             *Service
	requireApproval bool
}

// NewReplaceTool wraps svc.
func NewReplaceTool(svc *Service, requireApproval bool) *ReplaceTool {
	return &ReplaceTool{svc: svc, requireApproval: requireApproval}
}

func (t *ReplaceTool) Name() string { return "replace" }

func (t *ReplaceTool) Description() string {
	return "Replace every literal occurrence of old_string with new_string in an existing file. Fails when old_string is absent or when expected_occurrences does not match."
}

func (t *ReplaceTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"file_path": {"type": "string", "description": "Path of the file to edit"},
			"old_string": {"type": "string", "description": "Exact text to replace"},
			"new_string": {"type": "string", "description": "Replacement text"},
			"expected_occurrences": {"type": "integer", "description": "Assert the exact occurrence count before replacing"}
		},
		"required": ["file_path", "old_string", "new_string"]
	}`)
}

func (t *ReplaceTool) Execute(ctx context.Context, args json.RawMessage) (codepunk.ToolResult, error) {
	var params struct {
		FilePath            string `json:"file_path"`
		OldString           string `json:"old_string"`
		NewString           string `json:"new_string"`
		ExpectedOccurrences int    `json:"expected_occurrences"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return codepunk.ToolResult{Content: "invalid args: " + err.Error(), IsError: true}, nil
	}
	res, err := t.svc.ReplaceInFile(ctx, ReplaceRequest{
		FilePath:            params.FilePath,
		OldString:           params.OldString,
		NewString:           params.NewString,
		RequireApproval:     t.requireApproval,
		ExpectedOccurrences: params.ExpectedOccurrences,
	})
	return toolResult(res, err)
}

// ReadFileTool reads a file within the service root, with the same path
// validation as edits. Output is truncated to keep prompts bounded.
type ReadFileTool struct {
	svc *Service
}

// NewReadFileTool wraps svc.
func NewReadFileTool(svc *Service) *ReadFileTool {
	return &ReadFileTool{svc: svc}
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a file from the working directory. Large files are truncated to 8000 characters."
}

func (t *ReadFileTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"file_path": {"type": "string", "description": "Path of the file to read"}
		},
		"required": ["file_path"]
	}`)
}

func (t *ReadFileTool) Execute(ctx context.Context, args json.RawMessage) (codepunk.ToolResult, error) {
	var params struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return codepunk.ToolResult{Content: "invalid args: " + err.Error(), IsError: true}, nil
	}
	abs, rel, err := t.svc.resolve(params.FilePath)
	if err != nil {
		return codepunk.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, os.ErrNotExist) {
		return codepunk.ToolResult{Content: fmt.Sprintf("FileNotFound: %s", rel), IsError: true}, nil
	}
	if err != nil {
		return codepunk.ToolResult{Content: "read error: " + err.Error(), IsError: true}, nil
	}
	if verr := t.svc.validateExisting(rel, data); verr != nil {
		return codepunk.ToolResult{Content: verr.Error(), IsError: true}, nil
	}
	content := string(data)
	if len(content) > readTruncateLimit {
		content = content[:readTruncateLimit] + "\n... (truncated)"
	}
	return codepunk.ToolResult{Content: content}, nil
}

// compile-time checks
var (
	_ codepunk.Tool = (*WriteFileTool)(nil)
	_ codepunk.Tool = (*ReplaceTool)(nil)
	_ codepunk.Tool = (*ReadFileTool)(nil)
)
