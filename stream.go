package codepunk

import (
	"encoding/json"
	"path/filepath"
	"strings"
)

// ChatStreamChunk is one element of the orchestrator's outward stream.
// Content deltas are re-emitted from the provider in order; the terminal
// chunk has IsComplete true and carries final usage.
type ChatStreamChunk struct {
	ContentDelta string `json:"content_delta,omitempty"`
	Model        string `json:"model,omitempty"`
	Provider     string `json:"provider,omitempty"`
	IsComplete   bool   `json:"is_complete,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// ToolStatusPrefix tags chunks whose ContentDelta carries a JSON ToolStatus
// payload. Consumers not recognizing the prefix should treat the chunk as
// plain text.
const ToolStatusPrefix = "tool-status::"

// toolStatusMaxLines is how many leading output lines a preview keeps.
const toolStatusMaxLines = 20

// ToolStatus is the structured per-tool-result payload emitted to streaming
// consumers.
type ToolStatus struct {
	ToolCallID        string `json:"toolCallId"`
	ToolName          string `json:"toolName"`
	FilePath          string `json:"filePath,omitempty"`
	Preview           string `json:"preview"`
	IsTruncated       bool   `json:"isTruncated"`
	OriginalLineCount int    `json:"originalLineCount"`
	MaxLines          int    `json:"maxLines"`
	IsError           bool   `json:"isError"`
	LanguageID        string `json:"languageId,omitempty"`
}

// FormatToolStatus renders the prefixed JSON payload for one tool result.
func FormatToolStatus(call MessagePart, res ToolResult) string {
	lines := strings.Split(res.Content, "\n")
	preview := res.Content
	truncated := false
	if len(lines) > toolStatusMaxLines {
		preview = strings.Join(lines[:toolStatusMaxLines], "\n")
		truncated = true
	}
	status := ToolStatus{
		ToolCallID:        call.ToolCallID,
		ToolName:          call.ToolName,
		FilePath:          argFilePath(call.Arguments),
		Preview:           preview,
		IsTruncated:       truncated,
		OriginalLineCount: len(lines),
		MaxLines:          toolStatusMaxLines,
		IsError:           res.IsError,
	}
	if status.FilePath != "" {
		status.LanguageID = languageID(status.FilePath)
	}
	payload, _ := json.Marshal(status)
	return ToolStatusPrefix + string(payload)
}

// argFilePath extracts a file path from tool arguments when one is present
// under a conventional key.
func argFilePath(args json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(args, &fields); err != nil {
		return ""
	}
	for _, key := range []string{"file_path", "filePath", "path"} {
		if v, ok := fields[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// languageID maps a file extension to an editor language identifier.
func languageID(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js", ".mjs", ".cjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".rs":
		return "rust"
	case ".java":
		return "java"
	case ".c", ".h":
		return "c"
	case ".cc", ".cpp", ".hpp":
		return "cpp"
	case ".cs":
		return "csharp"
	case ".rb":
		return "ruby"
	case ".sh", ".bash":
		return "shellscript"
	case ".md":
		return "markdown"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	case ".sql":
		return "sql"
	case ".html":
		return "html"
	case ".css":
		return "css"
	default:
		return ""
	}
}
