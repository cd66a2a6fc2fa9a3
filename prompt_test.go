package codepunk

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestIsIntentful(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"fix the bug in the parser", true},
		{"please refactor this whole package", true},
		{"Write a test for the cache layer.", true},
		{"hello", false},
		{"how are you today", false},
		{"fix it", false}, // too short
		{"the prefix of the name", false},
		{"ＦＩＸ the bug in here", true}, // fullwidth folds to "fix"
	}
	for _, tt := range tests {
		if got := isIntentful(tt.text); got != tt.want {
			t.Errorf("isIntentful(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestComposeSystemPromptModes(t *testing.T) {
	base := loadPrompt(promptBase)
	provider := loadPrompt("anthropic.md")
	if base == "" || provider == "" {
		t.Fatal("embedded prompt layers missing")
	}

	t.Setenv("CODEPUNK_PROMPT_COMPOSE", "")
	composite := ComposeSystemPrompt("anthropic")
	if !strings.Contains(composite, base) || !strings.Contains(composite, provider) {
		t.Error("composite prompt should contain both layers")
	}

	t.Setenv("CODEPUNK_PROMPT_COMPOSE", "base")
	if got := ComposeSystemPrompt("anthropic"); got != base {
		t.Errorf("base mode = %q", got)
	}

	t.Setenv("CODEPUNK_PROMPT_COMPOSE", "provider")
	if got := ComposeSystemPrompt("anthropic"); got != provider {
		t.Errorf("provider mode = %q", got)
	}

	// unknown provider falls back to base in provider mode
	if got := ComposeSystemPrompt("nonexistent"); got != base {
		t.Errorf("provider mode without layer = %q, want base", got)
	}
}

func TestPromptPathOverride(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "base.md"), []byte("custom base prompt"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CODEPUNK_PROMPT_PATHS", dir)
	t.Setenv("CODEPUNK_PROMPT_COMPOSE", "base")

	if got := ComposeSystemPrompt("anthropic"); got != "custom base prompt" {
		t.Errorf("override not applied: %q", got)
	}
}

func TestContainsMarker(t *testing.T) {
	msgs := []*Message{
		UserMessage("s", "contains "+modePromptMarker+" but is a user message"),
		SystemMessage("s", "something else"),
	}
	if containsMarker(msgs, modePromptMarker) {
		t.Error("marker in a user message must not count")
	}
	msgs = append(msgs, SystemMessage("s", modePromptMarker))
	if !containsMarker(msgs, modePromptMarker) {
		t.Error("marker in a system message not found")
	}
}
