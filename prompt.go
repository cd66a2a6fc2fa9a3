package codepunk

import (
	"embed"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

//go:embed prompts/*.md
var embeddedPrompts embed.FS

// Prompt layer file names under prompts/ (embedded) or any directory listed
// in CODEPUNK_PROMPT_PATHS.
const (
	promptBase        = "base.md"
	promptConsolidate = "consolidate.md"
	promptMode        = "mode.md"
)

// Markers used to dedupe ephemeral injections: each guidance phase is
// injected at most once per request.
const (
	modePromptMarker        = "Before doing anything else, decide how to handle this request"
	consolidatePromptMarker = "close to the tool-call limit"
)

// loadPrompt returns the named prompt layer. Directories in
// CODEPUNK_PROMPT_PATHS (PATH-separated) are searched first, in order; the
// embedded copy is the fallback. Missing everywhere yields "".
func loadPrompt(name string) string {
	if paths := os.Getenv("CODEPUNK_PROMPT_PATHS"); paths != "" {
		for _, dir := range filepath.SplitList(paths) {
			if dir == "" {
				continue
			}
			if data, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
				return strings.TrimSpace(string(data))
			}
		}
	}
	data, err := embeddedPrompts.ReadFile("prompts/" + name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// ComposeSystemPrompt combines the base and provider prompt layers according
// to CODEPUNK_PROMPT_COMPOSE: "provider" uses only the provider layer,
// "base" only the base layer, "composite" (the default) both.
func ComposeSystemPrompt(providerName string) string {
	base := loadPrompt(promptBase)
	provider := ""
	if providerName != "" {
		provider = loadPrompt(providerName + ".md")
	}
	switch os.Getenv("CODEPUNK_PROMPT_COMPOSE") {
	case "provider":
		if provider != "" {
			return provider
		}
		return base
	case "base":
		return base
	default:
		if provider == "" {
			return base
		}
		if base == "" {
			return provider
		}
		return base + "\n\n" + provider
	}
}

// modeSelectionPrompt is the ephemeral system message injected on an
// intentful first turn.
func modeSelectionPrompt() string { return loadPrompt(promptMode) }

// consolidationPrompt is the ephemeral system message injected when the loop
// is near its iteration cap.
func consolidationPrompt() string { return loadPrompt(promptConsolidate) }

// intentVerbs are the imperative coding verbs the intentful-message
// heuristic looks for, lowercase.
var intentVerbs = []string{
	"add", "build", "change", "convert", "create", "debug", "delete",
	"fix", "implement", "migrate", "move", "refactor", "remove", "rename",
	"replace", "rewrite", "update", "upgrade", "write",
}

// isIntentful reports whether a first user message looks like a concrete
// coding task: after NFKC folding and lowering, it has at least four words
// and contains an imperative coding verb. Deliberately simple; injection is
// idempotent either way.
func isIntentful(text string) bool {
	folded := strings.ToLower(norm.NFKC.String(text))
	words := strings.Fields(folded)
	if len(words) < 4 {
		return false
	}
	for _, w := range words {
		w = strings.Trim(w, ".,!?:;\"'()")
		for _, v := range intentVerbs {
			if w == v {
				return true
			}
		}
	}
	return false
}

// containsMarker reports whether any system message in msgs carries the
// given injection marker.
func containsMarker(msgs []*Message, marker string) bool {
	for _, m := range msgs {
		if m.Role == RoleSystem && strings.Contains(m.TextContent(), marker) {
			return true
		}
	}
	return false
}
