// Package fileedit implements diff computation, edit approval, and atomic
// file writes for the agent's file-modifying tools.
package fileedit

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// diffContext is the number of unchanged lines kept around each hunk.
const diffContext = 3

// statsCharsPerLine estimates character churn when exact accounting is not
// tracked: one changed line counts as 50 characters.
const statsCharsPerLine = 50

// NormalizeEOL converts CRLF and lone CR line endings to LF.
func NormalizeEOL(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

type diffOp struct {
	kind byte // ' ', '-', '+'
	text string
}

// CreateUnifiedDiff renders a standard unified diff between old and new
// with "a/<name>" and "b/<name>" headers and 3 lines of context. Line
// endings are normalized before comparison. Identical inputs yield "".
func CreateUnifiedDiff(name, oldText, newText string) string {
	oldLines := splitLines(NormalizeEOL(oldText))
	newLines := splitLines(NormalizeEOL(newText))
	ops := diffLines(oldLines, newLines)

	changed := false
	for _, op := range ops {
		if op.kind != ' ' {
			changed = true
			break
		}
	}
	if !changed {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n", name)
	fmt.Fprintf(&b, "+++ b/%s\n", name)
	for _, h := range groupHunks(ops) {
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", h.oldStart, h.oldCount, h.newStart, h.newCount)
		for _, op := range h.ops {
			text, tagged := strings.CutSuffix(op.text, noEOLTag)
			b.WriteByte(op.kind)
			b.WriteString(text)
			b.WriteByte('\n')
			if tagged {
				b.WriteString(noNewlineMarker)
				b.WriteByte('\n')
			}
		}
	}
	return b.String()
}

// diffLines produces an edit script via longest-common-subsequence over
// whole lines, with common prefix and suffix trimmed first.
func diffLines(a, b []string) []diffOp {
	// Trim common prefix.
	var prefix int
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	// Trim common suffix.
	var suffix int
	for suffix < len(a)-prefix && suffix < len(b)-prefix &&
		a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}

	mid := lcsOps(a[prefix:len(a)-suffix], b[prefix:len(b)-suffix])

	ops := make([]diffOp, 0, prefix+len(mid)+suffix)
	for _, l := range a[:prefix] {
		ops = append(ops, diffOp{' ', l})
	}
	ops = append(ops, mid...)
	for _, l := range a[len(a)-suffix:] {
		ops = append(ops, diffOp{' ', l})
	}
	return ops
}

// lcsOps computes the edit script for the trimmed middle via dynamic
// programming.
func lcsOps(a, b []string) []diffOp {
	n, m := len(a), len(b)
	if n == 0 && m == 0 {
		return nil
	}
	// dp[i][j] = LCS length of a[i:], b[j:].
	dp := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	var ops []diffOp
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			ops = append(ops, diffOp{' ', a[i]})
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			ops = append(ops, diffOp{'-', a[i]})
			i++
		default:
			ops = append(ops, diffOp{'+', b[j]})
			j++
		}
	}
	for ; i < n; i++ {
		ops = append(ops, diffOp{'-', a[i]})
	}
	for ; j < m; j++ {
		ops = append(ops, diffOp{'+', b[j]})
	}
	return ops
}

type diffHunk struct {
	oldStart, oldCount int
	newStart, newCount int
	ops                []diffOp
}

// groupHunks splits an edit script into hunks, keeping diffContext lines of
// surrounding context and merging hunks whose context would overlap.
func groupHunks(ops []diffOp) []diffHunk {
	// Mark which op indices are kept (changes plus nearby context).
	keep := make([]bool, len(ops))
	for i, op := range ops {
		if op.kind == ' ' {
			continue
		}
		lo := i - diffContext
		if lo < 0 {
			lo = 0
		}
		hi := i + diffContext
		if hi > len(ops)-1 {
			hi = len(ops) - 1
		}
		for k := lo; k <= hi; k++ {
			keep[k] = true
		}
	}

	var hunks []diffHunk
	oldLine, newLine := 1, 1
	i := 0
	for i < len(ops) {
		if !keep[i] {
			oldLine++
			newLine++
			i++
			continue
		}
		h := diffHunk{oldStart: oldLine, newStart: newLine}
		for i < len(ops) && keep[i] {
			op := ops[i]
			h.ops = append(h.ops, op)
			switch op.kind {
			case ' ':
				h.oldCount++
				h.newCount++
				oldLine++
				newLine++
			case '-':
				h.oldCount++
				oldLine++
			case '+':
				h.newCount++
				newLine++
			}
			i++
		}
		if h.oldCount == 0 {
			h.oldStart--
		}
		if h.newCount == 0 {
			h.newStart--
		}
		hunks = append(hunks, h)
	}
	return hunks
}

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// ApplyUnifiedDiff applies a unified diff produced by CreateUnifiedDiff (or
// compatible tooling) to content. Context and deletion lines must match the
// input exactly, including whether the final line carries a newline.
func ApplyUnifiedDiff(content, diff string) (string, error) {
	src := splitLines(NormalizeEOL(content))

	var out []string
	srcIdx := 0

	lines := strings.Split(diff, "\n")
	i := 0
	seenHunk := false
	for i < len(lines) {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "--- ") || strings.HasPrefix(line, "+++ ") ||
			strings.HasPrefix(line, "diff ") || strings.HasPrefix(line, "index "):
			i++
		case strings.HasPrefix(line, "@@"):
			m := hunkHeader.FindStringSubmatch(line)
			if m == nil {
				return "", fmt.Errorf("malformed hunk header: %q", line)
			}
			seenHunk = true
			oldStart := atoiDefault(m[1], 1)
			if oldStart > 0 {
				oldStart--
			}
			if oldStart > len(src) {
				return "", fmt.Errorf("hunk start %d beyond end of input", oldStart+1)
			}
			// Copy unchanged lines up to the hunk.
			if srcIdx > oldStart {
				return "", fmt.Errorf("overlapping hunks at line %d", oldStart+1)
			}
			out = append(out, src[srcIdx:oldStart]...)
			srcIdx = oldStart
			i++
			for i < len(lines) {
				hl := lines[i]
				if hl == "" || (hl[0] != ' ' && hl[0] != '-' && hl[0] != '+') {
					break
				}
				text := hl[1:]
				// A marker on the next line tags this one as unterminated.
				if i+1 < len(lines) && lines[i+1] == noNewlineMarker {
					text += noEOLTag
					i++
				}
				switch hl[0] {
				case ' ':
					if srcIdx >= len(src) || src[srcIdx] != text {
						return "", fmt.Errorf("context mismatch at line %d", srcIdx+1)
					}
					out = append(out, text)
					srcIdx++
				case '-':
					if srcIdx >= len(src) || src[srcIdx] != text {
						return "", fmt.Errorf("deletion mismatch at line %d", srcIdx+1)
					}
					srcIdx++
				case '+':
					out = append(out, text)
				}
				i++
			}
		default:
			i++
		}
	}
	if !seenHunk {
		return "", fmt.Errorf("no hunks found in diff")
	}
	out = append(out, src[srcIdx:]...)
	if len(out) == 0 {
		return "", nil
	}

	last, tagged := strings.CutSuffix(out[len(out)-1], noEOLTag)
	out[len(out)-1] = last
	for k := range out[:len(out)-1] {
		out[k] = strings.TrimSuffix(out[k], noEOLTag)
	}
	result := strings.Join(out, "\n")
	if !tagged {
		result += "\n"
	}
	return result, nil
}

// DiffStats summarizes line and character churn across an edit.
type DiffStats struct {
	LinesAdded   int `json:"linesAdded"`
	LinesRemoved int `json:"linesRemoved"`
	CharsAdded   int `json:"charsAdded"`
	CharsRemoved int `json:"charsRemoved"`
}

// ComputeStats sums the original-to-proposal and proposal-to-final diffs so
// user edits of the proposal are accounted for. Character counts are
// estimated from changed lines.
func ComputeStats(original, aiProposal, userFinal string) DiffStats {
	var s DiffStats
	for _, pair := range [][2]string{{original, aiProposal}, {aiProposal, userFinal}} {
		ops := diffLines(splitLines(NormalizeEOL(pair[0])), splitLines(NormalizeEOL(pair[1])))
		for _, op := range ops {
			switch op.kind {
			case '+':
				s.LinesAdded++
			case '-':
				s.LinesRemoved++
			}
		}
	}
	s.CharsAdded = s.LinesAdded * statsCharsPerLine
	s.CharsRemoved = s.LinesRemoved * statsCharsPerLine
	return s
}

// noEOLTag marks a final line not terminated by a newline. Split lines can
// never contain \n themselves, so the tag cannot collide with content.
const noEOLTag = "\n"

// noNewlineMarker is the standard unified-diff annotation for a line
// missing its terminating newline.
const noNewlineMarker = `\ No newline at end of file`

// splitLines splits on \n without producing a phantom trailing element.
// When s does not end in a newline the final line is tagged so it compares
// unequal to the same line followed by one.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	tagged := !strings.HasSuffix(s, "\n")
	lines := strings.Split(strings.TrimSuffix(s, "\n"), "\n")
	if tagged {
		lines[len(lines)-1] += noEOLTag
	}
	return lines
}

func atoiDefault(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
