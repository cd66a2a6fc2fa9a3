package fileedit

import (
	"strings"
	"testing"
)

func TestCreateUnifiedDiffIdentical(t *testing.T) {
	if d := CreateUnifiedDiff("f.txt", "a\nb\n", "a\nb\n"); d != "" {
		t.Errorf("identical inputs produced a diff:\n%s", d)
	}
	// CRLF vs LF is identical after normalization.
	if d := CreateUnifiedDiff("f.txt", "a\r\nb\r\n", "a\nb\n"); d != "" {
		t.Errorf("EOL-only difference produced a diff:\n%s", d)
	}
}

func TestCreateUnifiedDiffHeaders(t *testing.T) {
	d := CreateUnifiedDiff("pkg/main.go", "a\nb\nc\n", "a\nB\nc\n")
	if !strings.HasPrefix(d, "--- a/pkg/main.go\n+++ b/pkg/main.go\n") {
		t.Errorf("headers wrong:\n%s", d)
	}
	if !strings.Contains(d, "\n-b\n") || !strings.Contains(d, "\n+B\n") {
		t.Errorf("change lines missing:\n%s", d)
	}
	if !strings.Contains(d, "@@ -1,3 +1,3 @@") {
		t.Errorf("hunk header wrong:\n%s", d)
	}
}

func TestDiffApplyRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		old, new string
	}{
		{"change middle", "a\nb\nc\nd\ne\n", "a\nb\nC\nd\ne\n"},
		{"append", "a\nb\n", "a\nb\nc\nd\n"},
		{"delete", "a\nb\nc\n", "a\nc\n"},
		{"rewrite all", "x\ny\n", "p\nq\nr\n"},
		{"from empty", "", "hello\nworld\n"},
		{"no trailing newline", "a\nb", "a\nB"},
		{"gain trailing newline", "x", "x\n"},
		{"lose trailing newline", "x\n", "x"},
		{"change and lose trailing newline", "a\nb\n", "a\nc"},
		{"change and gain trailing newline", "a\nb", "a\nc\n"},
		{"distant hunks", strings.Repeat("same\n", 10) + "one\n" + strings.Repeat("same\n", 10) + "two\n",
			strings.Repeat("same\n", 10) + "ONE\n" + strings.Repeat("same\n", 10) + "TWO\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := CreateUnifiedDiff("f", tt.old, tt.new)
			if d == "" {
				t.Fatal("empty diff for differing inputs")
			}
			got, err := ApplyUnifiedDiff(tt.old, d)
			if err != nil {
				t.Fatalf("apply: %v\ndiff:\n%s", err, d)
			}
			if got != tt.new {
				t.Errorf("round trip = %q, want %q\ndiff:\n%s", got, tt.new, d)
			}
		})
	}
}

func TestCreateUnifiedDiffNoNewlineMarker(t *testing.T) {
	d := CreateUnifiedDiff("f", "x\n", "x")
	if d == "" {
		t.Fatal("trailing-newline-only difference produced no diff")
	}
	if !strings.Contains(d, "-x\n+x\n\\ No newline at end of file\n") {
		t.Errorf("marker missing or misplaced:\n%s", d)
	}

	// Unterminated on both sides: the marker annotates both lines.
	d = CreateUnifiedDiff("f", "a\nb", "a\nB")
	if !strings.Contains(d, "-b\n\\ No newline at end of file\n") ||
		!strings.Contains(d, "+B\n\\ No newline at end of file\n") {
		t.Errorf("markers missing:\n%s", d)
	}
}

func TestApplyUnifiedDiffErrors(t *testing.T) {
	content := "a\nb\nc\nd\ne\n"

	if _, err := ApplyUnifiedDiff(content, "just text, no hunks"); err == nil {
		t.Error("no-hunk diff accepted")
	}

	mismatch := "@@ -1,2 +1,2 @@\n x\n-b\n+B\n"
	if _, err := ApplyUnifiedDiff(content, mismatch); err == nil || !strings.Contains(err.Error(), "context mismatch") {
		t.Errorf("context mismatch not detected: %v", err)
	}

	del := "@@ -1,1 +1,1 @@\n-z\n+Z\n"
	if _, err := ApplyUnifiedDiff(content, del); err == nil || !strings.Contains(err.Error(), "deletion mismatch") {
		t.Errorf("deletion mismatch not detected: %v", err)
	}

	overlap := "@@ -1,3 +1,3 @@\n a\n-b\n+B\n c\n@@ -2,2 +2,2 @@\n-b\n+X\n c\n"
	if _, err := ApplyUnifiedDiff(content, overlap); err == nil || !strings.Contains(err.Error(), "overlapping hunks") {
		t.Errorf("overlapping hunks not detected: %v", err)
	}

	beyond := "@@ -40,1 +40,1 @@\n-x\n+y\n"
	if _, err := ApplyUnifiedDiff(content, beyond); err == nil {
		t.Error("hunk beyond end of input accepted")
	}
}

func TestApplyUnifiedDiffSkipsGitHeaders(t *testing.T) {
	d := "diff --git a/f b/f\nindex 123..456 100644\n--- a/f\n+++ b/f\n@@ -1,2 +1,2 @@\n a\n-b\n+B\n"
	got, err := ApplyUnifiedDiff("a\nb\n", d)
	if err != nil || got != "a\nB\n" {
		t.Errorf("got %q, %v", got, err)
	}
}

func TestComputeStats(t *testing.T) {
	s := ComputeStats("a\nb\nc\n", "a\nB\nc\nd\n", "a\nB\nc\nd\n")
	// b removed, B and d added; the proposal-to-final pass adds nothing.
	if s.LinesAdded != 2 || s.LinesRemoved != 1 {
		t.Errorf("stats = %+v", s)
	}
	if s.CharsAdded != 2*statsCharsPerLine || s.CharsRemoved != 1*statsCharsPerLine {
		t.Errorf("char estimates = %+v", s)
	}
}

func TestComputeStatsCountsUserEdits(t *testing.T) {
	// The user amends the proposal; both passes contribute.
	s := ComputeStats("a\n", "a\nb\n", "a\nb\nc\n")
	if s.LinesAdded != 2 || s.LinesRemoved != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestNormalizeEOL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"a\r\nb", "a\nb"},
		{"a\rb", "a\nb"},
		{"a\nb", "a\nb"},
		{"a\r\n\rb", "a\n\nb"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeEOL(tt.in); got != tt.want {
			t.Errorf("NormalizeEOL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
