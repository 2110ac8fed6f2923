package agent

import (
	"strings"
	"testing"
)

func TestTruncateOutputUnderLimit(t *testing.T) {
	out := TruncateOutput("short", 100, TruncateHeadTail)
	if out != "short" {
		t.Errorf("got %q, want unchanged", out)
	}
}

func TestTruncateOutputHeadTail(t *testing.T) {
	input := strings.Repeat("a", 500) + strings.Repeat("z", 500)
	out := TruncateOutput(input, 200, TruncateHeadTail)

	if !strings.HasPrefix(out, strings.Repeat("a", 100)) {
		t.Error("head not preserved")
	}
	if !strings.HasSuffix(out, strings.Repeat("z", 100)) {
		t.Error("tail not preserved")
	}
	if !strings.Contains(out, "800 characters removed") {
		t.Errorf("missing removal marker: %q", out)
	}
}

func TestTruncateOutputTail(t *testing.T) {
	input := strings.Repeat("a", 500) + strings.Repeat("z", 200)
	out := TruncateOutput(input, 200, TruncateTail)

	if !strings.HasSuffix(out, strings.Repeat("z", 200)) {
		t.Error("tail not preserved")
	}
	if strings.Contains(out[len(out)-200:], "a") {
		t.Error("head leaked into tail-mode output")
	}
}

func TestTruncateLines(t *testing.T) {
	lines := make([]string, 100)
	for i := range lines {
		lines[i] = "line"
	}
	out := TruncateLines(strings.Join(lines, "\n"), 10)

	if !strings.Contains(out, "90 lines omitted") {
		t.Errorf("missing omission marker: %q", out)
	}
	if got := strings.Count(out, "line"); got != 11 {
		// 10 content lines plus the word in "lines omitted".
		t.Errorf("kept %d occurrences, want 11", got)
	}
}

func TestTruncateToolOutputPerToolDefaults(t *testing.T) {
	big := strings.Repeat("x\n", 1000)
	out := TruncateToolOutput(big, "run_command", nil, nil)
	if len(strings.Split(out, "\n")) > 260 {
		t.Errorf("run_command output not line-truncated: %d lines", len(strings.Split(out, "\n")))
	}

	// Unknown tools get the generic char limit and no line limit.
	out = TruncateToolOutput(big, "custom_tool", nil, nil)
	if out != big {
		t.Error("small output for unknown tool should pass through")
	}

	// Explicit overrides win.
	out = TruncateToolOutput(strings.Repeat("x", 100), "custom_tool", map[string]int{"custom_tool": 50}, nil)
	if len(out) <= 50 {
		t.Error("truncation marker should make output longer than the raw limit")
	}
	if !strings.Contains(out, "50 characters removed") {
		t.Errorf("missing marker: %q", out)
	}
}
