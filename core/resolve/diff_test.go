package resolve

import (
	"strings"
	"testing"
)

func TestUnifiedDiffBasics(t *testing.T) {
	before := "line one\nline two\nline three\n"
	after := "line one\nline 2\nline three\n"
	diff := UnifiedDiff(before, after, "POL-1@v1", "POL-1@proposed")

	if !strings.HasPrefix(diff, "--- POL-1@v1\n+++ POL-1@proposed\n") {
		t.Fatalf("missing header:\n%s", diff)
	}
	if !strings.Contains(diff, "-line two\n") || !strings.Contains(diff, "+line 2\n") {
		t.Fatalf("missing change lines:\n%s", diff)
	}
	if !strings.Contains(diff, " line one\n") {
		t.Fatalf("missing context:\n%s", diff)
	}
	if !strings.Contains(diff, "@@ -1,3 +1,3 @@") {
		t.Fatalf("unexpected hunk header:\n%s", diff)
	}
}

func TestUnifiedDiffIdentical(t *testing.T) {
	if diff := UnifiedDiff("same\n", "same\n", "a", "b"); diff != "" {
		t.Fatalf("identical texts should produce no diff: %q", diff)
	}
}

func TestUnifiedDiffSplitsDistantChanges(t *testing.T) {
	var beforeLines, afterLines []string
	for i := 0; i < 20; i++ {
		line := "common line"
		beforeLines = append(beforeLines, line)
		afterLines = append(afterLines, line)
	}
	beforeLines[0] = "old head"
	afterLines[0] = "new head"
	beforeLines[19] = "old tail"
	afterLines[19] = "new tail"

	diff := UnifiedDiff(strings.Join(beforeLines, "\n"), strings.Join(afterLines, "\n"), "a", "b")
	if strings.Count(diff, "@@ -") != 2 {
		t.Fatalf("changes 18 lines apart should land in two hunks:\n%s", diff)
	}
}

func TestSpansHighlightChangedWords(t *testing.T) {
	before := "Customer records are retained for 12 months after account closure."
	after := "Customer records are retained for 24 months after account closure."
	spans := Spans(before, after)
	if len(spans) != 1 {
		t.Fatalf("expected one span: %+v", spans)
	}
	got := after[spans[0].Start:spans[0].End]
	if got != "24" {
		t.Fatalf("span should cover the changed token, got %q", got)
	}
}

func TestSpansEmptyForIdentical(t *testing.T) {
	if spans := Spans("same", "same"); spans != nil {
		t.Fatalf("expected nil spans: %+v", spans)
	}
}

func TestSpansLargeTextFallsBackToLines(t *testing.T) {
	line := strings.Repeat("word ", 30)
	var b strings.Builder
	for i := 0; i < 60; i++ {
		b.WriteString(line)
		b.WriteString("\n")
	}
	before := b.String()
	after := strings.Replace(before, "word", "sword", 1)

	spans := Spans(before, after)
	if len(spans) == 0 {
		t.Fatal("expected a span for the changed line")
	}
	got := after[spans[0].Start:spans[0].End]
	if !strings.Contains(got, "sword") {
		t.Fatalf("span misses the change: %q", got)
	}
}
