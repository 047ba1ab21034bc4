package resolve

import (
	"fmt"
	"strings"

	"github.com/regsentinel/regsentinel/core/policy"
)

// spanTextLimit bounds the word-level span computation; longer texts get
// coarser line-level spans instead.
const spanTextLimit = 5000

const diffContext = 3

type editKind int

const (
	editEqual editKind = iota
	editDelete
	editInsert
)

type edit struct {
	kind editKind
	text string
}

// UnifiedDiff renders a line-based unified diff between two texts.
func UnifiedDiff(before, after, fromLabel, toLabel string) string {
	if before == after {
		return ""
	}
	edits := diffSlices(splitLines(before), splitLines(after))

	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n+++ %s\n", fromLabel, toLabel)

	// Walk edits grouping changed runs with surrounding context into hunks.
	i := 0
	oldLine, newLine := 1, 1
	for i < len(edits) {
		if edits[i].kind == editEqual {
			oldLine++
			newLine++
			i++
			continue
		}
		// Back up for leading context.
		start := i
		context := 0
		for start > 0 && edits[start-1].kind == editEqual && context < diffContext {
			start--
			context++
		}
		hunkOld := oldLine - context
		hunkNew := newLine - context

		// Extend through changes, allowing up to 2*context equal lines
		// between changed runs before closing the hunk.
		end := i
		equalRun := 0
		for end < len(edits) {
			if edits[end].kind == editEqual {
				if equalRun == 2*diffContext {
					break
				}
				equalRun++
			} else {
				equalRun = 0
			}
			end++
		}
		if equalRun > diffContext {
			end -= equalRun - diffContext
		}

		var oldCount, newCount int
		var body strings.Builder
		for _, e := range edits[start:end] {
			switch e.kind {
			case editEqual:
				body.WriteString(" " + e.text + "\n")
				oldCount++
				newCount++
			case editDelete:
				body.WriteString("-" + e.text + "\n")
				oldCount++
			case editInsert:
				body.WriteString("+" + e.text + "\n")
				newCount++
			}
		}
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", hunkOld, oldCount, hunkNew, newCount)
		b.WriteString(body.String())

		for _, e := range edits[i:end] {
			switch e.kind {
			case editEqual:
				oldLine++
				newLine++
			case editDelete:
				oldLine++
			case editInsert:
				newLine++
			}
		}
		i = end
	}
	return b.String()
}

// Spans returns the character ranges in after that are new or changed
// relative to before. Short texts get word-granular ranges; longer ones fall
// back to whole changed lines.
func Spans(before, after string) []policy.Span {
	if before == after {
		return nil
	}
	if len(before) > spanTextLimit || len(after) > spanTextLimit {
		return lineSpans(before, after)
	}
	return tokenSpans(before, after)
}

func tokenSpans(before, after string) []policy.Span {
	edits := diffSlices(tokenize(before), tokenize(after))
	return collectSpans(edits)
}

func lineSpans(before, after string) []policy.Span {
	beforeLines := splitLines(before)
	afterLines := splitLines(after)
	for i := range beforeLines {
		beforeLines[i] += "\n"
	}
	for i := range afterLines {
		afterLines[i] += "\n"
	}
	return collectSpans(diffSlices(beforeLines, afterLines))
}

// collectSpans maps insert edits to offsets in the new text, merging
// adjacent ranges.
func collectSpans(edits []edit) []policy.Span {
	var out []policy.Span
	pos := 0
	for _, e := range edits {
		switch e.kind {
		case editEqual:
			pos += len(e.text)
		case editInsert:
			start := pos
			pos += len(e.text)
			if n := len(out); n > 0 && out[n-1].End >= start {
				if pos > out[n-1].End {
					out[n-1].End = pos
				}
			} else {
				out = append(out, policy.Span{Start: start, End: pos})
			}
		}
	}
	return out
}

// diffSlices computes an edit script via longest common subsequence.
func diffSlices(a, b []string) []edit {
	n, m := len(a), len(b)
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}
	var out []edit
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			out = append(out, edit{editEqual, a[i]})
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			out = append(out, edit{editDelete, a[i]})
			i++
		default:
			out = append(out, edit{editInsert, b[j]})
			j++
		}
	}
	for ; i < n; i++ {
		out = append(out, edit{editDelete, a[i]})
	}
	for ; j < m; j++ {
		out = append(out, edit{editInsert, b[j]})
	}
	return out
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}

// tokenize splits text into alternating word and separator tokens so offsets
// can be reconstructed exactly.
func tokenize(text string) []string {
	var out []string
	start := 0
	inSpace := false
	for i, r := range text {
		isSpace := r == ' ' || r == '\n' || r == '\t'
		if i == 0 {
			inSpace = isSpace
			continue
		}
		if isSpace != inSpace {
			out = append(out, text[start:i])
			start = i
			inSpace = isSpace
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
