package scheduler

import (
	"sort"
	"strings"
)

// displayWidth approximates a terminal column width for s, counting East
// Asian Wide/Fullwidth runes as 2 columns. None of the pack's examples
// carry a display-width library (e.g. go-runewidth), so this is a small
// stdlib-only heuristic over the common CJK code blocks rather than the
// full Unicode East Asian Width table.
func displayWidth(s string) int {
	width := 0
	for _, r := range s {
		switch {
		case r >= 0x1100 && r <= 0x115F, // Hangul Jamo
			r >= 0x2E80 && r <= 0xA4CF, // CJK radicals through Yi
			r >= 0xAC00 && r <= 0xD7A3, // Hangul syllables
			r >= 0xF900 && r <= 0xFAFF, // CJK compatibility ideographs
			r >= 0xFF00 && r <= 0xFF60, // fullwidth forms
			r >= 0xFFE0 && r <= 0xFFE6:
			width += 2
		default:
			width++
		}
	}
	return width
}

func padRight(s string, width int) string {
	pad := width - displayWidth(s)
	if pad <= 0 {
		return s
	}
	return s + strings.Repeat(" ", pad)
}

// RenderDashboard renders the one-line-per-symbol text dashboard (spec
// §4.9), CJK-width-aware so symbol labels with wide glyphs still align.
func RenderDashboard(rows []SymbolSnapshot) string {
	sort.Slice(rows, func(i, j int) bool { return rows[i].Symbol < rows[j].Symbol })

	symbolWidth := len("SYMBOL")
	for _, r := range rows {
		if w := displayWidth(r.Symbol); w > symbolWidth {
			symbolWidth = w
		}
	}

	var b strings.Builder
	b.WriteString(padRight("SYMBOL", symbolWidth))
	b.WriteString("  STATE\n")
	for _, r := range rows {
		b.WriteString(padRight(r.Symbol, symbolWidth))
		b.WriteString("  ")
		b.WriteString(r.State.String())
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
