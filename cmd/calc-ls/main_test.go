package main

import (
	"testing"

	"calcvm/calc"

	protocol "github.com/tliron/glsp/protocol_3_16"
)

func TestUTF16Columns(t *testing.T) {
	text := `x = "😀" + größe;`
	tests := []struct {
		runes, units int
	}{
		{0, 0},
		{5, 5},
		{6, 7}, // after the emoji
		{10, 11},
		{15, 16},
		{20, 21}, // past the end
	}
	for _, tt := range tests {
		if got := utf16Column(text, tt.runes); got != tt.units {
			t.Errorf("utf16Column(%d) = %d, want %d", tt.runes, got, tt.units)
		}
		if got := runeColumn(text, tt.units); got != tt.runes {
			t.Errorf("runeColumn(%d) = %d, want %d", tt.units, got, tt.runes)
		}
	}
	if got := runeColumn(text, 6); got != 5 {
		t.Errorf("runeColumn inside a surrogate pair = %d, want 5", got)
	}
}

func TestLineText(t *testing.T) {
	content := "a = 1;\nb = 2;\n"
	for line, want := range []string{"a = 1;", "b = 2;", "", ""} {
		if got := lineText(content, line); got != want {
			t.Errorf("line %d = %q, want %q", line, got, want)
		}
	}
}

func TestLSPRangeFromLoc(t *testing.T) {
	content := "a = 1;\nx = \"😀\" + größe;"
	// größe starts at rune 11 of line 2 and spans five runes but seven bytes.
	loc := calc.Loc{Line: 2, Col: 11, Start: 20, End: 27}
	got := lspRangeFromLoc(content, loc)
	want := protocol.Range{
		Start: protocol.Position{Line: 1, Character: 11},
		End:   protocol.Position{Line: 1, Character: 16},
	}
	if got != want {
		t.Errorf("range = %+v, want %+v", got, want)
	}

	lineOnly := lspRangeFromLoc(content, calc.Loc{Line: 1})
	if lineOnly.Start.Character != 0 || lineOnly.End.Character != 1 {
		t.Errorf("line-only range = %+v", lineOnly)
	}
}
