package vision

import "strings"

// CompetitionAlphabet is the grid of 36 Armenian capitals painted on the
// 3x3m ground symbols, numbered left to right, top to bottom from 0.
var CompetitionAlphabet = []rune{
	'Ա', 'Բ', 'Գ', 'Դ', 'Ե', 'Զ', 'Է', 'Ը', 'Թ',
	'Ժ', 'Ի', 'Լ', 'Խ', 'Ծ', 'Կ', 'Հ', 'Ձ', 'Ղ',
	'Ճ', 'Մ', 'Յ', 'Ն', 'Շ', 'Ո', 'Չ', 'Պ', 'Ջ',
	'Ռ', 'Ս', 'Վ', 'Տ', 'Ր', 'Ց', 'Ւ', 'Փ', 'Ք',
}

var symbolToID = func() map[rune]int {
	m := make(map[rune]int, len(CompetitionAlphabet))
	for i, r := range CompetitionAlphabet {
		m[r] = i
	}
	return m
}()

// confusables maps glyphs Tesseract regularly mistakes for one another to a
// canonical representative, so a cluster's vote counts near-identical shapes
// as agreement. Keys fold onto the alphabet member.
var confusables = map[rune]rune{
	'Օ': 'Ո', // round bowls
	'Ս': 'Ա', // open bowl with right stem
	'Ը': 'Ր',
	'Ւ': 'Լ',
	'Է': 'Ե',
	'Ց': 'Զ',
}

// SymbolID returns the competition grid index for the first glyph of text, or
// -1 when the glyph is not part of the alphabet.
func SymbolID(text string) int {
	for _, r := range text {
		if id, ok := symbolToID[r]; ok {
			return id
		}
		return -1
	}
	return -1
}

// CleanText strips everything but Armenian glyphs (U+0530 through U+058F) from
// a raw OCR read, mirroring the competition scoring rules.
func CleanText(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= 0x0530 && r <= 0x058F {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FoldConfusables maps visually confusable glyphs onto canonical
// representatives. Used only for vote counting; the reported label is the
// modal raw text, not the folded form.
func FoldConfusables(text string) string {
	var b strings.Builder
	for _, r := range text {
		if canon, ok := confusables[r]; ok {
			r = canon
		}
		b.WriteRune(r)
	}
	return b.String()
}
