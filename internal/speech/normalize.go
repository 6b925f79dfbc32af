package speech

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

// NormalizeText trims text, collapses runs of whitespace into single spaces
// and upper-cases the first letter.
func NormalizeText(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(text)
	if !unicode.IsLower(r) {
		return text
	}
	return string(unicode.ToUpper(r)) + text[size:]
}

// clamp01 limits v to [0, 1]. NaN maps to 0.
func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return min(max(v, 0), 1)
}
