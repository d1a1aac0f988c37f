package accumulator

import (
	"math"
	"unicode/utf8"
)

// charsPerToken is the estimation ratio used for every budget decision.
const charsPerToken = 3.5

// EstimateTokens returns ceil(runes/3.5); the empty string costs nothing.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return int(math.Ceil(float64(utf8.RuneCountInString(s)) / charsPerToken))
}

// maxRunesFor is the longest string whose estimate stays within tokens.
func maxRunesFor(tokens int) int {
	if tokens <= 0 {
		return 0
	}
	return int(math.Floor(float64(tokens) * charsPerToken))
}
