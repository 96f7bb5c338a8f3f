package chat

import (
	"strings"
	"unicode"
)

// EstimateTokens approximates the token cost of text: 1.5 per CJK ideograph
// (U+4E00..U+9FFF), 1.3 per other letter or digit, 0 for everything else.
// The sum is truncated toward zero; non-blank text costs at least 1.
//
//	"hello" -> 6 (6.5 truncated), "你好" -> 3
func EstimateTokens(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	var cjk, alnum int
	for _, r := range text {
		switch {
		case r >= 0x4E00 && r <= 0x9FFF:
			cjk++
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			alnum++
		}
	}
	// tenths, to keep the arithmetic exact
	n := (cjk*15 + alnum*13) / 10
	if n < 1 {
		return 1
	}
	return n
}
