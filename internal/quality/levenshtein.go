package quality

import "unicode/utf8"

// maxEditRunes bounds the inputs to the quadratic distance computation.
// Longer texts are compared on their prefixes.
const maxEditRunes = 8000

// Levenshtein returns the rune-level edit distance between a and b.
func Levenshtein(a, b string) int {
	ra := truncateRunes([]rune(a), maxEditRunes)
	rb := truncateRunes([]rune(b), maxEditRunes)

	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func truncateRunes(r []rune, n int) []rune {
	if len(r) > n {
		return r[:n]
	}
	return r
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
