package quality

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode"
)

var (
	placeholderPattern = regexp.MustCompile(`(?i)(\[(your|insert|name|company|first name|link)[^\]]*\]|\{\{[^}]*\}\}|<insert[^>]*>|lorem ipsum|\bTBD\b)`)
	sentenceEnd        = regexp.MustCompile(`[.!?]+(\s|$)`)
)

// lengthBand rates n against a target band [lo, hi]: 1 inside the band,
// falling linearly to 0 at zero length below it and at 2*hi above it.
func lengthBand(n, lo, hi int) float64 {
	switch {
	case n <= 0:
		return 0
	case n < lo:
		return float64(n) / float64(lo)
	case n <= hi:
		return 1
	default:
		over := float64(n-hi) / float64(hi)
		if over >= 1 {
			return 0
		}
		return 1 - over
	}
}

func words(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
}

func containsAny(lower string, terms ...string) bool {
	for _, t := range terms {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

func hasPlaceholders(s string) bool {
	return placeholderPattern.MatchString(s)
}

func endsWithPunctuation(s string) bool {
	s = strings.TrimRightFunc(s, unicode.IsSpace)
	if s == "" {
		return false
	}
	switch s[len(s)-1] {
	case '.', '!', '?', '"', ')':
		return true
	}
	return false
}

func sentenceCount(s string) int {
	return len(sentenceEnd.FindAllStringIndex(s, -1))
}

// uniqueRatio is the share of distinct words, a cheap repetition signal.
func uniqueRatio(ws []string) float64 {
	if len(ws) == 0 {
		return 0
	}
	seen := make(map[string]struct{}, len(ws))
	for _, w := range ws {
		seen[strings.ToLower(w)] = struct{}{}
	}
	return float64(len(seen)) / float64(len(ws))
}

// balancedDelimiters checks (), [] and {} nesting, ignoring string and
// character literals.
func balancedDelimiters(code string) bool {
	stack := make([]rune, 0, 32)
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}
	var quote rune
	escaped := false

	for _, r := range code {
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == quote:
				quote = 0
			case r == '\n' && quote != '`':
				quote = 0
			}
			continue
		}
		switch r {
		case '"', '\'', '`':
			quote = r
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[r] {
				return false
			}
			stack = stack[:len(stack)-1]
		}
	}
	return len(stack) == 0
}

// extractJSONObject returns the first top-level JSON object in s, if any.
func extractJSONObject(s string) (map[string]any, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// lookupKey finds the first key (case-insensitive) from names in obj.
func lookupKey(obj map[string]any, names ...string) (any, bool) {
	for k, v := range obj {
		lk := strings.ToLower(k)
		for _, n := range names {
			if lk == n {
				return v, true
			}
		}
	}
	return nil, false
}

func firstLines(s string, n int) []string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return lines
}

func nonEmptyLines(s string) int {
	count := 0
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count
}
