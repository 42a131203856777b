package quality

import (
	"regexp"
	"strings"
)

var (
	codeDeclPattern   = regexp.MustCompile(`(?m)^\s*(func |def |function |class |public |private |const |let |var |import |package |#include|fn |SELECT |CREATE )`)
	indentedPattern   = regexp.MustCompile(`(?m)^(\t| {2,})\S`)
	codeCommentMarker = regexp.MustCompile(`(?m)(//|#|/\*|--)\s*\S`)
	sceneMarker       = regexp.MustCompile(`(?im)(^\s*scene\s*\d+|^\s*(int|ext)\.|^\s*\[[^\]]+\]|\b\d{1,2}:\d{2}\b)`)
	scoreLinePattern  = regexp.MustCompile(`(?i)score\s*[:=]\s*(\d{1,3})`)
)

func scoreWebsiteAnalysis(output string) float64 {
	text := strings.TrimSpace(output)
	if text == "" {
		return 0
	}
	lower := strings.ToLower(text)
	score := 0.0

	// structure
	if _, ok := extractJSONObject(text); ok && strings.HasPrefix(text, "{") {
		score += 20
	} else if strings.Count(text, "\n#") >= 2 || strings.Count(text, ":\n") >= 3 {
		score += 12
	}

	// required elements
	if containsAny(lower, "summary", "overview") {
		score += 12
	}
	if containsAny(lower, "strength") {
		score += 12
	}
	if containsAny(lower, "weakness", "issue", "problem") {
		score += 12
	}
	if containsAny(lower, "recommendation", "suggestion", "improvement") {
		score += 12
	}

	score += 20 * lengthBand(len(text), 300, 4000)

	// concrete references: numbers, urls, percentages
	if strings.ContainsAny(text, "0123456789%") || strings.Contains(lower, "http") {
		score += 12
	}
	return score
}

func scoreCodeGeneration(output string) float64 {
	text := strings.TrimSpace(output)
	if text == "" {
		return 0
	}
	code := text
	fenced := false
	if start := strings.Index(text, "```"); start >= 0 {
		rest := text[start+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			code = rest[:end]
			fenced = true
		}
	}

	score := 0.0
	if fenced || codeDeclPattern.MatchString(code) {
		score += 25
	}
	if balancedDelimiters(code) {
		score += 25
	}
	if !hasPlaceholders(code) && !containsAny(code, "TODO", "FIXME", "your code here", "...") {
		score += 15
	}
	score += 15 * lengthBand(len(code), 40, 6000)
	if nonEmptyLines(code) >= 3 && indentedPattern.MatchString(code) {
		score += 10
	}
	if codeCommentMarker.MatchString(code) || (fenced && len(strings.TrimSpace(strings.Replace(text, code, "", 1))) > 20) {
		score += 10
	}
	return score
}

func scoreEmailWriting(output string) float64 {
	text := strings.TrimSpace(output)
	if text == "" {
		return 0
	}
	lower := strings.ToLower(text)
	score := 0.0

	body := text
	for _, line := range firstLines(text, 3) {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "subject:") {
			score += 15
			body = strings.Replace(text, line, "", 1)
			break
		}
	}

	for _, line := range firstLines(body, 2) {
		l := strings.ToLower(strings.TrimSpace(line))
		if strings.HasPrefix(l, "hi") || strings.HasPrefix(l, "hello") || strings.HasPrefix(l, "dear") ||
			strings.HasPrefix(l, "hey") || strings.HasPrefix(l, "good morning") || strings.HasPrefix(l, "good afternoon") {
			score += 15
			break
		}
	}

	if containsAny(lower, "regards", "best,", "best wishes", "thanks", "thank you", "sincerely", "cheers") {
		score += 15
	}
	if strings.Contains(body, "?") || containsAny(lower, "let me know", "schedule", "book a", "reply", "reach out", "would you be open", "are you available", "hop on a call") {
		score += 20
	}
	if !hasPlaceholders(text) {
		score += 15
	}
	score += 20 * lengthBand(len(words(body)), 50, 300)
	return score
}

func scoreConversationResponse(output string) float64 {
	text := strings.TrimSpace(output)
	if text == "" {
		return 0
	}
	ws := words(text)
	score := 35 * lengthBand(len(text), 20, 1200)

	if endsWithPunctuation(text) {
		score += 15
	}
	if ratio := uniqueRatio(ws); ratio >= 0.5 {
		score += 25
	} else {
		score += 25 * ratio / 0.5
	}
	if !hasPlaceholders(text) {
		score += 10
	}
	lower := strings.ToLower(text)
	if strings.Contains(text, "?") || containsAny(lower, " you", "your") {
		score += 15
	}
	return score
}

func scoreVideoScript(output string) float64 {
	text := strings.TrimSpace(output)
	if text == "" {
		return 0
	}
	lower := strings.ToLower(text)
	score := 0.0

	switch markers := len(sceneMarker.FindAllStringIndex(text, -1)); {
	case markers >= 2:
		score += 25
	case markers == 1:
		score += 12
	}

	opening := lower
	if len(opening) > 200 {
		opening = opening[:200]
	}
	if strings.ContainsAny(opening, "?!") || containsAny(opening, "imagine", "did you know", "what if", "stop ", "secret", "here's") {
		score += 15
	}
	if containsAny(lower, "subscribe", "like this", "comment", "follow", "visit", "click", "sign up", "link in") {
		score += 15
	}
	score += 25 * lengthBand(len(words(text)), 100, 1500)
	if !hasPlaceholders(text) {
		score += 10
	}
	if nonEmptyLines(text) >= 5 {
		score += 10
	}
	return score
}

func scoreLeadScoring(output string) float64 {
	text := strings.TrimSpace(output)
	if text == "" {
		return 0
	}
	score := 0.0

	obj, ok := extractJSONObject(text)
	if !ok {
		// free-text fallback: a parsable score line and some justification
		if m := scoreLinePattern.FindStringSubmatch(text); m != nil {
			score += 15
		}
		if len(words(text)) >= 15 {
			score += 10
		}
		return score
	}
	score += 20

	if v, found := lookupKey(obj, "score", "lead_score"); found {
		if n, isNum := v.(float64); isNum {
			if n >= 0 && n <= 100 {
				score += 30
			} else {
				score += 10
			}
		}
	}
	if v, found := lookupKey(obj, "reasoning", "reason", "rationale", "explanation"); found {
		if s, isStr := v.(string); isStr {
			if len(strings.TrimSpace(s)) >= 20 {
				score += 25
			} else if s != "" {
				score += 10
			}
		}
	}
	if v, found := lookupKey(obj, "factors", "signals", "criteria"); found {
		switch f := v.(type) {
		case []any:
			if len(f) > 0 {
				score += 15
			}
		case map[string]any:
			if len(f) > 0 {
				score += 15
			}
		}
	}
	if len(text) <= 3000 {
		score += 10
	}
	return score
}

func scoreGeneral(output string) float64 {
	text := strings.TrimSpace(output)
	if text == "" {
		return 0
	}
	score := 40 * lengthBand(len(text), 20, 5000)

	switch n := sentenceCount(text); {
	case n >= 2:
		score += 20
	case n == 1:
		score += 10
	}
	if endsWithPunctuation(text) {
		score += 10
	}
	if !hasPlaceholders(text) {
		score += 15
	}
	if ratio := uniqueRatio(words(text)); ratio >= 0.4 {
		score += 15
	} else {
		score += 15 * ratio / 0.4
	}
	return score
}
