package agent

import (
	"regexp"
	"strings"
)

// thinkingTagPattern matches a <thinking> wrapper at the very start of the
// response text. Anchoring to the start keeps the heuristic from stripping a
// literal tag the model quotes mid-answer.
var thinkingTagPattern = regexp.MustCompile(`(?s)^\s*<thinking>(.*?)</thinking>\s*`)

// extractThinking separates thinking commentary from response text.
//
// A structured thinking string from the transport always wins. Otherwise the
// text is checked for a leading <thinking>...</thinking> wrapper, which some
// models emit when the prompt asks for visible reasoning; the wrapper is
// stripped from the returned text.
func extractThinking(structured, text string) (thinking, clean string) {
	if structured != "" {
		return structured, text
	}

	match := thinkingTagPattern.FindStringSubmatch(text)
	if match == nil {
		return "", text
	}

	thinking = strings.TrimSpace(match[1])
	clean = text[len(match[0]):]
	return thinking, clean
}
