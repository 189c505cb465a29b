package sanitize

import (
	"regexp"
	"strings"
	"unicode"
)

var htmlTag = regexp.MustCompile(`<[^>]*>`)

// StripControlCharacters removes control characters except newlines and tabs
func StripControlCharacters(input string) string {
	var result strings.Builder
	result.Grow(len(input))
	for _, r := range input {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// ChatText cleans a chat line before it is stored and relayed. Markup is
// dropped so clients can render the text verbatim.
func ChatText(input string) string {
	input = StripControlCharacters(input)
	input = htmlTag.ReplaceAllString(input, "")
	return strings.TrimSpace(input)
}

// DisplayName cleans a user-supplied name shown on an incoming call
func DisplayName(input string) string {
	input = strings.ReplaceAll(StripControlCharacters(input), "\n", " ")
	return strings.Join(strings.Fields(input), " ")
}
