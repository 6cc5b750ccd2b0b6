package retrieval

import (
	"regexp"
	"strings"
)

var (
	imageRe   = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	linkRe    = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	hashtagRe = regexp.MustCompile(`(^|\s)#\w+`)
	fenceRe   = regexp.MustCompile("```[a-zA-Z]*")
)

// CleanQuery reduces a user prompt to a plain search query: markdown syntax is
// flattened to its text, hashtags and emojis are removed, and whitespace is
// collapsed.
func CleanQuery(prompt string) string {
	s := imageRe.ReplaceAllString(prompt, "$1")
	s = linkRe.ReplaceAllString(s, "$1")
	s = hashtagRe.ReplaceAllString(s, "$1")
	s = fenceRe.ReplaceAllString(s, " ")

	var b strings.Builder
	b.Grow(len(s))
	atLineStart := true
	for _, r := range s {
		if isEmoji(r) {
			continue
		}
		switch r {
		case '\n':
			atLineStart = true
			b.WriteRune(' ')
			continue
		case '#', '>':
			// Heading and quote markers only carry meaning at line starts.
			if atLineStart {
				continue
			}
		case '*', '_', '`', '~', '|':
			continue
		}
		if r != ' ' && r != '\t' {
			atLineStart = false
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// isEmoji covers the common emoji blocks plus variation selectors and the
// zero-width joiner used in composed sequences.
func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF:
		return true
	case r >= 0x1F000 && r <= 0x1F2FF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	case r >= 0x1F1E6 && r <= 0x1F1FF:
		return true
	case r == 0xFE0F || r == 0x200D || r == 0x20E3:
		return true
	}
	return false
}
