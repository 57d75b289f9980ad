package artifacts

import (
	"strconv"
	"strings"
)

// excerptHeadChars and excerptTailChars bound the head/tail preview kept
// for an artifact's preview_text: enough for the model to recognize what
// it is without re-reading the whole thing.
const (
	excerptHeadChars = 800
	excerptTailChars = 400
)

// createExcerpt returns a preview of content: the whole string if it's
// already short, otherwise its head and tail joined by a truncation
// marker noting how many characters were dropped.
func createExcerpt(content string, headChars, tailChars int) string {
	runes := []rune(content)
	if len(runes) <= headChars+tailChars {
		return content
	}
	head := string(runes[:headChars])
	tail := string(runes[len(runes)-tailChars:])
	omitted := len(runes) - headChars - tailChars
	return head + "\n... [" + strconv.Itoa(omitted) + " characters omitted] ...\n" + tail
}

// createSmartExcerpt picks a preview strategy by tool family: diffs and
// grep output read best from the top (most relevant hits first), while
// long logs and file reads benefit from head+tail so both the start and
// the final state/error are visible.
func createSmartExcerpt(toolName, output string) string {
	switch {
	case strings.Contains(toolName, "diff"), strings.Contains(toolName, "grep"):
		return createExcerpt(output, excerptHeadChars+excerptTailChars, 0)
	default:
		return createExcerpt(output, excerptHeadChars, excerptTailChars)
	}
}
