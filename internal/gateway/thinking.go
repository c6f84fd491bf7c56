package gateway

import (
	"regexp"
	"strings"
)

// Reasoning markers that leak into chat content when an upstream inlines
// its thinking. Paired blocks go together with their contents, orphan
// tags on their own. The fullwidth-bar forms cover DeepSeek-style
// <｜...begin...｜>...<｜...end...｜> sentinels. Go regexps have no
// backreferences, so each tag pair gets its own pattern.
var (
	thinkingBlocks = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<thinking\s*>.*?</thinking\s*>`),
		regexp.MustCompile(`(?is)<think\s*>.*?</think\s*>`),
		regexp.MustCompile(`(?is)<thought\s*>.*?</thought\s*>`),
		regexp.MustCompile(`(?is)<antthinking\s*>.*?</antthinking\s*>`),
		regexp.MustCompile(`(?is)<｜[^｜]*begin[^｜]*｜>.*?<｜[^｜]*end[^｜]*｜>`),
	}
	thinkingTags = []*regexp.Regexp{
		regexp.MustCompile(`(?i)</?(?:antthinking|thinking|thought|think)\s*>`),
		regexp.MustCompile(`<｜[^｜]*｜>`),
	}
)

// stripThinking removes reasoning markers from upstream-produced assistant
// content before it reaches a streaming client. User-supplied text is
// never passed through here.
func stripThinking(text string) string {
	if !strings.Contains(text, "<") {
		return text
	}
	out := text
	for _, re := range thinkingBlocks {
		out = re.ReplaceAllString(out, "")
	}
	for _, re := range thinkingTags {
		out = re.ReplaceAllString(out, "")
	}
	if out != text {
		out = strings.TrimSpace(out)
	}
	return out
}
