package assistant

import (
	"regexp"
	"strings"
)

var (
	fence      = regexp.MustCompile("^\\s*```")
	heading    = regexp.MustCompile(`^\s{0,3}#{1,6}\s+(.+?)\s*#*\s*$`)
	bullet     = regexp.MustCompile(`^(\s*)[-*+]\s+`)
	boldStar   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	boldUnder  = regexp.MustCompile(`__(.+?)__`)
	strike     = regexp.MustCompile(`~~(.+?)~~`)
	link       = regexp.MustCompile(`\[([^\]]+)\]\((https?://[^)\s]+)\)`)
	hRule      = regexp.MustCompile(`^\s*([-*_])(\s*([-*_])){2,}\s*$`)
	blankLines = regexp.MustCompile(`\n{3,}`)
)

// Render converts markdown emitted by the model into the chat network's markup:
// *bold*, _italic_, ~strike~ and ``` blocks. Code blocks are left untouched.
func Render(md string) string {
	lines := strings.Split(strings.ReplaceAll(md, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	inCode := false

	for _, line := range lines {
		if fence.MatchString(line) {
			inCode = !inCode
			out = append(out, "```")
			continue
		}
		if inCode {
			out = append(out, line)
			continue
		}
		if hRule.MatchString(line) {
			out = append(out, "")
			continue
		}
		if m := heading.FindStringSubmatch(line); m != nil {
			out = append(out, "*"+inline(stripBold(m[1]))+"*")
			continue
		}
		line = bullet.ReplaceAllString(line, "${1}• ")
		out = append(out, inline(line))
	}

	return strings.TrimSpace(blankLines.ReplaceAllString(strings.Join(out, "\n"), "\n\n"))
}

func inline(s string) string {
	s = link.ReplaceAllString(s, "$1 ($2)")
	s = boldStar.ReplaceAllString(s, "*$1*")
	s = boldUnder.ReplaceAllString(s, "*$1*")
	s = strike.ReplaceAllString(s, "~$1~")
	return s
}

func stripBold(s string) string {
	s = boldStar.ReplaceAllString(s, "$1")
	return boldUnder.ReplaceAllString(s, "$1")
}
