package sanitize

import (
	"strings"
	"unicode"
)

const bom = '\uFEFF'

// Text removes C0/C1 control characters (tab, line feed and carriage return are
// kept) and byte-order marks, then trims surrounding whitespace. It never fails
// and is idempotent.
func Text(s string) string {
	if s == "" {
		return s
	}
	s = strings.ToValidUTF8(s, "")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isControl(r) || r == bom {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimFunc(b.String(), unicode.IsSpace)
}

// IsEmpty reports whether s has no text left after sanitizing.
func IsEmpty(s string) bool {
	return Text(s) == ""
}

func isControl(r rune) bool {
	switch r {
	case '\t', '\n', '\r':
		return false
	}
	return r <= 0x1F || (r >= 0x7F && r <= 0x9F)
}
