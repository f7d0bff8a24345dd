package report

import "strings"

var replacer = strings.NewReplacer(
	"\u2013", "-", "\u2014", "-", "\u2212", "-",
	"\u2018", "'", "\u2019", "'", "\u201c", `"`, "\u201d", `"`,
	"\u2022", "-", "\u2026", "...", "\u00a0", " ",
	"\t", " ", "\r\n", "\n", "\r", "\n",
)

// Sanitize reduces s to printable ASCII plus newlines, the subset every
// core PDF font can measure and render. Unknown runes become '?'.
func Sanitize(s string) string {
	s = replacer.Replace(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n':
			b.WriteRune(r)
		case r >= 0x20 && r < 0x7f:
			b.WriteRune(r)
		case r < 0x20 || r == 0x7f:
			// drop control characters
		default:
			b.WriteByte('?')
		}
	}
	return b.String()
}
