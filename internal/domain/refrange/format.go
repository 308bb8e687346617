package refrange

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

const maxTextLen = 80

// FormatRange renders r for display. The second return value is false when
// the range has nothing to show and the field should be suppressed.
func FormatRange(r ReferenceRange) (string, bool) {
	var core string
	switch {
	case r.Lower != nil && r.Upper != nil:
		core = formatNumber(*r.Lower) + "–" + formatNumber(*r.Upper)
	case r.Lower != nil:
		core = ">=" + formatNumber(*r.Lower)
	case r.Upper != nil:
		core = "<=" + formatNumber(*r.Upper)
	default:
		core = truncate(strings.TrimSpace(strVal(r.TextValue)), maxTextLen)
	}
	if core == "" {
		return "", false
	}
	if note := strings.TrimSpace(strVal(r.Note)); note != "" {
		core += " (" + note + ")"
	}
	return core, true
}

// FormatRanges renders every displayable range, dropping empty ones.
func FormatRanges(ranges []ReferenceRange) []string {
	out := make([]string, 0, len(ranges))
	for _, r := range ranges {
		if s, ok := FormatRange(r); ok {
			out = append(out, s)
		}
	}
	return out
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}
