package sanitize

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	spaceRun   = regexp.MustCompile(`[ \t]+`)
	blankLines = regexp.MustCompile(`\n{3,}`)

	decorations = []*regexp.Regexp{
		regexp.MustCompile(`\*{3,}[ \t]*([^*\s].*?)[ \t]*\*{3,}`),
		regexp.MustCompile(`={3,}[ \t]*([^=\s].*?)[ \t]*={3,}`),
		regexp.MustCompile(`-{3,}[ \t]*([^-\s].*?)[ \t]*-{3,}`),
		regexp.MustCompile(`#{3,}[ \t]*([^#\s].*?)[ \t]*#{3,}`),
		regexp.MustCompile(`▪{2,}[ \t]*([^▪\s].*?)[ \t]*▪{2,}`),
		regexp.MustCompile(`•{2,}[ \t]*([^•\s].*?)[ \t]*•{2,}`),
	}

	attribution = []*regexp.Regexp{
		regexp.MustCompile(`(?im)\b(?:VIP|PREMIUM|EXCLUSIVE)\s+(?:SIGNAL|ENTRY|ALERT)\b`),
		regexp.MustCompile(`(?im)\b(?:SHARED|FORWARDED)\s+BY\b.*$`),
		regexp.MustCompile(`(?im)\b(?:AUTO|BOT|COPY)\s+(?:TRADING|SIGNAL|BOT)\b.*$`),
		regexp.MustCompile(`(?im)\b(?:CHANNEL|GROUP)[ \t]*:[ \t]*(?:@\w+\b|$)`),
		regexp.MustCompile(`(?im)(?:[ \t]*\bv\d+\.\d+\b)+[ \t]*$`),
	}
)

// invisible characters used for watermarking.
var invisible = map[rune]bool{
	'\u200b': true,
	'\u200c': true,
	'\u200d': true,
	'\u2060': true,
	'\ufeff': true,
}

func removeMentions(s string, ms []matcher) string {
	if len(ms) == 0 {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, ln := range lines {
		out := ln
		for _, m := range ms {
			out = m.removeAll(out)
		}
		if out != ln {
			out = spaceRun.ReplaceAllString(out, " ")
		}
		lines[i] = out
	}
	return strings.Join(lines, "\n")
}

func stripHeaders(s string, ms []matcher) string {
	if len(ms) == 0 {
		return s
	}
	lines := strings.Split(s, "\n")
	i := 0
	for ; i < len(lines); i++ {
		t := strings.TrimSpace(lines[i])
		if t == "" {
			continue
		}
		if !anyMatch(ms, t, lines[i], matcher.matchStart) {
			break
		}
	}
	return strings.Join(lines[i:], "\n")
}

func stripFooters(s string, ms []matcher) string {
	if len(ms) == 0 {
		return s
	}
	lines := strings.Split(s, "\n")
	j := len(lines)
	for ; j > 0; j-- {
		t := strings.TrimSpace(lines[j-1])
		if t == "" {
			continue
		}
		if !anyMatch(ms, t, lines[j-1], matcher.search) {
			break
		}
	}
	return strings.Join(lines[:j], "\n")
}

func anyMatch(ms []matcher, trimmed, raw string, fn func(matcher, string) bool) bool {
	for _, m := range ms {
		if fn(m, trimmed) || fn(m, raw) {
			return true
		}
	}
	return false
}

// normalizeSpam collapses runs of three or more identical punctuation marks
// or emoji to a single rune, and runs of dots to an ellipsis.
func normalizeSpam(s string) string {
	rs := []rune(s)
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(rs); {
		r := rs[i]
		j := i + 1
		for j < len(rs) && rs[j] == r {
			j++
		}
		n := j - i
		switch {
		case n >= 3 && r == '.':
			b.WriteString("...")
		case n >= 3 && isSpamRune(r):
			b.WriteRune(r)
		default:
			for k := i; k < j; k++ {
				b.WriteRune(r)
			}
		}
		i = j
	}
	return b.String()
}

func isSpamRune(r rune) bool {
	switch r {
	case '!', '?', ',', ';':
		return true
	case '▪':
		// Decorative wrapper character; handled by stripDecorations.
		return false
	}
	return unicode.Is(unicode.So, r)
}

func stripDecorations(s string) string {
	for _, re := range decorations {
		s = re.ReplaceAllString(s, "${1}")
	}
	return s
}

func stripAttribution(s string) string {
	for _, re := range attribution {
		s = re.ReplaceAllString(s, "")
	}
	return s
}

func normalizeWhitespace(s string) string {
	s = spaceRun.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, ln := range lines {
		lines[i] = strings.TrimSpace(ln)
	}
	s = strings.Join(lines, "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func removeInvisible(s string) string {
	return strings.Map(func(r rune) rune {
		if invisible[r] {
			return -1
		}
		return r
	}, s)
}
