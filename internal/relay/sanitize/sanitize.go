// Package sanitize cleans message text before it is relayed: mentions,
// attribution headers and footers, spam runs, decorative wrappers and
// invisible characters are removed, and the result is capped in length.
//
// Sanitize is idempotent: Sanitize(Sanitize(x)) == Sanitize(x) for any rule
// set and options.
package sanitize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultMaxLength = 4000
	DefaultEllipsis  = "..."
)

// Options toggles the optional pipeline steps. The zero value runs every step
// with no length cap.
type Options struct {
	// MaxLength caps the result in runes; 0 disables the cap.
	MaxLength int
	// Ellipsis is appended to truncated text (default "...").
	Ellipsis string

	SkipSpam        bool
	SkipDecorations bool
	SkipAttribution bool
}

// DefaultOptions returns the options used when configuration is silent.
func DefaultOptions() Options {
	return Options{MaxLength: DefaultMaxLength, Ellipsis: DefaultEllipsis}
}

// Sanitize runs the cleaning pipeline over raw. A nil rules value strips no
// mentions, headers or footers.
func Sanitize(raw string, rules *Rules, opts Options) string {
	if rules == nil {
		rules = &Rules{}
	}
	out := fixpoint(raw, rules, opts)
	if opts.MaxLength > 0 && utf8.RuneCountInString(out) > opts.MaxLength {
		out = fixpoint(truncate(out, opts.MaxLength, opts.Ellipsis), rules, opts)
	}
	return out
}

// fixpoint repeats the pipeline until it stops changing the text. Apart from
// the one-off tab to space rewrite every change removes bytes, so it terminates.
func fixpoint(s string, rules *Rules, opts Options) string {
	for {
		next := pass(s, rules, opts)
		if next == s {
			return s
		}
		s = next
	}
}

func pass(s string, rules *Rules, opts Options) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	if rules.removeMentions {
		s = removeMentions(s, rules.mentions)
	}
	s = stripHeaders(s, rules.headers)
	s = stripFooters(s, rules.footers)
	if !opts.SkipSpam {
		s = normalizeSpam(s)
	}
	if !opts.SkipDecorations {
		s = stripDecorations(s)
	}
	if !opts.SkipAttribution {
		s = stripAttribution(s)
	}
	s = normalizeWhitespace(s)
	return removeInvisible(s)
}

func truncate(s string, max int, marker string) string {
	if marker == "" {
		marker = DefaultEllipsis
	}
	keep := max - utf8.RuneCountInString(marker)
	if keep <= 0 {
		return string([]rune(s)[:max])
	}
	cut := string([]rune(s)[:keep])
	cut = strings.TrimRightFunc(cut, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	return cut + marker
}
