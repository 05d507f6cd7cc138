package sanitize

import (
	"fmt"
	"regexp"
	"strings"
)

// RuleSpec is the uncompiled form of a pair's strip rules, as it appears in
// configuration.
type RuleSpec struct {
	RemoveMentions  bool
	MentionPatterns []string
	Headers         []string
	Footers         []string
}

// DefaultRuleSpec is used for pairs that do not configure their own rules.
func DefaultRuleSpec() RuleSpec {
	return RuleSpec{
		RemoveMentions:  true,
		MentionPatterns: []string{`\B@\w+`, `\B@everyone`, `\B@here`},
		Headers:         []string{`^#\w+`, `^(VIP|🔥|ENTRY)\b`, `^[*]{2,}.*[*]{2,}$`},
		Footers:         []string{`shared by .*`, `autocopy.*`, `join .*`},
	}
}

// Rules is a compiled, immutable rule set. The zero value strips nothing.
type Rules struct {
	removeMentions bool
	mentions       []matcher
	headers        []matcher
	footers        []matcher
}

// matcher is a case-insensitive regex, or a lower-cased literal when the
// pattern did not compile.
type matcher struct {
	re  *regexp.Regexp
	lit string
}

// Compile builds Rules from spec. Patterns that fail to compile are kept as
// literal substring matchers; each fallback is reported in the returned
// warnings so the caller can log it.
func Compile(spec RuleSpec) (*Rules, []error) {
	var warns []error
	build := func(kind string, pats []string) []matcher {
		out := make([]matcher, 0, len(pats))
		for i, p := range pats {
			if strings.TrimSpace(p) == "" {
				continue
			}
			m, err := compileMatcher(p)
			if err != nil {
				warns = append(warns, fmt.Errorf("%s[%d] %q: %w (using literal match)", kind, i, p, err))
			}
			out = append(out, m)
		}
		return out
	}
	r := &Rules{
		removeMentions: spec.RemoveMentions,
		mentions:       build("mention_patterns", spec.MentionPatterns),
		headers:        build("headers", spec.Headers),
		footers:        build("footers", spec.Footers),
	}
	return r, warns
}

// MustCompile is Compile for rule sets known to be valid.
func MustCompile(spec RuleSpec) *Rules {
	r, _ := Compile(spec)
	return r
}

func compileMatcher(p string) (matcher, error) {
	re, err := regexp.Compile("(?i)" + p)
	if err != nil {
		return matcher{lit: strings.ToLower(p)}, err
	}
	return matcher{re: re}, nil
}

// matchStart reports whether m matches at the start of s.
func (m matcher) matchStart(s string) bool {
	if m.re == nil {
		return m.lit != "" && strings.Contains(strings.ToLower(s), m.lit)
	}
	loc := m.re.FindStringIndex(s)
	return loc != nil && loc[0] == 0
}

func (m matcher) search(s string) bool {
	if m.re == nil {
		return m.lit != "" && strings.Contains(strings.ToLower(s), m.lit)
	}
	return m.re.MatchString(s)
}

func (m matcher) removeAll(s string) string {
	if m.re == nil {
		if m.lit == "" {
			return s
		}
		return removeFold(s, m.lit)
	}
	return m.re.ReplaceAllString(s, "")
}

// removeFold deletes every case-insensitive occurrence of lit (already
// lower-cased) from s.
func removeFold(s, lit string) string {
	lower := strings.ToLower(s)
	if len(lower) != len(s) {
		// Case mapping changed byte lengths; offsets would not line up.
		return strings.ReplaceAll(s, lit, "")
	}
	var b strings.Builder
	for {
		i := strings.Index(lower, lit)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		s, lower = s[i+len(lit):], lower[i+len(lit):]
	}
}
