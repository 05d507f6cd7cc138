package sanitize

import "regexp"

type check struct {
	label   string
	penalty int
	re      *regexp.Regexp
}

var auditChecks = []check{
	{"shared_by", 15, regexp.MustCompile(`(?i)\b(?:shared|forwarded)\s+by\b`)},
	{"channel_handle", 15, regexp.MustCompile(`(?i)\b(?:channel|group)\s*:\s*@`)},
	{"via_handle", 15, regexp.MustCompile(`(?i)\bvia\s+@\w+`)},
	{"tme_link", 15, regexp.MustCompile(`(?i)\bt\.me/`)},
	{"copy_trading", 15, regexp.MustCompile(`(?i)\b(?:copy|auto|bot)\s+(?:trading|signal)`)},

	{"promo_tier", 10, regexp.MustCompile(`(?i)\b(?:vip|premium|exclusive)\s+(?:signal|entry)`)},
	{"promo_fire", 10, regexp.MustCompile(`🔥{2,}`)},
	{"promo_superlative", 10, regexp.MustCompile(`(?i)\b(?:amazing|incredible|guaranteed)\b`)},
}

// Report is the result of a compliance audit. Score starts at 100 and drops
// for every residual attribution or promotional pattern; it never goes below 0.
type Report struct {
	Score    int
	Findings []string
}

// Audit scores text for attribution left behind after sanitizing.
func Audit(text string) Report {
	rep := Report{Score: 100}
	if text == "" {
		return rep
	}
	for _, c := range auditChecks {
		if c.re.MatchString(text) {
			rep.Score -= c.penalty
			rep.Findings = append(rep.Findings, c.label)
		}
	}
	if rep.Score < 0 {
		rep.Score = 0
	}
	return rep
}
