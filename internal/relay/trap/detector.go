// Package trap decides whether a sanitized message is a trap: a post meant to
// expose copiers (edited into nonsense, blocklisted content, bait patterns).
package trap

import (
	"regexp"
	"strings"
	"sync/atomic"
	"unicode"

	"relaybot/internal/relay/sanitize"
)

const (
	ReasonEditTrap           = "edit_trap"
	ReasonBlocklistText      = "blocklist_text"
	ReasonBlocklistImage     = "blocklist_image"
	ReasonTooShort           = "content_too_short"
	ReasonAttributionResidue = "attribution_residue"

	heuristicPrefix = "heuristic_"
)

// Verdict is the outcome of one evaluation. Reasons are ordered by the
// decision step that produced them; Confidence is the highest of them.
type Verdict struct {
	IsTrap     bool
	Reasons    []string
	Confidence float64
}

func (v Verdict) Has(reason string) bool {
	for _, r := range v.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}

func (v *Verdict) add(reason string, confidence float64) {
	v.IsTrap = true
	v.Reasons = append(v.Reasons, reason)
	if confidence > v.Confidence {
		v.Confidence = confidence
	}
}

type Config struct {
	EditThreshold        int
	MinLength            int
	DegenerateTokens     []string
	ActionableConfidence float64
	// ComplianceThreshold enables the residual attribution audit when > 0.
	ComplianceThreshold int
}

func DefaultConfig() Config {
	return Config{
		EditThreshold:        3,
		MinLength:            3,
		DegenerateTokens:     []string{".", "..", "...", "edit", "deleted"},
		ActionableConfidence: 0.8,
	}
}

type heuristic struct {
	label      string
	re         *regexp.Regexp
	confidence float64
}

var heuristics = []heuristic{
	{"slash_star", regexp.MustCompile(`^/\s*\*$`), 0.95},
	{"numeric_ping", regexp.MustCompile(`^\d$`), 0.9},
	{"trap_word", regexp.MustCompile(`^(?:trap|leak)[.!]?$`), 0.9},
	{"copy_warning", regexp.MustCompile(`\bcopy\s+warning\b`), 0.9},
}

// Detector evaluates messages against the global blocklist and the
// heuristic table. It is safe for concurrent use.
type Detector struct {
	cfg        Config
	degenerate map[string]struct{}
	global     atomic.Pointer[Blocklist]
}

func New(cfg Config, global *Blocklist) *Detector {
	def := DefaultConfig()
	if cfg.EditThreshold <= 0 {
		cfg.EditThreshold = def.EditThreshold
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = def.MinLength
	}
	if cfg.DegenerateTokens == nil {
		cfg.DegenerateTokens = def.DegenerateTokens
	}
	if cfg.ActionableConfidence <= 0 {
		cfg.ActionableConfidence = def.ActionableConfidence
	}
	d := &Detector{cfg: cfg, degenerate: make(map[string]struct{}, len(cfg.DegenerateTokens))}
	for _, t := range cfg.DegenerateTokens {
		d.degenerate[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	d.global.Store(global)
	return d
}

// SetGlobal swaps the global blocklist. Evaluations already running keep the
// list they started with.
func (d *Detector) SetGlobal(b *Blocklist) { d.global.Store(b) }

// Actionable reports whether v is confident enough to pause the pair.
func (d *Detector) Actionable(v Verdict) bool {
	return v.IsTrap && v.Confidence >= d.cfg.ActionableConfidence
}

// Evaluate classifies clean text (already sanitized) with its optional
// attachment payload. editCount is the number of edits observed so far for the
// source message; pair is the pair's own blocklist and may be nil.
func (d *Detector) Evaluate(text string, attachment []byte, editCount int, pair *Blocklist) Verdict {
	var v Verdict
	if editCount >= d.cfg.EditThreshold {
		v.add(ReasonEditTrap, 1.0)
		return v
	}

	global := d.global.Load()
	if global.MatchText(text) || pair.MatchText(text) {
		v.add(ReasonBlocklistText, 1.0)
	}
	if len(attachment) > 0 && (!global.Empty() || !pair.Empty()) {
		dg := digest(attachment)
		if global.matchDigests(dg) || pair.matchDigests(dg) {
			v.add(ReasonBlocklistImage, 1.0)
		}
	}

	norm := strings.ToLower(strings.TrimSpace(text))
	for _, h := range heuristics {
		if h.re.MatchString(norm) {
			v.add(heuristicPrefix+h.label, h.confidence)
			break
		}
	}

	if len(attachment) == 0 && d.tooShort(norm) {
		v.add(ReasonTooShort, 0.6)
	}

	if d.cfg.ComplianceThreshold > 0 && norm != "" {
		if rep := sanitize.Audit(text); rep.Score < d.cfg.ComplianceThreshold {
			v.add(ReasonAttributionResidue, 0.6)
		}
	}
	return v
}

func (d *Detector) tooShort(norm string) bool {
	if _, ok := d.degenerate[norm]; ok {
		return true
	}
	n := 0
	for _, r := range norm {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n < d.cfg.MinLength
}
