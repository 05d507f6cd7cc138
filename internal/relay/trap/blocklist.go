package trap

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// BlocklistSpec is the configured form of a blocklist.
type BlocklistSpec struct {
	Text   []string
	Images []string
}

// Blocklist is a compiled, immutable set of text patterns and image hashes.
// A nil *Blocklist matches nothing.
type Blocklist struct {
	text   []textPattern
	images map[string]struct{}
}

type textPattern struct {
	re  *regexp.Regexp
	lit string
}

// CompileBlocklist compiles spec. Text patterns that are not valid regular
// expressions fall back to case-insensitive substring matching and are
// reported in the warnings.
func CompileBlocklist(spec BlocklistSpec) (*Blocklist, []error) {
	var warns []error
	b := &Blocklist{images: make(map[string]struct{}, len(spec.Images))}
	for i, p := range spec.Text {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			warns = append(warns, fmt.Errorf("text[%d] %q: %w (using literal match)", i, p, err))
			b.text = append(b.text, textPattern{lit: strings.ToLower(p)})
			continue
		}
		b.text = append(b.text, textPattern{re: re})
	}
	for i, h := range spec.Images {
		h = strings.ToLower(strings.TrimSpace(h))
		if !isHexDigest(h) {
			warns = append(warns, fmt.Errorf("images[%d] %q: not an md5 or sha256 hex digest", i, h))
			continue
		}
		b.images[h] = struct{}{}
	}
	return b, warns
}

func (b *Blocklist) Empty() bool {
	return b == nil || (len(b.text) == 0 && len(b.images) == 0)
}

func (b *Blocklist) MatchText(s string) bool {
	if b == nil || s == "" {
		return false
	}
	var lower string
	for _, p := range b.text {
		if p.re != nil {
			if p.re.MatchString(s) {
				return true
			}
			continue
		}
		if lower == "" {
			lower = strings.ToLower(s)
		}
		if strings.Contains(lower, p.lit) {
			return true
		}
	}
	return false
}

func (b *Blocklist) matchDigests(d digests) bool {
	if b == nil || len(b.images) == 0 {
		return false
	}
	_, md := b.images[d.md5]
	_, sh := b.images[d.sha256]
	return md || sh
}

type digests struct {
	md5, sha256 string
}

func digest(data []byte) digests {
	m := md5.Sum(data)
	s := sha256.Sum256(data)
	return digests{md5: hex.EncodeToString(m[:]), sha256: hex.EncodeToString(s[:])}
}

// HashImage returns the SHA-256 hex digest used in image blocklists.
func HashImage(data []byte) string {
	return digest(data).sha256
}

func isHexDigest(s string) bool {
	if len(s) != 32 && len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
