package sanitize

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitizeStripsHeaderFooterAndMentions(t *testing.T) {
	t.Parallel()
	spec := DefaultRuleSpec()
	spec.Headers = []string{`^\*{3,}.*\*{3,}$`}
	spec.Footers = []string{`shared by .*`}
	rules, warns := Compile(spec)
	if len(warns) != 0 {
		t.Fatalf("warnings = %v, want none", warns)
	}

	in := "***SIGNAL***\nBuy BTCUSDT at 45000\nshared by @bot"
	if got, want := Sanitize(in, rules, DefaultOptions()), "Buy BTCUSDT at 45000"; got != want {
		t.Fatalf("Sanitize = %q, want %q", got, want)
	}
	if got, want := Sanitize(in, MustCompile(DefaultRuleSpec()), DefaultOptions()), "Buy BTCUSDT at 45000"; got != want {
		t.Fatalf("Sanitize(default rules) = %q, want %q", got, want)
	}
}

func TestSanitizeSteps(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"spam punctuation", "Hello!!!!! World???", "Hello! World?"},
		{"dots", "Wait.....", "Wait..."},
		{"short runs kept", "Really?! ok..", "Really?! ok.."},
		{"emoji run", "Go 🚀🚀🚀🚀", "Go 🚀"},
		{"stars wrapper", "*** Big news ***", "Big news"},
		{"equals wrapper", "=== Update ===", "Update"},
		{"bullet wrapper", "▪▪ Note ▪▪", "Note"},
		{"separator line kept", "a\n----------\nb", "a\n----------\nb"},
		{"shared by", "Target hit\nshared by someone", "Target hit"},
		{"version tags", "Entry 100 v1.2 v2.0", "Entry 100"},
		{"vip label", "VIP SIGNAL buy", "buy"},
		{"channel handle", "Join channel: @alpha now", "Join now"},
		{"bot trading", "Buy now\nauto trading bot v3", "Buy now"},
		{"invisible", "a\u200bb\ufeff c\u2060", "ab c"},
		{"blank lines", "line1\n\n\n\nline2", "line1\n\nline2"},
		{"whitespace", "  spaced   out\t\ttext  ", "spaced out text"},
		{"crlf", "one\r\ntwo", "one\ntwo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Sanitize(tt.in, nil, Options{}); got != tt.want {
				t.Fatalf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeSkipOptions(t *testing.T) {
	t.Parallel()
	opts := Options{SkipSpam: true, SkipDecorations: true, SkipAttribution: true}
	in := "*** Hi!!! *** shared by x"
	if got := Sanitize(in, nil, opts); got != in {
		t.Fatalf("Sanitize with all optional steps off = %q, want %q", got, in)
	}
}

func TestMentionsKeepEmailAddresses(t *testing.T) {
	t.Parallel()
	rules := MustCompile(DefaultRuleSpec())
	in := "ping @desk or mail bob@example.com"
	if got, want := Sanitize(in, rules, Options{}), "ping or mail bob@example.com"; got != want {
		t.Fatalf("Sanitize = %q, want %q", got, want)
	}
}

func TestInvalidPatternFallsBackToLiteral(t *testing.T) {
	t.Parallel()
	rules, warns := Compile(RuleSpec{Footers: []string{"(unclosed"}})
	if len(warns) != 1 {
		t.Fatalf("warnings = %d, want 1", len(warns))
	}
	if got, want := Sanitize("body\nsee (UNCLOSED here", rules, Options{}), "body"; got != want {
		t.Fatalf("Sanitize = %q, want %q", got, want)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	opts := Options{MaxLength: 10}
	tests := []struct {
		in, want string
	}{
		{"abcdefghijklmnop", "abcdefg..."},
		{"abcdef  ghijkl", "abcdef..."},
		{"short", "short"},
		{strings.Repeat("ж", 13), strings.Repeat("ж", 7) + "..."},
	}
	for _, tt := range tests {
		got := Sanitize(tt.in, nil, opts)
		if got != tt.want {
			t.Fatalf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if n := utf8.RuneCountInString(got); n > opts.MaxLength {
			t.Fatalf("len(%q) = %d runes, want <= %d", got, n, opts.MaxLength)
		}
	}
}

var fragments = []string{
	"!", "?", ".", ",", "*", "=", "-", "#", "▪", "•", " ", "  ", "\n", "\t", "\r\n",
	"@user", "shared by ", "VIP SIGNAL", "v1.2", "🔥", "channel: ", "\u200b", "join ",
	"text", "BTC", "***", "===", "---", "...", "!!!", "entry", "copy trading",
}

func TestSanitizeIsIdempotent(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(7, 11))
	rules := MustCompile(DefaultRuleSpec())
	optsList := []Options{{}, DefaultOptions(), {MaxLength: 12}, {MaxLength: 2}, {SkipSpam: true}}

	for i := 0; i < 2000; i++ {
		var b strings.Builder
		for n := 1 + rng.IntN(14); n > 0; n-- {
			b.WriteString(fragments[rng.IntN(len(fragments))])
		}
		in := b.String()
		for _, opts := range optsList {
			once := Sanitize(in, rules, opts)
			if twice := Sanitize(once, rules, opts); twice != once {
				t.Fatalf("not idempotent for %q (%+v): once=%q twice=%q", in, opts, once, twice)
			}
		}
	}
}

func TestAudit(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		text  string
		score int
	}{
		{"clean", "Buy BTC at 45000", 100},
		{"shared by", "shared by desk", 85},
		{"link and promo", "see t.me/x for guaranteed gains", 75},
		{"empty", "", 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Audit(tt.text).Score; got != tt.score {
				t.Fatalf("Audit(%q).Score = %d, want %d", tt.text, got, tt.score)
			}
		})
	}
}

func TestStripImageMetadata(t *testing.T) {
	t.Parallel()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := StripImageMetadata(buf.Bytes())
	if err != nil {
		t.Fatalf("StripImageMetadata: %v", err)
	}
	if _, format, err := image.DecodeConfig(bytes.NewReader(out)); err != nil || format != "png" {
		t.Fatalf("re-encoded format = %q, err %v; want png", format, err)
	}

	raw := []byte("not an image")
	out, err = StripImageMetadata(raw)
	if err != nil || !bytes.Equal(out, raw) {
		t.Fatalf("non-image payload = %q, %v; want passthrough", out, err)
	}
}
