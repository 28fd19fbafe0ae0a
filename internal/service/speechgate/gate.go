// Package speechgate decides whether a transcription carries speech worth a
// dialog-brain round-trip.
package speechgate

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Config holds gate thresholds.
type Config struct {
	MinChars int      // trimmed text shorter than this is rejected
	Fillers  []string // words and phrases that are never meaningful alone
}

// DefaultConfig returns the shipped thresholds and filler list.
func DefaultConfig() Config {
	return Config{
		MinChars: 5,
		Fillers: []string{
			"the", "a", "an", "um", "uh", "er", "ah", "hm", "hmm",
			"yeah", "yep", "uh-huh", "mm-hmm", "okay", "ok",
			"thank you", "thanks", "thank", "no problem", "sure", "yes", "alright",
		},
	}
}

// Gate filters ASR output. Safe for concurrent use after construction.
type Gate struct {
	minChars int
	fillers  map[string]struct{}
}

// New builds a gate from cfg.
func New(cfg Config) *Gate {
	g := &Gate{
		minChars: cfg.MinChars,
		fillers:  make(map[string]struct{}, len(cfg.Fillers)),
	}
	for _, f := range cfg.Fillers {
		if f = normalize(f); f != "" {
			g.fillers[f] = struct{}{}
		}
	}
	return g
}

// IsMeaningful reports whether text is more than silence, noise or a
// backchannel acknowledgment.
func (g *Gate) IsMeaningful(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || utf8.RuneCountInString(trimmed) < g.minChars {
		return false
	}

	norm := normalize(trimmed)
	if norm == "" {
		return false
	}
	if _, ok := g.fillers[norm]; ok {
		return false
	}

	for _, tok := range strings.Fields(norm) {
		tok = strings.TrimFunc(tok, unicode.IsPunct)
		if tok == "" {
			continue
		}
		if _, ok := g.fillers[tok]; !ok {
			return true
		}
	}
	return false
}

// Filter gates each segment and joins the accepted ones with a space.
// Returns "" when nothing passes.
func (g *Gate) Filter(segments []string) string {
	var kept []string
	for _, s := range segments {
		if g.IsMeaningful(s) {
			kept = append(kept, strings.TrimSpace(s))
		}
	}
	return strings.Join(kept, " ")
}

// normalize lowercases s and strips surrounding whitespace and punctuation,
// so "Okay." matches "okay".
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
}
