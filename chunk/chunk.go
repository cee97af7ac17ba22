// Package chunk splits source text into sentence-aligned chunks and scores
// each one before it is persisted for embedding.
//
// Splitting strategy:
//  1. Split on sentence terminators (. ! ?) and blank lines
//  2. Drop sentences that are boilerplate on their own (cookie banners,
//     copyright lines, loading notices)
//  3. Accumulate sentences while the estimated token count stays within the
//     target for the source type; flush when the next one would exceed it
//  4. Hard-wrap any single sentence longer than the target on word boundaries
//  5. Discard trailing buffers shorter than MinChars, score the rest and
//     exclude low-quality chunks
//
// A Q&A pair that yields nothing is kept as one forced chunk.
package chunk

import (
	"strings"
	"unicode"
)

// Source types, mirroring the source table.
const (
	KindText    = "text"
	KindQA      = "qa"
	KindWebsite = "website"
	KindFile    = "file"
)

// DefaultTargets are the per-type token targets.
var DefaultTargets = map[string]int{
	KindText:    500,
	KindQA:      200,
	KindWebsite: 400,
	KindFile:    600,
}

// Options configures Split.
type Options struct {
	// TargetTokens is the maximum estimated tokens per chunk. Default: 500.
	TargetTokens int
	// MinChars drops flushed buffers shorter than this. Default: 25.
	MinChars int
}

func (o *Options) defaults() {
	if o.TargetTokens <= 0 {
		o.TargetTokens = DefaultTargets[KindText]
	}
	if o.MinChars <= 0 {
		o.MinChars = 25
	}
}

// Chunk is one persisted span of source text.
type Chunk struct {
	Index          int
	Text           string
	TokenCount     int
	Quality        Quality
	Issues         []string
	IsForceCreated bool
}

// EstimateTokens approximates the token count as len/4.
func EstimateTokens(s string) int {
	return len(s) / 4
}

// ForSource chunks text with the target of kind, taking overrides from
// targets when non-nil. Q&A text that produces no chunk becomes exactly one
// forced chunk holding the full text.
func ForSource(kind, text string, targets map[string]int) []Chunk {
	target := targets[kind]
	if target <= 0 {
		target = DefaultTargets[kind]
	}
	chunks := Split(text, Options{TargetTokens: target})
	if len(chunks) > 0 || kind != KindQA {
		return chunks
	}

	full := strings.TrimSpace(text)
	if full == "" {
		return nil
	}
	q, issues := Score(full)
	return []Chunk{{
		Index:          0,
		Text:           full,
		TokenCount:     EstimateTokens(full),
		Quality:        q,
		Issues:         issues,
		IsForceCreated: true,
	}}
}

// Split divides text into chunks no larger than opts.TargetTokens and
// returns only those that are not low quality. Indexes are contiguous.
func Split(text string, opts Options) []Chunk {
	opts.defaults()
	maxChars := opts.TargetTokens*4 + 3

	var (
		out []Chunk
		buf strings.Builder
	)
	flush := func() {
		t := strings.TrimSpace(buf.String())
		buf.Reset()
		if len(t) < opts.MinChars {
			return
		}
		q, issues := Score(t)
		if q == Low {
			return
		}
		out = append(out, Chunk{
			Index:      len(out),
			Text:       t,
			TokenCount: EstimateTokens(t),
			Quality:    q,
			Issues:     issues,
		})
	}

	for _, s := range Sentences(text) {
		if isBoilerplateOnly(s) {
			continue
		}
		for _, piece := range wrap(s, maxChars) {
			if buf.Len() > 0 && EstimateTokens(buf.String()+" "+piece) > opts.TargetTokens {
				flush()
			}
			if buf.Len() > 0 {
				buf.WriteByte(' ')
			}
			buf.WriteString(piece)
		}
	}
	flush()
	return out
}

// Sentences splits text after each '.', '!' or '?' that is followed by
// whitespace, and at blank lines. Terminators stay with their sentence.
func Sentences(text string) []string {
	var out []string
	for _, para := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		rs := []rune(para)
		start := 0
		for i, r := range rs {
			if r != '.' && r != '!' && r != '?' {
				continue
			}
			if i+1 < len(rs) && !unicode.IsSpace(rs[i+1]) {
				continue
			}
			if s := normalizeSpace(string(rs[start : i+1])); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
		if s := normalizeSpace(string(rs[start:])); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// wrap cuts s into pieces of at most maxChars bytes on word boundaries.
// A single word longer than maxChars is cut at the byte limit.
func wrap(s string, maxChars int) []string {
	if len(s) <= maxChars {
		return []string{s}
	}
	var (
		out []string
		cur strings.Builder
	)
	for _, w := range strings.Fields(s) {
		for len(w) > maxChars {
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
			cut := maxChars
			for cut > 0 && !isRuneStart(w[cut]) {
				cut--
			}
			out = append(out, w[:cut])
			w = w[cut:]
		}
		if cur.Len() > 0 && cur.Len()+1+len(w) > maxChars {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
