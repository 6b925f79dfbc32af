package wakeword

import (
	"slices"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	// DefaultMinSimilarity is the Jaro-Winkler score a token needs without
	// phonetic agreement.
	DefaultMinSimilarity = 0.85

	// DefaultPhoneticSimilarity is the Jaro-Winkler score a token needs when
	// its Double Metaphone codes agree with the phrase token.
	DefaultPhoneticSimilarity = 0.70
)

// Match is the result of matching a transcript against the wake phrases.
type Match struct {
	Phrase     string
	Confidence float64

	// Remainder is the original transcript text after the matched phrase.
	Remainder string
}

// MatcherOption configures a PhraseMatcher.
type MatcherOption func(*PhraseMatcher)

// WithMinSimilarity sets the similarity required without phonetic
// agreement. Default: 0.85.
func WithMinSimilarity(v float64) MatcherOption {
	return func(m *PhraseMatcher) { m.minSimilarity = v }
}

// WithPhoneticSimilarity sets the similarity required when phonetic codes
// agree. Default: 0.70.
func WithPhoneticSimilarity(v float64) MatcherOption {
	return func(m *PhraseMatcher) { m.phoneticSimilarity = v }
}

type phrase struct {
	text   string
	tokens []string
	codes  []map[string]struct{}
}

// PhraseMatcher finds wake phrases in transcripts. It tolerates recognition
// errors ("hey jem", "hey jam") through per-token Double Metaphone codes and
// Jaro-Winkler similarity. It is read-only after construction and safe for
// concurrent use.
type PhraseMatcher struct {
	phrases            []phrase
	minSimilarity      float64
	phoneticSimilarity float64
}

// NewPhraseMatcher builds a matcher for phrases. Blank phrases are ignored.
// Longer phrases are tried first so "hey gem" wins over "gem".
func NewPhraseMatcher(phrases []string, opts ...MatcherOption) *PhraseMatcher {
	m := &PhraseMatcher{
		minSimilarity:      DefaultMinSimilarity,
		phoneticSimilarity: DefaultPhoneticSimilarity,
	}
	for _, o := range opts {
		o(m)
	}
	for _, p := range phrases {
		tokens := tokenize(p)
		if len(tokens) == 0 {
			continue
		}
		ph := phrase{text: p, tokens: tokens}
		for _, t := range tokens {
			ph.codes = append(ph.codes, codesFor(t))
		}
		m.phrases = append(m.phrases, ph)
	}
	slices.SortStableFunc(m.phrases, func(a, b phrase) int {
		return len(b.tokens) - len(a.tokens)
	})
	return m
}

// Phrases returns the configured phrases, longest first.
func (m *PhraseMatcher) Phrases() []string {
	out := make([]string, len(m.phrases))
	for i, p := range m.phrases {
		out[i] = p.text
	}
	return out
}

// Match searches transcript for a wake phrase. An exact token match scores
// 1.0; otherwise the best fuzzy window wins.
func (m *PhraseMatcher) Match(transcript string) (Match, bool) {
	words := strings.Fields(transcript)
	norm := make([]string, len(words))
	for i, w := range words {
		norm[i] = normalizeToken(w)
	}

	type hit struct {
		phrase *phrase
		start  int
		score  float64
	}
	var best *hit

	for i := range m.phrases {
		p := &m.phrases[i]
		n := len(p.tokens)
		for start := 0; start+n <= len(norm); start++ {
			score, ok := m.scoreWindow(p, norm[start:start+n])
			if !ok {
				continue
			}
			if best == nil || score > best.score {
				best = &hit{phrase: p, start: start, score: score}
			}
			if score == 1 {
				break
			}
		}
		if best != nil && best.score == 1 {
			break
		}
	}
	if best == nil {
		return Match{}, false
	}

	rest := words[best.start+len(best.phrase.tokens):]
	return Match{
		Phrase:     best.phrase.text,
		Confidence: best.score,
		Remainder:  strings.TrimLeftFunc(strings.Join(rest, " "), isSeparator),
	}, true
}

// StripWakeWord removes the first wake phrase from transcript and returns
// what follows it. Without a match the transcript is returned trimmed.
func (m *PhraseMatcher) StripWakeWord(transcript string) string {
	match, ok := m.Match(transcript)
	if !ok {
		return strings.TrimSpace(transcript)
	}
	return match.Remainder
}

// scoreWindow compares a phrase with a window of normalized tokens of equal
// length. Every token must pass; the score is the mean similarity.
func (m *PhraseMatcher) scoreWindow(p *phrase, window []string) (float64, bool) {
	var sum float64
	for i, want := range p.tokens {
		got := window[i]
		if got == "" {
			return 0, false
		}
		if got == want {
			sum++
			continue
		}
		sim := matchr.JaroWinkler(got, want, false)
		switch {
		case sim >= m.minSimilarity:
		case sim >= m.phoneticSimilarity && codesOverlap(codesFor(got), p.codes[i]):
		default:
			return 0, false
		}
		sum += sim
	}
	return sum / float64(len(p.tokens)), true
}

// tokenize lowercases s, strips punctuation and splits on whitespace.
func tokenize(s string) []string {
	var out []string
	for _, w := range strings.Fields(s) {
		if t := normalizeToken(w); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeToken lowercases w and drops everything but letters and digits.
func normalizeToken(w string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(w) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isSeparator(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsPunct(r)
}

// codesFor returns the Double Metaphone codes of a token.
func codesFor(token string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(token)
	if p != "" {
		codes[p] = struct{}{}
	}
	if s != "" {
		codes[s] = struct{}{}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
