package speech

import (
	"strings"

	"github.com/MrWong99/gemos/pkg/provider/tts"
)

// DefaultGender is the preferred voice gender when none is configured.
const DefaultGender = "female"

// VoicePrefs steer [SelectVoice].
type VoicePrefs struct {
	// Language is a BCP-47 tag. An exact match scores 3, the same primary
	// subtag scores 2.
	Language string

	// Gender scores 2 on a match. Empty means [DefaultGender].
	Gender string

	// Styles are keywords such as "calm" or "natural"; each one found in the
	// voice name, description or styles scores 1.
	Styles []string
}

// normLang lower-cases a language tag and uses "-" as separator.
func normLang(tag string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(tag)), "_", "-")
}

// primarySubtag returns "pt" for "pt-BR".
func primarySubtag(tag string) string {
	p, _, _ := strings.Cut(normLang(tag), "-")
	return p
}

// ScoreVoice rates v against prefs.
func ScoreVoice(v tts.Voice, prefs VoicePrefs) int {
	score := 0

	if want := normLang(prefs.Language); want != "" && v.Language != "" {
		switch {
		case normLang(v.Language) == want:
			score += 3
		case primarySubtag(v.Language) == primarySubtag(want):
			score += 2
		}
	}

	gender := prefs.Gender
	if gender == "" {
		gender = DefaultGender
	}
	if g := tts.NormalizeGender(gender); g != "" && tts.NormalizeGender(v.Gender) == g {
		score += 2
	}

	for _, kw := range prefs.Styles {
		if v.MatchesStyle(kw) {
			score++
		}
	}
	return score
}

// SelectVoice returns the highest-scoring voice. Ties go to the voice listed
// first. It returns false only for an empty list.
func SelectVoice(voices []tts.Voice, prefs VoicePrefs) (tts.Voice, bool) {
	if len(voices) == 0 {
		return tts.Voice{}, false
	}
	best, bestScore := 0, ScoreVoice(voices[0], prefs)
	for i := 1; i < len(voices); i++ {
		if s := ScoreVoice(voices[i], prefs); s > bestScore {
			best, bestScore = i, s
		}
	}
	return voices[best], true
}
