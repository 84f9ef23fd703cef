package amd

import (
	"fmt"
	"slices"
	"strings"
	"unicode"
)

const (
	// machineMinWords is the word count a transcript must exceed for
	// sustained speech to indicate a recording.
	machineMinWords = 8

	// greetingMaxWords is the longest answer still treated as a greeting.
	greetingMaxWords = 3

	// shortAnswerMaxWords is the longest keyword-free answer treated as a
	// person.
	shortAnswerMaxWords = 4

	defaultMachineSpeechSeconds = 2.5
)

// DefaultVoicemailKeywords are phrases that voicemail and carrier
// announcements use and people answering a phone rarely do.
var DefaultVoicemailKeywords = []string{
	"mensaje", "buzón", "buzon", "tono", "ocupado", "disponible",
	"después del", "despues del", "deje su", "deja tu",
	"no se encuentra", "fuera de servicio",
	"no está disponible", "no esta disponible",
	"vuelva a llamar", "intentelo más tarde", "intentelo mas tarde",
	"número que usted marcó", "numero que usted marco",
	"en este momento", "por favor", "gracias por llamar",
	"horario de atención", "horario de atencion",
	"marque la extensión", "marque la extension",
	"bienvenido", "ha comunicado con", "ha llamado a",
	"voicemail", "leave a message", "after the tone", "beep",
	"not available", "please call back",
}

// DefaultHumanGreetings are the short ways people answer a call.
var DefaultHumanGreetings = []string{
	"alo", "aló", "hola", "si", "sí", "diga", "digame", "dígame",
	"bueno", "quien", "quién", "mande",
	"hello", "hi", "yes", "yeah", "who's calling", "speaking",
}

// Rules parameterise a [Classifier].
type Rules struct {
	// VoicemailKeywords are matched as substrings of the transcript.
	VoicemailKeywords []string

	// HumanGreetings are matched as whole words, or as a contiguous run of
	// words for multi-word greetings.
	HumanGreetings []string

	// MachineSpeechSeconds is the speech duration that, with enough words,
	// indicates a recording.
	MachineSpeechSeconds float64
}

// DefaultRules returns the built-in vocabulary and thresholds.
func DefaultRules() Rules {
	return Rules{
		VoicemailKeywords:    slices.Clone(DefaultVoicemailKeywords),
		HumanGreetings:       slices.Clone(DefaultHumanGreetings),
		MachineSpeechSeconds: defaultMachineSpeechSeconds,
	}
}

// Classifier decides an [Outcome] from a transcript. It holds no mutable
// state and is safe for concurrent use.
type Classifier struct {
	keywords      []string
	greetings     [][]string
	machineSpeech float64
}

// NewClassifier builds a Classifier from r. Entries are lower-cased and
// trimmed; blanks and duplicates are dropped. A non-positive
// MachineSpeechSeconds selects the default.
func NewClassifier(r Rules) *Classifier {
	c := &Classifier{machineSpeech: r.MachineSpeechSeconds}
	if c.machineSpeech <= 0 {
		c.machineSpeech = defaultMachineSpeechSeconds
	}
	for _, k := range r.VoicemailKeywords {
		k = normalize(k)
		if k != "" && !slices.Contains(c.keywords, k) {
			c.keywords = append(c.keywords, k)
		}
	}
	seen := make(map[string]bool)
	for _, g := range r.HumanGreetings {
		g = normalize(g)
		if g == "" || seen[g] {
			continue
		}
		seen[g] = true
		c.greetings = append(c.greetings, words(g))
	}
	return c
}

// Keywords returns the normalized voicemail keywords.
func (c *Classifier) Keywords() []string {
	return slices.Clone(c.keywords)
}

// Classify applies the rules in order; the first match wins:
//
//  1. any voicemail keyword: MACHINE, 0.70 + 0.10 per keyword, capped at 0.95
//  2. more than MachineSpeechSeconds of speech and more than 8 words: MACHINE, 0.75
//  3. at most 3 words including a greeting: HUMAN, 0.85
//  4. at most 4 words: HUMAN, 0.70
//  5. otherwise UNKNOWN, 0.50
//
// Empty text is UNKNOWN with confidence 0.
func (c *Classifier) Classify(text string, speechSeconds float64) DecisionResult {
	text = normalize(text)
	if text == "" {
		return DecisionResult{Outcome: OutcomeUnknown, Confidence: 0, Reason: "no speech detected"}
	}

	var matched []string
	for _, k := range c.keywords {
		if strings.Contains(text, k) {
			matched = append(matched, k)
		}
	}
	if len(matched) > 0 {
		return DecisionResult{
			Outcome:    OutcomeMachine,
			Confidence: roundConfidence(min(0.95, 0.70+0.10*float64(len(matched)))),
			Reason:     fmt.Sprintf("voicemail keywords detected: %s", strings.Join(matched, ", ")),
			Transcript: text,
			Keywords:   matched,
		}
	}

	ws := words(text)
	if speechSeconds > c.machineSpeech && len(ws) > machineMinWords {
		return DecisionResult{
			Outcome:    OutcomeMachine,
			Confidence: 0.75,
			Reason:     fmt.Sprintf("sustained speech (%.1fs, %d words)", speechSeconds, len(ws)),
			Transcript: text,
		}
	}

	if len(ws) <= greetingMaxWords {
		if g, ok := c.greeting(ws); ok {
			return DecisionResult{
				Outcome:    OutcomeHuman,
				Confidence: 0.85,
				Reason:     fmt.Sprintf("human greeting detected: %q", g),
				Transcript: text,
			}
		}
	}

	if len(ws) <= shortAnswerMaxWords {
		return DecisionResult{
			Outcome:    OutcomeHuman,
			Confidence: 0.70,
			Reason:     "short answer without voicemail indicators",
			Transcript: text,
		}
	}

	return DecisionResult{
		Outcome:    OutcomeUnknown,
		Confidence: 0.50,
		Reason:     "insufficient evidence",
		Transcript: text,
	}
}

// greeting reports the first greeting found as a contiguous run in ws.
func (c *Classifier) greeting(ws []string) (string, bool) {
	bare := make([]string, len(ws))
	for i, w := range ws {
		bare[i] = strings.TrimFunc(w, unicode.IsPunct)
	}
	for _, g := range c.greetings {
		for i := 0; i+len(g) <= len(bare); i++ {
			if slices.Equal(bare[i:i+len(g)], g) {
				return strings.Join(g, " "), true
			}
		}
	}
	return "", false
}

func normalize(s string) string {
	return strings.TrimSpace(strings.ToLower(s))
}

func words(s string) []string {
	return strings.Fields(s)
}
