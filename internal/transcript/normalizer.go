// Package transcript normalises final STT transcripts before they reach the
// dialogue agent.
//
// Two stages run in order: tyre sizes spoken in words or loose digits are
// canonicalised into catalogue notation, then product vocabulary (brands,
// fitting-station names) is aligned phonetically against the known list. The
// output goes to the agent and into the conversation history; interim
// transcripts bypass the normaliser entirely.
package transcript

import (
	"strings"
	"unicode"

	"github.com/voxline-ai/voxline/internal/transcript/phonetic"
)

// minMatchLen guards the phonetic stage against firing on short function
// words ("are", "on") that score deceptively high against short brand names.
const minMatchLen = 4

// joinFuzzyThreshold is the stricter similarity bar for joining two spoken
// tokens into one vocabulary word ("han cook" into "Hankook"). Joins consume
// an extra token, so a borderline score must not trigger them.
const joinFuzzyThreshold = 0.90

// standaloneFuzzyThreshold is the pure-similarity bar for single tokens with
// no phonetic overlap. Stricter than the matcher default because common
// English words land surprisingly close to short brand names.
const standaloneFuzzyThreshold = 0.90

// Normalizer applies size canonicalisation and vocabulary alignment.
// It is read-only after construction and safe for concurrent use.
type Normalizer struct {
	matcher *phonetic.Matcher
	joiner  *phonetic.Matcher

	// singleWord holds vocabulary entries of one token, multiWord the rest.
	singleWord []string
	multiWord  []string
}

// New creates a Normalizer over the given vocabulary (brand and station
// names in their canonical spelling). An empty vocabulary disables the
// phonetic stage; size canonicalisation always runs.
func New(vocabulary []string) *Normalizer {
	n := &Normalizer{
		matcher: phonetic.New(phonetic.WithFuzzyThreshold(standaloneFuzzyThreshold)),
		joiner: phonetic.New(
			phonetic.WithPhoneticThreshold(0.85),
			phonetic.WithFuzzyThreshold(joinFuzzyThreshold),
		),
	}
	for _, entry := range vocabulary {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		if len(strings.Fields(entry)) > 1 {
			n.multiWord = append(n.multiWord, entry)
		} else {
			n.singleWord = append(n.singleWord, entry)
		}
	}
	return n
}

// Normalize rewrites one final transcript.
func (n *Normalizer) Normalize(text string) string {
	text = CanonicalizeSizes(text)
	if len(n.singleWord) == 0 && len(n.multiWord) == 0 {
		return text
	}

	tokens := strings.Fields(text)
	var out []string
	for i := 0; i < len(tokens); {
		if entry, consumed := n.matchAt(tokens, i); consumed > 0 {
			out = append(out, entry)
			i += consumed
			continue
		}
		out = append(out, tokens[i])
		i++
	}
	return strings.Join(out, " ")
}

// matchAt tries, in order of decreasing evidence: a multi-word entry aligned
// token-by-token, two tokens joined into one vocabulary word, then a single
// token. Returns the canonical entry and how many tokens it consumed, or
// ("", 0).
func (n *Normalizer) matchAt(tokens []string, i int) (string, int) {
	for _, entry := range n.multiWord {
		entryTokens := strings.Fields(strings.ToLower(entry))
		w := len(entryTokens)
		if i+w <= len(tokens) && n.alignedMatch(tokens[i:i+w], entryTokens) {
			return entry, w
		}
	}

	if i+1 < len(tokens) {
		joined := strings.ToLower(trimToken(tokens[i]) + trimToken(tokens[i+1]))
		if matchable(joined) {
			for _, entry := range n.singleWord {
				if joined == strings.ToLower(entry) {
					return entry, 2
				}
			}
			if corrected, _, matched := n.joiner.Match(joined, n.singleWord); matched {
				return corrected, 2
			}
		}
	}

	tok := strings.ToLower(trimToken(tokens[i]))
	if matchable(tok) {
		if corrected, _, matched := n.matcher.Match(tok, n.singleWord); matched {
			return corrected, 1
		}
	}
	return "", 0
}

// alignedMatch reports whether every window token matches its positional
// counterpart in the entry. Positional alignment keeps surrounding words
// from being swallowed by a long entry.
func (n *Normalizer) alignedMatch(window, entryTokens []string) bool {
	for k, want := range entryTokens {
		got := strings.ToLower(trimToken(window[k]))
		if got == want {
			continue
		}
		if !matchable(got) {
			return false
		}
		if _, _, matched := n.matcher.Match(got, []string{want}); !matched {
			return false
		}
	}
	return true
}

func trimToken(tok string) string {
	return strings.Trim(tok, ".,!?;:")
}

// matchable rejects tokens that are too short or carry digits; sizes and
// prices are never vocabulary.
func matchable(tok string) bool {
	if len(tok) < minMatchLen {
		return false
	}
	for _, r := range tok {
		if unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
