package evaluate

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// defaultNearMissThreshold is the minimum Jaro-Winkler score for a token to
// be reported as a near-miss keyword. Chosen conservatively: recognizer noise
// on short keywords produces scores well above 0.85, while unrelated words
// rarely exceed 0.8.
const defaultNearMissThreshold = 0.85

// NearMiss is a fuzzy keyword hit: a token from the recognized text that is
// close to, but not an exact occurrence of, an emergency keyword.
type NearMiss struct {
	// Token is the text token that triggered the hit.
	Token string

	// Keyword is the emergency keyword it resembles.
	Keyword string

	// Score is the Jaro-Winkler similarity in [0, 1].
	Score float64
}

// NearMissKeywords scans text for tokens that closely resemble an emergency
// keyword without containing one exactly. Exact hits are excluded — callers
// obtain those from [Evaluator.DetectKeywords]. threshold ≤ 0 selects the
// default of 0.85.
//
// The scan compares every whitespace token of the normalized text against
// every keyword with Jaro-Winkler similarity and keeps the best-scoring
// keyword per token. Intended for the alerting path only: a near-miss raises
// a low-confidence alert rather than an emergency delivery flag.
func (e *Evaluator) NearMissKeywords(text string, threshold float64) []NearMiss {
	if threshold <= 0 {
		threshold = defaultNearMissThreshold
	}

	norm := Normalize(text)
	exact := make(map[string]struct{})
	for _, kw := range e.DetectKeywords(text) {
		exact[Normalize(kw)] = struct{}{}
	}

	var hits []NearMiss
	for _, token := range strings.Fields(norm) {
		var best NearMiss
		for i, kw := range e.normKeywords {
			if kw == "" {
				continue
			}
			if _, ok := exact[kw]; ok {
				continue
			}
			if strings.Contains(token, kw) {
				continue
			}
			score := matchr.JaroWinkler(token, kw, false)
			if score >= threshold && score > best.Score {
				best = NearMiss{Token: token, Keyword: e.keywords[i], Score: score}
			}
		}
		if best.Keyword != "" {
			hits = append(hits, best)
		}
	}
	return hits
}
