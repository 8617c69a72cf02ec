// Package evaluate scores recognition results against a reference corpus and
// scans them for emergency keywords.
//
// The package is purely computational: given identical normalized inputs the
// outputs are bit-identical. There is no randomness and no locale dependence
// beyond whitespace handling, so results are reproducible across deployments.
//
// Three operations are exposed:
//
//   - [Evaluator.BestMatch] ranks a hypothesis against the reference corpus
//     using a character-level longest-common-subsequence ratio.
//   - [Evaluator.DetectKeywords] performs an exact substring scan against the
//     emergency keyword list.
//   - [CharacterErrorRate] computes the edit-distance-based CER with a full
//     substitution/deletion/insertion breakdown.
package evaluate

import "strings"

// Evaluator holds the reference corpus and emergency keyword list. It is
// read-only after construction and therefore safe for concurrent use.
type Evaluator struct {
	references []string
	keywords   []string

	// Normalized forms, precomputed once.
	normRefs     []string
	normKeywords []string
}

// Match is the result of ranking a hypothesis against the reference corpus.
type Match struct {
	// Reference is the corpus entry with the highest similarity. Empty when
	// the corpus is empty.
	Reference string

	// Similarity is the LCS-based character similarity ratio in [0, 1].
	Similarity float64

	// CharacterAccuracy is 1 − CER(hypothesis, Reference), clamped to [0, 1].
	CharacterAccuracy float64
}

// New creates an Evaluator over the given reference corpus and emergency
// keyword list. Both slices are copied; later mutation of the arguments does
// not affect the Evaluator.
func New(references, keywords []string) *Evaluator {
	e := &Evaluator{
		references: append([]string(nil), references...),
		keywords:   append([]string(nil), keywords...),
	}
	e.normRefs = make([]string, len(e.references))
	for i, r := range e.references {
		e.normRefs[i] = Normalize(r)
	}
	e.normKeywords = make([]string, len(e.keywords))
	for i, k := range e.keywords {
		e.normKeywords[i] = Normalize(k)
	}
	return e
}

// Keywords returns the configured emergency keyword list.
func (e *Evaluator) Keywords() []string {
	return append([]string(nil), e.keywords...)
}

// BestMatch compares text against the reference corpus and returns the
// reference with the highest LCS similarity ratio. Ties keep the first-seen
// reference. An empty corpus yields a zero-valued Match.
func (e *Evaluator) BestMatch(text string) Match {
	norm := Normalize(text)

	var best Match
	found := false
	for i, ref := range e.normRefs {
		sim := lcsRatio([]rune(norm), []rune(ref))
		if !found || sim > best.Similarity {
			best = Match{Reference: e.references[i], Similarity: sim}
			found = true
		}
	}
	if !found {
		return Match{}
	}

	cer := CharacterErrorRate(text, best.Reference)
	acc := 1 - cer.CER
	if acc < 0 {
		acc = 0
	}
	best.CharacterAccuracy = acc
	return best
}

// DetectKeywords scans text for exact occurrences of the configured emergency
// keywords. Matching is performed on normalized forms and additionally on
// space-stripped forms, so "도와 줘" still matches the keyword "도와줘".
// All matching keywords are returned in list order, without duplicates.
func (e *Evaluator) DetectKeywords(text string) []string {
	norm := Normalize(text)
	stripped := stripSpaces(norm)

	var matches []string
	for i, kw := range e.normKeywords {
		if kw == "" {
			continue
		}
		if strings.Contains(norm, kw) || strings.Contains(stripped, stripSpaces(kw)) {
			matches = append(matches, e.keywords[i])
		}
	}
	return matches
}

// IsEmergency reports whether text contains at least one emergency keyword.
func (e *Evaluator) IsEmergency(text string) bool {
	return len(e.DetectKeywords(text)) > 0
}

// Normalize lowercases text and collapses all interior whitespace runs to a
// single space, trimming the ends. This is the canonical form used for all
// similarity and keyword comparisons.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// stripSpaces removes every space from a normalized string.
func stripSpaces(s string) string {
	return strings.ReplaceAll(s, " ", "")
}

// lcsRatio returns the difflib-style similarity ratio 2*LCS(a,b)/(len(a)+len(b))
// over rune sequences. Two empty sequences are identical (ratio 1).
func lcsRatio(a, b []rune) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	// Single-row LCS length table; rows iterate over a, columns over b.
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
			} else if prev[j] >= cur[j-1] {
				cur[j] = prev[j]
			} else {
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	lcs := prev[len(b)]
	return 2 * float64(lcs) / float64(len(a)+len(b))
}
