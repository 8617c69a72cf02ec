package evaluate

// CERResult is the full character error rate breakdown for a hypothesis
// against a reference.
type CERResult struct {
	// CER is (Substitutions + Deletions + Insertions) / ReferenceLength.
	// Zero when the reference is empty.
	CER float64

	// Substitutions counts reference characters replaced by different
	// hypothesis characters.
	Substitutions int

	// Deletions counts reference characters absent from the hypothesis.
	Deletions int

	// Insertions counts hypothesis characters absent from the reference.
	Insertions int

	// ReferenceLength is the rune count of the normalized reference.
	ReferenceLength int
}

// CEROption configures [CharacterErrorRate].
type CEROption func(*cerOptions)

type cerOptions struct {
	stripSpaces bool
}

// WithSpaceStripping removes all spaces from both strings before comparison.
// Useful for languages where the recognizer's spacing is unreliable relative
// to the reference transcription.
func WithSpaceStripping() CEROption {
	return func(o *cerOptions) { o.stripSpaces = true }
}

// CharacterErrorRate computes the edit-distance-based CER between hypothesis
// and reference. Both strings are whitespace-normalized first; see
// [WithSpaceStripping] for space-insensitive comparison.
//
// The result is obtained from a dynamic-programming edit distance table with
// a traceback that classifies every edit as a substitution, deletion, or
// insertion. Diagonal moves over equal characters are matches and are never
// counted as edits.
func CharacterErrorRate(hypothesis, reference string, opts ...CEROption) CERResult {
	var o cerOptions
	for _, opt := range opts {
		opt(&o)
	}

	h := Normalize(hypothesis)
	r := Normalize(reference)
	if o.stripSpaces {
		h = stripSpaces(h)
		r = stripSpaces(r)
	}

	hyp := []rune(h)
	ref := []rune(r)

	res := CERResult{ReferenceLength: len(ref)}
	if len(ref) == 0 {
		// Nothing to score against; extra hypothesis characters are still
		// reported as insertions but the rate stays zero.
		res.Insertions = len(hyp)
		return res
	}

	// d[i][j] is the edit distance between ref[:i] and hyp[:j].
	d := make([][]int, len(ref)+1)
	for i := range d {
		d[i] = make([]int, len(hyp)+1)
		d[i][0] = i
	}
	for j := 0; j <= len(hyp); j++ {
		d[0][j] = j
	}

	for i := 1; i <= len(ref); i++ {
		for j := 1; j <= len(hyp); j++ {
			if ref[i-1] == hyp[j-1] {
				d[i][j] = d[i-1][j-1]
				continue
			}
			sub := d[i-1][j-1] + 1
			del := d[i-1][j] + 1
			ins := d[i][j-1] + 1
			m := sub
			if del < m {
				m = del
			}
			if ins < m {
				m = ins
			}
			d[i][j] = m
		}
	}

	// Traceback, preferring diagonal matches so they are never miscounted
	// as edits.
	i, j := len(ref), len(hyp)
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && ref[i-1] == hyp[j-1] && d[i][j] == d[i-1][j-1]:
			i--
			j--
		case i > 0 && j > 0 && d[i][j] == d[i-1][j-1]+1:
			res.Substitutions++
			i--
			j--
		case i > 0 && d[i][j] == d[i-1][j]+1:
			res.Deletions++
			i--
		default:
			res.Insertions++
			j--
		}
	}

	res.CER = float64(res.Substitutions+res.Deletions+res.Insertions) / float64(len(ref))
	return res
}
