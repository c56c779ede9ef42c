package strategy

import (
	"fmt"
	"strings"
	"unicode"
)

// Fingerprint renders an iteration outcome as stable text for
// similarity and repetition checks.
func Fingerprint(o IterationOutcome) string {
	verified := "none"
	if o.VerificationPassed != nil {
		verified = fmt.Sprintf("%t", *o.VerificationPassed)
	}
	return fmt.Sprintf("files %d ins %d del %d verified %s failed %d transition %s",
		o.FilesChanged, o.Insertions, o.Deletions, verified, o.FailedChecks, o.Transition)
}

// bigramSimilarity computes the Dice coefficient over token bigrams of
// the two strings, normalised to [0, 1]. Short inputs fall back to
// plain token overlap.
func bigramSimilarity(a, b string) float64 {
	ta, tb := tokenize(a), tokenize(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	ba, bb := bigrams(ta), bigrams(tb)
	if len(ba) == 0 || len(bb) == 0 {
		return overlap(toSet(ta), toSet(tb))
	}
	return overlap(ba, bb)
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func bigrams(tokens []string) map[string]int {
	grams := make(map[string]int)
	for i := 0; i+1 < len(tokens); i++ {
		grams[tokens[i]+" "+tokens[i+1]]++
	}
	return grams
}

func toSet(tokens []string) map[string]int {
	set := make(map[string]int, len(tokens))
	for _, t := range tokens {
		set[t]++
	}
	return set
}

// overlap is the Dice coefficient of two multisets.
func overlap(a, b map[string]int) float64 {
	var sizeA, sizeB, common int
	for _, n := range a {
		sizeA += n
	}
	for _, n := range b {
		sizeB += n
	}
	for gram, n := range a {
		if m, ok := b[gram]; ok {
			common += min(n, m)
		}
	}
	if sizeA+sizeB == 0 {
		return 1
	}
	return 2 * float64(common) / float64(sizeA+sizeB)
}

// Converged reports whether every pairwise similarity within the
// trailing windowSize outcomes meets the threshold. Histories shorter
// than the window never converge.
func Converged(history []IterationOutcome, windowSize int, threshold float64) bool {
	if windowSize <= 1 || len(history) < windowSize {
		return false
	}
	window := history[len(history)-windowSize:]
	for i := 0; i < len(window); i++ {
		for j := i + 1; j < len(window); j++ {
			if bigramSimilarity(window[i].Fingerprint, window[j].Fingerprint) < threshold {
				return false
			}
		}
	}
	return true
}

// detectRepetition flags identical trailing fingerprints. Three
// identical outcomes in a row is treated as near-certain looping; two
// as suspicious but below the halt threshold.
func detectRepetition(history []IterationOutcome) LoopDetection {
	n := len(history)
	if n < 2 {
		return LoopDetection{}
	}

	last := history[n-1].Fingerprint
	run := 1
	for i := n - 2; i >= 0 && history[i].Fingerprint == last; i-- {
		run++
	}

	switch {
	case run >= 3:
		return LoopDetection{
			Detected:   true,
			Confidence: 0.9,
			Reason:     fmt.Sprintf("last %d iterations produced identical outcomes", run),
		}
	case run == 2:
		return LoopDetection{
			Detected:   true,
			Confidence: 0.6,
			Reason:     "last 2 iterations produced identical outcomes",
		}
	}
	return LoopDetection{}
}

// measureProgress estimates forward motion from the last two outcomes:
// shrinking failure counts score proportionally, and any change with
// no verification data counts as full progress. No changes at all is
// zero progress.
func measureProgress(history []IterationOutcome) float64 {
	if len(history) == 0 {
		return 0
	}
	cur := history[len(history)-1]
	if cur.VerificationPassed != nil && *cur.VerificationPassed {
		return 1
	}
	if cur.FilesChanged == 0 {
		return 0
	}
	if len(history) < 2 {
		return 1
	}

	prev := history[len(history)-2]
	if prev.FailedChecks == 0 {
		// Nothing measurable to improve on; changing files still
		// counts as movement.
		return 1
	}
	improvement := float64(prev.FailedChecks-cur.FailedChecks) / float64(prev.FailedChecks)
	if improvement < 0 {
		return 0
	}
	return improvement
}
