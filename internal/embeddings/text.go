package embeddings

import (
	"math"
	"unicode/utf8"
)

// Truncate cuts text to at most maxChars runes. maxChars <= 0 disables
// truncation.
func Truncate(text string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return text
	}
	n := 0
	for i := range text {
		if n == maxChars {
			return text[:i]
		}
		n++
	}
	return text
}

// Cosine returns the cosine similarity of a and b clamped to [0, 1].
// Mismatched lengths or zero vectors score 0.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	switch {
	case sim < 0:
		return 0
	case sim > 1:
		return 1
	}
	return float32(sim)
}
