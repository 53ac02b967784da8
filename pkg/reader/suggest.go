package reader

import (
	"github.com/agext/levenshtein"
)

// closestExtension returns the supported extension nearest to ext, or "" when
// nothing is close enough to be a plausible typo.
func closestExtension(ext string) string {
	if ext == "" {
		return ""
	}

	best := ""
	bestScore := 0.0
	for _, candidate := range Extensions() {
		dist := levenshtein.Distance(ext, candidate, nil)
		maxLen := len(ext)
		if len(candidate) > maxLen {
			maxLen = len(candidate)
		}
		score := 1.0 - float64(dist)/float64(maxLen)
		if score > bestScore {
			best, bestScore = candidate, score
		}
	}

	// Threshold to filter out irrelevant results
	if bestScore < 0.5 {
		return ""
	}
	return best
}
