package memory

import "strings"

// relevanceThreshold is the minimum Jaccard score for a record to be
// considered relevant to a retrieval hint.
const relevanceThreshold = 0.35

// maxTags caps how many tags are extracted from a turn.
const maxTags = 12

// stopwords excluded from tag extraction. Tags drive Jaccard scoring, so
// high-frequency function words only dilute the overlap.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "from": true, "into": true, "are": true, "was": true,
	"what": true, "when": true, "where": true, "which": true, "how": true,
	"you": true, "your": true, "can": true, "could": true, "would": true,
	"should": true, "please": true, "about": true, "have": true, "has": true,
	"not": true, "but": true, "all": true, "its": true, "then": true,
}

// ExtractTags derives a lightweight tag list from free text: lowercase
// alphanumeric words of three or more characters, stopwords removed,
// deduplicated in first-seen order.
//
// Expectations:
//   - Lowercases and strips non-alphanumeric characters
//   - Drops words shorter than 3 characters and stopwords
//   - Deduplicates, preserving first occurrence order
//   - Caps the list at 12 tags
//   - Returns nil for empty or all-stopword input
func ExtractTags(text string) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, w := range strings.Fields(strings.ToLower(text)) {
		var b strings.Builder
		for _, r := range w {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			}
		}
		word := b.String()
		if len(word) < 3 || stopwords[word] || seen[word] {
			continue
		}
		seen[word] = true
		tags = append(tags, word)
		if len(tags) == maxTags {
			break
		}
	}
	return tags
}

// Jaccard computes |a ∩ b| / |a ∪ b| over two tag lists.
//
// Expectations:
//   - Returns 0 when either list is empty
//   - Returns 1 for identical sets regardless of order
//   - Is symmetric: Jaccard(a, b) == Jaccard(b, a)
func Jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[t] = true
	}
	setB := make(map[string]bool, len(b))
	for _, t := range b {
		setB[t] = true
	}
	inter := 0
	for t := range setA {
		if setB[t] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
