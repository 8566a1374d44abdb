package archive

import (
	"sort"
	"strings"
	"unicode"
)

// stopwords are excluded from topic extraction. The list is short and
// English-only; topic tags are a retrieval aid, not a taxonomy.
var stopwords = map[string]struct{}{
	"a": {}, "about": {}, "after": {}, "all": {}, "also": {}, "an": {},
	"and": {}, "any": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"because": {}, "been": {}, "but": {}, "by": {}, "can": {}, "could": {},
	"did": {}, "do": {}, "does": {}, "for": {}, "from": {}, "get": {},
	"had": {}, "has": {}, "have": {}, "he": {}, "her": {}, "here": {},
	"him": {}, "his": {}, "how": {}, "i": {}, "if": {}, "in": {},
	"into": {}, "is": {}, "it": {}, "its": {}, "just": {}, "like": {},
	"me": {}, "more": {}, "my": {}, "no": {}, "not": {}, "now": {},
	"of": {}, "on": {}, "one": {}, "only": {}, "or": {}, "our": {},
	"out": {}, "over": {}, "she": {}, "so": {}, "some": {}, "than": {},
	"that": {}, "the": {}, "their": {}, "them": {}, "then": {},
	"there": {}, "these": {}, "they": {}, "this": {}, "to": {}, "up": {},
	"us": {}, "was": {}, "we": {}, "were": {}, "what": {}, "when": {},
	"where": {}, "which": {}, "who": {}, "will": {}, "with": {},
	"would": {}, "you": {}, "your": {},
}

// ExtractTopics pulls the most frequent non-stopword terms from text
// for use as chunk topic tags. Deterministic: frequency ties break
// alphabetically.
func ExtractTopics(text string, max int) []string {
	if max <= 0 {
		max = 5
	}

	freq := make(map[string]int)
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(word) < 3 {
			continue
		}
		if _, stop := stopwords[word]; stop {
			continue
		}
		freq[word]++
	}

	terms := make([]string, 0, len(freq))
	for w := range freq {
		terms = append(terms, w)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})

	if len(terms) > max {
		terms = terms[:max]
	}
	return terms
}
