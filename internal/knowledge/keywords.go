package knowledge

import (
	"strings"
	"unicode"
)

// KeywordExtractor derives keyword terms from a free-form query for the
// keyword leg of hybrid search. The algorithm is deliberately pluggable;
// the default is lowercase tokenization with stop-word removal.
type KeywordExtractor interface {
	Extract(query string) []string
}

// StopwordExtractor is the default KeywordExtractor: it lowercases the
// query, splits on non-alphanumeric runes, and drops stop words and very
// short tokens. Duplicate terms are removed while preserving order.
type StopwordExtractor struct {
	stopwords map[string]struct{}
	minLength int
}

var defaultStopwords = []string{
	"a", "an", "and", "are", "as", "at", "be", "but", "by", "can", "did",
	"do", "does", "for", "from", "had", "has", "have", "how", "i", "if",
	"in", "is", "it", "its", "me", "my", "no", "not", "of", "on", "or",
	"our", "she", "so", "that", "the", "their", "them", "then", "there",
	"these", "they", "this", "to", "us", "was", "we", "were", "what",
	"when", "where", "which", "who", "why", "will", "with", "you", "your",
}

// NewStopwordExtractor creates the default keyword extractor.
func NewStopwordExtractor() *StopwordExtractor {
	stopwords := make(map[string]struct{}, len(defaultStopwords))
	for _, w := range defaultStopwords {
		stopwords[w] = struct{}{}
	}
	return &StopwordExtractor{
		stopwords: stopwords,
		minLength: 3,
	}
}

// Extract implements KeywordExtractor.
func (e *StopwordExtractor) Extract(query string) []string {
	tokens := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	seen := make(map[string]struct{}, len(tokens))
	var keywords []string
	for _, tok := range tokens {
		if len([]rune(tok)) < e.minLength {
			continue
		}
		if _, stop := e.stopwords[tok]; stop {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		keywords = append(keywords, tok)
	}
	return keywords
}
