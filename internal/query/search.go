package query

import (
	"strings"
	"unicode"
)

type term struct {
	word   string
	negate bool
}

// parseSearch splits a search query into alternatives separated by "|",
// each a conjunction of terms separated by whitespace or "&". A leading "!"
// negates a term.
func parseSearch(q string) [][]term {
	var groups [][]term
	for _, alt := range strings.Split(q, "|") {
		var group []term
		for _, tok := range strings.FieldsFunc(alt, func(r rune) bool { return r == '&' || unicode.IsSpace(r) }) {
			negate := false
			for strings.HasPrefix(tok, "!") {
				negate = !negate
				tok = tok[1:]
			}
			for _, w := range words(tok) {
				group = append(group, term{word: w, negate: negate})
			}
		}
		if len(group) > 0 {
			groups = append(groups, group)
		}
	}
	return groups
}

// HasTerms reports whether q contains at least one searchable word.
func HasTerms(q string) bool { return len(parseSearch(q)) > 0 }

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func wordSet(texts ...string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range texts {
		for _, w := range words(t) {
			set[w] = true
		}
	}
	return set
}

// SearchMatch reports whether text satisfies the search query q.
func SearchMatch(q, text string) bool {
	set := wordSet(text)
	for _, group := range parseSearch(q) {
		ok := true
		for _, t := range group {
			if set[t.word] == t.negate {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// RelevanceScore counts the positive query terms found in texts.
func RelevanceScore(q string, texts ...string) float64 {
	set := wordSet(texts...)
	seen := make(map[string]bool)
	var score float64
	for _, group := range parseSearch(q) {
		for _, t := range group {
			if t.negate || seen[t.word] {
				continue
			}
			seen[t.word] = true
			if set[t.word] {
				score++
			}
		}
	}
	return score
}

// TSQuery renders q in PostgreSQL to_tsquery syntax.
func TSQuery(q string) string {
	groups := parseSearch(q)
	alts := make([]string, len(groups))
	for i, group := range groups {
		parts := make([]string, len(group))
		for j, t := range group {
			if t.negate {
				parts[j] = "!" + t.word
			} else {
				parts[j] = t.word
			}
		}
		alts[i] = strings.Join(parts, " & ")
		if len(groups) > 1 && len(group) > 1 {
			alts[i] = "(" + alts[i] + ")"
		}
	}
	return strings.Join(alts, " | ")
}
