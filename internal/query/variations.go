package query

import (
	"strings"
	"unicode"
)

// maxVariations bounds the total number of query variations expanded_search
// produces, including the original, per spec §4.13.
const maxVariations = 3

// abbreviations is a small bidirectional dictionary used to rewrite a
// query between its abbreviated and expanded forms — grounded on the
// same cross-vocabulary bridging idea as internal/search's CodeSynonyms,
// trimmed to a handful of entries since spec §4.13 asks for "a small
// dictionary," not full synonym expansion.
var abbreviations = map[string]string{
	"auth":   "authentication",
	"config": "configuration",
	"db":     "database",
	"func":   "function",
	"impl":   "implementation",
	"init":   "initialize",
	"repo":   "repository",
	"svc":    "service",
	"ctx":    "context",
	"err":    "error",
	"req":    "request",
	"resp":   "response",
	"env":    "environment",
}

var expansions = reverseMap(abbreviations)

func reverseMap(m map[string]string) map[string]string {
	r := make(map[string]string, len(m))
	for k, v := range m {
		r[v] = k
	}
	return r
}

// fillerWords are leading question words and auxiliaries stripped from
// the front of a natural-language query per spec §4.13.
var fillerWords = map[string]bool{
	"how": true, "what": true, "where": true, "why": true, "when": true,
	"which": true, "who": true, "do": true, "does": true, "did": true,
	"is": true, "are": true, "can": true, "could": true, "should": true,
	"would": true, "i": true, "you": true, "please": true, "the": true,
}

// Variations produces up to maxVariations query rewrites — the original
// first, then up to two rewrites drawn from abbreviation expansion/
// contraction, camelCase<->space rewriting, filler-word stripping, and
// simple plural normalization — deduplicated and order-preserving.
func Variations(q string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] || len(out) >= maxVariations {
			return
		}
		seen[key] = true
		out = append(out, s)
	}

	add(q)
	add(abbreviationRewrite(q))
	add(camelCaseRewrite(q))
	add(stripFillerWords(q))
	add(pluralNormalize(q))

	return out
}

// abbreviationRewrite substitutes every word against the abbreviation
// dictionary in whichever direction actually changes the query:
// expanding abbreviations first, falling back to contracting full forms.
func abbreviationRewrite(q string) string {
	if rewritten, changed := rewriteWords(q, abbreviations); changed {
		return rewritten
	}
	rewritten, _ := rewriteWords(q, expansions)
	return rewritten
}

func rewriteWords(q string, dict map[string]string) (string, bool) {
	words := strings.Fields(q)
	changed := false
	for i, w := range words {
		if repl, ok := dict[strings.ToLower(w)]; ok {
			words[i] = repl
			changed = true
		}
	}
	return strings.Join(words, " "), changed
}

// camelCaseRewrite rewrites a query between camelCase and space-separated
// forms: a camelCase token is split into words; an all-lowercase
// multi-word query is joined into one camelCase token.
func camelCaseRewrite(q string) string {
	words := strings.Fields(q)
	if len(words) == 1 && hasInternalUpper(words[0]) {
		return strings.Join(splitCamel(words[0]), " ")
	}
	if len(words) > 1 && allLower(words) {
		return joinCamel(words)
	}
	return ""
}

func hasInternalUpper(s string) bool {
	for i, r := range s {
		if i > 0 && unicode.IsUpper(r) {
			return true
		}
	}
	return false
}

func allLower(words []string) bool {
	for _, w := range words {
		if w != strings.ToLower(w) {
			return false
		}
	}
	return true
}

func splitCamel(token string) []string {
	var parts []string
	var cur strings.Builder
	for i, r := range token {
		if i > 0 && unicode.IsUpper(r) && cur.Len() > 0 {
			parts = append(parts, strings.ToLower(cur.String()))
			cur.Reset()
		}
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		parts = append(parts, strings.ToLower(cur.String()))
	}
	return parts
}

func joinCamel(words []string) string {
	var b strings.Builder
	for i, w := range words {
		if i == 0 {
			b.WriteString(w)
			continue
		}
		if len(w) > 0 {
			b.WriteString(strings.ToUpper(w[:1]) + w[1:])
		}
	}
	return b.String()
}

// stripFillerWords removes leading question words/auxiliaries, stopping
// at the first content word.
func stripFillerWords(q string) string {
	words := strings.Fields(q)
	i := 0
	for i < len(words) && fillerWords[strings.ToLower(strings.Trim(words[i], "?"))] {
		i++
	}
	if i == 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Join(words[i:], " "), "?")
}

// pluralNormalize drops the trailing "s" of every word longer than three
// letters that ends in a single "s", or, when no word was changed that
// way, appends "s" to the last word — a simple heuristic, not a real
// morphological analyzer.
func pluralNormalize(q string) string {
	words := strings.Fields(q)
	if len(words) == 0 {
		return ""
	}
	changedAny := false
	for i, w := range words {
		if len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") {
			words[i] = strings.TrimSuffix(w, "s")
			changedAny = true
		}
	}
	if changedAny {
		return strings.Join(words, " ")
	}
	last := words[len(words)-1]
	words[len(words)-1] = last + "s"
	return strings.Join(words, " ")
}
