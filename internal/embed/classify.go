package embed

import (
	"regexp"
	"strings"
)

// QueryType is the task-prefix category a piece of input is classified
// into before embedding (spec §4.7).
type QueryType string

const (
	// QueryTypeCode is source code or an identifier-shaped fragment.
	QueryTypeCode QueryType = "code"
	// QueryTypeQuestion is a natural-language question about code.
	QueryTypeQuestion QueryType = "question"
	// QueryTypeNL is unstructured natural language that is neither a
	// question nor code.
	QueryTypeNL QueryType = "nl"
)

// Prefix strings prepended to input before embedding, keyed by detected
// type. Passage prefixes are used at indexing time, query prefixes at
// query time (spec §4.7).
const (
	PassageCodePrefix  = "passage: code: "
	PassageNLPrefix    = "passage: "
	QueryCodePrefix    = "query: code: "
	QueryQuestionPrefix = "query: tech-qa: "
	QueryNLPrefix      = "query: "
)

// languageKeywordPattern matches common programming-keyword tokens that
// signal the first line is source code rather than prose.
var languageKeywordPattern = regexp.MustCompile(
	`(?i)\b(func|function|def|class|interface|import|package|return|const|let|var|public|private|static|async|await|struct|impl|fn|namespace|module\.exports|require\()\b`)

// whWordPattern matches a leading wh-word/question starter.
var whWordPattern = regexp.MustCompile(`(?i)^(how|what|where|why|when|which|who|can|does|do|is|are|should|could|would|explain|describe)\b`)

// symbolLikePattern matches identifier-shaped single tokens (camelCase,
// snake_case, dotted/paths, or containing code punctuation) commonly
// pasted as a query rather than typed as prose.
var symbolLikePattern = regexp.MustCompile(`^[\w./\\-]+$`)

// Classify detects the query type of text by pattern matching on its
// first line, per spec §4.7: programming-language keywords -> code;
// leading wh-word or trailing '?' -> question; otherwise -> nl.
func Classify(text string) QueryType {
	firstLine := text
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		firstLine = text[:idx]
	}
	firstLine = strings.TrimSpace(firstLine)

	if firstLine == "" {
		return QueryTypeNL
	}
	if languageKeywordPattern.MatchString(firstLine) {
		return QueryTypeCode
	}
	if strings.Contains(firstLine, "{") || strings.Contains(firstLine, "(") && strings.Contains(firstLine, ")") {
		return QueryTypeCode
	}
	if !strings.Contains(firstLine, " ") && symbolLikePattern.MatchString(firstLine) && (strings.Contains(firstLine, "_") || strings.ToLower(firstLine) != firstLine) {
		return QueryTypeCode
	}
	if whWordPattern.MatchString(firstLine) || strings.HasSuffix(firstLine, "?") {
		return QueryTypeQuestion
	}
	return QueryTypeNL
}

// PassagePrefix returns the indexing-time prefix for text's detected
// type.
func PassagePrefix(text string) string {
	if Classify(text) == QueryTypeCode {
		return PassageCodePrefix
	}
	return PassageNLPrefix
}

// QueryPrefix returns the query-time prefix for text's detected type,
// per spec §4.7's mapping: code->code, question->tech-qa, nl->code.
func QueryPrefix(text string) string {
	switch Classify(text) {
	case QueryTypeCode:
		return QueryCodePrefix
	case QueryTypeQuestion:
		return QueryQuestionPrefix
	default:
		return QueryCodePrefix
	}
}
