package routing

import "strings"

// Request type labels produced by the classifier.
const (
	TypeCode     = "code"
	TypeWriting  = "writing"
	TypeAnalysis = "analysis"
)

// Keywords holds the substring tables that drive classification. The tables
// are data: they are bound into a Classifier once at startup and never
// mutated afterwards.
type Keywords struct {
	Code    []string
	Writing []string
}

// DefaultKeywords is the stock keyword table.
var DefaultKeywords = Keywords{
	Code:    []string{"def", "class", "import", "exception"},
	Writing: []string{"essay", "blog", "email", "summarize"},
}

// Classifier maps a prompt to a request type by case-insensitive substring
// membership. Resolution order is fixed: code first, writing next, analysis
// otherwise. Classification only influences scoring, never eligibility.
type Classifier struct {
	code    []string
	writing []string
}

// NewClassifier builds an immutable Classifier from kw.
func NewClassifier(kw Keywords) *Classifier {
	return &Classifier{
		code:    append([]string(nil), kw.Code...),
		writing: append([]string(nil), kw.Writing...),
	}
}

// Classify returns the request type for prompt.
func (c *Classifier) Classify(prompt string) string {
	lower := strings.ToLower(prompt)

	for _, kw := range c.code {
		if strings.Contains(lower, kw) {
			return TypeCode
		}
	}
	for _, kw := range c.writing {
		if strings.Contains(lower, kw) {
			return TypeWriting
		}
	}
	return TypeAnalysis
}
