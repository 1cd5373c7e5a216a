package cache

import (
	"fmt"
	"regexp"
	"slices"
)

// ExclusionList decides whether a request should be kept out of the
// response cache. It supports two matching modes:
//
//   - Request type: the prompt's classification (code, writing, analysis)
//     equals one of the excluded types.
//   - Regex match: the prompt is tested against a compiled regexp.
//
// A nil *ExclusionList is safe to call — Matches always returns false.
type ExclusionList struct {
	types    []string
	patterns []*regexp.Regexp
}

// NewExclusionList compiles the given request types and regex patterns into
// an ExclusionList. Returns an error if any pattern fails to compile so
// that misconfiguration is caught at startup.
func NewExclusionList(types, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{}

	for _, t := range types {
		if t != "" {
			el.types = append(el.types, t)
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache exclusion: invalid pattern %q: %w", p, err)
		}
		el.patterns = append(el.patterns, re)
	}

	return el, nil
}

// Matches reports whether a request with the given classification and
// prompt is excluded from caching. Type rules are checked first, then
// regex patterns in order.
func (el *ExclusionList) Matches(requestType, prompt string) bool {
	if el == nil {
		return false
	}
	if slices.Contains(el.types, requestType) {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(prompt) {
			return true
		}
	}
	return false
}

// Len returns the total number of exclusion rules configured.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.types) + len(el.patterns)
}
