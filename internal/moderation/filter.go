// Package moderation screens chat messages for prohibited content before
// they are appended to a session log. A blocked message never consumes a
// sequence number.
package moderation

import (
	"fmt"
	"strings"
	"unicode"
)

// FilterResult describes the outcome of screening a single message.
type FilterResult struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
	Term    string `json:"term,omitempty"`
}

// defaultTerms is the built-in keyword blocklist. Deployments that need a
// custom list construct the filter with NewFilterWithTerms instead.
var defaultTerms = []string{
	"free money",
	"click here",
	"limited offer",
	"wire transfer",
}

// Filter screens message text against a keyword blocklist and a set of
// spam heuristics. A Filter is immutable after construction and safe for
// concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases []string
}

// NewFilter returns a Filter loaded with the built-in blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms returns a Filter using the given blocklist. Terms
// containing whitespace are matched as phrases, everything else as whole
// words. A nil or empty list disables keyword matching but keeps the spam
// heuristics active.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if strings.ContainsFunc(term, unicode.IsSpace) {
			f.phrases = append(f.phrases, term)
		} else {
			f.words[term] = struct{}{}
		}
	}
	return f
}

// Check screens text and returns a blocking FilterResult on the first
// violation found. Keyword matches take precedence over spam patterns.
func (f *Filter) Check(text string) FilterResult {
	lower := strings.ToLower(text)

	for _, phrase := range f.phrases {
		if strings.Contains(lower, phrase) {
			return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: phrase}
		}
	}

	if len(f.words) > 0 {
		words := strings.FieldsFunc(lower, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		for _, w := range words {
			if _, ok := f.words[w]; ok {
				return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: w}
			}
		}
	}

	return f.checkSpamPatterns(text)
}

// Screen adapts the filter to the func(body string) error shape the chat
// coordinator expects. It returns nil for clean messages and a descriptive
// error for blocked ones.
func (f *Filter) Screen(body string) error {
	result := f.Check(body)
	if !result.Blocked {
		return nil
	}
	return fmt.Errorf("message blocked: %s (%s)", result.Reason, result.Term)
}
