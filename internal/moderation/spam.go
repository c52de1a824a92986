package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

// Compiled once at package init and reused for every call, so the checks
// are safe and cheap under concurrency.
var (
	// urlPattern matches http/https URLs, www. URLs, and bare domains with
	// a path. The bare-domain variant requires a trailing "/" to avoid
	// false positives on version strings like "v2.0" or decimals like "3.14".
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phonePattern matches common phone number formats such as
	// +1-555-123-4567, (555) 123-4567, and 555.123.4567. Anchored to
	// whitespace or string boundaries so it does not fire on short numbers
	// like "100" embedded in normal text.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

// spamCheck pairs a detection function with the term reported on a match.
type spamCheck struct {
	name  string
	match func(string) bool
}

// spamChecks is the ordered list applied by checkSpamPatterns. The first
// match wins.
var spamChecks = []spamCheck{
	{name: "url", match: urlPattern.MatchString},
	{name: "phone", match: phonePattern.MatchString},
	{name: "char_flood", match: hasCharFlood},
	{name: "word_flood", match: hasWordFlood},
}

// hasCharFlood reports whether text contains 5 or more consecutive
// identical characters. RE2 has no backreferences, so this is a linear
// scan instead of a regex.
func hasCharFlood(text string) bool {
	const threshold = 5

	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood reports whether the same word appears 3 or more times in a
// row, case-insensitive, with words delimited by whitespace.
func hasWordFlood(text string) bool {
	const threshold = 3

	words := strings.FieldsFunc(text, unicode.IsSpace)
	if len(words) < threshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = lower
		}
	}
	return false
}

// checkSpamPatterns runs every spam check against text and returns a
// blocking FilterResult on the first match.
func (f *Filter) checkSpamPatterns(text string) FilterResult {
	for _, sc := range spamChecks {
		if sc.match(text) {
			return FilterResult{Blocked: true, Reason: "spam_pattern", Term: sc.name}
		}
	}
	return FilterResult{}
}
