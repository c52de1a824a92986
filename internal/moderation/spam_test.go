package moderation

import "testing"

// checkSpamCase runs Check and asserts the spam_pattern result fields.
func checkSpamCase(t *testing.T, f *Filter, input string, blocked bool, term string) {
	t.Helper()
	result := f.Check(input)
	if result.Blocked != blocked {
		t.Errorf("Check(%q).Blocked = %v, want %v", input, result.Blocked, blocked)
	}
	if blocked && result.Term != term {
		t.Errorf("Check(%q).Term = %q, want %q", input, result.Term, term)
	}
	if blocked && result.Reason != "spam_pattern" {
		t.Errorf("Check(%q).Reason = %q, want %q", input, result.Reason, "spam_pattern")
	}
}

func TestSpam_URLs(t *testing.T) {
	f := NewFilterWithTerms(nil) // no keyword blocklist, isolate spam checks

	tests := []struct {
		name    string
		input   string
		blocked bool
		term    string
	}{
		{"http url", "check out http://evil.com", true, "url"},
		{"https url", "visit https://spam.xyz/click", true, "url"},
		{"www url", "go to www.phishing.net", true, "url"},
		{"bare domain with path", "visit evil.com/free", true, "url"},
		{"version string ok", "running v2.0 now", false, ""},
		{"decimal ok", "pi is 3.14", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkSpamCase(t, f, tt.input, tt.blocked, tt.term)
		})
	}
}

func TestSpam_PhoneNumbers(t *testing.T) {
	f := NewFilterWithTerms(nil)

	tests := []struct {
		name    string
		input   string
		blocked bool
		term    string
	}{
		{"intl dashed", "+1-555-123-4567", true, "phone"},
		{"parenthesized area code", "(555) 123-4567", true, "phone"},
		{"dotted format", "555.123.4567", true, "phone"},
		{"in sentence", "call me at 555-123-4567 okay?", true, "phone"},
		{"short number ok", "i have 100 of these", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkSpamCase(t, f, tt.input, tt.blocked, tt.term)
		})
	}
}

func TestSpam_CharFlood(t *testing.T) {
	f := NewFilterWithTerms(nil)

	tests := []struct {
		name    string
		input   string
		blocked bool
		term    string
	}{
		{"repeated o in word", "hellooooooo", true, "char_flood"},
		{"repeated exclamation", "wow!!!!!", true, "char_flood"},
		{"four chars ok", "heeeel no", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkSpamCase(t, f, tt.input, tt.blocked, tt.term)
		})
	}
}

func TestSpam_WordFlood(t *testing.T) {
	f := NewFilterWithTerms(nil)

	tests := []struct {
		name    string
		input   string
		blocked bool
		term    string
	}{
		{"buy x3", "buy buy buy", true, "word_flood"},
		{"in sentence", "hey buy buy buy now", true, "word_flood"},
		{"case insensitive", "BUY buy Buy", true, "word_flood"},
		{"two repeats ok", "go go", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkSpamCase(t, f, tt.input, tt.blocked, tt.term)
		})
	}
}
