package reading

import "strings"

// Matcher is the deterministic keyword test the classifier applies to
// decide whether a comment requests a reading.
type Matcher struct {
	keywords []string
}

// NewMatcher builds a matcher from configured keywords. Matching is
// case-insensitive substring containment; an empty keyword list rejects
// everything.
func NewMatcher(keywords []string) *Matcher {
	var lowered []string
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			lowered = append(lowered, kw)
		}
	}
	return &Matcher{keywords: lowered}
}

// Match reports whether text contains any of the configured keywords.
func (m *Matcher) Match(text string) bool {
	if len(m.keywords) == 0 {
		return false
	}
	text = strings.ToLower(text)
	for _, kw := range m.keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
