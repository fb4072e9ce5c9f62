package policy

import "regexp"

// Rule masks every match of Pattern with "[REDACTED_<Name>]".
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
}

// DefaultRules cover the PII most often pasted into chat. Order matters:
// card numbers must be masked before the looser phone pattern sees them.
var DefaultRules = []Rule{
	{Name: "EMAIL", Pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{Name: "SECRET", Pattern: regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_\-]{16,}\b`)},
	{Name: "CARD", Pattern: regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)},
	{Name: "PHONE", Pattern: regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)},
}

// Redactor applies an ordered rule set to message text before it is
// persisted outside the short-lived context window.
type Redactor struct {
	rules []Rule
}

func NewRedactor(rules ...Rule) *Redactor {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Redactor{rules: rules}
}

// Redact returns the masked text and the names of the rules that fired, in
// rule order. A nil Redactor returns the input unchanged.
func (r *Redactor) Redact(input string) (string, []string) {
	if r == nil {
		return input, nil
	}
	out := input
	var hits []string
	for _, rule := range r.rules {
		next := rule.Pattern.ReplaceAllString(out, "[REDACTED_"+rule.Name+"]")
		if next != out {
			hits = append(hits, rule.Name)
			out = next
		}
	}
	return out, hits
}
