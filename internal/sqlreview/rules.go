package sqlreview

import (
	"regexp"
	"strings"
)

// PIIRule names one family of personally identifying columns. Patterns are
// matched case-insensitively anywhere in the SQL text, so they over-match
// (a "contact" table trips the phone family) as well as miss renamed columns.
type PIIRule struct {
	Family   string
	Patterns []*regexp.Regexp
}

func DefaultPIIRules() []*PIIRule {
	return []*PIIRule{
		piiRule("name", "name", "patient_name", "full_name"),
		piiRule("ssn", "ssn", "social_security", "resident_number"),
		piiRule("email", "email", "e_mail"),
		piiRule("phone", "phone", "mobile", "telephone", "contact"),
		piiRule("address", "address", "addr", "location"),
		piiRule("birth_date", "birth", "dob", "date_of_birth"),
	}
}

func piiRule(family string, patterns ...string) *PIIRule {
	r := &PIIRule{Family: family}
	for _, p := range patterns {
		r.Patterns = append(r.Patterns, regexp.MustCompile(`(?i)`+regexp.QuoteMeta(p)))
	}
	return r
}

// DangerousKeywords are statements that change data, schema or grants.
var DangerousKeywords = []string{
	"DELETE", "DROP", "TRUNCATE", "UPDATE", "INSERT",
	"ALTER", "CREATE", "GRANT", "REVOKE",
}

var allowedLeadingKeywords = []string{"SELECT", "WITH", "EXPLAIN"}

// typoTokens are raw substrings of the upper-cased text. "FORM" also hits
// FORMAT and INFORMATION_SCHEMA.
var typoTokens = []string{"SELCT", "FORM", "WHRE"}

var medicalTerms = []string{
	"diagnosis", "patient", "treatment", "medication",
	"symptoms", "disease", "therapy", "prescription",
}

var (
	joinPattern       = regexp.MustCompile(`\bJOIN\b`)
	nestedSelect      = regexp.MustCompile(`(?i)\(\s*SELECT\b`)
	fromTablePattern  = regexp.MustCompile(`(?i)\bFROM\s+([a-zA-Z_][a-zA-Z0-9_]*)`)
	joinTablePattern  = regexp.MustCompile(`(?i)\bJOIN\s+([a-zA-Z_][a-zA-Z0-9_]*)`)
	diseaseCodeRegexp = regexp.MustCompile(`\b[A-Z]\d{1,2}%?\b`)
)

var domainByCodeLetter = map[byte]MedicalDomain{
	'E': DomainEndocrinology,
	'I': DomainCardiology,
	'C': DomainOncology,
}

func hasPrefixAny(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
