// Package sqlreview performs best-effort static analysis of submitted SQL.
// It is a set of pattern heuristics, not a parser: table extraction, PII
// detection and cost estimates can all be fooled by unusual formatting.
package sqlreview

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/asan-idp/approvalgate/internal/models"
	"github.com/asan-idp/approvalgate/internal/risk"
)

var ErrInvalidSyntax = errors.New("invalid SQL syntax")

// SyntaxError reports why a SQL text was refused.
type SyntaxError struct {
	SQL    string
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid SQL syntax: %s", e.Reason)
}

func (e *SyntaxError) Unwrap() error { return ErrInvalidSyntax }

type QueryType string

const (
	QuerySelect  QueryType = "select"
	QueryInsert  QueryType = "insert"
	QueryUpdate  QueryType = "update"
	QueryDelete  QueryType = "delete"
	QueryCreate  QueryType = "create"
	QueryDrop    QueryType = "drop"
	QueryAlter   QueryType = "alter"
	QueryUnknown QueryType = "unknown"
)

var leadingQueryTypes = []struct {
	keyword string
	qt      QueryType
}{
	{"SELECT", QuerySelect},
	{"INSERT", QueryInsert},
	{"UPDATE", QueryUpdate},
	{"DELETE", QueryDelete},
	{"CREATE", QueryCreate},
	{"DROP", QueryDrop},
	{"ALTER", QueryAlter},
}

// Query is an analyzed SQL submission. All derived fields are computed once
// by Analyze and never change.
type Query struct {
	id              string
	text            string
	naturalLanguage string
	confidence      Confidence
	createdAt       time.Time

	queryType     QueryType
	tables        []string
	riskLevel     risk.Level
	estimatedRows int
	estimatedSecs int

	upper    string
	piiRules []*PIIRule
}

type Option func(*Query)

// WithClock sets the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(q *Query) { q.createdAt = now().UTC() }
}

// WithPIIRules replaces the default PII families.
func WithPIIRules(rules []*PIIRule) Option {
	return func(q *Query) { q.piiRules = rules }
}

// Analyze validates text and derives its facts. It fails with a
// *SyntaxError for empty text, a destructive leading keyword, or one of the
// common typo tokens.
func Analyze(text, naturalLanguage string, confidence Confidence, opts ...Option) (*Query, error) {
	trimmed := strings.TrimSpace(text)
	if err := validateSyntax(trimmed); err != nil {
		return nil, err
	}

	q := &Query{
		id:              uuid.New().String(),
		text:            trimmed,
		naturalLanguage: naturalLanguage,
		confidence:      confidence,
		createdAt:       time.Now().UTC(),
		upper:           strings.ToUpper(trimmed),
		piiRules:        DefaultPIIRules(),
	}
	for _, opt := range opts {
		opt(q)
	}

	q.riskLevel = risk.FromFactors(q.riskFactors())
	q.queryType = q.detectQueryType()
	q.tables = q.extractTables()
	q.estimatedRows = q.estimateRows()
	q.estimatedSecs = q.estimateExecutionSeconds()
	return q, nil
}

func validateSyntax(sql string) error {
	upper := strings.ToUpper(sql)
	if upper == "" {
		return &SyntaxError{SQL: sql, Reason: "Empty SQL query"}
	}
	if !hasPrefixAny(upper, allowedLeadingKeywords) && hasPrefixAny(upper, DangerousKeywords) {
		return &SyntaxError{SQL: sql, Reason: "Dangerous SQL operation not allowed"}
	}
	for _, tok := range typoTokens {
		if strings.Contains(upper, tok) {
			return &SyntaxError{SQL: sql, Reason: "SQL syntax error detected"}
		}
	}
	return nil
}

func (q *Query) riskFactors() []string {
	var factors []string
	for _, kw := range DangerousKeywords {
		if strings.Contains(q.upper, kw) {
			factors = append(factors, "dangerous_keyword_"+strings.ToLower(kw))
		}
	}
	for _, family := range q.matchedPIIFamilies() {
		factors = append(factors, "pii_access_"+family)
	}
	if q.joinCount() > 3 {
		factors = append(factors, "complex_join_query")
	}
	if nestedSelect.MatchString(q.text) {
		factors = append(factors, "subquery_usage")
	}
	return factors
}

func (q *Query) matchedPIIFamilies() []string {
	var families []string
	for _, rule := range q.piiRules {
		for _, p := range rule.Patterns {
			if p.MatchString(q.text) {
				families = append(families, rule.Family)
				break
			}
		}
	}
	return families
}

func (q *Query) joinCount() int {
	return len(joinPattern.FindAllStringIndex(q.upper, -1))
}

func (q *Query) detectQueryType() QueryType {
	for _, lt := range leadingQueryTypes {
		if strings.HasPrefix(q.upper, lt.keyword) {
			return lt.qt
		}
	}
	return QueryUnknown
}

func (q *Query) extractTables() []string {
	seen := make(map[string]bool)
	var tables []string
	for _, re := range []*regexp.Regexp{fromTablePattern, joinTablePattern} {
		for _, m := range re.FindAllStringSubmatch(q.text, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				tables = append(tables, m[1])
			}
		}
	}
	return tables
}

func (q *Query) estimateRows() int {
	switch {
	case strings.Contains(q.upper, "COUNT("):
		return 1
	case strings.Contains(q.upper, "GROUP BY"):
		return 50
	case strings.Contains(q.upper, "WHERE"):
		return 100
	}
	if joins := q.joinCount(); joins > 0 {
		return 500 * joins
	}
	return 1000
}

func (q *Query) estimateExecutionSeconds() int {
	secs := 1 + 2*q.joinCount()
	if strings.Contains(q.upper, "GROUP BY") {
		secs += 3
	}
	if strings.Contains(q.upper, "ORDER BY") {
		secs += 2
	}
	secs += strings.Count(q.text, "(")
	switch {
	case q.estimatedRows > 10000:
		secs += 10
	case q.estimatedRows > 1000:
		secs += 5
	}
	return min(secs, 300)
}

func (q *Query) ID() string                     { return q.id }
func (q *Query) Text() string                   { return q.text }
func (q *Query) NaturalLanguage() string        { return q.naturalLanguage }
func (q *Query) Confidence() Confidence         { return q.confidence }
func (q *Query) CreatedAt() time.Time           { return q.createdAt }
func (q *Query) Type() QueryType                { return q.queryType }
func (q *Query) RiskLevel() risk.Level          { return q.riskLevel }
func (q *Query) EstimatedRows() int             { return q.estimatedRows }
func (q *Query) EstimatedExecutionSeconds() int { return q.estimatedSecs }

// Tables returns the identifiers following FROM and JOIN, first-seen order.
func (q *Query) Tables() []string {
	out := make([]string, len(q.tables))
	copy(out, q.tables)
	return out
}

// IsDangerous reports a high or critical risk level.
func (q *Query) IsDangerous() bool {
	return q.riskLevel.Score() >= 3
}

func (q *Query) String() string {
	return fmt.Sprintf("Query(id=%s, type=%s, risk=%s)", q.id[:8], q.queryType, q.riskLevel.Category())
}

// PIIAnalysis is the outcome of AnalyzePII.
type PIIAnalysis struct {
	ContainsPII     bool     `json:"contains_pii"`
	Fields          []string `json:"pii_fields"`
	RiskScore       int      `json:"risk_score"`
	Recommendations []string `json:"recommendations"`
}

var piiRecommendations = []string{
	"Apply data masking to PII columns",
	"Re-verify access rights for the requester",
	"Store result data in secured storage",
}

// AnalyzePII reports the matched PII families. RiskScore counts every
// matching pattern, so one column can contribute more than once.
func (q *Query) AnalyzePII() PIIAnalysis {
	var a PIIAnalysis
	a.Fields = []string{}
	matches := 0
	for _, rule := range q.piiRules {
		hit := false
		for _, p := range rule.Patterns {
			if p.MatchString(q.text) {
				matches++
				hit = true
			}
		}
		if hit {
			a.Fields = append(a.Fields, rule.Family)
		}
	}
	a.ContainsPII = len(a.Fields) > 0
	a.RiskScore = matches * 2
	if a.ContainsPII {
		a.Recommendations = append([]string(nil), piiRecommendations...)
	}
	return a
}

type MedicalDomain string

const (
	DomainEndocrinology MedicalDomain = "endocrinology"
	DomainCardiology    MedicalDomain = "cardiology"
	DomainOncology      MedicalDomain = "oncology"
	DomainGeneral       MedicalDomain = "general"
)

// MedicalContext holds disease-code shaped tokens and medical vocabulary.
type MedicalContext struct {
	DiseaseCodes []string      `json:"kcd_codes"`
	Terms        []string      `json:"medical_terms"`
	Domain       MedicalDomain `json:"domain"`
}

func (m MedicalContext) HasDiseaseCodes() bool { return len(m.DiseaseCodes) > 0 }

// ExtractMedicalContext guesses the clinical domain from the first disease
// code found in the text.
func (q *Query) ExtractMedicalContext() MedicalContext {
	mc := MedicalContext{
		DiseaseCodes: diseaseCodeRegexp.FindAllString(q.text, -1),
		Terms:        []string{},
		Domain:       DomainGeneral,
	}
	if mc.DiseaseCodes == nil {
		mc.DiseaseCodes = []string{}
	}
	lower := strings.ToLower(q.text)
	for _, term := range medicalTerms {
		if strings.Contains(lower, term) {
			mc.Terms = append(mc.Terms, term)
		}
	}
	if len(mc.DiseaseCodes) > 0 {
		if d, ok := domainByCodeLetter[mc.DiseaseCodes[0][0]]; ok {
			mc.Domain = d
		}
	}
	return mc
}

// DataSensitivity is high with PII, medium with disease codes, low otherwise.
func DataSensitivity(pii PIIAnalysis, mc MedicalContext) models.DataSensitivity {
	switch {
	case pii.ContainsPII:
		return models.SensitivityHigh
	case mc.HasDiseaseCodes():
		return models.SensitivityMedium
	default:
		return models.SensitivityLow
	}
}
