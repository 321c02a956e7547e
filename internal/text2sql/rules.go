package text2sql

import (
	"context"
	"errors"
	"strings"

	"github.com/asan-idp/approvalgate/internal/workflow"
)

// RuleGenerator answers a few well-known questions without a model.
type RuleGenerator struct{}

func NewRuleGenerator() *RuleGenerator { return &RuleGenerator{} }

const diagnosisCountSQL = `SELECT COUNT(DISTINCT fv.patient_key) AS patient_count
FROM fact_visit fv
JOIN dim_diagnosis dd ON fv.diagnosis_key = dd.diagnosis_key
WHERE dd.kcd_code LIKE '%s%%'`

var (
	diabetesTerms     = []string{"당뇨", "diabetes", "diabetic"}
	hypertensionTerms = []string{"고혈압", "hypertension", "high blood pressure"}
	countTerms        = []string{"몇 명", "환자 수", "how many", "count", "number of"}
)

func (RuleGenerator) Generate(_ context.Context, question string) (workflow.Generation, error) {
	if strings.TrimSpace(question) == "" {
		return workflow.Generation{}, errors.New("question is required")
	}
	q := strings.ToLower(question)

	switch {
	case mentions(q, diabetesTerms):
		if mentions(q, countTerms) {
			return workflow.Generation{
				SQL:         strings.Replace(diagnosisCountSQL, "%s%%", "E11%", 1),
				Explanation: "Counts patients diagnosed with diabetes (E11).",
				Confidence:  0.7,
			}, nil
		}
		return workflow.Generation{
			SQL:         "SELECT * FROM dim_diagnosis WHERE kcd_code LIKE 'E11%'",
			Explanation: "Lists diabetes-related diagnoses.",
			Confidence:  0.5,
		}, nil
	case mentions(q, hypertensionTerms):
		return workflow.Generation{
			SQL:         strings.Replace(diagnosisCountSQL, "%s%%", "I10%", 1),
			Explanation: "Counts patients diagnosed with hypertension (I10).",
			Confidence:  0.7,
		}, nil
	default:
		return workflow.Generation{
			SQL:         "SELECT COUNT(*) AS total_visits FROM fact_visit",
			Explanation: "Counts all visits.",
			Confidence:  0.3,
		}, nil
	}
}

func mentions(q string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(q, t) {
			return true
		}
	}
	return false
}
