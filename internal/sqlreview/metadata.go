package sqlreview

import (
	"time"

	"github.com/asan-idp/approvalgate/internal/models"
	"github.com/asan-idp/approvalgate/internal/risk"
)

// MitigationMeasures are attached to every risk assessment.
var MitigationMeasures = []string{
	"Limit query execution time",
	"Limit result row count",
	"Record access in the audit log",
}

type RiskAssessment struct {
	Level              risk.Category `json:"level"`
	Score              int           `json:"score"`
	Factors            []string      `json:"factors"`
	MitigationMeasures []string      `json:"mitigation_measures"`
}

type QueryMetadata struct {
	ID         string    `json:"id"`
	Type       QueryType `json:"type"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// ApprovalMetadata is the analysis record embedded in an approval request
// and forwarded to reviewers.
type ApprovalMetadata struct {
	SQL                    string                 `json:"sql"`
	Explanation            string                 `json:"explanation"`
	RiskAssessment         RiskAssessment         `json:"risk_assessment"`
	EstimatedExecutionTime int                    `json:"estimated_execution_time"`
	DataSensitivity        models.DataSensitivity `json:"data_sensitivity"`
	EstimatedRows          int                    `json:"estimated_rows"`
	TablesAccessed         []string               `json:"tables_accessed"`
	ContainsPII            bool                   `json:"contains_pii"`
	PIIFields              []string               `json:"pii_fields"`
	MedicalContext         MedicalContext         `json:"medical_context"`
	QueryMetadata          QueryMetadata          `json:"query_metadata"`
}

func (q *Query) ApprovalMetadata() ApprovalMetadata {
	pii := q.AnalyzePII()
	mc := q.ExtractMedicalContext()

	factors := q.riskLevel.Factors()
	if factors == nil {
		factors = []string{}
	}
	tables := q.Tables()

	return ApprovalMetadata{
		SQL:         q.text,
		Explanation: q.naturalLanguage,
		RiskAssessment: RiskAssessment{
			Level:              q.riskLevel.Category(),
			Score:              q.riskLevel.Score(),
			Factors:            factors,
			MitigationMeasures: append([]string(nil), MitigationMeasures...),
		},
		EstimatedExecutionTime: q.estimatedSecs,
		DataSensitivity:        DataSensitivity(pii, mc),
		EstimatedRows:          q.estimatedRows,
		TablesAccessed:         tables,
		ContainsPII:            pii.ContainsPII,
		PIIFields:              pii.Fields,
		MedicalContext:         mc,
		QueryMetadata: QueryMetadata{
			ID:         q.id,
			Type:       q.queryType,
			Confidence: q.confidence.Value(),
			CreatedAt:  q.createdAt,
		},
	}
}

// Clone returns a copy that shares no slices with m.
func (m *ApprovalMetadata) Clone() *ApprovalMetadata {
	if m == nil {
		return nil
	}
	out := *m
	out.RiskAssessment.Factors = cloneStrings(m.RiskAssessment.Factors)
	out.RiskAssessment.MitigationMeasures = cloneStrings(m.RiskAssessment.MitigationMeasures)
	out.TablesAccessed = cloneStrings(m.TablesAccessed)
	out.PIIFields = cloneStrings(m.PIIFields)
	out.MedicalContext.DiseaseCodes = cloneStrings(m.MedicalContext.DiseaseCodes)
	out.MedicalContext.Terms = cloneStrings(m.MedicalContext.Terms)
	return &out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append(make([]string, 0, len(s)), s...)
}
