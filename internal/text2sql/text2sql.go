// Package text2sql adapts SQL generation engines to workflow.SQLGenerator.
package text2sql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/asan-idp/approvalgate/internal/workflow"
)

const (
	DefaultModel = "gpt-4o-mini"
	// LLMConfidence is reported for every model-generated query.
	LLMConfidence = 0.85
)

// SchemaContext describes the clinical data warehouse to the model.
const SchemaContext = `Tables:
1. dim_patient: patient_key, patient_name, age_group, gender, region
2. dim_department: dept_key, dept_name, dept_category
3. dim_diagnosis: diagnosis_key, kcd_code (KCD disease code), diagnosis_name, category
4. fact_visit: visit_key, patient_key (FK dim_patient), diagnosis_key (FK dim_diagnosis),
   dept_key (FK dim_department), visit_date, visit_count, duration_days, total_cost,
   visit_type (inpatient, outpatient, emergency)
5. fact_lab_test: test_key, patient_key, visit_key, test_name, test_date, test_value, unit, reference_range
6. fact_vital_signs: vital_key, patient_key, visit_key, measurement_time, vital_type, vital_value, unit
7. fact_medical_record: record_key, patient_key, visit_key, dept_key, record_type, record_date, record_content
8. fact_prescription: prescription_key, patient_key, visit_key, medication_name, medication_category,
   dosage, unit, frequency_per_day, duration_days, start_date, end_date

Common KCD codes: E11 diabetes, I10 hypertension, E78 hyperlipidemia, C% cancer, J% respiratory.`

const sqlSystemPrompt = `You are a SQL expert for a medical data warehouse running DuckDB.
Convert the user's question (Korean or English) into one SQL query.

Database schema:
%s

Rules:
1. Use explicit JOIN conditions.
2. Include appropriate WHERE clauses.
3. Use GROUP BY for aggregations.
4. Use CURRENT_DATE and INTERVAL for date arithmetic; never CURDATE() or DATE_SUB().
5. Return only the SQL query, no explanation.`

const explainSystemPrompt = "Explain in one or two short sentences, in the language of the question, what data the SQL query retrieves."

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// OpenAIGenerator generates SQL through an OpenAI-compatible chat API.
type OpenAIGenerator struct {
	client  *openai.Client
	model   string
	explain bool
	logger  *slog.Logger
}

func NewOpenAIGenerator(cfg Config, logger *slog.Logger) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("text2sql: OpenAI API key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	logger.Info("initializing OpenAI SQL generator", "model", model)

	return &OpenAIGenerator{
		client:  openai.NewClientWithConfig(oc),
		model:   model,
		explain: true,
		logger:  logger,
	}, nil
}

// WithoutExplanation skips the second completion call.
func (g *OpenAIGenerator) WithoutExplanation() *OpenAIGenerator {
	g.explain = false
	return g
}

func (g *OpenAIGenerator) Generate(ctx context.Context, question string) (workflow.Generation, error) {
	if strings.TrimSpace(question) == "" {
		return workflow.Generation{}, errors.New("question is required")
	}

	raw, err := g.complete(ctx, fmt.Sprintf(sqlSystemPrompt, SchemaContext), question)
	if err != nil {
		return workflow.Generation{}, err
	}
	sql := StripFences(raw)
	if sql == "" {
		return workflow.Generation{}, errors.New("OpenAI returned an empty query")
	}

	gen := workflow.Generation{SQL: sql, Confidence: LLMConfidence}
	if g.explain {
		explanation, err := g.complete(ctx, explainSystemPrompt, "Question: "+question+"\nSQL:\n"+sql)
		if err != nil {
			g.logger.Warn("failed to generate SQL explanation", "error", err)
		} else {
			gen.Explanation = strings.TrimSpace(explanation)
		}
	}
	return gen, nil
}

func (g *OpenAIGenerator) complete(ctx context.Context, system, user string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	}

	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		g.logger.Error("OpenAI API call failed", "error", err)
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("OpenAI returned no choices")
	}
	g.logger.Debug("received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

// StripFences removes a surrounding markdown code fence, with or without a
// language tag.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		if tag := strings.TrimSpace(s[:nl]); tag == "" || !strings.ContainsAny(tag, " \t") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

var (
	_ workflow.SQLGenerator = (*OpenAIGenerator)(nil)
	_ workflow.SQLGenerator = (*RuleGenerator)(nil)
)
