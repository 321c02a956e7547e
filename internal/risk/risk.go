// Package risk scores a set of risk factor tags into a 1-4 severity.
package risk

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Category string

const (
	CategoryLow      Category = "low"
	CategoryMedium   Category = "medium"
	CategoryHigh     Category = "high"
	CategoryCritical Category = "critical"
)

var categoryScore = map[Category]int{
	CategoryLow:      1,
	CategoryMedium:   2,
	CategoryHigh:     3,
	CategoryCritical: 4,
}

var scoreCategory = [...]Category{1: CategoryLow, 2: CategoryMedium, 3: CategoryHigh, 4: CategoryCritical}

// CategoryForScore clamps score into 1-4 and returns its category.
func CategoryForScore(score int) Category {
	if score < 1 {
		score = 1
	}
	if score > 4 {
		score = 4
	}
	return scoreCategory[score]
}

// Keyword families. A factor matches a family when its lower-cased text
// contains any of the family's keywords.
var (
	criticalKeywords = []string{"system_critical", "drop", "delete_all"}
	highKeywords     = []string{"delete", "truncate", "update", "insert", "patient_id", "ssn", "name", "email", "phone", "pii_access"}
	mediumKeywords   = []string{"personal_info", "medical_record", "diagnosis", "join", "union", "subquery", "patient_data"}
)

// Level is an immutable risk assessment. The zero value is not valid; use
// FromFactors or Of.
type Level struct {
	category Category
	factors  []string
}

// FromFactors scores factors. The result depends only on the set of
// distinct (case-folded) factors, never on their order or repetition.
func FromFactors(factors []string) Level {
	distinct := make(map[string]struct{}, len(factors))
	score := 1
	for _, f := range factors {
		tag := strings.ToLower(strings.TrimSpace(f))
		if tag == "" {
			continue
		}
		if _, seen := distinct[tag]; seen {
			continue
		}
		distinct[tag] = struct{}{}
		score = max(score, factorScore(tag))
	}

	switch n := len(distinct); {
	case n >= 4 && score >= 2:
		score = 4
	case n >= 3 && score >= 2:
		score = min(score+1, 4)
	}

	return Level{category: scoreCategory[score], factors: clone(factors)}
}

// Of rebuilds a Level from a persisted category and its factors without
// re-scoring.
func Of(category Category, factors []string) (Level, error) {
	if _, ok := categoryScore[category]; !ok {
		return Level{}, fmt.Errorf("unknown risk category %q", category)
	}
	return Level{category: category, factors: clone(factors)}, nil
}

func factorScore(tag string) int {
	switch {
	case containsAny(tag, criticalKeywords):
		return 4
	case containsAny(tag, highKeywords):
		return 3
	case containsAny(tag, mediumKeywords):
		return 2
	}
	return 1
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// AddFactor returns a new Level scored over the existing factors plus factor.
func (l Level) AddFactor(factor string) Level {
	next := make([]string, 0, len(l.factors)+1)
	next = append(next, l.factors...)
	next = append(next, factor)
	return FromFactors(next)
}

func (l Level) Category() Category { return l.category }

func (l Level) Score() int { return categoryScore[l.category] }

// Factors returns a copy of the factor tags in submission order.
func (l Level) Factors() []string { return clone(l.factors) }

func (l Level) RequiresApproval() bool { return l.Score() >= 2 }

func (l Level) RequiresSeniorApproval() bool { return l.Score() >= 3 }

// MaxExecutionTimeMinutes bounds how long an approved action may still run.
func (l Level) MaxExecutionTimeMinutes() int {
	switch l.Score() {
	case 4:
		return 5
	case 3:
		return 15
	case 2:
		return 30
	default:
		return 60
	}
}

func (l Level) String() string {
	return fmt.Sprintf("%s(%d)", l.category, l.Score())
}

// Summary is the serialized form of a Level.
type Summary struct {
	Level                   Category `json:"level"`
	Score                   int      `json:"score"`
	Factors                 []string `json:"factors"`
	RequiresApproval        bool     `json:"requires_approval"`
	RequiresSeniorApproval  bool     `json:"requires_senior_approval"`
	MaxExecutionTimeMinutes int      `json:"max_execution_time_minutes"`
}

func (l Level) Summary() Summary {
	factors := l.Factors()
	if factors == nil {
		factors = []string{}
	}
	return Summary{
		Level:                   l.category,
		Score:                   l.Score(),
		Factors:                 factors,
		RequiresApproval:        l.RequiresApproval(),
		RequiresSeniorApproval:  l.RequiresSeniorApproval(),
		MaxExecutionTimeMinutes: l.MaxExecutionTimeMinutes(),
	}
}

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Summary())
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	restored, err := Of(s.Level, s.Factors)
	if err != nil {
		return err
	}
	*l = restored
	return nil
}

func clone(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
