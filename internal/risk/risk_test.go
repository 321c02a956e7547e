package risk

import (
	"encoding/json"
	"testing"
)

func TestFromFactors(t *testing.T) {
	tests := []struct {
		name     string
		factors  []string
		category Category
		score    int
	}{
		{"no factors", nil, CategoryLow, 1},
		{"unknown factor", []string{"select_query"}, CategoryLow, 1},
		{"medium factor", []string{"patient_data"}, CategoryMedium, 2},
		{"high factor", []string{"dangerous_keyword_delete"}, CategoryHigh, 3},
		{"critical factor", []string{"system_critical"}, CategoryCritical, 4},
		{"case insensitive", []string{"DANGEROUS_KEYWORD_DROP"}, CategoryCritical, 4},
		{"high pair", []string{"dangerous_keyword_delete", "pii_access_ssn"}, CategoryHigh, 3},
		{"three medium escalate one level", []string{"join_a", "union_b", "diagnosis_c"}, CategoryHigh, 3},
		{"three high escalate to critical", []string{"pii_access_name", "pii_access_email", "pii_access_phone"}, CategoryCritical, 4},
		{"four medium escalate to critical", []string{"join_a", "union_b", "diagnosis_c", "subquery_usage"}, CategoryCritical, 4},
		{"three low stay low", []string{"a", "b", "c"}, CategoryLow, 1},
		{"four low stay low", []string{"a", "b", "c", "d"}, CategoryLow, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := FromFactors(tt.factors)
			if l.Category() != tt.category {
				t.Errorf("expected category %s, got %s", tt.category, l.Category())
			}
			if l.Score() != tt.score {
				t.Errorf("expected score %d, got %d", tt.score, l.Score())
			}
		})
	}
}

func TestFromFactors_DuplicatesDoNotEscalate(t *testing.T) {
	once := FromFactors([]string{"patient_data", "join_query"})
	repeated := FromFactors([]string{"patient_data", "join_query", "PATIENT_DATA", "join_query"})

	if once.Score() != repeated.Score() {
		t.Errorf("expected duplicates to keep score %d, got %d", once.Score(), repeated.Score())
	}
	if len(repeated.Factors()) != 4 {
		t.Errorf("expected factor provenance to keep all 4 tags, got %d", len(repeated.Factors()))
	}
}

func TestFromFactors_OrderIndependent(t *testing.T) {
	a := FromFactors([]string{"join", "pii_access_ssn", "x"})
	b := FromFactors([]string{"x", "pii_access_ssn", "join"})
	if a.Score() != b.Score() {
		t.Errorf("expected order independence, got %d and %d", a.Score(), b.Score())
	}
}

func TestFromFactors_Monotonic(t *testing.T) {
	pool := []string{"select_query", "patient_data", "join", "dangerous_keyword_update", "system_critical", "misc", "union"}

	// Every prefix is a subset of the next one.
	prev := 0
	for i := 0; i <= len(pool); i++ {
		s := FromFactors(pool[:i]).Score()
		if s < prev {
			t.Fatalf("score dropped from %d to %d after adding %v", prev, s, pool[:i])
		}
		prev = s
	}

	// Every subset of a small pool scores no higher than the full pool.
	small := pool[:5]
	full := FromFactors(small).Score()
	for mask := 0; mask < 1<<len(small); mask++ {
		var subset []string
		for j := range small {
			if mask&(1<<j) != 0 {
				subset = append(subset, small[j])
			}
		}
		if s := FromFactors(subset).Score(); s > full {
			t.Errorf("subset %v scored %d above superset %d", subset, s, full)
		}
	}
}

func TestCategoryScoreBijection(t *testing.T) {
	for score := 1; score <= 4; score++ {
		c := CategoryForScore(score)
		l, err := Of(c, nil)
		if err != nil {
			t.Fatalf("Of(%s): %v", c, err)
		}
		if l.Score() != score {
			t.Errorf("expected %s to map back to %d, got %d", c, score, l.Score())
		}
	}
	if _, err := Of("severe", nil); err == nil {
		t.Error("expected error for unknown category")
	}
}

func TestDerivedPolicy(t *testing.T) {
	tests := []struct {
		category Category
		approval bool
		senior   bool
		minutes  int
	}{
		{CategoryLow, false, false, 60},
		{CategoryMedium, true, false, 30},
		{CategoryHigh, true, true, 15},
		{CategoryCritical, true, true, 5},
	}

	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			l, _ := Of(tt.category, nil)
			if l.RequiresApproval() != tt.approval {
				t.Errorf("expected RequiresApproval=%v", tt.approval)
			}
			if l.RequiresSeniorApproval() != tt.senior {
				t.Errorf("expected RequiresSeniorApproval=%v", tt.senior)
			}
			if l.MaxExecutionTimeMinutes() != tt.minutes {
				t.Errorf("expected %d minutes, got %d", tt.minutes, l.MaxExecutionTimeMinutes())
			}
		})
	}
}

func TestAddFactor_ReturnsNewLevel(t *testing.T) {
	base := FromFactors([]string{"patient_data"})
	next := base.AddFactor("dangerous_keyword_drop")

	if base.Score() != 2 || len(base.Factors()) != 1 {
		t.Errorf("expected base to stay medium with 1 factor, got %s %v", base, base.Factors())
	}
	if next.Score() != 4 {
		t.Errorf("expected critical after adding drop, got %s", next)
	}
	if len(next.Factors()) != 2 {
		t.Errorf("expected 2 factors, got %v", next.Factors())
	}
}

func TestFactorsCopy(t *testing.T) {
	in := []string{"patient_data"}
	l := FromFactors(in)
	in[0] = "system_critical"
	out := l.Factors()
	out[0] = "changed"
	if l.Factors()[0] != "patient_data" {
		t.Errorf("expected factors to be isolated from callers, got %v", l.Factors())
	}
}

func TestLevelJSON(t *testing.T) {
	l := FromFactors([]string{"dangerous_keyword_delete", "pii_access_ssn"})
	data, err := json.Marshal(l)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal map: %v", err)
	}
	if m["level"] != "high" || m["score"].(float64) != 3 || m["requires_senior_approval"] != true {
		t.Errorf("unexpected summary %s", data)
	}

	var back Level
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal level: %v", err)
	}
	if back.Category() != CategoryHigh || len(back.Factors()) != 2 {
		t.Errorf("expected round trip, got %s %v", back, back.Factors())
	}
}
