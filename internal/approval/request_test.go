package approval

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/asan-idp/approvalgate/internal/models"
	"github.com/asan-idp/approvalgate/internal/risk"
	"github.com/asan-idp/approvalgate/internal/sqlreview"
)

type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newRequest(t *testing.T, clock *testClock, factors []string, opts ...Option) *Request {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	r, err := New(Params{
		Type:        models.ApprovalTypeSQLExecution,
		Title:       "SQL Execution: monthly diabetes count",
		Description: "count patients",
		RequesterID: "dr.kim",
		Risk:        risk.FromFactors(factors),
	}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestNew_Defaults(t *testing.T) {
	clock := newTestClock()
	r := newRequest(t, clock, nil)

	if r.Status() != models.StatusPending {
		t.Errorf("expected pending, got %s", r.Status())
	}
	if r.Priority() != models.PriorityMedium {
		t.Errorf("expected medium priority, got %s", r.Priority())
	}
	if !r.ExpiresAt().Equal(clock.now.Add(24 * time.Hour)) {
		t.Errorf("expected 24h expiry, got %v", r.ExpiresAt())
	}
	if !r.CreatedAt().Equal(r.UpdatedAt()) {
		t.Error("expected created_at == updated_at on creation")
	}
	if r.Decision() != nil {
		t.Error("expected no decision")
	}
	if r.Metadata().SchemaVersion != MetadataSchemaVersion {
		t.Errorf("expected schema version %d", MetadataSchemaVersion)
	}
	if r.Version() != 0 {
		t.Errorf("expected version 0, got %d", r.Version())
	}
	if _, err := uuid.Parse(r.ID()); err != nil {
		t.Errorf("expected uuid id, got %q", r.ID())
	}
}

func TestNew_Validation(t *testing.T) {
	base := Params{
		Type:        models.ApprovalTypeSQLExecution,
		Title:       "t",
		RequesterID: "u",
		Risk:        risk.FromFactors(nil),
	}

	tests := []struct {
		name   string
		mutate func(p *Params)
	}{
		{"unknown type", func(p *Params) { p.Type = "launch_missiles" }},
		{"no requester", func(p *Params) { p.RequesterID = " " }},
		{"no title", func(p *Params) { p.Title = "" }},
		{"no risk", func(p *Params) { p.Risk = risk.Level{} }},
		{"bad priority", func(p *Params) { p.Priority = "asap" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			if _, err := New(p); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestRequiredApproverLevel(t *testing.T) {
	tests := []struct {
		factors []string
		level   models.ApproverLevel
	}{
		{[]string{"select_query"}, models.ApproverSupervisor},
		{[]string{"patient_data"}, models.ApproverManager},
		{[]string{"dangerous_keyword_delete", "pii_access_ssn"}, models.ApproverSeniorManager},
		{[]string{"dangerous_keyword_drop", "system_critical", "pii_access_name", "pii_access_ssn"}, models.ApproverChiefOfficer},
	}

	for _, tt := range tests {
		r := newRequest(t, newTestClock(), tt.factors)
		if r.RequiredApproverLevel() != tt.level {
			t.Errorf("%v: expected %s, got %s", tt.factors, tt.level, r.RequiredApproverLevel())
		}
	}
}

func TestApprove(t *testing.T) {
	clock := newTestClock()
	r := newRequest(t, clock, nil)
	clock.Advance(10 * time.Minute)

	if err := r.Approve("chief.lee", "", []string{"mask ssn"}, 30*time.Minute); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	d := r.Decision()
	if !r.IsApproved() || !d.Approved {
		t.Fatal("expected approved")
	}
	if d.Reason != DefaultApproveReason {
		t.Errorf("expected default reason, got %q", d.Reason)
	}
	if d.ApproverID != "chief.lee" || len(d.Conditions) != 1 {
		t.Errorf("unexpected decision %+v", d)
	}
	if !d.DecidedAt.Equal(clock.now) || !r.UpdatedAt().Equal(clock.now) {
		t.Errorf("expected decided_at and updated_at at %v", clock.now)
	}
	if d.ExpiresAt == nil || !d.ExpiresAt.Equal(clock.now.Add(30*time.Minute)) {
		t.Errorf("expected execution deadline 30m out, got %v", d.ExpiresAt)
	}
	if r.ExecutionRemainingMinutes() != 30 {
		t.Errorf("expected 30 execution minutes, got %d", r.ExecutionRemainingMinutes())
	}
}

func TestApprove_Twice(t *testing.T) {
	r := newRequest(t, newTestClock(), nil)
	if err := r.Approve("a", "ok", nil, time.Hour); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	if err := r.Approve("a", "ok", nil, time.Hour); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if err := r.Reject("a", "no"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on reject, got %v", err)
	}
}

func TestNegativeExpiry(t *testing.T) {
	clock := newTestClock()
	r := newRequest(t, clock, nil, WithExpiresIn(-time.Hour))

	if !r.IsExpired() {
		t.Fatal("expected request to be expired immediately")
	}
	if r.IsPending() {
		t.Error("expected IsPending false for an expired request")
	}
	if err := r.Approve("a", "", nil, time.Hour); !errors.Is(err, ErrRequestExpired) {
		t.Errorf("expected ErrRequestExpired, got %v", err)
	}
	if err := r.Reject("a", ""); !errors.Is(err, ErrRequestExpired) {
		t.Errorf("expected ErrRequestExpired on reject, got %v", err)
	}
	if !r.MarkExpired() {
		t.Fatal("expected MarkExpired to change status")
	}
	if r.Status() != models.StatusExpired {
		t.Errorf("expected expired, got %s", r.Status())
	}
}

func TestMarkExpired_Idempotent(t *testing.T) {
	clock := newTestClock()
	r := newRequest(t, clock, nil)

	clock.Advance(time.Minute)
	if !r.MarkExpired() {
		t.Fatal("expected first call to expire")
	}
	first := r.UpdatedAt()

	clock.Advance(time.Minute)
	if r.MarkExpired() {
		t.Error("expected second call to be a no-op")
	}
	if r.Status() != models.StatusExpired {
		t.Errorf("expected expired, got %s", r.Status())
	}
	if !r.UpdatedAt().Equal(first) {
		t.Errorf("expected updated_at unchanged, got %v want %v", r.UpdatedAt(), first)
	}
}

func TestMarkExpired_KeepsDecidedStatus(t *testing.T) {
	r := newRequest(t, newTestClock(), nil)
	_ = r.Reject("a", "no")
	if r.MarkExpired() {
		t.Error("expected no change on a rejected request")
	}
	if r.Status() != models.StatusRejected {
		t.Errorf("expected rejected, got %s", r.Status())
	}
}

func TestApprove_ZeroWindow(t *testing.T) {
	r := newRequest(t, newTestClock(), nil)
	if err := r.Approve("a", "", nil, 0); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !r.IsExecutionExpired() {
		t.Error("expected execution window to be closed")
	}
	if r.IsExpired() {
		t.Error("expected request itself to stay unexpired")
	}
}

func TestExecutionWindowExpires(t *testing.T) {
	clock := newTestClock()
	r := newRequest(t, clock, nil)
	if err := r.Approve("a", "", nil, 60*time.Minute); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if r.IsExecutionExpired() {
		t.Fatal("expected open execution window")
	}

	clock.Advance(61 * time.Minute)
	if !r.IsExecutionExpired() {
		t.Error("expected execution window to be expired")
	}
	if r.ExecutionRemainingMinutes() != 0 {
		t.Errorf("expected 0 execution minutes, got %d", r.ExecutionRemainingMinutes())
	}
	if r.Status() != models.StatusApproved {
		t.Errorf("expected approval to stand, got %s", r.Status())
	}
}

func TestReject(t *testing.T) {
	r := newRequest(t, newTestClock(), nil)
	if err := r.Reject("mgr.park", ""); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	d := r.Decision()
	if d.Approved || d.Reason != DefaultRejectReason || d.ExpiresAt != nil {
		t.Errorf("unexpected decision %+v", d)
	}
	if r.IsExecutionExpired() || r.ExecutionRemainingMinutes() != 0 {
		t.Error("expected no execution window on rejection")
	}
}

func TestCancel(t *testing.T) {
	r := newRequest(t, newTestClock(), nil)
	if err := r.Cancel(""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if r.Status() != models.StatusCancelled {
		t.Errorf("expected cancelled, got %s", r.Status())
	}
	if r.Metadata().CancellationReason != DefaultCancelReason {
		t.Errorf("expected default reason, got %q", r.Metadata().CancellationReason)
	}
	if err := r.Cancel("again"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if err := r.Approve("a", "", nil, time.Hour); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on approve after cancel, got %v", err)
	}
}

func TestExtendExpiration(t *testing.T) {
	clock := newTestClock()
	r := newRequest(t, clock, nil)
	before := r.ExpiresAt()

	clock.Advance(time.Minute)
	if err := r.ExtendExpiration(2 * time.Hour); err != nil {
		t.Fatalf("ExtendExpiration: %v", err)
	}
	if !r.ExpiresAt().Equal(before.Add(2 * time.Hour)) {
		t.Errorf("expected expiry %v, got %v", before.Add(2*time.Hour), r.ExpiresAt())
	}
	if !r.UpdatedAt().Equal(clock.now) {
		t.Error("expected updated_at bumped")
	}

	r.MarkExpired()
	if err := r.ExtendExpiration(time.Hour); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestUpdatePriority(t *testing.T) {
	r := newRequest(t, newTestClock(), nil)
	if err := r.UpdatePriority(models.PriorityUrgent); err != nil {
		t.Fatalf("UpdatePriority: %v", err)
	}
	if r.Priority() != models.PriorityUrgent {
		t.Errorf("expected urgent, got %s", r.Priority())
	}
	if err := r.UpdatePriority("later"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
	_ = r.Cancel("")
	if err := r.UpdatePriority(models.PriorityLow); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestRemainingMinutes(t *testing.T) {
	clock := newTestClock()
	r := newRequest(t, clock, nil, WithExpiresIn(2*time.Hour))

	if r.RemainingMinutes() != 120 {
		t.Errorf("expected 120, got %d", r.RemainingMinutes())
	}
	clock.Advance(90*time.Minute + 30*time.Second)
	if r.RemainingMinutes() != 29 {
		t.Errorf("expected 29, got %d", r.RemainingMinutes())
	}
	clock.Advance(time.Hour)
	if r.RemainingMinutes() != 0 {
		t.Errorf("expected 0 after expiry, got %d", r.RemainingMinutes())
	}
}

func TestRequiresUrgentAttention(t *testing.T) {
	clock := newTestClock()

	if r := newRequest(t, clock, nil); r.RequiresUrgentAttention() {
		t.Error("expected a low-risk 24h request to be routine")
	}
	if r := newRequest(t, clock, []string{"system_critical"}); !r.RequiresUrgentAttention() {
		t.Error("expected critical risk to be urgent")
	}
	if r := newRequest(t, clock, nil, WithExpiresIn(30*time.Minute)); !r.RequiresUrgentAttention() {
		t.Error("expected short expiry to be urgent")
	}
	r := newRequest(t, clock, nil)
	_ = r.UpdatePriority(models.PriorityUrgent)
	if !r.RequiresUrgentAttention() {
		t.Error("expected urgent priority to be urgent")
	}
}

func TestView_JSON(t *testing.T) {
	clock := newTestClock()
	r := newRequest(t, clock, []string{"patient_data"})
	_ = r.Approve("a", "", []string{"no export"}, time.Hour)

	data, err := json.Marshal(r.View())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	for _, key := range []string{"id", "type", "title", "status", "priority", "risk_level", "requester_id",
		"required_approver_level", "created_at", "expires_at", "updated_at", "is_expired",
		"remaining_minutes", "requires_urgent_attention", "metadata", "decision"} {
		if _, ok := m[key]; !ok {
			t.Errorf("expected key %q in view", key)
		}
	}
	decision := m["decision"].(map[string]interface{})
	for _, key := range []string{"approved", "approver_id", "reason", "decided_at", "conditions",
		"expires_at", "execution_expired", "execution_remaining_minutes"} {
		if _, ok := decision[key]; !ok {
			t.Errorf("expected key %q in decision", key)
		}
	}
	if m["required_approver_level"] != "manager" {
		t.Errorf("expected manager, got %v", m["required_approver_level"])
	}
}

func TestReviewPayload_FlattensMetadata(t *testing.T) {
	clock := newTestClock()
	r, err := New(Params{
		Type:        models.ApprovalTypeSQLExecution,
		Title:       "t",
		RequesterID: "u",
		Risk:        risk.FromFactors(nil),
		Metadata:    Metadata{SQLQueryID: "q-1", Extensions: map[string]interface{}{"ward": "ICU"}},
	}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	data, _ := json.Marshal(r.ReviewPayload())
	var m map[string]interface{}
	_ = json.Unmarshal(data, &m)
	if m["type"] != "approval_request" {
		t.Errorf("expected type approval_request, got %v", m["type"])
	}
	md := m["metadata"].(map[string]interface{})
	if md["request_type"] != "sql_execution" || md["sql_query_id"] != "q-1" {
		t.Errorf("unexpected metadata %v", md)
	}
	if md["urgent"] != false || md["remaining_minutes"].(float64) != 1440 {
		t.Errorf("unexpected routing fields %v", md)
	}
	ext := md["extensions"].(map[string]interface{})
	if ext["ward"] != "ICU" {
		t.Errorf("expected extension ward=ICU, got %v", ext)
	}
}

func TestSnapshotRestore(t *testing.T) {
	clock := newTestClock()
	r := newRequest(t, clock, []string{"dangerous_keyword_delete", "pii_access_ssn"})
	_ = r.Approve("a", "ok", []string{"c1"}, time.Hour)
	r.SetVersion(3)

	restored, err := Restore(r.Snapshot(), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.ID() != r.ID() || restored.Status() != models.StatusApproved || restored.Version() != 3 {
		t.Errorf("unexpected restored request %v v%d", restored, restored.Version())
	}
	if restored.Risk().Score() != 3 || restored.RequiredApproverLevel() != models.ApproverSeniorManager {
		t.Errorf("unexpected risk %s / %s", restored.Risk(), restored.RequiredApproverLevel())
	}
	if restored.Decision().Conditions[0] != "c1" {
		t.Errorf("unexpected decision %+v", restored.Decision())
	}

	if _, err := Restore(Snapshot{ID: "x", Status: "weird", Type: models.ApprovalTypeSQLExecution}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for unknown status, got %v", err)
	}
}

func TestMetadataIsolation(t *testing.T) {
	r := newRequest(t, newTestClock(), nil)
	md := r.Metadata()
	md.Extensions = map[string]interface{}{"x": 1}
	md.CancellationReason = "tampered"
	if r.Metadata().CancellationReason != "" || r.Metadata().Extensions != nil {
		t.Error("expected metadata copies not to leak into the aggregate")
	}
}

func TestMetadataIsolation_AnalysisSlices(t *testing.T) {
	clock := newTestClock()
	analysis := &sqlreview.ApprovalMetadata{
		RiskAssessment: sqlreview.RiskAssessment{Factors: []string{"pii_access"}},
		TablesAccessed: []string{"patients"},
		PIIFields:      []string{"name"},
		MedicalContext: sqlreview.MedicalContext{DiseaseCodes: []string{"E11"}},
	}
	r := newRequest(t, clock, nil)
	restored, err := Restore(func() Snapshot {
		snap := r.Snapshot()
		snap.Metadata.Analysis = analysis
		return snap
	}())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}

	analysis.PIIFields[0] = "caller-owned"
	md := restored.Metadata()
	md.Analysis.TablesAccessed[0] = "tampered"
	md.Analysis.RiskAssessment.Factors[0] = "tampered"
	restored.Snapshot().Metadata.Analysis.MedicalContext.DiseaseCodes[0] = "tampered"

	got := restored.Metadata().Analysis
	if got.PIIFields[0] != "name" || got.TablesAccessed[0] != "patients" ||
		got.RiskAssessment.Factors[0] != "pii_access" || got.MedicalContext.DiseaseCodes[0] != "E11" {
		t.Errorf("expected analysis slices not to be shared, got %+v", got)
	}
	if got.MedicalContext.Terms != nil {
		t.Error("expected nil slices to stay nil")
	}
}
