package workflow_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/asan-idp/approvalgate/internal/approval"
	"github.com/asan-idp/approvalgate/internal/models"
	"github.com/asan-idp/approvalgate/internal/risk"
	"github.com/asan-idp/approvalgate/internal/store"
	"github.com/asan-idp/approvalgate/internal/workflow"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeReview struct {
	mu        sync.Mutex
	createErr error
	statusErr error
	approvers []workflow.Approver
	status    workflow.ReviewStatus
	created   []string
	updates   []models.ApprovalStatus
	cancelled []string
}

func (f *fakeReview) CreateApprovalRequest(ctx context.Context, r *approval.Request) (workflow.ReviewAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return workflow.ReviewAck{}, f.createErr
	}
	f.created = append(f.created, r.ID())
	return workflow.ReviewAck{ExternalID: "ext-" + r.ID(), Status: "created"}, nil
}

func (f *fakeReview) UpdateApprovalStatus(ctx context.Context, id string, status models.ApprovalStatus, extra map[string]interface{}) (workflow.ReviewAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, status)
	return workflow.ReviewAck{ExternalID: "ext-" + id, Status: string(status)}, nil
}

func (f *fakeReview) GetApprovalStatus(ctx context.Context, id string) (workflow.ReviewStatus, error) {
	if f.statusErr != nil {
		return workflow.ReviewStatus{}, f.statusErr
	}
	return f.status, nil
}

func (f *fakeReview) CancelApprovalRequest(ctx context.Context, id string) (workflow.ReviewAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return workflow.ReviewAck{ExternalID: "ext-" + id, Status: "cancelled"}, nil
}

func (f *fakeReview) GetAvailableApprovers(ctx context.Context, level models.ApproverLevel) ([]workflow.Approver, error) {
	return f.approvers, nil
}

type fakeNotifier struct {
	mu            sync.Mutex
	urgent        [][]string
	requester     []models.NotificationKind
	approvers     int
	expirations   []string
	decisions     []string
	expirationErr map[string]error
}

func (f *fakeNotifier) SendUrgentNotification(ctx context.Context, r *approval.Request, recipients []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urgent = append(f.urgent, recipients)
	return nil
}

func (f *fakeNotifier) NotifyRequester(ctx context.Context, r *approval.Request, message string, kind models.NotificationKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requester = append(f.requester, kind)
	return nil
}

func (f *fakeNotifier) NotifyApprovers(ctx context.Context, r *approval.Request, approvers []string, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvers++
	return nil
}

func (f *fakeNotifier) NotifyExpiration(ctx context.Context, r *approval.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expirations = append(f.expirations, r.ID())
	return f.expirationErr[r.ID()]
}

func (f *fakeNotifier) SendApprovalDecisionNotification(ctx context.Context, r *approval.Request, decisionKind, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, decisionKind)
	return nil
}

// countingRepo wraps a repository to count batch saves and inject failures.
type countingRepo struct {
	workflow.Repository
	batchCalls int
	batchErr   error
	saveErr    error
	listErr    error
}

func (c *countingRepo) Save(ctx context.Context, r *approval.Request) error {
	if c.saveErr != nil {
		return c.saveErr
	}
	return c.Repository.Save(ctx, r)
}

func (c *countingRepo) SaveBatch(ctx context.Context, rs []*approval.Request) error {
	c.batchCalls++
	if c.batchErr != nil {
		return c.batchErr
	}
	return c.Repository.SaveBatch(ctx, rs)
}

func (c *countingRepo) ListWithFilters(ctx context.Context, f workflow.ListFilter, page, pageSize int) ([]*approval.Request, int, error) {
	if c.listErr != nil {
		return nil, 0, c.listErr
	}
	return c.Repository.ListWithFilters(ctx, f, page, pageSize)
}

type harness struct {
	svc      *workflow.Service
	repo     *countingRepo
	mem      *store.MemoryStore
	review   *fakeReview
	notifier *fakeNotifier
	clock    *testClock
}

func newHarness(t *testing.T, opts ...workflow.Option) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	mem := store.NewMemory().WithClock(clock.Now)
	repo := &countingRepo{Repository: mem}
	review := &fakeReview{}
	notifier := &fakeNotifier{}
	base := []workflow.Option{
		workflow.WithClock(clock.Now),
		workflow.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	svc := workflow.NewService(repo, review, notifier, append(base, opts...)...)
	return &harness{svc: svc, repo: repo, mem: mem, review: review, notifier: notifier, clock: clock}
}

func (h *harness) create(t *testing.T, sql, nl string) workflow.CreateResult {
	t.Helper()
	res := h.svc.Create(context.Background(), workflow.CreateInput{
		SQL:             sql,
		NaturalLanguage: nl,
		RequesterID:     "dr.kim",
	})
	if !res.Success {
		t.Fatalf("Create failed: %+v", res.Error)
	}
	return res
}

func intPtr(v int) *int { return &v }

func TestCreate_LowRiskAggregate(t *testing.T) {
	h := newHarness(t)
	res := h.create(t, "SELECT COUNT(*) FROM patients", "How many patients?")

	v := res.Request
	if v.Status != models.StatusPending {
		t.Errorf("expected pending, got %s", v.Status)
	}
	if v.RiskLevel.Level != risk.CategoryLow {
		t.Errorf("expected low risk, got %s", v.RiskLevel.Level)
	}
	if v.RequiredApproverLevel != models.ApproverSupervisor {
		t.Errorf("expected supervisor, got %s", v.RequiredApproverLevel)
	}
	if v.Title != "SQL Execution: How many patients?" {
		t.Errorf("unexpected title %q", v.Title)
	}
	if !v.ExpiresAt.Equal(v.CreatedAt.Add(24 * time.Hour)) {
		t.Errorf("expected 24h expiry")
	}
	if res.Review == nil || res.Review.ExternalID == "" {
		t.Error("expected review acknowledgement")
	}
	if len(h.notifier.urgent) != 0 {
		t.Error("low-risk request must not page approvers")
	}
	if len(h.notifier.requester) != 1 || h.notifier.requester[0] != models.KindSuccess {
		t.Errorf("expected one success notice, got %v", h.notifier.requester)
	}
	if v.Metadata.Analysis == nil || v.Metadata.Analysis.SQL != "SELECT COUNT(*) FROM patients" {
		t.Error("expected analysis in metadata")
	}
}

func TestCreate_PIIColumnIsHighRisk(t *testing.T) {
	h := newHarness(t)
	res := h.create(t, "SELECT name FROM patients WHERE ward = '7A'", "Names on ward 7A")

	if res.Request.RiskLevel.Level != risk.CategoryHigh {
		t.Errorf("expected high risk, got %s", res.Request.RiskLevel.Level)
	}
	if res.Request.RequiredApproverLevel != models.ApproverSeniorManager {
		t.Errorf("expected senior_manager, got %s", res.Request.RequiredApproverLevel)
	}
}

func TestCreate_CriticalPagesApprovers(t *testing.T) {
	h := newHarness(t)
	h.review.approvers = []workflow.Approver{{ID: "cmo", Level: models.ApproverChiefOfficer}}

	sql := "SELECT p.name, p.ssn, p.phone FROM patients p JOIN diagnoses d ON p.id = d.patient_id " +
		"WHERE p.id IN (SELECT patient_id FROM visits) UNION SELECT name, ssn, phone FROM archived"
	res := h.create(t, sql, "Contact list")

	if res.Request.RiskLevel.Level != risk.CategoryCritical {
		t.Fatalf("expected critical, got %s (%v)", res.Request.RiskLevel.Level, res.Request.RiskLevel.Factors)
	}
	if !res.Request.RequiresUrgentAttention {
		t.Error("expected urgent attention")
	}
	if len(h.notifier.urgent) != 1 || h.notifier.urgent[0][0] != "cmo" {
		t.Errorf("expected page to cmo, got %v", h.notifier.urgent)
	}
}

func TestCreate_UrgentFallsBackToLevelGroup(t *testing.T) {
	h := newHarness(t)
	res := h.svc.Create(context.Background(), workflow.CreateInput{
		SQL:             "SELECT COUNT(*) FROM patients",
		NaturalLanguage: "count",
		RequesterID:     "dr.kim",
		Priority:        models.PriorityUrgent,
	})
	if !res.Success {
		t.Fatal(res.Error)
	}
	if len(h.notifier.urgent) != 1 || h.notifier.urgent[0][0] != "approver_supervisor" {
		t.Errorf("expected fallback audience, got %v", h.notifier.urgent)
	}
}

func TestCreate_Rejections(t *testing.T) {
	tests := []struct {
		name string
		in   workflow.CreateInput
		code workflow.ErrorCode
	}{
		{"dangerous", workflow.CreateInput{SQL: "DROP TABLE patients", NaturalLanguage: "x", RequesterID: "a"}, workflow.CodeInvalidSQLSyntax},
		{"empty sql", workflow.CreateInput{SQL: "  ", NaturalLanguage: "x", RequesterID: "a"}, workflow.CodeInvalidSQLSyntax},
		{"typo", workflow.CreateInput{SQL: "SELECT * FORM patients", NaturalLanguage: "x", RequesterID: "a"}, workflow.CodeInvalidSQLSyntax},
		{"no requester", workflow.CreateInput{SQL: "SELECT 1 FROM t", NaturalLanguage: "x"}, workflow.CodeInvalidRequest},
		{"no question", workflow.CreateInput{SQL: "SELECT 1 FROM t", RequesterID: "a"}, workflow.CodeInvalidRequest},
		{"bad priority", workflow.CreateInput{SQL: "SELECT 1 FROM t", NaturalLanguage: "x", RequesterID: "a", Priority: "whenever"}, workflow.CodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			res := h.svc.Create(context.Background(), tt.in)
			if res.Success {
				t.Fatal("expected failure")
			}
			if res.Error.Code != tt.code {
				t.Errorf("expected %s, got %s (%s)", tt.code, res.Error.Code, res.Error.Message)
			}
			if n, _ := h.mem.CountByStatus(context.Background(), models.StatusPending); n != 0 {
				t.Errorf("nothing should be stored, found %d", n)
			}
		})
	}
}

func TestCreate_ReviewChannelFailureKeepsRequest(t *testing.T) {
	h := newHarness(t)
	h.review.createErr = errors.New("review service down")

	res := h.svc.Create(context.Background(), workflow.CreateInput{
		SQL: "SELECT COUNT(*) FROM patients", NaturalLanguage: "count", RequesterID: "dr.kim",
	})
	if res.Success || res.Error.Code != workflow.CodeCreationFailed {
		t.Fatalf("expected creation_failed, got %+v", res)
	}
	if res.ApprovalID == "" {
		t.Fatal("expected approval id on partial failure")
	}
	stored, _ := h.mem.GetByID(context.Background(), res.ApprovalID)
	if stored == nil || stored.Status() != models.StatusPending {
		t.Error("expected request to remain stored as pending")
	}
}

func TestProcessDecision_ApproveHighRisk(t *testing.T) {
	h := newHarness(t)
	created := h.create(t, "SELECT name FROM patients WHERE ward = '7A'", "ward names")

	h.clock.Advance(10 * time.Minute)
	res := h.svc.ProcessDecision(context.Background(), workflow.DecisionInput{
		ApprovalID: created.ApprovalID,
		ApproverID: "mgr.park",
		Decision:   workflow.DecisionApprove,
		Reason:     "research protocol 22",
	})
	if !res.Success {
		t.Fatalf("decision failed: %+v", res.Error)
	}
	if res.Status != models.StatusApproved {
		t.Errorf("expected approved, got %s", res.Status)
	}
	// High risk executes within 15 minutes.
	want := res.DecidedAt.Add(15 * time.Minute)
	if res.ExecutionExpiresAt == nil || !res.ExecutionExpiresAt.Equal(want) {
		t.Errorf("expected execution deadline %v, got %v", want, res.ExecutionExpiresAt)
	}
	if len(h.review.updates) != 1 || h.review.updates[0] != models.StatusApproved {
		t.Errorf("expected review mirror, got %v", h.review.updates)
	}
	last := h.notifier.requester[len(h.notifier.requester)-1]
	if last != models.KindSuccess {
		t.Errorf("expected success notice, got %s", last)
	}

	again := h.svc.ProcessDecision(context.Background(), workflow.DecisionInput{
		ApprovalID: created.ApprovalID, ApproverID: "mgr.park", Decision: workflow.DecisionReject,
	})
	if again.Success || again.Error.Code != workflow.CodeInvalidState {
		t.Errorf("expected invalid_state, got %+v", again.Error)
	}
}

func TestProcessDecision_RejectUsesDefaultReason(t *testing.T) {
	h := newHarness(t)
	created := h.create(t, "SELECT COUNT(*) FROM patients", "count")

	res := h.svc.ProcessDecision(context.Background(), workflow.DecisionInput{
		ApprovalID: created.ApprovalID, ApproverID: "sup.lee", Decision: workflow.DecisionReject,
	})
	if !res.Success {
		t.Fatal(res.Error)
	}
	if res.Reason != approval.DefaultRejectReason {
		t.Errorf("expected default reason, got %q", res.Reason)
	}
	if res.ExecutionExpiresAt != nil {
		t.Error("rejection must not open an execution window")
	}
	last := h.notifier.requester[len(h.notifier.requester)-1]
	if last != models.KindWarning {
		t.Errorf("expected warning notice, got %s", last)
	}
}

func TestProcessDecision_Errors(t *testing.T) {
	h := newHarness(t)
	created := h.create(t, "SELECT COUNT(*) FROM patients", "count")
	ctx := context.Background()

	bad := h.svc.ProcessDecision(ctx, workflow.DecisionInput{ApprovalID: created.ApprovalID, ApproverID: "a", Decision: "maybe"})
	if bad.Error == nil || bad.Error.Code != workflow.CodeInvalidDecision {
		t.Errorf("expected invalid_decision, got %+v", bad.Error)
	}

	missing := h.svc.ProcessDecision(ctx, workflow.DecisionInput{ApprovalID: "nope", ApproverID: "a", Decision: workflow.DecisionApprove})
	if missing.Error == nil || missing.Error.Code != workflow.CodeNotFound {
		t.Errorf("expected approval_not_found, got %+v", missing.Error)
	}

	h.clock.Advance(25 * time.Hour)
	late := h.svc.ProcessDecision(ctx, workflow.DecisionInput{ApprovalID: created.ApprovalID, ApproverID: "a", Decision: workflow.DecisionApprove})
	if late.Error == nil || late.Error.Code != workflow.CodeExpired {
		t.Errorf("expected approval_expired, got %+v", late.Error)
	}
	stored, _ := h.mem.GetByID(ctx, created.ApprovalID)
	if stored.Status() != models.StatusPending || stored.Decision() != nil {
		t.Error("refused decision must not change the stored request")
	}
}

func TestProcessDecision_CustomExecutionWindow(t *testing.T) {
	h := newHarness(t)
	created := h.create(t, "SELECT COUNT(*) FROM patients", "count")

	res := h.svc.ProcessDecision(context.Background(), workflow.DecisionInput{
		ApprovalID:                created.ApprovalID,
		ApproverID:                "sup.lee",
		Decision:                  workflow.DecisionApprove,
		ExecutionExpiresInMinutes: intPtr(0),
	})
	if !res.Success {
		t.Fatal(res.Error)
	}
	if !res.Request.Decision.ExecutionExpired {
		t.Error("zero-minute window must be expired immediately")
	}
}

func TestProcessDecision_VersionConflict(t *testing.T) {
	h := newHarness(t)
	created := h.create(t, "SELECT COUNT(*) FROM patients", "count")
	h.repo.saveErr = workflow.ErrVersionConflict

	res := h.svc.ProcessDecision(context.Background(), workflow.DecisionInput{
		ApprovalID: created.ApprovalID, ApproverID: "a", Decision: workflow.DecisionApprove,
	})
	if res.Error == nil || res.Error.Code != workflow.CodeVersionConflict {
		t.Errorf("expected version_conflict, got %+v", res.Error)
	}
}

func TestExpireOverdue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.create(t, "SELECT COUNT(*) FROM patients", "a")
	b := h.create(t, "SELECT COUNT(*) FROM visits", "b")
	decided := h.create(t, "SELECT COUNT(*) FROM wards", "c")
	if res := h.svc.ProcessDecision(ctx, workflow.DecisionInput{
		ApprovalID: decided.ApprovalID, ApproverID: "sup", Decision: workflow.DecisionApprove,
	}); !res.Success {
		t.Fatal(res.Error)
	}

	h.notifier.expirationErr = map[string]error{b.ApprovalID: errors.New("smtp down")}
	h.clock.Advance(25 * time.Hour)

	res := h.svc.ExpireOverdue(ctx)
	if !res.Success {
		t.Fatalf("expire failed: %+v", res.Error)
	}
	if res.ExpiredCount != 2 {
		t.Errorf("expected 2 expired, got %d", res.ExpiredCount)
	}
	if res.NotificationFailures != 1 {
		t.Errorf("expected 1 notification failure, got %d", res.NotificationFailures)
	}
	if h.repo.batchCalls != 1 {
		t.Errorf("expected one batch save, got %d", h.repo.batchCalls)
	}
	if len(h.notifier.expirations) != 2 {
		t.Errorf("expected 2 expiration notices, got %d", len(h.notifier.expirations))
	}
	for _, id := range []string{a.ApprovalID, b.ApprovalID} {
		r, _ := h.mem.GetByID(ctx, id)
		if r.Status() != models.StatusExpired {
			t.Errorf("%s: expected expired, got %s", id, r.Status())
		}
	}
	r, _ := h.mem.GetByID(ctx, decided.ApprovalID)
	if r.Status() != models.StatusApproved {
		t.Errorf("decided request must be untouched, got %s", r.Status())
	}

	second := h.svc.ExpireOverdue(ctx)
	if !second.Success || second.ExpiredCount != 0 {
		t.Errorf("expected idempotent second sweep, got %+v", second)
	}
}

func TestExpireOverdue_PartialBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, "SELECT COUNT(*) FROM patients", "a")
	h.create(t, "SELECT COUNT(*) FROM visits", "b")
	h.clock.Advance(25 * time.Hour)

	h.repo.batchErr = &workflow.BatchError{Failed: map[string]error{a.ApprovalID: errors.New("timeout")}}
	res := h.svc.ExpireOverdue(ctx)
	if !res.Success {
		t.Fatalf("partial failure should still succeed: %+v", res.Error)
	}
	if len(res.FailedIDs) != 1 || res.FailedIDs[0] != a.ApprovalID {
		t.Errorf("expected %s failed, got %v", a.ApprovalID, res.FailedIDs)
	}

	h.repo.batchErr = errors.New("database gone")
	total := h.svc.ExpireOverdue(ctx)
	if total.Success || total.Error.Code != workflow.CodeExpirationFailed {
		t.Errorf("expected expiration_failed, got %+v", total)
	}
}

func TestGetStatus(t *testing.T) {
	h := newHarness(t)
	created := h.create(t, "SELECT COUNT(*) FROM patients", "count")

	res := h.svc.GetStatus(context.Background(), created.ApprovalID)
	if !res.Success || res.Request.ID != created.ApprovalID {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Request.RemainingMinutes != 24*60 {
		t.Errorf("expected 1440 remaining minutes, got %d", res.Request.RemainingMinutes)
	}

	missing := h.svc.GetStatus(context.Background(), "nope")
	if missing.Error == nil || missing.Error.Code != workflow.CodeNotFound {
		t.Errorf("expected approval_not_found, got %+v", missing.Error)
	}
}

func TestList_PaginationAndSummary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var first string
	for i := 0; i < 5; i++ {
		res := h.create(t, "SELECT COUNT(*) FROM patients", "count")
		if i == 0 {
			first = res.ApprovalID
		}
		h.clock.Advance(time.Minute)
	}
	h.svc.Cancel(ctx, workflow.CancelInput{ApprovalID: first})

	pending := models.StatusPending
	res := h.svc.List(ctx, workflow.ListInput{Filter: workflow.ListFilter{Status: &pending}, Page: 2, PageSize: 3})
	if !res.Success {
		t.Fatal(res.Error)
	}
	if res.Pagination.TotalCount != 4 || res.Pagination.TotalPages != 2 || len(res.Requests) != 1 {
		t.Errorf("unexpected pagination %+v with %d items", res.Pagination, len(res.Requests))
	}
	if res.Summary[models.StatusPending] != 4 || res.Summary[models.StatusCancelled] != 1 {
		t.Errorf("unexpected summary %v", res.Summary)
	}

	defaults := h.svc.List(ctx, workflow.ListInput{PageSize: 1000})
	if defaults.Pagination.Page != 1 || defaults.Pagination.PageSize != workflow.MaxPageSize {
		t.Errorf("expected clamped paging, got %+v", defaults.Pagination)
	}

	h.repo.listErr = errors.New("boom")
	failed := h.svc.List(ctx, workflow.ListInput{})
	if failed.Error == nil || failed.Error.Code != workflow.CodeListingFailed {
		t.Errorf("expected listing_failed, got %+v", failed.Error)
	}
}

func TestList_SummaryFollowsFilter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "SELECT COUNT(*) FROM patients", "kim count")
	other := h.svc.Create(ctx, workflow.CreateInput{
		SQL:             "SELECT COUNT(*) FROM visits",
		NaturalLanguage: "choi count",
		RequesterID:     "dr.choi",
	})
	if !other.Success {
		t.Fatal(other.Error)
	}
	h.svc.Cancel(ctx, workflow.CancelInput{ApprovalID: other.ApprovalID})

	choi := "dr.choi"
	res := h.svc.List(ctx, workflow.ListInput{Filter: workflow.ListFilter{RequesterID: &choi}})
	if !res.Success {
		t.Fatal(res.Error)
	}
	if res.Summary[models.StatusPending] != 0 || res.Summary[models.StatusCancelled] != 1 {
		t.Errorf("expected summary scoped to dr.choi, got %v", res.Summary)
	}

	all := h.svc.List(ctx, workflow.ListInput{})
	if all.Summary[models.StatusPending] != 1 || all.Summary[models.StatusCancelled] != 1 {
		t.Errorf("expected global summary without a filter, got %v", all.Summary)
	}
}

func TestRecentForRequester(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.create(t, "SELECT COUNT(*) FROM patients", "count")
		h.clock.Advance(time.Minute)
	}
	res := h.svc.RecentForRequester(context.Background(), "dr.kim", 2)
	if !res.Success || len(res.Requests) != 2 {
		t.Fatalf("unexpected %+v", res)
	}
	if !res.Requests[0].CreatedAt.After(res.Requests[1].CreatedAt) {
		t.Error("expected newest first")
	}
}

func TestAnalyze(t *testing.T) {
	h := newHarness(t)
	md, f := h.svc.Analyze("SELECT name FROM patients", "names")
	if f != nil {
		t.Fatal(f)
	}
	if !md.ContainsPII {
		t.Error("expected PII detection")
	}

	if _, f := h.svc.Analyze("DELETE FROM patients", "purge"); f == nil || f.Code != workflow.CodeInvalidSQLSyntax {
		t.Errorf("expected invalid_sql_syntax, got %+v", f)
	}
}
