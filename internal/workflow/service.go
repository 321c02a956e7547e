// Package workflow sequences the approval use cases over the repository,
// review channel and notifier. Business rules live in the approval, risk and
// sqlreview packages; this package only orders calls and translates errors.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/asan-idp/approvalgate/internal/approval"
	"github.com/asan-idp/approvalgate/internal/models"
	"github.com/asan-idp/approvalgate/internal/risk"
	"github.com/asan-idp/approvalgate/internal/sqlreview"
)

const (
	DefaultManualConfidence = 0.9
	DefaultPageSize         = 20
	MaxPageSize             = 100
	DefaultRecentLimit      = 20
	titlePrefix             = "SQL Execution: "
	titleMaxRunes           = 50
)

// Observer receives use-case outcomes, typically for metrics.
type Observer interface {
	RequestCreated(level risk.Category)
	DecisionProcessed(outcome models.ApprovalStatus)
	RequestsExpired(n int)
	UseCaseFailed(code ErrorCode)
}

type noopObserver struct{}

func (noopObserver) RequestCreated(risk.Category)            {}
func (noopObserver) DecisionProcessed(models.ApprovalStatus) {}
func (noopObserver) RequestsExpired(int)                     {}
func (noopObserver) UseCaseFailed(ErrorCode)                 {}

type Service struct {
	repo      Repository
	review    ReviewChannel
	notifier  Notifier
	generator SQLGenerator
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time

	defaultExpiry    time.Duration
	manualConfidence float64
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

func WithGenerator(g SQLGenerator) Option {
	return func(s *Service) { s.generator = g }
}

func WithDefaultExpiry(d time.Duration) Option {
	return func(s *Service) { s.defaultExpiry = d }
}

func WithManualConfidence(c float64) Option {
	return func(s *Service) { s.manualConfidence = c }
}

func NewService(repo Repository, review ReviewChannel, notifier Notifier, opts ...Option) *Service {
	s := &Service{
		repo:             repo,
		review:           review,
		notifier:         notifier,
		observer:         noopObserver{},
		now:              time.Now,
		defaultExpiry:    approval.DefaultExpiry,
		manualConfidence: DefaultManualConfidence,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *Service) failed(f *Failure) *Failure {
	s.observer.UseCaseFailed(f.Code)
	return f
}

// Create analyzes the submitted SQL and opens a pending approval request.
func (s *Service) Create(ctx context.Context, in CreateInput) CreateResult {
	s.logger.Info("creating approval request", "requester_id", in.RequesterID)

	if strings.TrimSpace(in.RequesterID) == "" {
		return CreateResult{Error: s.failed(fail(CodeInvalidRequest, "requester_id is required"))}
	}
	if strings.TrimSpace(in.NaturalLanguage) == "" {
		return CreateResult{Error: s.failed(fail(CodeInvalidRequest, "natural_language is required"))}
	}

	confValue := s.manualConfidence
	if in.Confidence != nil {
		confValue = *in.Confidence
	}
	confidence, err := sqlreview.NewConfidence(confValue)
	if err != nil {
		return CreateResult{Error: s.failed(fail(CodeInvalidRequest, err.Error()))}
	}

	query, err := sqlreview.Analyze(in.SQL, in.NaturalLanguage, confidence, sqlreview.WithClock(s.now))
	if err != nil {
		var se *sqlreview.SyntaxError
		if errors.As(err, &se) {
			s.logger.Warn("rejected SQL submission", "requester_id", in.RequesterID, "reason", se.Reason)
			return CreateResult{Error: s.failed(fail(CodeInvalidSQLSyntax, se.Reason))}
		}
		return CreateResult{Error: s.failed(fail(CodeCreationFailed, err.Error()))}
	}

	analysis := query.ApprovalMetadata()
	expiry := s.defaultExpiry
	if in.ExpiresInHours != nil {
		expiry = time.Duration(*in.ExpiresInHours) * time.Hour
	}

	req, err := approval.New(approval.Params{
		Type:        models.ApprovalTypeSQLExecution,
		Title:       titlePrefix + truncateRunes(in.NaturalLanguage, titleMaxRunes),
		Description: in.NaturalLanguage,
		RequesterID: in.RequesterID,
		Risk:        query.RiskLevel(),
		Priority:    in.Priority,
		Metadata: approval.Metadata{
			SQLQueryID:      query.ID(),
			NaturalLanguage: in.NaturalLanguage,
			Analysis:        &analysis,
			Extensions:      in.Metadata,
		},
	}, approval.WithClock(s.now), approval.WithExpiresIn(expiry))
	if err != nil {
		if errors.Is(err, approval.ErrInvalidRequest) {
			return CreateResult{Error: s.failed(fail(CodeInvalidRequest, err.Error()))}
		}
		return CreateResult{Error: s.failed(fail(CodeCreationFailed, err.Error()))}
	}

	if err := s.repo.Save(ctx, req); err != nil {
		s.logger.Error("failed to save approval request", "approval_id", req.ID(), "error", err)
		return CreateResult{Error: s.failed(fail(CodeCreationFailed, "could not store approval request"))}
	}

	ack, err := s.review.CreateApprovalRequest(ctx, req)
	if err != nil {
		s.logger.Error("failed to forward approval request", "approval_id", req.ID(), "error", err)
		return CreateResult{
			ApprovalID: req.ID(),
			Error:      s.failed(fail(CodeCreationFailed, "could not forward approval request to review channel")),
		}
	}

	if req.RequiresUrgentAttention() {
		recipients := s.approverAudience(ctx, req.RequiredApproverLevel())
		if err := s.notifier.SendUrgentNotification(ctx, req, recipients); err != nil {
			s.logger.Warn("failed to page approvers", "approval_id", req.ID(), "error", err)
		}
		s.logger.Warn("urgent approval request created", "approval_id", req.ID(), "risk_level", req.Risk().Category())
	}

	msg := fmt.Sprintf("Approval request created. ID: %s", req.ID())
	if err := s.notifier.NotifyRequester(ctx, req, msg, models.KindSuccess); err != nil {
		s.logger.Warn("failed to notify requester", "approval_id", req.ID(), "error", err)
	}

	s.observer.RequestCreated(req.Risk().Category())
	s.logger.Info("approval request created",
		"approval_id", req.ID(),
		"risk_level", req.Risk().Category(),
		"required_approver_level", req.RequiredApproverLevel(),
	)

	view := req.View()
	return CreateResult{Success: true, ApprovalID: req.ID(), Request: &view, Review: &ack}
}

// CreateFromQuestion generates SQL for a question and submits it for approval.
func (s *Service) CreateFromQuestion(ctx context.Context, in QuestionInput) CreateResult {
	if s.generator == nil {
		return CreateResult{Error: s.failed(fail(CodeGenerationFailed, "no SQL generator configured"))}
	}
	if strings.TrimSpace(in.Question) == "" {
		return CreateResult{Error: s.failed(fail(CodeInvalidRequest, "question is required"))}
	}

	gen, err := s.generator.Generate(ctx, in.Question)
	if err != nil {
		s.logger.Error("SQL generation failed", "requester_id", in.RequesterID, "error", err)
		return CreateResult{Error: s.failed(fail(CodeGenerationFailed, "could not generate SQL for the question"))}
	}

	ext := make(map[string]interface{}, len(in.Metadata)+1)
	for k, v := range in.Metadata {
		ext[k] = v
	}
	if gen.Explanation != "" {
		ext["generation_explanation"] = gen.Explanation
	}

	conf := gen.Confidence
	res := s.Create(ctx, CreateInput{
		SQL:             gen.SQL,
		NaturalLanguage: in.Question,
		RequesterID:     in.RequesterID,
		Priority:        in.Priority,
		Metadata:        ext,
		ExpiresInHours:  in.ExpiresInHours,
		Confidence:      &conf,
	})
	res.Generation = &gen
	return res
}

// ProcessDecision applies a reviewer's approve or reject decision.
func (s *Service) ProcessDecision(ctx context.Context, in DecisionInput) DecisionResult {
	s.logger.Info("processing approval decision", "approval_id", in.ApprovalID, "decision", in.Decision)

	if in.Decision != DecisionApprove && in.Decision != DecisionReject {
		return DecisionResult{Error: s.failed(fail(CodeInvalidDecision, fmt.Sprintf("decision must be %q or %q", DecisionApprove, DecisionReject)))}
	}
	if strings.TrimSpace(in.ApproverID) == "" {
		return DecisionResult{Error: s.failed(fail(CodeInvalidRequest, "approver_id is required"))}
	}

	req, f := s.load(ctx, in.ApprovalID, CodeProcessingFailed)
	if f != nil {
		return DecisionResult{Error: f}
	}

	var err error
	if in.Decision == DecisionApprove {
		window := time.Duration(req.Risk().MaxExecutionTimeMinutes()) * time.Minute
		if in.ExecutionExpiresInMinutes != nil {
			window = time.Duration(*in.ExecutionExpiresInMinutes) * time.Minute
		}
		err = req.Approve(in.ApproverID, in.Reason, in.Conditions, window)
	} else {
		err = req.Reject(in.ApproverID, in.Reason)
	}
	if err != nil {
		return DecisionResult{ApprovalID: req.ID(), Error: s.failed(s.domainFailure(req.ID(), err))}
	}

	if err := s.repo.Save(ctx, req); err != nil {
		return DecisionResult{ApprovalID: req.ID(), Error: s.failed(s.saveFailure(req.ID(), err, CodeProcessingFailed))}
	}

	d := req.Decision()
	extra := map[string]interface{}{
		"approver_id": d.ApproverID,
		"reason":      d.Reason,
		"decided_at":  d.DecidedAt,
		"conditions":  d.Conditions,
	}
	if d.ExpiresAt != nil {
		extra["execution_expires_at"] = *d.ExpiresAt
	}
	if _, err := s.review.UpdateApprovalStatus(ctx, req.ID(), req.Status(), extra); err != nil {
		s.logger.Error("failed to mirror decision to review channel", "approval_id", req.ID(), "error", err)
	}

	kind, verb := models.KindSuccess, "approved"
	if !d.Approved {
		kind, verb = models.KindWarning, "rejected"
	}
	msg := fmt.Sprintf("Your approval request was %s. Reason: %s", verb, d.Reason)
	if err := s.notifier.NotifyRequester(ctx, req, msg, kind); err != nil {
		s.logger.Warn("failed to notify requester", "approval_id", req.ID(), "error", err)
	}

	s.observer.DecisionProcessed(req.Status())
	s.logger.Info("approval decision processed", "approval_id", req.ID(), "status", req.Status(), "approver_id", d.ApproverID)

	view := req.View()
	decidedAt := d.DecidedAt
	return DecisionResult{
		Success:            true,
		ApprovalID:         req.ID(),
		Status:             req.Status(),
		Reason:             d.Reason,
		ApproverID:         d.ApproverID,
		DecidedAt:          &decidedAt,
		ExecutionExpiresAt: d.ExpiresAt,
		Request:            &view,
	}
}

// ExpireOverdue marks every pending request past its deadline as expired and
// saves them in one batch. A notification failure never stops the sweep.
func (s *Service) ExpireOverdue(ctx context.Context) ExpireResult {
	overdue, err := s.repo.GetPendingExpired(ctx, s.now().UTC())
	if err != nil {
		s.logger.Error("failed to load overdue approval requests", "error", err)
		return ExpireResult{ExpiredIDs: []string{}, Error: s.failed(fail(CodeExpirationFailed, "could not load overdue requests"))}
	}

	var expired []*approval.Request
	notifyFailures := 0
	for _, req := range overdue {
		if !req.MarkExpired() {
			continue
		}
		if err := s.notifier.NotifyExpiration(ctx, req); err != nil {
			notifyFailures++
			s.logger.Warn("failed to notify expiration", "approval_id", req.ID(), "error", err)
		}
		expired = append(expired, req)
	}

	res := ExpireResult{Success: true, ExpiredIDs: []string{}, NotificationFailures: notifyFailures}
	if len(expired) == 0 {
		return res
	}

	var failed map[string]error
	if err := s.repo.SaveBatch(ctx, expired); err != nil {
		var be *BatchError
		if !errors.As(err, &be) {
			s.logger.Error("failed to save expired batch", "count", len(expired), "error", err)
			return ExpireResult{ExpiredIDs: []string{}, NotificationFailures: notifyFailures, Error: s.failed(fail(CodeExpirationFailed, "could not save expired requests"))}
		}
		failed = be.Failed
		s.logger.Warn("some expired requests were not saved and will be retried", "failed", len(failed))
	}

	for _, req := range expired {
		if _, bad := failed[req.ID()]; bad {
			res.FailedIDs = append(res.FailedIDs, req.ID())
			continue
		}
		res.ExpiredIDs = append(res.ExpiredIDs, req.ID())
	}
	res.ExpiredCount = len(res.ExpiredIDs)

	s.observer.RequestsExpired(res.ExpiredCount)
	s.logger.Info("expired approval requests", "count", res.ExpiredCount)
	return res
}

func (s *Service) GetStatus(ctx context.Context, id string) StatusResult {
	req, f := s.load(ctx, id, CodeRetrievalFailed)
	if f != nil {
		return StatusResult{Error: f}
	}
	view := req.View()
	return StatusResult{Success: true, Request: &view}
}

func (s *Service) List(ctx context.Context, in ListInput) ListResult {
	page, size := in.Page, in.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	reqs, total, err := s.repo.ListWithFilters(ctx, in.Filter, page, size)
	if err != nil {
		s.logger.Error("failed to list approval requests", "error", err)
		return ListResult{Requests: []approval.View{}, Error: s.failed(fail(CodeListingFailed, "could not list approval requests"))}
	}

	summary, err := s.summaryFor(ctx, in.Filter)
	if err != nil {
		s.logger.Error("failed to count approval requests", "error", err)
		return ListResult{Requests: []approval.View{}, Error: s.failed(fail(CodeListingFailed, "could not count approval requests"))}
	}

	views := make([]approval.View, 0, len(reqs))
	for _, r := range reqs {
		views = append(views, r.View())
	}
	return ListResult{
		Success:  true,
		Requests: views,
		Pagination: Pagination{
			Page:       page,
			PageSize:   size,
			TotalCount: total,
			TotalPages: (total + size - 1) / size,
		},
		Summary: summary,
	}
}

// Summary counts stored requests per status.
func (s *Service) Summary(ctx context.Context) (map[models.ApprovalStatus]int, error) {
	out := make(map[models.ApprovalStatus]int, len(models.AllStatuses))
	for _, st := range models.AllStatuses {
		n, err := s.repo.CountByStatus(ctx, st)
		if err != nil {
			return nil, fmt.Errorf("counting %s requests: %w", st, err)
		}
		out[st] = n
	}
	return out, nil
}

// summaryFor counts requests per status within the filter's other
// dimensions. The status dimension itself is ignored.
func (s *Service) summaryFor(ctx context.Context, filter ListFilter) (map[models.ApprovalStatus]int, error) {
	filter.Status = nil
	if filter == (ListFilter{}) {
		return s.Summary(ctx)
	}
	out := make(map[models.ApprovalStatus]int, len(models.AllStatuses))
	for _, st := range models.AllStatuses {
		st := st
		filter.Status = &st
		_, n, err := s.repo.ListWithFilters(ctx, filter, 1, 1)
		if err != nil {
			return nil, fmt.Errorf("counting %s requests: %w", st, err)
		}
		out[st] = n
	}
	return out, nil
}

func (s *Service) RecentForRequester(ctx context.Context, requesterID string, limit int) RecentResult {
	if strings.TrimSpace(requesterID) == "" {
		return RecentResult{Requests: []approval.View{}, Error: s.failed(fail(CodeInvalidRequest, "requester_id is required"))}
	}
	if limit < 1 {
		limit = DefaultRecentLimit
	}
	reqs, err := s.repo.GetByRequester(ctx, requesterID, limit)
	if err != nil {
		s.logger.Error("failed to load requester history", "requester_id", requesterID, "error", err)
		return RecentResult{Requests: []approval.View{}, Error: s.failed(fail(CodeRetrievalFailed, "could not load requests"))}
	}
	views := make([]approval.View, 0, len(reqs))
	for _, r := range reqs {
		views = append(views, r.View())
	}
	return RecentResult{Success: true, Requests: views}
}

// Analyze returns the analysis record for a SQL text without storing anything.
func (s *Service) Analyze(sql, naturalLanguage string) (*sqlreview.ApprovalMetadata, *Failure) {
	conf, _ := sqlreview.NewConfidence(s.manualConfidence)
	q, err := sqlreview.Analyze(sql, naturalLanguage, conf, sqlreview.WithClock(s.now))
	if err != nil {
		var se *sqlreview.SyntaxError
		if errors.As(err, &se) {
			return nil, fail(CodeInvalidSQLSyntax, se.Reason)
		}
		return nil, fail(CodeDomainError, err.Error())
	}
	md := q.ApprovalMetadata()
	return &md, nil
}

func (s *Service) load(ctx context.Context, id string, code ErrorCode) (*approval.Request, *Failure) {
	if strings.TrimSpace(id) == "" {
		return nil, s.failed(fail(CodeInvalidRequest, "approval_id is required"))
	}
	req, err := s.repo.GetByID(ctx, id)
	if err != nil {
		s.logger.Error("failed to load approval request", "approval_id", id, "error", err)
		return nil, s.failed(fail(code, "could not load approval request"))
	}
	if req == nil {
		return nil, s.failed(fail(CodeNotFound, fmt.Sprintf("approval request %s not found", id)))
	}
	return req, nil
}

func (s *Service) domainFailure(id string, err error) *Failure {
	s.logger.Warn("approval transition refused", "approval_id", id, "error", err)
	switch {
	case errors.Is(err, approval.ErrRequestExpired):
		return fail(CodeExpired, err.Error())
	case errors.Is(err, approval.ErrInvalidState):
		return fail(CodeInvalidState, err.Error())
	case errors.Is(err, approval.ErrInvalidRequest):
		return fail(CodeInvalidRequest, err.Error())
	default:
		return fail(CodeDomainError, err.Error())
	}
}

func (s *Service) saveFailure(id string, err error, code ErrorCode) *Failure {
	if errors.Is(err, ErrVersionConflict) {
		s.logger.Warn("approval request changed concurrently", "approval_id", id)
		return fail(CodeVersionConflict, "approval request was modified by another operation, reload and retry")
	}
	s.logger.Error("failed to save approval request", "approval_id", id, "error", err)
	return fail(code, "could not store approval request")
}

// approverAudience resolves who gets paged for a level, falling back to the
// level's group address.
func (s *Service) approverAudience(ctx context.Context, level models.ApproverLevel) []string {
	fallback := []string{"approver_" + string(level)}
	approvers, err := s.review.GetAvailableApprovers(ctx, level)
	if err != nil {
		s.logger.Warn("failed to look up approvers", "level", level, "error", err)
		return fallback
	}
	if len(approvers) == 0 {
		return fallback
	}
	ids := make([]string, 0, len(approvers))
	for _, a := range approvers {
		ids = append(ids, a.ID)
	}
	return ids
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
