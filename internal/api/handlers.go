package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/asan-idp/approvalgate/internal/auth"
	"github.com/asan-idp/approvalgate/internal/models"
	"github.com/asan-idp/approvalgate/internal/reports"
	"github.com/asan-idp/approvalgate/internal/risk"
	"github.com/asan-idp/approvalgate/internal/sqlreview"
	"github.com/asan-idp/approvalgate/internal/workflow"
)

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

// callerID is the token subject; a requester can only act as themselves.
func callerID(r *http.Request, requested string) string {
	claims, ok := auth.GetClaims(r.Context())
	if !ok {
		return requested
	}
	if requested != "" && claims.Role != auth.RoleRequester {
		return requested
	}
	return claims.UserID()
}

// scopeToCaller pins a requester's filter to their own requests.
func scopeToCaller(r *http.Request, f *workflow.ListFilter) {
	if claims, ok := auth.GetClaims(r.Context()); ok && claims.Role == auth.RoleRequester {
		id := claims.UserID()
		f.RequesterID = &id
	}
}

func (s *Server) createApproval(w http.ResponseWriter, r *http.Request) {
	var req workflow.CreateInput
	if !decodeJSON(w, r, &req) {
		return
	}
	req.RequesterID = callerID(r, req.RequesterID)

	res := s.workflow.Create(r.Context(), req)
	if res.Error != nil {
		respondFailure(w, res.Error)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

type generateResponse struct {
	workflow.CreateResult
	ConfidenceAcceptable bool `json:"confidence_acceptable"`
}

func (s *Server) generateApproval(w http.ResponseWriter, r *http.Request) {
	var req workflow.QuestionInput
	if !decodeJSON(w, r, &req) {
		return
	}
	req.RequesterID = callerID(r, req.RequesterID)

	res := s.workflow.CreateFromQuestion(r.Context(), req)
	if res.Error != nil {
		respondFailure(w, res.Error)
		return
	}

	out := generateResponse{CreateResult: res}
	if res.Generation != nil {
		if conf, err := sqlreview.NewConfidence(res.Generation.Confidence); err == nil {
			out.ConfidenceAcceptable = conf.IsAcceptable(s.cfg.Workflow.ConfidenceThreshold)
		}
	}
	respondJSON(w, http.StatusCreated, out)
}

func (s *Server) listApprovals(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	scopeToCaller(r, &filter)
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	res := s.workflow.List(r.Context(), workflow.ListInput{
		Filter:   filter,
		Page:     page,
		PageSize: pageSize,
	})
	if res.Error != nil {
		respondFailure(w, res.Error)
		return
	}

	respondJSONWithMeta(w, http.StatusOK, res, &apiMeta{
		Total:  res.Pagination.TotalCount,
		Limit:  res.Pagination.PageSize,
		Offset: (res.Pagination.Page - 1) * res.Pagination.PageSize,
	})
}

// parseFilter reads the list and report filters from the query string.
func parseFilter(r *http.Request) (workflow.ListFilter, error) {
	q := r.URL.Query()
	var f workflow.ListFilter

	if v := q.Get("status"); v != "" {
		st := models.ApprovalStatus(v)
		if !st.Valid() {
			return f, fmt.Errorf("unknown status %q", v)
		}
		f.Status = &st
	}
	if v := q.Get("requester_id"); v != "" {
		f.RequesterID = &v
	}
	if v := q.Get("approver_id"); v != "" {
		f.ApproverID = &v
	}
	if v := q.Get("risk_level"); v != "" {
		lvl, err := risk.Of(risk.Category(v), nil)
		if err != nil {
			return f, fmt.Errorf("unknown risk_level %q", v)
		}
		c := lvl.Category()
		f.RiskLevel = &c
	}
	if v := q.Get("priority"); v != "" {
		p, err := models.ParsePriority(v)
		if err != nil {
			return f, err
		}
		f.Priority = &p
	}
	if v := q.Get("type"); v != "" {
		t := models.ApprovalType(v)
		if !t.Valid() {
			return f, fmt.Errorf("unknown type %q", v)
		}
		f.ApprovalType = &t
	}
	for key, dst := range map[string]**time.Time{"date_from": &f.DateFrom, "date_to": &f.DateTo} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("%s must be RFC3339: %w", key, err)
		}
		*dst = &t
	}
	return f, nil
}

func (s *Server) getApproval(w http.ResponseWriter, r *http.Request) {
	res := s.workflow.GetStatus(r.Context(), chi.URLParam(r, "approvalID"))
	if res.Error != nil {
		respondFailure(w, res.Error)
		return
	}
	if claims, ok := auth.GetClaims(r.Context()); ok && claims.Role == auth.RoleRequester && claims.UserID() != res.Request.RequesterID {
		respondError(w, http.StatusForbidden, "forbidden", "requesters can only view their own requests")
		return
	}
	respondJSON(w, http.StatusOK, res.Request)
}

type decisionRequest struct {
	Decision                  string   `json:"decision"`
	Reason                    string   `json:"reason"`
	Conditions                []string `json:"conditions"`
	ExecutionExpiresInMinutes *int     `json:"execution_expires_in_minutes"`
}

func (s *Server) decideApproval(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "approvalID")
	claims, _ := auth.GetClaims(r.Context())

	if s.cfg.Auth.EnforceApproverLevel && claims.Role != auth.RoleAdmin {
		status := s.workflow.GetStatus(r.Context(), id)
		if status.Error != nil {
			respondFailure(w, status.Error)
			return
		}
		need := status.Request.RequiredApproverLevel
		if !auth.LevelAtLeast(claims.ApproverLevel, need) {
			respondError(w, http.StatusForbidden, "insufficient_approver_level",
				fmt.Sprintf("this request requires a %s approver", need))
			return
		}
	}

	res := s.workflow.ProcessDecision(r.Context(), workflow.DecisionInput{
		ApprovalID:                id,
		ApproverID:                claims.UserID(),
		Decision:                  req.Decision,
		Reason:                    req.Reason,
		Conditions:                req.Conditions,
		ExecutionExpiresInMinutes: req.ExecutionExpiresInMinutes,
	})
	if res.Error != nil {
		respondFailure(w, res.Error)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelApproval(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	in := workflow.CancelInput{ApprovalID: chi.URLParam(r, "approvalID"), Reason: req.Reason}
	if claims, ok := auth.GetClaims(r.Context()); ok && claims.Role == auth.RoleRequester {
		in.RequesterID = claims.UserID()
	}

	res := s.workflow.Cancel(r.Context(), in)
	if res.Error != nil {
		respondFailure(w, res.Error)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type extendRequest struct {
	Hours int `json:"hours"`
}

func (s *Server) extendApproval(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res := s.workflow.ExtendExpiration(r.Context(), chi.URLParam(r, "approvalID"), req.Hours)
	if res.Error != nil {
		respondFailure(w, res.Error)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type priorityRequest struct {
	Priority string `json:"priority"`
}

func (s *Server) updatePriority(w http.ResponseWriter, r *http.Request) {
	var req priorityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Priority == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "priority is required")
		return
	}
	p, err := models.ParsePriority(req.Priority)
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	res := s.workflow.UpdatePriority(r.Context(), chi.URLParam(r, "approvalID"), p)
	if res.Error != nil {
		respondFailure(w, res.Error)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) syncApproval(w http.ResponseWriter, r *http.Request) {
	res := s.workflow.SyncReviewDecision(r.Context(), chi.URLParam(r, "approvalID"))
	if res.Error != nil {
		respondFailure(w, res.Error)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) expireApprovals(w http.ResponseWriter, r *http.Request) {
	res := s.workflow.ExpireOverdue(r.Context())
	if res.Error != nil {
		respondFailure(w, res.Error)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) requesterApprovals(w http.ResponseWriter, r *http.Request) {
	requesterID := chi.URLParam(r, "requesterID")
	if claims, ok := auth.GetClaims(r.Context()); ok && claims.Role == auth.RoleRequester && claims.UserID() != requesterID {
		respondError(w, http.StatusForbidden, "forbidden", "requesters can only list their own requests")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	res := s.workflow.RecentForRequester(r.Context(), requesterID, limit)
	if res.Error != nil {
		respondFailure(w, res.Error)
		return
	}
	respondJSONWithMeta(w, http.StatusOK, res.Requests, &apiMeta{Total: len(res.Requests)})
}

type analyzeRequest struct {
	SQL             string `json:"sql"`
	NaturalLanguage string `json:"natural_language"`
}

func (s *Server) analyzeSQL(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	start := time.Now()
	md, f := s.workflow.Analyze(req.SQL, req.NaturalLanguage)
	s.metrics.ObserveAnalysis(time.Since(start))
	if f != nil {
		respondFailure(w, f)
		return
	}
	respondJSON(w, http.StatusOK, md)
}

func (s *Server) approvalReport(w http.ResponseWriter, r *http.Request) {
	format, err := reports.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	scopeToCaller(r, &filter)

	report, err := s.reports.Generate(r.Context(), &reports.ReportRequest{
		Format: format,
		Title:  r.URL.Query().Get("title"),
		Filter: filter,
	})
	if err != nil {
		s.logger.Error("failed to generate approval report", "format", format, "error", err)
		respondError(w, http.StatusInternalServerError, "report_failed", "could not generate report")
		return
	}

	w.Header().Set("Content-Type", report.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.Filename))
	w.Header().Set("X-Report-Rows", strconv.Itoa(report.Rows))
	if report.Truncated {
		w.Header().Set("X-Report-Truncated", "true")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(report.Data)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.scheduler.Jobs()
	respondJSONWithMeta(w, http.StatusOK, jobs, &apiMeta{Total: len(jobs)})
}

func (s *Server) runJobNow(w http.ResponseWriter, r *http.Request) {
	exec, err := s.scheduler.RunNow(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusNotFound, "job_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

func (s *Server) getJobExecutions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	execs, err := s.scheduler.Executions(r.Context(), chi.URLParam(r, "jobID"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	respondJSONWithMeta(w, http.StatusOK, execs, &apiMeta{Total: len(execs)})
}
