package workflow

import (
	"time"

	"github.com/asan-idp/approvalgate/internal/approval"
	"github.com/asan-idp/approvalgate/internal/models"
)

// ErrorCode is the stable, caller-visible failure identifier of a use case.
type ErrorCode string

const (
	CodeInvalidSQLSyntax   ErrorCode = "invalid_sql_syntax"
	CodeInvalidRequest     ErrorCode = "invalid_request"
	CodeCreationFailed     ErrorCode = "creation_failed"
	CodeGenerationFailed   ErrorCode = "generation_failed"
	CodeNotFound           ErrorCode = "approval_not_found"
	CodeInvalidDecision    ErrorCode = "invalid_decision"
	CodeExpired            ErrorCode = "approval_expired"
	CodeInvalidState       ErrorCode = "invalid_state"
	CodeVersionConflict    ErrorCode = "version_conflict"
	CodeForbidden          ErrorCode = "forbidden"
	CodeDomainError        ErrorCode = "domain_error"
	CodeProcessingFailed   ErrorCode = "processing_failed"
	CodeExpirationFailed   ErrorCode = "expiration_failed"
	CodeRetrievalFailed    ErrorCode = "retrieval_failed"
	CodeListingFailed      ErrorCode = "listing_failed"
	CodeCancellationFailed ErrorCode = "cancellation_failed"
	CodeReviewSyncFailed   ErrorCode = "review_sync_failed"
)

// Failure describes why a use case did not succeed.
type Failure struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (f *Failure) Error() string {
	return string(f.Code) + ": " + f.Message
}

func fail(code ErrorCode, msg string) *Failure {
	return &Failure{Code: code, Message: msg}
}

type CreateInput struct {
	SQL             string                 `json:"sql"`
	NaturalLanguage string                 `json:"natural_language"`
	RequesterID     string                 `json:"requester_id"`
	Priority        models.Priority        `json:"priority,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	ExpiresInHours  *int                   `json:"expires_in_hours,omitempty"`
	// Confidence of the SQL source; manual submissions use the configured default.
	Confidence *float64 `json:"confidence,omitempty"`
}

type QuestionInput struct {
	Question       string                 `json:"question"`
	RequesterID    string                 `json:"requester_id"`
	Priority       models.Priority        `json:"priority,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	ExpiresInHours *int                   `json:"expires_in_hours,omitempty"`
}

type CreateResult struct {
	Success    bool           `json:"success"`
	ApprovalID string         `json:"approval_id,omitempty"`
	Request    *approval.View `json:"approval_request,omitempty"`
	Review     *ReviewAck     `json:"review,omitempty"`
	Generation *Generation    `json:"generation,omitempty"`
	Error      *Failure       `json:"error,omitempty"`
}

const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

type DecisionInput struct {
	ApprovalID                string   `json:"approval_id"`
	ApproverID                string   `json:"approver_id"`
	Decision                  string   `json:"decision"`
	Reason                    string   `json:"reason"`
	Conditions                []string `json:"conditions,omitempty"`
	ExecutionExpiresInMinutes *int     `json:"execution_expires_in_minutes,omitempty"`
}

type DecisionResult struct {
	Success            bool                  `json:"success"`
	ApprovalID         string                `json:"approval_id,omitempty"`
	Status             models.ApprovalStatus `json:"status,omitempty"`
	Reason             string                `json:"reason,omitempty"`
	ApproverID         string                `json:"approver_id,omitempty"`
	DecidedAt          *time.Time            `json:"decided_at,omitempty"`
	ExecutionExpiresAt *time.Time            `json:"execution_expires_at,omitempty"`
	Request            *approval.View        `json:"approval_request,omitempty"`
	Error              *Failure              `json:"error,omitempty"`
}

type ExpireResult struct {
	Success              bool     `json:"success"`
	ExpiredCount         int      `json:"expired_count"`
	ExpiredIDs           []string `json:"expired_ids"`
	FailedIDs            []string `json:"failed_ids,omitempty"`
	NotificationFailures int      `json:"notification_failures"`
	Error                *Failure `json:"error,omitempty"`
}

type StatusResult struct {
	Success bool           `json:"success"`
	Request *approval.View `json:"approval_request,omitempty"`
	Error   *Failure       `json:"error,omitempty"`
}

type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
	TotalPages int `json:"total_pages"`
}

type ListInput struct {
	Filter   ListFilter
	Page     int
	PageSize int
}

type ListResult struct {
	Success    bool                          `json:"success"`
	Requests   []approval.View               `json:"approval_requests"`
	Pagination Pagination                    `json:"pagination"`
	Summary    map[models.ApprovalStatus]int `json:"summary"`
	Error      *Failure                      `json:"error,omitempty"`
}

type CancelInput struct {
	ApprovalID string `json:"approval_id"`
	Reason     string `json:"reason,omitempty"`
	// RequesterID, when set, must own the request.
	RequesterID string `json:"requester_id,omitempty"`
}

// MutationResult is returned by the pending-only maintenance operations.
type MutationResult struct {
	Success bool           `json:"success"`
	Request *approval.View `json:"approval_request,omitempty"`
	Review  *ReviewAck     `json:"review,omitempty"`
	Error   *Failure       `json:"error,omitempty"`
}

type RecentResult struct {
	Success  bool            `json:"success"`
	Requests []approval.View `json:"approval_requests"`
	Error    *Failure        `json:"error,omitempty"`
}
