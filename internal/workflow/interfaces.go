package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/asan-idp/approvalgate/internal/approval"
	"github.com/asan-idp/approvalgate/internal/models"
	"github.com/asan-idp/approvalgate/internal/risk"
)

// ErrVersionConflict is returned by Save when the stored request changed
// after it was loaded.
var ErrVersionConflict = errors.New("approval request was modified concurrently")

// ListFilter narrows ListWithFilters. Nil fields are not applied.
type ListFilter struct {
	Status       *models.ApprovalStatus
	RequesterID  *string
	ApproverID   *string
	RiskLevel    *risk.Category
	Priority     *models.Priority
	ApprovalType *models.ApprovalType
	DateFrom     *time.Time
	DateTo       *time.Time
}

// Matches applies the filter to a request in memory.
func (f ListFilter) Matches(r *approval.Request) bool {
	if f.Status != nil && r.Status() != *f.Status {
		return false
	}
	if f.RequesterID != nil && r.RequesterID() != *f.RequesterID {
		return false
	}
	if f.ApproverID != nil {
		d := r.Decision()
		if d == nil || d.ApproverID != *f.ApproverID {
			return false
		}
	}
	if f.RiskLevel != nil && r.Risk().Category() != *f.RiskLevel {
		return false
	}
	if f.Priority != nil && r.Priority() != *f.Priority {
		return false
	}
	if f.ApprovalType != nil && r.Type() != *f.ApprovalType {
		return false
	}
	if f.DateFrom != nil && r.CreatedAt().Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && r.CreatedAt().After(*f.DateTo) {
		return false
	}
	return true
}

// Repository persists approval requests. GetByID returns (nil, nil) when the
// id is unknown. Save enforces the request's loaded version.
type Repository interface {
	Save(ctx context.Context, r *approval.Request) error
	SaveBatch(ctx context.Context, rs []*approval.Request) error
	GetByID(ctx context.Context, id string) (*approval.Request, error)
	GetPendingExpired(ctx context.Context, now time.Time) ([]*approval.Request, error)
	ListWithFilters(ctx context.Context, f ListFilter, page, pageSize int) ([]*approval.Request, int, error)
	CountByStatus(ctx context.Context, status models.ApprovalStatus) (int, error)
	GetByRequester(ctx context.Context, requesterID string, limit int) ([]*approval.Request, error)
}

// BatchError reports the requests SaveBatch could not write.
type BatchError struct {
	Failed map[string]error
}

func (e *BatchError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("saving batch: %d request(s) failed: %s", len(ids), strings.Join(ids, ", "))
}

// ReviewAck is the review channel's receipt for a delivered call.
type ReviewAck struct {
	ExternalID string `json:"external_id,omitempty"`
	Status     string `json:"status,omitempty"`
	Queued     bool   `json:"queued,omitempty"`
}

// ReviewStatus is the review channel's view of a request.
type ReviewStatus struct {
	Status     string    `json:"status"`
	ApproverID string    `json:"approver_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Conditions []string  `json:"conditions,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

type Approver struct {
	ID    string               `json:"id"`
	Name  string               `json:"name"`
	Level models.ApproverLevel `json:"level"`
	Email string               `json:"email,omitempty"`
}

// ReviewChannel is the external human-in-the-loop system.
type ReviewChannel interface {
	CreateApprovalRequest(ctx context.Context, r *approval.Request) (ReviewAck, error)
	UpdateApprovalStatus(ctx context.Context, id string, status models.ApprovalStatus, extra map[string]interface{}) (ReviewAck, error)
	GetApprovalStatus(ctx context.Context, id string) (ReviewStatus, error)
	CancelApprovalRequest(ctx context.Context, id string) (ReviewAck, error)
	GetAvailableApprovers(ctx context.Context, level models.ApproverLevel) ([]Approver, error)
}

// Notifier delivers messages to requesters and approvers. Delivery is
// at-most-once.
type Notifier interface {
	SendUrgentNotification(ctx context.Context, r *approval.Request, recipients []string) error
	NotifyRequester(ctx context.Context, r *approval.Request, message string, kind models.NotificationKind) error
	NotifyApprovers(ctx context.Context, r *approval.Request, approvers []string, message string) error
	NotifyExpiration(ctx context.Context, r *approval.Request) error
	SendApprovalDecisionNotification(ctx context.Context, r *approval.Request, decisionKind, reason string) error
}

// Generation is the output of a text-to-SQL engine.
type Generation struct {
	SQL         string  `json:"sql"`
	Explanation string  `json:"explanation"`
	Confidence  float64 `json:"confidence"`
}

// SQLGenerator turns a natural-language question into SQL.
type SQLGenerator interface {
	Generate(ctx context.Context, question string) (Generation, error)
}
