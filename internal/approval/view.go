package approval

import (
	"time"

	"github.com/asan-idp/approvalgate/internal/models"
	"github.com/asan-idp/approvalgate/internal/risk"
)

// View is the JSON projection returned to API callers.
type View struct {
	ID                      string                `json:"id"`
	Type                    models.ApprovalType   `json:"type"`
	Title                   string                `json:"title"`
	Description             string                `json:"description"`
	RequesterID             string                `json:"requester_id"`
	Status                  models.ApprovalStatus `json:"status"`
	Priority                models.Priority       `json:"priority"`
	RiskLevel               risk.Summary          `json:"risk_level"`
	RequiredApproverLevel   models.ApproverLevel  `json:"required_approver_level"`
	CreatedAt               time.Time             `json:"created_at"`
	ExpiresAt               time.Time             `json:"expires_at"`
	UpdatedAt               time.Time             `json:"updated_at"`
	IsExpired               bool                  `json:"is_expired"`
	RemainingMinutes        int                   `json:"remaining_minutes"`
	RequiresUrgentAttention bool                  `json:"requires_urgent_attention"`
	Metadata                Metadata              `json:"metadata"`
	Decision                *DecisionView         `json:"decision,omitempty"`
}

type DecisionView struct {
	Decision
	ExecutionExpired          bool `json:"execution_expired"`
	ExecutionRemainingMinutes int  `json:"execution_remaining_minutes"`
}

func (r *Request) View() View {
	v := View{
		ID:                      r.id,
		Type:                    r.approvalType,
		Title:                   r.title,
		Description:             r.description,
		RequesterID:             r.requesterID,
		Status:                  r.status,
		Priority:                r.priority,
		RiskLevel:               r.risk.Summary(),
		RequiredApproverLevel:   r.approverLevel,
		CreatedAt:               r.createdAt,
		ExpiresAt:               r.expiresAt,
		UpdatedAt:               r.updatedAt,
		IsExpired:               r.IsExpired(),
		RemainingMinutes:        r.RemainingMinutes(),
		RequiresUrgentAttention: r.RequiresUrgentAttention(),
		Metadata:                r.metadata.clone(),
	}
	if r.decision != nil {
		v.Decision = &DecisionView{
			Decision:                  *r.decision.clone(),
			ExecutionExpired:          r.IsExecutionExpired(),
			ExecutionRemainingMinutes: r.ExecutionRemainingMinutes(),
		}
	}
	return v
}

// ReviewPayload is what the review channel receives for a new request.
type ReviewPayload struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Priority    models.Priority `json:"priority"`
	Metadata    ReviewMetadata  `json:"metadata"`
}

// ReviewMetadata flattens the request metadata next to the routing fields.
type ReviewMetadata struct {
	RequestType           models.ApprovalType  `json:"request_type"`
	RequesterID           string               `json:"requester_id"`
	RiskLevel             risk.Summary         `json:"risk_level"`
	RequiredApproverLevel models.ApproverLevel `json:"required_approver_level"`
	ExpiresAt             time.Time            `json:"expires_at"`
	RemainingMinutes      int                  `json:"remaining_minutes"`
	Urgent                bool                 `json:"urgent"`
	Metadata
}

func (r *Request) ReviewPayload() ReviewPayload {
	return ReviewPayload{
		ID:          r.id,
		Type:        "approval_request",
		Title:       r.title,
		Description: r.description,
		Priority:    r.priority,
		Metadata: ReviewMetadata{
			RequestType:           r.approvalType,
			RequesterID:           r.requesterID,
			RiskLevel:             r.risk.Summary(),
			RequiredApproverLevel: r.approverLevel,
			ExpiresAt:             r.expiresAt,
			RemainingMinutes:      r.RemainingMinutes(),
			Urgent:                r.RequiresUrgentAttention(),
			Metadata:              r.metadata.clone(),
		},
	}
}
