package approval

import (
	"fmt"
	"time"

	"github.com/asan-idp/approvalgate/internal/models"
	"github.com/asan-idp/approvalgate/internal/risk"
)

// Snapshot is the full persisted state of a request.
type Snapshot struct {
	ID                    string
	Type                  models.ApprovalType
	Title                 string
	Description           string
	RequesterID           string
	Status                models.ApprovalStatus
	Priority              models.Priority
	Risk                  risk.Level
	RequiredApproverLevel models.ApproverLevel
	Metadata              Metadata
	Decision              *Decision
	CreatedAt             time.Time
	UpdatedAt             time.Time
	ExpiresAt             time.Time
	Version               int
}

func (r *Request) Snapshot() Snapshot {
	return Snapshot{
		ID:                    r.id,
		Type:                  r.approvalType,
		Title:                 r.title,
		Description:           r.description,
		RequesterID:           r.requesterID,
		Status:                r.status,
		Priority:              r.priority,
		Risk:                  r.risk,
		RequiredApproverLevel: r.approverLevel,
		Metadata:              r.metadata.clone(),
		Decision:              r.decision.clone(),
		CreatedAt:             r.createdAt,
		UpdatedAt:             r.updatedAt,
		ExpiresAt:             r.expiresAt,
		Version:               r.version,
	}
}

// Restore rebuilds a request from a snapshot. Only WithClock is honored.
func Restore(s Snapshot, opts ...Option) (*Request, error) {
	if s.ID == "" {
		return nil, fmt.Errorf("%w: snapshot without id", ErrInvalidRequest)
	}
	if !s.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, s.Status)
	}
	if !s.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown approval type %q", ErrInvalidRequest, s.Type)
	}
	o := buildOptions(opts)
	level := s.RequiredApproverLevel
	if level.Rank() == 0 {
		level = models.ApproverLevelForScore(s.Risk.Score())
	}
	return &Request{
		id:            s.ID,
		approvalType:  s.Type,
		title:         s.Title,
		description:   s.Description,
		requesterID:   s.RequesterID,
		risk:          s.Risk,
		priority:      s.Priority,
		status:        s.Status,
		approverLevel: level,
		metadata:      s.Metadata.clone(),
		decision:      s.Decision.clone(),
		createdAt:     s.CreatedAt,
		updatedAt:     s.UpdatedAt,
		expiresAt:     s.ExpiresAt,
		version:       s.Version,
		now:           o.now,
	}, nil
}
