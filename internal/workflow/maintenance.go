package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/asan-idp/approvalgate/internal/approval"
	"github.com/asan-idp/approvalgate/internal/models"
)

// Cancel withdraws a pending request.
func (s *Service) Cancel(ctx context.Context, in CancelInput) MutationResult {
	req, f := s.load(ctx, in.ApprovalID, CodeCancellationFailed)
	if f != nil {
		return MutationResult{Error: f}
	}
	if in.RequesterID != "" && in.RequesterID != req.RequesterID() {
		return MutationResult{Error: s.failed(fail(CodeForbidden, "only the requester can cancel this request"))}
	}
	if err := req.Cancel(in.Reason); err != nil {
		return MutationResult{Error: s.failed(s.domainFailure(req.ID(), err))}
	}
	if err := s.repo.Save(ctx, req); err != nil {
		return MutationResult{Error: s.failed(s.saveFailure(req.ID(), err, CodeCancellationFailed))}
	}

	ack, err := s.review.CancelApprovalRequest(ctx, req.ID())
	if err != nil {
		s.logger.Error("failed to cancel request on review channel", "approval_id", req.ID(), "error", err)
	}
	reason := req.Metadata().CancellationReason
	if err := s.notifier.SendApprovalDecisionNotification(ctx, req, string(models.StatusCancelled), reason); err != nil {
		s.logger.Warn("failed to send cancellation notice", "approval_id", req.ID(), "error", err)
	}

	s.logger.Info("approval request cancelled", "approval_id", req.ID(), "reason", reason)
	return s.mutated(req, ackOrNil(ack, err))
}

// ExtendExpiration pushes a pending request's deadline out by hours.
func (s *Service) ExtendExpiration(ctx context.Context, id string, hours int) MutationResult {
	if hours <= 0 {
		return MutationResult{Error: s.failed(fail(CodeInvalidRequest, "hours must be positive"))}
	}
	req, f := s.load(ctx, id, CodeProcessingFailed)
	if f != nil {
		return MutationResult{Error: f}
	}
	if err := req.ExtendExpiration(time.Duration(hours) * time.Hour); err != nil {
		return MutationResult{Error: s.failed(s.domainFailure(req.ID(), err))}
	}
	if err := s.repo.Save(ctx, req); err != nil {
		return MutationResult{Error: s.failed(s.saveFailure(req.ID(), err, CodeProcessingFailed))}
	}

	ack, err := s.review.UpdateApprovalStatus(ctx, req.ID(), req.Status(), map[string]interface{}{
		"event":      "expiration_extended",
		"expires_at": req.ExpiresAt(),
	})
	if err != nil {
		s.logger.Error("failed to mirror extension to review channel", "approval_id", req.ID(), "error", err)
	}

	s.logger.Info("approval expiration extended", "approval_id", req.ID(), "expires_at", req.ExpiresAt())
	return s.mutated(req, ackOrNil(ack, err))
}

// UpdatePriority changes a pending request's priority. Escalating to urgent
// pages the approvers for its level.
func (s *Service) UpdatePriority(ctx context.Context, id string, priority models.Priority) MutationResult {
	req, f := s.load(ctx, id, CodeProcessingFailed)
	if f != nil {
		return MutationResult{Error: f}
	}
	previous := req.Priority()
	if err := req.UpdatePriority(priority); err != nil {
		return MutationResult{Error: s.failed(s.domainFailure(req.ID(), err))}
	}
	if err := s.repo.Save(ctx, req); err != nil {
		return MutationResult{Error: s.failed(s.saveFailure(req.ID(), err, CodeProcessingFailed))}
	}

	ack, err := s.review.UpdateApprovalStatus(ctx, req.ID(), req.Status(), map[string]interface{}{
		"event":    "priority_changed",
		"priority": req.Priority(),
	})
	if err != nil {
		s.logger.Error("failed to mirror priority to review channel", "approval_id", req.ID(), "error", err)
	}

	if req.Priority() == models.PriorityUrgent && previous != models.PriorityUrgent {
		audience := s.approverAudience(ctx, req.RequiredApproverLevel())
		msg := fmt.Sprintf("Approval request %s was escalated to urgent", req.ID())
		if err := s.notifier.NotifyApprovers(ctx, req, audience, msg); err != nil {
			s.logger.Warn("failed to notify approvers of escalation", "approval_id", req.ID(), "error", err)
		}
	}

	return s.mutated(req, ackOrNil(ack, err))
}

// SyncReviewDecision pulls the review channel's status for a pending request
// and applies a recorded decision.
func (s *Service) SyncReviewDecision(ctx context.Context, id string) MutationResult {
	req, f := s.load(ctx, id, CodeReviewSyncFailed)
	if f != nil {
		return MutationResult{Error: f}
	}
	if req.Status() != models.StatusPending {
		return s.mutated(req, nil)
	}

	status, err := s.review.GetApprovalStatus(ctx, req.ID())
	if err != nil {
		s.logger.Error("failed to read review status", "approval_id", req.ID(), "error", err)
		return MutationResult{Error: s.failed(fail(CodeReviewSyncFailed, "could not read status from review channel"))}
	}

	var decision string
	switch models.ApprovalStatus(status.Status) {
	case models.StatusApproved:
		decision = DecisionApprove
	case models.StatusRejected:
		decision = DecisionReject
	default:
		return s.mutated(req, nil)
	}

	res := s.ProcessDecision(ctx, DecisionInput{
		ApprovalID: req.ID(),
		ApproverID: status.ApproverID,
		Decision:   decision,
		Reason:     status.Reason,
		Conditions: status.Conditions,
	})
	if !res.Success {
		return MutationResult{Error: res.Error}
	}
	return MutationResult{Success: true, Request: res.Request}
}

func (s *Service) mutated(req *approval.Request, ack *ReviewAck) MutationResult {
	view := req.View()
	return MutationResult{Success: true, Request: &view, Review: ack}
}

func ackOrNil(ack ReviewAck, err error) *ReviewAck {
	if err != nil {
		return nil
	}
	return &ack
}
