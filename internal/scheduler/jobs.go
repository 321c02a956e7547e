package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/asan-idp/approvalgate/internal/models"
	"github.com/asan-idp/approvalgate/internal/workflow"
)

const (
	DefaultSweepSchedule  = "@every 5m"
	DefaultDigestSchedule = "0 0 8 * * *"
)

// Sweeper runs the expiry use case.
type Sweeper interface {
	ExpireOverdue(ctx context.Context) workflow.ExpireResult
	Summary(ctx context.Context) (map[models.ApprovalStatus]int, error)
}

// DigestSender delivers the pending digest.
type DigestSender interface {
	SendPendingDigest(ctx context.Context, counts map[models.ApprovalStatus]int) error
}

// ApprovalHandlers wires the approval maintenance jobs to a scheduler.
type ApprovalHandlers struct {
	Workflow Sweeper
	Digest   DigestSender
}

// Register registers the handlers and adds both jobs.
func (h *ApprovalHandlers) Register(s *Scheduler, sweepSchedule, digestSchedule string) error {
	if sweepSchedule == "" {
		sweepSchedule = DefaultSweepSchedule
	}
	if digestSchedule == "" {
		digestSchedule = DefaultDigestSchedule
	}

	s.RegisterHandler(JobTypeExpireApprovals, h.expire)
	s.RegisterHandler(JobTypePendingDigest, h.digest)

	return errors.Join(
		s.AddJob(&Job{
			ID:          string(JobTypeExpireApprovals),
			Name:        "Expire overdue approvals",
			Description: "Marks pending approval requests past their deadline as expired",
			Schedule:    sweepSchedule,
			JobType:     JobTypeExpireApprovals,
			Enabled:     true,
		}),
		s.AddJob(&Job{
			ID:          string(JobTypePendingDigest),
			Name:        "Pending approvals digest",
			Description: "Sends approvers a count of requests by status",
			Schedule:    digestSchedule,
			JobType:     JobTypePendingDigest,
			Enabled:     h.Digest != nil,
		}),
	)
}

func (h *ApprovalHandlers) expire(ctx context.Context, job *Job) (string, error) {
	res := h.Workflow.ExpireOverdue(ctx)
	if !res.Success {
		return "", fmt.Errorf("expiry sweep failed: %s", res.Error)
	}
	out := fmt.Sprintf("expired=%d notification_failures=%d", res.ExpiredCount, res.NotificationFailures)
	if len(res.FailedIDs) > 0 {
		out += fmt.Sprintf(" save_failures=%d", len(res.FailedIDs))
	}
	return out, nil
}

func (h *ApprovalHandlers) digest(ctx context.Context, job *Job) (string, error) {
	if h.Digest == nil {
		return "", errors.New("no digest sender configured")
	}
	counts, err := h.Workflow.Summary(ctx)
	if err != nil {
		return "", err
	}
	if err := h.Digest.SendPendingDigest(ctx, counts); err != nil {
		return "", fmt.Errorf("sending digest: %w", err)
	}
	return fmt.Sprintf("pending=%d", counts[models.StatusPending]), nil
}
