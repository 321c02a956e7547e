package review

import (
	"context"
	"errors"
	"log/slog"

	"github.com/asan-idp/approvalgate/internal/approval"
	"github.com/asan-idp/approvalgate/internal/models"
	"github.com/asan-idp/approvalgate/internal/queue"
	"github.com/asan-idp/approvalgate/internal/workflow"
)

// Enqueuer accepts deliveries for later replay.
type Enqueuer interface {
	Enqueue(ctx context.Context, d *queue.Delivery) error
}

// OutboxChannel forwards to another channel and parks failed writes in an
// outbox. Reads are never queued.
type OutboxChannel struct {
	next     workflow.ReviewChannel
	outbox   Enqueuer
	recorder queue.Recorder
	logger   *slog.Logger
}

func NewOutboxChannel(next workflow.ReviewChannel, outbox Enqueuer, recorder queue.Recorder, logger *slog.Logger) *OutboxChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxChannel{next: next, outbox: outbox, recorder: recorder, logger: logger}
}

func (o *OutboxChannel) CreateApprovalRequest(ctx context.Context, r *approval.Request) (workflow.ReviewAck, error) {
	ack, err := o.next.CreateApprovalRequest(ctx, r)
	if err == nil {
		return ack, nil
	}
	return o.park(ctx, &queue.Delivery{Kind: queue.KindCreate, ApprovalID: r.ID()}, err)
}

func (o *OutboxChannel) UpdateApprovalStatus(ctx context.Context, id string, status models.ApprovalStatus, extra map[string]interface{}) (workflow.ReviewAck, error) {
	ack, err := o.next.UpdateApprovalStatus(ctx, id, status, extra)
	if err == nil {
		return ack, nil
	}
	return o.park(ctx, &queue.Delivery{Kind: queue.KindUpdate, ApprovalID: id, Status: status, Extra: extra}, err)
}

func (o *OutboxChannel) CancelApprovalRequest(ctx context.Context, id string) (workflow.ReviewAck, error) {
	ack, err := o.next.CancelApprovalRequest(ctx, id)
	if err == nil {
		return ack, nil
	}
	return o.park(ctx, &queue.Delivery{Kind: queue.KindCancel, ApprovalID: id}, err)
}

func (o *OutboxChannel) GetApprovalStatus(ctx context.Context, id string) (workflow.ReviewStatus, error) {
	return o.next.GetApprovalStatus(ctx, id)
}

func (o *OutboxChannel) GetAvailableApprovers(ctx context.Context, level models.ApproverLevel) ([]workflow.Approver, error) {
	return o.next.GetAvailableApprovers(ctx, level)
}

func (o *OutboxChannel) park(ctx context.Context, d *queue.Delivery, cause error) (workflow.ReviewAck, error) {
	if err := o.outbox.Enqueue(ctx, d); err != nil {
		o.logger.Error("failed to queue review delivery", "approval_id", d.ApprovalID, "kind", d.Kind, "error", err)
		return workflow.ReviewAck{}, errors.Join(cause, err)
	}
	if o.recorder != nil {
		o.recorder.OutboxDelivery("queued")
	}
	o.logger.Warn("review channel unavailable, delivery queued",
		"approval_id", d.ApprovalID, "kind", d.Kind, "delivery_id", d.ID, "error", cause)
	return workflow.ReviewAck{ExternalID: d.ApprovalID, Status: "queued", Queued: true}, nil
}

var _ workflow.ReviewChannel = (*OutboxChannel)(nil)
