package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asan-idp/approvalgate/internal/approval"
	"github.com/asan-idp/approvalgate/internal/workflow"
)

// RequestLoader is the slice of the repository the worker needs to rebuild
// a create call.
type RequestLoader interface {
	GetByID(ctx context.Context, id string) (*approval.Request, error)
}

// Recorder observes delivery outcomes.
type Recorder interface {
	OutboxDelivery(result string)
}

type noopRecorder struct{}

func (noopRecorder) OutboxDelivery(string) {}

type Worker struct {
	id       string
	outbox   *Outbox
	channel  workflow.ReviewChannel
	requests RequestLoader
	recorder Recorder
	logger   *slog.Logger

	pollInterval      time.Duration
	heartbeatInterval time.Duration
	staleTimeout      time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
	mu      sync.Mutex
}

type WorkerConfig struct {
	Outbox   *Outbox
	Channel  workflow.ReviewChannel
	Requests RequestLoader
	Recorder Recorder
	Logger   *slog.Logger

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	StaleTimeout      time.Duration
}

func NewWorker(cfg WorkerConfig) *Worker {
	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	w := &Worker{
		id:                workerID,
		outbox:            cfg.Outbox,
		channel:           cfg.Channel,
		requests:          cfg.Requests,
		recorder:          cfg.Recorder,
		logger:            cfg.Logger,
		pollInterval:      cfg.PollInterval,
		heartbeatInterval: cfg.HeartbeatInterval,
		staleTimeout:      cfg.StaleTimeout,
	}
	if w.recorder == nil {
		w.recorder = noopRecorder{}
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.pollInterval <= 0 {
		w.pollInterval = time.Second
	}
	if w.heartbeatInterval <= 0 {
		w.heartbeatInterval = 10 * time.Second
	}
	if w.staleTimeout <= 0 {
		w.staleTimeout = 5 * time.Minute
	}
	w.logger = w.logger.With("worker_id", workerID)
	return w
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.logger.Info("outbox worker starting")

	w.wg.Add(1)
	go w.heartbeatLoop()

	w.wg.Add(1)
	go w.processLoop()

	return nil
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.logger.Info("outbox worker stopping")
	w.cancel()
	w.wg.Wait()
	w.logger.Info("outbox worker stopped")
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := w.outbox.WorkerHeartbeat(w.ctx, w.id); err != nil {
				w.logger.Warn("heartbeat failed", "error", err)
			}
			if n, err := w.outbox.CleanupStale(w.ctx, w.staleTimeout); err != nil {
				w.logger.Warn("stale delivery cleanup failed", "error", err)
			} else if n > 0 {
				w.logger.Info("requeued stale deliveries", "count", n)
			}
		}
	}
}

func (w *Worker) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		processed, err := w.ProcessOne(w.ctx)
		if err != nil {
			w.logger.Error("error dequeuing delivery", "error", err)
			w.sleep(5 * w.pollInterval)
			continue
		}
		if !processed {
			w.sleep(w.pollInterval)
		}
	}
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.ctx.Done():
	case <-time.After(d):
	}
}

// ProcessOne delivers at most one due call. It reports whether a delivery
// was claimed; the returned error covers only the outbox itself.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	d, err := w.outbox.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, nil
	}

	log := w.logger.With("delivery_id", d.ID, "approval_id", d.ApprovalID, "kind", d.Kind)

	if err := w.deliver(ctx, d); err != nil {
		dead, qerr := w.outbox.Requeue(ctx, d, err.Error())
		if qerr != nil {
			return true, qerr
		}
		if dead {
			w.recorder.OutboxDelivery("dead")
			log.Error("review delivery dead-lettered", "attempts", d.Attempts, "error", err)
		} else {
			w.recorder.OutboxDelivery("retry")
			log.Warn("review delivery failed, will retry", "attempts", d.Attempts, "error", err)
		}
		return true, nil
	}

	if err := w.outbox.Complete(ctx, d); err != nil {
		return true, err
	}
	w.recorder.OutboxDelivery("delivered")
	log.Info("review delivery completed", "attempts", d.Attempts+1)
	return true, nil
}

func (w *Worker) deliver(ctx context.Context, d *Delivery) error {
	switch d.Kind {
	case KindCreate:
		req, err := w.requests.GetByID(ctx, d.ApprovalID)
		if err != nil {
			return fmt.Errorf("loading approval: %w", err)
		}
		if req == nil {
			return fmt.Errorf("approval %s no longer exists", d.ApprovalID)
		}
		_, err = w.channel.CreateApprovalRequest(ctx, req)
		return err
	case KindUpdate:
		_, err := w.channel.UpdateApprovalStatus(ctx, d.ApprovalID, d.Status, d.Extra)
		return err
	case KindCancel:
		_, err := w.channel.CancelApprovalRequest(ctx, d.ApprovalID)
		return err
	default:
		return fmt.Errorf("unknown delivery kind: %s", d.Kind)
	}
}
