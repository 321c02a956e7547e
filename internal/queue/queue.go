// Package queue is the Redis outbox for review-channel calls that could not
// be delivered when the workflow made them.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/asan-idp/approvalgate/internal/models"
)

const (
	PendingKey         = "approvalgate:outbox:pending"
	ProcessingKey      = "approvalgate:outbox:processing"
	DeadKey            = "approvalgate:outbox:dead"
	WorkerHeartbeatKey = "approvalgate:outbox:workers"

	DefaultMaxAttempts = 3
	DefaultBackoff     = 30 * time.Second
)

// Kind is the review-channel call a delivery replays.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindCancel Kind = "cancel"
)

type Config struct {
	Addr        string
	Password    string
	DB          int
	MaxAttempts int
	Backoff     time.Duration
}

type Outbox struct {
	client      *redis.Client
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
}

func New(cfg Config) (*Outbox, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client; zero config values take defaults.
func NewWithClient(client *redis.Client, cfg Config) *Outbox {
	o := &Outbox{
		client:      client,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		now:         time.Now,
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = DefaultMaxAttempts
	}
	if o.backoff <= 0 {
		o.backoff = DefaultBackoff
	}
	return o
}

// WithClock overrides the outbox clock.
func (o *Outbox) WithClock(now func() time.Time) *Outbox {
	o.now = now
	return o
}

func (o *Outbox) Close() error {
	return o.client.Close()
}

func (o *Outbox) Ping(ctx context.Context) error {
	return o.client.Ping(ctx).Err()
}

// Delivery is one deferred review-channel call.
type Delivery struct {
	ID         string                 `json:"id"`
	Kind       Kind                   `json:"kind"`
	ApprovalID string                 `json:"approval_id"`
	Status     models.ApprovalStatus  `json:"status,omitempty"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	Attempts   int                    `json:"attempts"`
	LastError  string                 `json:"last_error,omitempty"`
	DequeuedAt *time.Time             `json:"dequeued_at,omitempty"`
}

// Enqueue schedules d for immediate delivery.
func (o *Outbox) Enqueue(ctx context.Context, d *Delivery) error {
	if d.ApprovalID == "" {
		return errors.New("delivery without approval id")
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = o.now().UTC()
	}
	return o.schedule(ctx, d, o.now())
}

func (o *Outbox) schedule(ctx context.Context, d *Delivery, at time.Time) error {
	d.DequeuedAt = nil
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshaling delivery: %w", err)
	}
	if err := o.client.ZAdd(ctx, PendingKey, redis.Z{
		Score:  float64(at.Unix()),
		Member: string(data),
	}).Err(); err != nil {
		return fmt.Errorf("enqueueing delivery %s: %w", d.ID, err)
	}
	return nil
}

// Dequeue claims the oldest delivery whose next attempt is due. It returns
// nil when nothing is due.
func (o *Outbox) Dequeue(ctx context.Context) (*Delivery, error) {
	now := o.now()
	results, err := o.client.ZRangeByScoreWithScores(ctx, PendingKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("dequeuing delivery: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	member, _ := results[0].Member.(string)
	removed, err := o.client.ZRem(ctx, PendingKey, member).Result()
	if err != nil {
		return nil, fmt.Errorf("claiming delivery: %w", err)
	}
	if removed == 0 {
		// Another worker claimed it first.
		return nil, nil
	}

	var d Delivery
	if err := json.Unmarshal([]byte(member), &d); err != nil {
		o.client.SAdd(ctx, DeadKey, member)
		return nil, fmt.Errorf("unmarshaling delivery: %w", err)
	}

	claimed := now.UTC()
	d.DequeuedAt = &claimed
	data, _ := json.Marshal(d)
	if err := o.client.HSet(ctx, ProcessingKey, d.ID, string(data)).Err(); err != nil {
		o.client.ZAdd(ctx, PendingKey, redis.Z{Score: results[0].Score, Member: member})
		return nil, fmt.Errorf("marking delivery as processing: %w", err)
	}

	return &d, nil
}

// Complete drops a delivered call.
func (o *Outbox) Complete(ctx context.Context, d *Delivery) error {
	if err := o.client.HDel(ctx, ProcessingKey, d.ID).Err(); err != nil {
		return fmt.Errorf("completing delivery %s: %w", d.ID, err)
	}
	return nil
}

// Requeue records a failed attempt. It reschedules with attempts×backoff, or
// dead-letters the delivery once the attempts are exhausted. It reports
// whether the delivery was dead-lettered.
func (o *Outbox) Requeue(ctx context.Context, d *Delivery, errorMsg string) (bool, error) {
	o.client.HDel(ctx, ProcessingKey, d.ID)

	d.Attempts++
	d.LastError = errorMsg

	if d.Attempts >= o.maxAttempts {
		d.DequeuedAt = nil
		data, _ := json.Marshal(d)
		if err := o.client.SAdd(ctx, DeadKey, string(data)).Err(); err != nil {
			return false, fmt.Errorf("dead-lettering delivery %s: %w", d.ID, err)
		}
		return true, nil
	}

	next := o.now().Add(time.Duration(d.Attempts) * o.backoff)
	return false, o.schedule(ctx, d, next)
}

func (o *Outbox) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)

	pending, err := o.client.ZCard(ctx, PendingKey).Result()
	if err != nil {
		return nil, fmt.Errorf("counting pending deliveries: %w", err)
	}
	processing, _ := o.client.HLen(ctx, ProcessingKey).Result()
	dead, _ := o.client.SCard(ctx, DeadKey).Result()

	stats["pending"] = pending
	stats["processing"] = processing
	stats["dead"] = dead

	return stats, nil
}

// DeadLetters returns the deliveries that exhausted their attempts.
func (o *Outbox) DeadLetters(ctx context.Context) ([]Delivery, error) {
	members, err := o.client.SMembers(ctx, DeadKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing dead deliveries: %w", err)
	}
	out := make([]Delivery, 0, len(members))
	for _, m := range members {
		var d Delivery
		if err := json.Unmarshal([]byte(m), &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (o *Outbox) WorkerHeartbeat(ctx context.Context, workerID string) error {
	return o.client.HSet(ctx, WorkerHeartbeatKey, workerID, o.now().Unix()).Err()
}

func (o *Outbox) GetActiveWorkers(ctx context.Context, timeout time.Duration) ([]string, error) {
	workers, err := o.client.HGetAll(ctx, WorkerHeartbeatKey).Result()
	if err != nil {
		return nil, fmt.Errorf("getting workers: %w", err)
	}

	var active []string
	cutoff := o.now().Add(-timeout).Unix()

	for workerID, lastSeen := range workers {
		ts, _ := strconv.ParseInt(lastSeen, 10, 64)
		if ts > cutoff {
			active = append(active, workerID)
		}
	}

	return active, nil
}

// CleanupStale returns deliveries claimed longer than timeout ago to the
// pending set, counting the abandoned claim as an attempt.
func (o *Outbox) CleanupStale(ctx context.Context, timeout time.Duration) (int, error) {
	claims, err := o.client.HGetAll(ctx, ProcessingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("getting processing deliveries: %w", err)
	}

	cleaned := 0
	for _, data := range claims {
		var d Delivery
		if err := json.Unmarshal([]byte(data), &d); err != nil {
			continue
		}
		if d.DequeuedAt == nil || o.now().Sub(*d.DequeuedAt) <= timeout {
			continue
		}
		if _, err := o.Requeue(ctx, &d, "worker claim timed out"); err != nil {
			return cleaned, err
		}
		cleaned++
	}

	return cleaned, nil
}
