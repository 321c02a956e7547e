// Package approval holds the approval request aggregate and its lifecycle.
package approval

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/asan-idp/approvalgate/internal/models"
	"github.com/asan-idp/approvalgate/internal/risk"
	"github.com/asan-idp/approvalgate/internal/sqlreview"
)

var (
	ErrInvalidState   = errors.New("invalid approval state")
	ErrRequestExpired = errors.New("approval request expired")
	ErrInvalidRequest = errors.New("invalid approval request")
)

const (
	DefaultExpiry          = 24 * time.Hour
	DefaultCancelReason    = "Cancelled by requester"
	DefaultApproveReason   = "Approved"
	DefaultRejectReason    = "Rejected"
	UrgentRemainingMinutes = 60
	MetadataSchemaVersion  = 1
)

// Metadata is the structured context carried by a request. Extensions holds
// caller-supplied keys that have no typed home.
type Metadata struct {
	SchemaVersion      int                         `json:"schema_version"`
	SQLQueryID         string                      `json:"sql_query_id,omitempty"`
	NaturalLanguage    string                      `json:"natural_language,omitempty"`
	Analysis           *sqlreview.ApprovalMetadata `json:"analysis,omitempty"`
	CancellationReason string                      `json:"cancellation_reason,omitempty"`
	Extensions         map[string]interface{}      `json:"extensions,omitempty"`
}

func (m Metadata) clone() Metadata {
	out := m
	out.Analysis = m.Analysis.Clone()
	if m.Extensions != nil {
		out.Extensions = make(map[string]interface{}, len(m.Extensions))
		for k, v := range m.Extensions {
			out.Extensions[k] = v
		}
	}
	return out
}

// Decision is recorded once, by Approve or Reject.
type Decision struct {
	Approved   bool       `json:"approved"`
	ApproverID string     `json:"approver_id"`
	Reason     string     `json:"reason"`
	DecidedAt  time.Time  `json:"decided_at"`
	Conditions []string   `json:"conditions"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

func (d *Decision) clone() *Decision {
	if d == nil {
		return nil
	}
	out := *d
	out.Conditions = append([]string{}, d.Conditions...)
	if d.ExpiresAt != nil {
		t := *d.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}

// Request is the approval aggregate. It is not safe for concurrent use; a
// use case loads it, mutates it and saves it.
type Request struct {
	id            string
	approvalType  models.ApprovalType
	title         string
	description   string
	requesterID   string
	risk          risk.Level
	priority      models.Priority
	status        models.ApprovalStatus
	approverLevel models.ApproverLevel
	metadata      Metadata
	decision      *Decision
	createdAt     time.Time
	updatedAt     time.Time
	expiresAt     time.Time
	version       int

	now func() time.Time
}

// Params are the caller-controlled fields of a new request.
type Params struct {
	Type        models.ApprovalType
	Title       string
	Description string
	RequesterID string
	Risk        risk.Level
	Priority    models.Priority
	Metadata    Metadata
}

type Option func(*options)

type options struct {
	now       func() time.Time
	expiresIn time.Duration
	id        string
}

// WithClock sets the time source used by every lifecycle operation.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithExpiresIn sets the request expiry relative to creation. Negative
// values create an already expired request.
func WithExpiresIn(d time.Duration) Option {
	return func(o *options) { o.expiresIn = d }
}

// WithID overrides the generated identifier.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, expiresIn: DefaultExpiry}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New creates a pending request. The required approver level is fixed here
// from the risk score.
func New(p Params, opts ...Option) (*Request, error) {
	if !p.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown approval type %q", ErrInvalidRequest, p.Type)
	}
	if strings.TrimSpace(p.RequesterID) == "" {
		return nil, fmt.Errorf("%w: requester_id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(p.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidRequest)
	}
	if p.Risk.Score() == 0 {
		return nil, fmt.Errorf("%w: risk level is required", ErrInvalidRequest)
	}
	priority, err := models.ParsePriority(string(p.Priority))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	o := buildOptions(opts)
	id := o.id
	if id == "" {
		id = uuid.New().String()
	}
	created := o.now().UTC()

	md := p.Metadata.clone()
	md.SchemaVersion = MetadataSchemaVersion

	return &Request{
		id:            id,
		approvalType:  p.Type,
		title:         p.Title,
		description:   p.Description,
		requesterID:   p.RequesterID,
		risk:          p.Risk,
		priority:      priority,
		status:        models.StatusPending,
		approverLevel: models.ApproverLevelForScore(p.Risk.Score()),
		metadata:      md,
		createdAt:     created,
		updatedAt:     created,
		expiresAt:     created.Add(o.expiresIn),
		now:           o.now,
	}, nil
}

func (r *Request) clock() time.Time {
	return r.now().UTC()
}

func (r *Request) touch() {
	r.updatedAt = r.clock()
}

func (r *Request) checkDecidable() error {
	if r.status != models.StatusPending {
		return fmt.Errorf("%w: cannot decide on request in status %s", ErrInvalidState, r.status)
	}
	if r.IsExpired() {
		return fmt.Errorf("%w: request %s expired at %s", ErrRequestExpired, r.id, r.expiresAt.Format(time.RFC3339))
	}
	return nil
}

func (r *Request) checkPending(op string) error {
	if r.status != models.StatusPending {
		return fmt.Errorf("%w: cannot %s request in status %s", ErrInvalidState, op, r.status)
	}
	return nil
}

// Approve records a positive decision and opens the execution window.
func (r *Request) Approve(approverID, reason string, conditions []string, window time.Duration) error {
	if err := r.checkDecidable(); err != nil {
		return err
	}
	if reason == "" {
		reason = DefaultApproveReason
	}
	now := r.clock()
	deadline := now.Add(window)
	r.decision = &Decision{
		Approved:   true,
		ApproverID: approverID,
		Reason:     reason,
		DecidedAt:  now,
		Conditions: append([]string{}, conditions...),
		ExpiresAt:  &deadline,
	}
	r.status = models.StatusApproved
	r.updatedAt = now
	return nil
}

func (r *Request) Reject(approverID, reason string) error {
	if err := r.checkDecidable(); err != nil {
		return err
	}
	if reason == "" {
		reason = DefaultRejectReason
	}
	now := r.clock()
	r.decision = &Decision{
		ApproverID: approverID,
		Reason:     reason,
		DecidedAt:  now,
		Conditions: []string{},
	}
	r.status = models.StatusRejected
	r.updatedAt = now
	return nil
}

func (r *Request) Cancel(reason string) error {
	if err := r.checkPending("cancel"); err != nil {
		return err
	}
	if reason == "" {
		reason = DefaultCancelReason
	}
	r.status = models.StatusCancelled
	r.metadata.CancellationReason = reason
	r.touch()
	return nil
}

// MarkExpired moves a pending request to expired and reports whether it did.
// Calling it on any other status changes nothing.
func (r *Request) MarkExpired() bool {
	if r.status != models.StatusPending {
		return false
	}
	r.status = models.StatusExpired
	r.touch()
	return true
}

func (r *Request) ExtendExpiration(d time.Duration) error {
	if err := r.checkPending("extend"); err != nil {
		return err
	}
	r.expiresAt = r.expiresAt.Add(d)
	r.touch()
	return nil
}

func (r *Request) UpdatePriority(p models.Priority) error {
	if err := r.checkPending("reprioritize"); err != nil {
		return err
	}
	priority, err := models.ParsePriority(string(p))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	r.priority = priority
	r.touch()
	return nil
}

// IsExpired reports whether the request deadline has passed, whatever the status.
func (r *Request) IsExpired() bool {
	return r.clock().After(r.expiresAt)
}

func (r *Request) IsPending() bool {
	return r.status == models.StatusPending && !r.IsExpired()
}

func (r *Request) IsApproved() bool {
	return r.status == models.StatusApproved
}

// IsExecutionExpired is false unless the request is approved. The window is
// half-open, so a zero-length window is expired immediately.
func (r *Request) IsExecutionExpired() bool {
	if !r.IsApproved() || r.decision == nil || r.decision.ExpiresAt == nil {
		return false
	}
	return !r.clock().Before(*r.decision.ExpiresAt)
}

func (r *Request) RemainingMinutes() int {
	if r.IsExpired() {
		return 0
	}
	return int(r.expiresAt.Sub(r.clock()) / time.Minute)
}

func (r *Request) ExecutionRemainingMinutes() int {
	if r.decision == nil || r.decision.ExpiresAt == nil || r.IsExecutionExpired() {
		return 0
	}
	return int(r.decision.ExpiresAt.Sub(r.clock()) / time.Minute)
}

func (r *Request) RequiresUrgentAttention() bool {
	return r.priority == models.PriorityUrgent ||
		r.risk.Score() >= 4 ||
		r.RemainingMinutes() < UrgentRemainingMinutes
}

func (r *Request) ID() string                                  { return r.id }
func (r *Request) Type() models.ApprovalType                   { return r.approvalType }
func (r *Request) Title() string                               { return r.title }
func (r *Request) Description() string                         { return r.description }
func (r *Request) RequesterID() string                         { return r.requesterID }
func (r *Request) Risk() risk.Level                            { return r.risk }
func (r *Request) Priority() models.Priority                   { return r.priority }
func (r *Request) Status() models.ApprovalStatus               { return r.status }
func (r *Request) RequiredApproverLevel() models.ApproverLevel { return r.approverLevel }
func (r *Request) CreatedAt() time.Time                        { return r.createdAt }
func (r *Request) UpdatedAt() time.Time                        { return r.updatedAt }
func (r *Request) ExpiresAt() time.Time                        { return r.expiresAt }
func (r *Request) Metadata() Metadata                          { return r.metadata.clone() }
func (r *Request) Decision() *Decision                         { return r.decision.clone() }

// Version is the persisted revision the request was loaded at; 0 for a
// request that was never saved.
func (r *Request) Version() int { return r.version }

// SetVersion is called by repositories after a successful write.
func (r *Request) SetVersion(v int) { r.version = v }

func (r *Request) String() string {
	return fmt.Sprintf("Request(id=%s, type=%s, status=%s)", r.id, r.approvalType, r.status)
}
