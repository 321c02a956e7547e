package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/asan-idp/approvalgate/internal/approval"
	"github.com/asan-idp/approvalgate/internal/models"
	"github.com/asan-idp/approvalgate/internal/risk"
	"github.com/asan-idp/approvalgate/internal/workflow"
)

type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

func New(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return NewWithDB(db), nil
}

// NewWithDB wraps an existing connection pool.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock sets the clock handed to loaded requests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

const schema = `
CREATE TABLE IF NOT EXISTS approval_requests (
	id                      UUID PRIMARY KEY,
	approval_type           TEXT NOT NULL,
	title                   TEXT NOT NULL,
	description             TEXT NOT NULL DEFAULT '',
	requester_id            TEXT NOT NULL,
	status                  TEXT NOT NULL,
	priority                TEXT NOT NULL,
	risk_level              TEXT NOT NULL,
	risk_score              INTEGER NOT NULL,
	risk_factors            TEXT[] NOT NULL DEFAULT '{}',
	required_approver_level TEXT NOT NULL,
	metadata                JSONB NOT NULL DEFAULT '{}',
	decision                JSONB,
	approver_id             TEXT,
	created_at              TIMESTAMPTZ NOT NULL,
	updated_at              TIMESTAMPTZ NOT NULL,
	expires_at              TIMESTAMPTZ NOT NULL,
	version                 INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_approval_requests_status_expires ON approval_requests (status, expires_at);
CREATE INDEX IF NOT EXISTS idx_approval_requests_requester ON approval_requests (requester_id, created_at DESC);
`

// Migrate creates the approval tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrating approval schema: %w", err)
	}
	return nil
}

type approvalRow struct {
	ID                    string             `db:"id"`
	ApprovalType          string             `db:"approval_type"`
	Title                 string             `db:"title"`
	Description           string             `db:"description"`
	RequesterID           string             `db:"requester_id"`
	Status                string             `db:"status"`
	Priority              string             `db:"priority"`
	RiskLevel             string             `db:"risk_level"`
	RiskScore             int                `db:"risk_score"`
	RiskFactors           models.StringArray `db:"risk_factors"`
	RequiredApproverLevel string             `db:"required_approver_level"`
	Metadata              []byte             `db:"metadata"`
	Decision              []byte             `db:"decision"`
	ApproverID            sql.NullString     `db:"approver_id"`
	CreatedAt             time.Time          `db:"created_at"`
	UpdatedAt             time.Time          `db:"updated_at"`
	ExpiresAt             time.Time          `db:"expires_at"`
	Version               int                `db:"version"`
}

const selectColumns = `id, approval_type, title, description, requester_id, status, priority,
	risk_level, risk_score, risk_factors, required_approver_level, metadata, decision,
	approver_id, created_at, updated_at, expires_at, version`

func toRow(r *approval.Request) (approvalRow, error) {
	snap := r.Snapshot()
	md, err := json.Marshal(snap.Metadata)
	if err != nil {
		return approvalRow{}, fmt.Errorf("encoding metadata: %w", err)
	}
	row := approvalRow{
		ID:                    snap.ID,
		ApprovalType:          string(snap.Type),
		Title:                 snap.Title,
		Description:           snap.Description,
		RequesterID:           snap.RequesterID,
		Status:                string(snap.Status),
		Priority:              string(snap.Priority),
		RiskLevel:             string(snap.Risk.Category()),
		RiskScore:             snap.Risk.Score(),
		RiskFactors:           models.StringArray(snap.Risk.Factors()),
		RequiredApproverLevel: string(snap.RequiredApproverLevel),
		Metadata:              md,
		CreatedAt:             snap.CreatedAt,
		UpdatedAt:             snap.UpdatedAt,
		ExpiresAt:             snap.ExpiresAt,
		Version:               snap.Version,
	}
	if row.RiskFactors == nil {
		row.RiskFactors = models.StringArray{}
	}
	if snap.Decision != nil {
		row.Decision, err = json.Marshal(snap.Decision)
		if err != nil {
			return approvalRow{}, fmt.Errorf("encoding decision: %w", err)
		}
		row.ApproverID = sql.NullString{String: snap.Decision.ApproverID, Valid: true}
	}
	return row, nil
}

func (row approvalRow) toRequest(now func() time.Time) (*approval.Request, error) {
	level, err := risk.Of(risk.Category(row.RiskLevel), row.RiskFactors)
	if err != nil {
		return nil, err
	}
	snap := approval.Snapshot{
		ID:                    row.ID,
		Type:                  models.ApprovalType(row.ApprovalType),
		Title:                 row.Title,
		Description:           row.Description,
		RequesterID:           row.RequesterID,
		Status:                models.ApprovalStatus(row.Status),
		Priority:              models.Priority(row.Priority),
		Risk:                  level,
		RequiredApproverLevel: models.ApproverLevel(row.RequiredApproverLevel),
		CreatedAt:             row.CreatedAt.UTC(),
		UpdatedAt:             row.UpdatedAt.UTC(),
		ExpiresAt:             row.ExpiresAt.UTC(),
		Version:               row.Version,
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &snap.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	if len(row.Decision) > 0 {
		var d approval.Decision
		if err := json.Unmarshal(row.Decision, &d); err != nil {
			return nil, fmt.Errorf("decoding decision: %w", err)
		}
		snap.Decision = &d
	}
	return approval.Restore(snap, approval.WithClock(now))
}

// Save inserts a never-saved request or updates one at its loaded version.
func (s *Store) Save(ctx context.Context, r *approval.Request) error {
	row, err := toRow(r)
	if err != nil {
		return err
	}

	if row.Version == 0 {
		query := `
			INSERT INTO approval_requests (id, approval_type, title, description, requester_id, status, priority,
				risk_level, risk_score, risk_factors, required_approver_level, metadata, decision, approver_id,
				created_at, updated_at, expires_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1)
		`
		_, err := s.db.ExecContext(ctx, query,
			row.ID, row.ApprovalType, row.Title, row.Description, row.RequesterID, row.Status, row.Priority,
			row.RiskLevel, row.RiskScore, row.RiskFactors, row.RequiredApproverLevel, row.Metadata, row.Decision,
			row.ApproverID, row.CreatedAt, row.UpdatedAt, row.ExpiresAt,
		)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return fmt.Errorf("inserting approval %s: %w", row.ID, workflow.ErrVersionConflict)
			}
			return fmt.Errorf("inserting approval %s: %w", row.ID, err)
		}
		r.SetVersion(1)
		return nil
	}

	query := `
		UPDATE approval_requests
		SET status = $2, priority = $3, metadata = $4, decision = $5, approver_id = $6,
			updated_at = $7, expires_at = $8, version = version + 1
		WHERE id = $1 AND version = $9
	`
	res, err := s.db.ExecContext(ctx, query,
		row.ID, row.Status, row.Priority, row.Metadata, row.Decision, row.ApproverID,
		row.UpdatedAt, row.ExpiresAt, row.Version,
	)
	if err != nil {
		return fmt.Errorf("updating approval %s: %w", row.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating approval %s: %w", row.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("updating approval %s at version %d: %w", row.ID, row.Version, workflow.ErrVersionConflict)
	}
	r.SetVersion(row.Version + 1)
	return nil
}

// SaveBatch saves each request on its own; it is not transactional.
func (s *Store) SaveBatch(ctx context.Context, rs []*approval.Request) error {
	failed := make(map[string]error)
	for _, r := range rs {
		if err := s.Save(ctx, r); err != nil {
			failed[r.ID()] = err
		}
	}
	if len(failed) > 0 {
		return &workflow.BatchError{Failed: failed}
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*approval.Request, error) {
	var row approvalRow
	query := `SELECT ` + selectColumns + ` FROM approval_requests WHERE id = $1`
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting approval %s: %w", id, err)
	}
	return row.toRequest(s.now)
}

func (s *Store) GetPendingExpired(ctx context.Context, now time.Time) ([]*approval.Request, error) {
	query := `SELECT ` + selectColumns + ` FROM approval_requests
		WHERE status = $1 AND expires_at < $2 ORDER BY expires_at`
	return s.selectRequests(ctx, "listing overdue approvals", query, models.StatusPending, now)
}

func (s *Store) ListWithFilters(ctx context.Context, f workflow.ListFilter, page, pageSize int) ([]*approval.Request, int, error) {
	baseQuery := `FROM approval_requests WHERE 1=1`
	args := make([]interface{}, 0)
	argIdx := 1

	add := func(clause string, v interface{}) {
		baseQuery += fmt.Sprintf(clause, argIdx)
		args = append(args, v)
		argIdx++
	}
	if f.Status != nil {
		add(" AND status = $%d", string(*f.Status))
	}
	if f.RequesterID != nil {
		add(" AND requester_id = $%d", *f.RequesterID)
	}
	if f.ApproverID != nil {
		add(" AND approver_id = $%d", *f.ApproverID)
	}
	if f.RiskLevel != nil {
		add(" AND risk_level = $%d", string(*f.RiskLevel))
	}
	if f.Priority != nil {
		add(" AND priority = $%d", string(*f.Priority))
	}
	if f.ApprovalType != nil {
		add(" AND approval_type = $%d", string(*f.ApprovalType))
	}
	if f.DateFrom != nil {
		add(" AND created_at >= $%d", *f.DateFrom)
	}
	if f.DateTo != nil {
		add(" AND created_at <= $%d", *f.DateTo)
	}

	var total int
	countQuery := "SELECT COUNT(*) " + baseQuery
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("counting approvals: %w", err)
	}

	selectQuery := "SELECT " + selectColumns + " " + baseQuery + " ORDER BY created_at DESC, id"
	if pageSize > 0 {
		selectQuery += fmt.Sprintf(" LIMIT %d", pageSize)
		if page > 1 {
			selectQuery += fmt.Sprintf(" OFFSET %d", (page-1)*pageSize)
		}
	}

	reqs, err := s.selectRequests(ctx, "listing approvals", selectQuery, args...)
	if err != nil {
		return nil, 0, err
	}
	return reqs, total, nil
}

func (s *Store) CountByStatus(ctx context.Context, status models.ApprovalStatus) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM approval_requests WHERE status = $1`, string(status)); err != nil {
		return 0, fmt.Errorf("counting %s approvals: %w", status, err)
	}
	return n, nil
}

func (s *Store) GetByRequester(ctx context.Context, requesterID string, limit int) ([]*approval.Request, error) {
	query := `SELECT ` + selectColumns + ` FROM approval_requests
		WHERE requester_id = $1 ORDER BY created_at DESC LIMIT $2`
	return s.selectRequests(ctx, "listing requester approvals", query, requesterID, limit)
}

func (s *Store) selectRequests(ctx context.Context, op, query string, args ...interface{}) ([]*approval.Request, error) {
	var rows []approvalRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out := make([]*approval.Request, 0, len(rows))
	for _, row := range rows {
		r, err := row.toRequest(s.now)
		if err != nil {
			return nil, fmt.Errorf("%s: decoding %s: %w", op, row.ID, err)
		}
		out = append(out, r)
	}
	return out, nil
}
