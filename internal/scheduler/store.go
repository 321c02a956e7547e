package scheduler

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Schema creates the execution history table.
const Schema = `
CREATE TABLE IF NOT EXISTS job_executions (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL,
	status     TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at   TIMESTAMPTZ,
	error      TEXT NOT NULL DEFAULT '',
	output     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_job_executions_job ON job_executions (job_id, started_at DESC);
`

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a new PostgreSQL scheduler store
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

// CreateExecution creates a job execution record
func (s *PostgresStore) CreateExecution(ctx context.Context, exec *JobExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_executions (id, job_id, status, started_at, error, output)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, exec.ID, exec.JobID, string(exec.Status), exec.StartedAt, exec.Error, exec.Output)
	return err
}

// UpdateExecution updates a job execution record
func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *JobExecution) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_executions SET status = $2, ended_at = $3, error = $4, output = $5
		WHERE id = $1
	`, exec.ID, string(exec.Status), exec.EndedAt, exec.Error, exec.Output)
	return err
}

// GetJobExecutions gets recent executions for a job
func (s *PostgresStore) GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error) {
	var execs []*JobExecution
	err := s.db.SelectContext(ctx, &execs, `
		SELECT id, job_id, status, started_at, ended_at, error, output
		FROM job_executions
		WHERE job_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, jobID, limit)
	return execs, err
}

// MemoryStore keeps execution history in process.
type MemoryStore struct {
	mu    sync.Mutex
	execs map[string]JobExecution
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{execs: make(map[string]JobExecution)}
}

func (m *MemoryStore) CreateExecution(ctx context.Context, exec *JobExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs[exec.ID] = *exec
	return nil
}

func (m *MemoryStore) UpdateExecution(ctx context.Context, exec *JobExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs[exec.ID] = *exec
	return nil
}

func (m *MemoryStore) GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []*JobExecution{}
	for _, e := range m.execs {
		if e.JobID == jobID {
			e := e
			out = append(out, &e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
