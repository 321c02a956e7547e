package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/asan-idp/approvalgate/internal/approval"
	"github.com/asan-idp/approvalgate/internal/models"
	"github.com/asan-idp/approvalgate/internal/workflow"
)

// MemoryStore keeps request snapshots in process. It backs tests and the
// database-less development mode.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]approval.Snapshot
	now   func() time.Time
}

func NewMemory() *MemoryStore {
	return &MemoryStore{items: make(map[string]approval.Snapshot), now: time.Now}
}

// WithClock sets the clock handed to loaded requests.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Save(ctx context.Context, r *approval.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(r)
}

func (m *MemoryStore) saveLocked(r *approval.Request) error {
	stored := 0
	if existing, ok := m.items[r.ID()]; ok {
		stored = existing.Version
	}
	if stored != r.Version() {
		return fmt.Errorf("saving approval %s at version %d (stored %d): %w",
			r.ID(), r.Version(), stored, workflow.ErrVersionConflict)
	}
	snap := r.Snapshot()
	snap.Version = stored + 1
	m.items[r.ID()] = snap
	r.SetVersion(snap.Version)
	return nil
}

func (m *MemoryStore) SaveBatch(ctx context.Context, rs []*approval.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	failed := make(map[string]error)
	for _, r := range rs {
		if err := m.saveLocked(r); err != nil {
			failed[r.ID()] = err
		}
	}
	if len(failed) > 0 {
		return &workflow.BatchError{Failed: failed}
	}
	return nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id string) (*approval.Request, error) {
	m.mu.RLock()
	snap, ok := m.items[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return approval.Restore(snap, approval.WithClock(m.now))
}

func (m *MemoryStore) GetPendingExpired(ctx context.Context, now time.Time) ([]*approval.Request, error) {
	out, err := m.collect(func(s approval.Snapshot) bool {
		return s.Status == models.StatusPending && now.After(s.ExpiresAt)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt().Before(out[j].ExpiresAt()) })
	return out, nil
}

func (m *MemoryStore) ListWithFilters(ctx context.Context, f workflow.ListFilter, page, pageSize int) ([]*approval.Request, int, error) {
	all, err := m.collect(func(approval.Snapshot) bool { return true })
	if err != nil {
		return nil, 0, err
	}

	matched := all[:0]
	for _, r := range all {
		if f.Matches(r) {
			matched = append(matched, r)
		}
	}
	newestFirst(matched)

	total := len(matched)
	if pageSize <= 0 {
		return matched, total, nil
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start >= total {
		return []*approval.Request{}, total, nil
	}
	end := min(start+pageSize, total)
	return matched[start:end], total, nil
}

func (m *MemoryStore) CountByStatus(ctx context.Context, status models.ApprovalStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, s := range m.items {
		if s.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetByRequester(ctx context.Context, requesterID string, limit int) ([]*approval.Request, error) {
	out, err := m.collect(func(s approval.Snapshot) bool { return s.RequesterID == requesterID })
	if err != nil {
		return nil, err
	}
	newestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) collect(keep func(approval.Snapshot) bool) ([]*approval.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*approval.Request, 0, len(m.items))
	for _, s := range m.items {
		if !keep(s) {
			continue
		}
		r, err := approval.Restore(s, approval.WithClock(m.now))
		if err != nil {
			return nil, fmt.Errorf("restoring approval %s: %w", s.ID, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func newestFirst(rs []*approval.Request) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].CreatedAt().Equal(rs[j].CreatedAt()) {
			return rs[i].ID() < rs[j].ID()
		}
		return rs[i].CreatedAt().After(rs[j].CreatedAt())
	})
}

var (
	_ workflow.Repository = (*MemoryStore)(nil)
	_ workflow.Repository = (*Store)(nil)
)
