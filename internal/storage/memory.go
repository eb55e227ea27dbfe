package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory keeps leases and actions in process memory. It only coordinates
// goroutines of one process; use it for single-host runs and tests.
type Memory struct {
	mu      sync.Mutex
	leases  map[string]Lease
	actions map[string]Action
}

func NewMemory() *Memory {
	return &Memory{leases: map[string]Lease{}, actions: map[string]Action{}}
}

func (m *Memory) ClaimLease(ctx context.Context, c LeaseClaim) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[c.ID]; ok && !c.Claimable(cur) {
		return false, nil
	}
	m.leases[c.ID] = c.Record()
	return true, nil
}

func (m *Memory) UpdateLease(ctx context.Context, id, holderID string, u LeaseUpdate) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[id]
	if !ok || cur.HolderID != holderID {
		return 0, nil
	}
	u.Apply(&cur)
	m.leases[id] = cur
	return 1, nil
}

func (m *Memory) DeleteLease(ctx context.Context, id, holderID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[id]
	if !ok || (holderID != "" && cur.HolderID != holderID) {
		return 0, nil
	}
	delete(m.leases, id)
	return 1, nil
}

func (m *Memory) ReadLease(ctx context.Context, id string) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[id]
	if !ok {
		return Lease{}, ErrNotFound
	}
	return cur, nil
}

func (m *Memory) InsertAction(ctx context.Context, a Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.actions[a.ID]; dup {
		return fmt.Errorf("action %s already exists", a.ID)
	}
	m.actions[a.ID] = a
	return nil
}

func (m *Memory) ClaimAction(ctx context.Context, lockID, claimant string, now time.Time) (Action, bool, error) {
	if err := ctx.Err(); err != nil {
		return Action{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *Action
	for id := range m.actions {
		a := m.actions[id]
		if a.LockID != lockID || !a.Pending() {
			continue
		}
		if oldest == nil || olderThan(a, *oldest) {
			cp := a
			oldest = &cp
		}
	}
	if oldest == nil {
		return Action{}, false, nil
	}
	oldest.DoneAt = now
	oldest.DoneBy = claimant
	m.actions[oldest.ID] = *oldest
	return *oldest, true, nil
}

func (m *Memory) MarkAction(ctx context.Context, id, result string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return ErrNotFound
	}
	a.Result = result
	m.actions[id] = a
	return nil
}

func (m *Memory) ListActions(ctx context.Context, lockID string, limit int) ([]Action, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	out := make([]Action, 0, len(m.actions))
	for _, a := range m.actions {
		if a.LockID == lockID {
			out = append(out, a)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return olderThan(out[j], out[i]) })
	if n := ClampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

// olderThan orders actions FIFO by request time, then id.
func olderThan(a, b Action) bool {
	if !a.RequestedAt.Equal(b.RequestedAt) {
		return a.RequestedAt.Before(b.RequestedAt)
	}
	return a.ID < b.ID
}
