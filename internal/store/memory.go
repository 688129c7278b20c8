package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"txcore/internal/account"
)

// Memory is an in-process Store. With a non-empty snapshot path every
// committed change is written to disk atomically (temp file + rename), and
// NewMemory reloads it on startup, so watermarks and cursors survive
// restarts. Records handed in or out are never mutated in place; callers
// replace them wholesale.
type Memory struct {
	mu        sync.RWMutex
	pending   map[PendingKey]*PendingTx
	confirmed map[ConfirmedKey]*ConfirmedTx
	path      string
	closed    bool
}

type memorySnapshot struct {
	Pending   []*PendingTx   `json:"pending"`
	Confirmed []*ConfirmedTx `json:"confirmed"`
}

// NewMemory opens an in-memory store. path may be empty for a purely
// volatile store (tests).
func NewMemory(path string) (*Memory, error) {
	m := &Memory{
		pending:   make(map[PendingKey]*PendingTx),
		confirmed: make(map[ConfirmedKey]*ConfirmedTx),
		path:      path,
	}
	if path == "" {
		return m, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	var snap memorySnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("store snapshot: %w", err)
	}
	for _, p := range snap.Pending {
		m.pending[p.Key()] = p
	}
	for _, c := range snap.Confirmed {
		m.confirmed[c.Key()] = c
	}
	return m, nil
}

func (m *Memory) GetPending(ctx context.Context, key PendingKey) (*PendingTx, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return getPending(m.pending, key)
}

func (m *Memory) ListPending(ctx context.Context, acct account.Ref) ([]*PendingTx, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return listPending(m.pending, acct), nil
}

func (m *Memory) PutPending(ctx context.Context, rec *PendingTx) error {
	return m.Update(ctx, func(tx Tx) error { return tx.PutPending(ctx, rec) })
}

func (m *Memory) DeletePending(ctx context.Context, key PendingKey) error {
	return m.Update(ctx, func(tx Tx) error { return tx.DeletePending(ctx, key) })
}

func (m *Memory) GetConfirmed(ctx context.Context, key ConfirmedKey) (*ConfirmedTx, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return getConfirmed(m.confirmed, key)
}

func (m *Memory) UpsertConfirmed(ctx context.Context, rec *ConfirmedTx) error {
	return m.Update(ctx, func(tx Tx) error { return tx.UpsertConfirmed(ctx, rec) })
}

func (m *Memory) ListConfirmedDesc(ctx context.Context, acct account.Ref, kind account.Kind, before *ConfirmedKey, limit int) ([]*ConfirmedTx, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return listConfirmedDesc(m.confirmed, acct, kind, before, limit), nil
}

// Update runs fn against a staged copy of the store. The copy replaces the
// live maps only when fn returns nil, so a failing callback leaves no
// partial writes behind.
func (m *Memory) Update(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	staged := &memoryTx{
		pending:   clonePendingMap(m.pending),
		confirmed: cloneConfirmedMap(m.confirmed),
	}
	if err := fn(staged); err != nil {
		return err
	}
	m.pending = staged.pending
	m.confirmed = staged.confirmed
	return m.persistLocked()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) persistLocked() error {
	if m.path == "" {
		return nil
	}
	snap := memorySnapshot{}
	for _, p := range m.pending {
		snap.Pending = append(snap.Pending, p)
	}
	for _, c := range m.confirmed {
		snap.Confirmed = append(snap.Confirmed, c)
	}
	sort.Slice(snap.Pending, func(i, j int) bool {
		if snap.Pending[i].Account.Key() != snap.Pending[j].Account.Key() {
			return snap.Pending[i].Account.Key() < snap.Pending[j].Account.Key()
		}
		return snap.Pending[i].Nonce < snap.Pending[j].Nonce
	})
	sort.Slice(snap.Confirmed, func(i, j int) bool {
		return snap.Confirmed[i].Key().Less(snap.Confirmed[j].Key())
	})
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("store snapshot rename: %w", err)
	}
	return nil
}

// memoryTx applies operations to staged maps.
type memoryTx struct {
	pending   map[PendingKey]*PendingTx
	confirmed map[ConfirmedKey]*ConfirmedTx
}

func (t *memoryTx) GetPending(ctx context.Context, key PendingKey) (*PendingTx, error) {
	return getPending(t.pending, key)
}

func (t *memoryTx) ListPending(ctx context.Context, acct account.Ref) ([]*PendingTx, error) {
	return listPending(t.pending, acct), nil
}

func (t *memoryTx) PutPending(ctx context.Context, rec *PendingTx) error {
	if rec == nil {
		return ErrInvalidRecord
	}
	t.pending[rec.Key()] = rec
	return nil
}

func (t *memoryTx) DeletePending(ctx context.Context, key PendingKey) error {
	delete(t.pending, key)
	return nil
}

func (t *memoryTx) GetConfirmed(ctx context.Context, key ConfirmedKey) (*ConfirmedTx, error) {
	return getConfirmed(t.confirmed, key)
}

func (t *memoryTx) UpsertConfirmed(ctx context.Context, rec *ConfirmedTx) error {
	if rec == nil {
		return ErrInvalidRecord
	}
	t.confirmed[rec.Key()] = rec
	return nil
}

func (t *memoryTx) ListConfirmedDesc(ctx context.Context, acct account.Ref, kind account.Kind, before *ConfirmedKey, limit int) ([]*ConfirmedTx, error) {
	return listConfirmedDesc(t.confirmed, acct, kind, before, limit), nil
}

func getPending(m map[PendingKey]*PendingTx, key PendingKey) (*PendingTx, error) {
	p, ok := m[key]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func listPending(m map[PendingKey]*PendingTx, acct account.Ref) []*PendingTx {
	var out []*PendingTx
	for _, p := range m {
		if p.Account == acct {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nonce < out[j].Nonce })
	return out
}

func getConfirmed(m map[ConfirmedKey]*ConfirmedTx, key ConfirmedKey) (*ConfirmedTx, error) {
	c, ok := m[key]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func listConfirmedDesc(m map[ConfirmedKey]*ConfirmedTx, acct account.Ref, kind account.Kind, before *ConfirmedKey, limit int) []*ConfirmedTx {
	var out []*ConfirmedTx
	for _, c := range m {
		if c.Account != acct || c.Kind != kind {
			continue
		}
		if before != nil && !c.Key().Less(*before) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[j].Key().Less(out[i].Key()) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func clonePendingMap(m map[PendingKey]*PendingTx) map[PendingKey]*PendingTx {
	out := make(map[PendingKey]*PendingTx, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneConfirmedMap(m map[ConfirmedKey]*ConfirmedTx) map[ConfirmedKey]*ConfirmedTx {
	out := make(map[ConfirmedKey]*ConfirmedTx, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
