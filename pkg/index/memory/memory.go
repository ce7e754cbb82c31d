// Package memory implements pkg/index.Backend entirely in process
// memory: the default backend for tests and single-node smoke use.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cea-hpc/phobosd/pkg/index"
	"github.com/cea-hpc/phobosd/pkg/model"
	"github.com/cea-hpc/phobosd/pkg/taxonomy"
)

type lockedRow struct {
	fields map[string]any
	lock   *model.Lock
}

// Backend is the in-memory state index.
type Backend struct {
	mu     sync.Mutex
	tables map[index.Table]map[string]*lockedRow
}

// New constructs an empty in-memory backend.
func New() *Backend {
	return &Backend{tables: map[index.Table]map[string]*lockedRow{}}
}

func (b *Backend) table(t index.Table) map[string]*lockedRow {
	m, ok := b.tables[t]
	if !ok {
		m = map[string]*lockedRow{}
		b.tables[t] = m
	}
	return m
}

// Get returns every row in table matching filter.
func (b *Backend) Get(ctx context.Context, t index.Table, filter index.Filter) ([]index.Row, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []index.Row
	for id, r := range b.table(t) {
		if filter == nil || filter.Match(r.fields) {
			out = append(out, index.Row{ID: id, Fields: r.fields})
		}
	}
	return out, nil
}

// Insert adds row, failing with already_exists if the ID is taken.
func (b *Backend) Insert(ctx context.Context, t index.Table, row index.Row) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tbl := b.table(t)
	if _, exists := tbl[row.ID]; exists {
		return taxonomy.NewAlreadyExistsError(string(t) + "/" + row.ID)
	}
	tbl[row.ID] = &lockedRow{fields: cloneFields(row.Fields)}
	return nil
}

// Update merges fieldMask into the existing row.
func (b *Backend) Update(ctx context.Context, t index.Table, id string, fieldMask map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tbl := b.table(t)
	r, ok := tbl[id]
	if !ok {
		return taxonomy.NewNotFoundError(string(t) + "/" + id)
	}
	for k, v := range fieldMask {
		r.fields[k] = v
	}
	return nil
}

// Delete removes a row.
func (b *Backend) Delete(ctx context.Context, t index.Table, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tbl := b.table(t)
	if _, ok := tbl[id]; !ok {
		return taxonomy.NewNotFoundError(string(t) + "/" + id)
	}
	delete(tbl, id)
	return nil
}

// Lock acquires ownership of every row in ids atomically: all rows
// already free or owned by hostname, or none are locked.
func (b *Backend) Lock(ctx context.Context, t index.Table, ids []string, hostname string, owner int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tbl := b.table(t)
	for _, id := range ids {
		r, ok := tbl[id]
		if !ok {
			return false, taxonomy.NewNotFoundError(string(t) + "/" + id)
		}
		if r.lock != nil && r.lock.Hostname != hostname {
			return false, nil
		}
	}
	now := time.Now()
	for _, id := range ids {
		tbl[id].lock = &model.Lock{Hostname: hostname, OwnerPID: owner, AcquiredAt: now}
	}
	return true, nil
}

// Unlock releases ownership of every row in ids held by hostname.
func (b *Backend) Unlock(ctx context.Context, t index.Table, ids []string, hostname string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tbl := b.table(t)
	for _, id := range ids {
		r, ok := tbl[id]
		if !ok {
			continue
		}
		if r.lock != nil && r.lock.Hostname == hostname {
			r.lock = nil
		}
	}
	return nil
}

// LockStatus reports the current lock on a row, or nil if unlocked.
func (b *Backend) LockStatus(ctx context.Context, t index.Table, id string) (*model.Lock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.table(t)[id]
	if !ok {
		return nil, taxonomy.NewNotFoundError(string(t) + "/" + id)
	}
	return r.lock, nil
}

// ReclaimStaleLocks drops locks held by this hostname whose pid is
// no longer alive, across every table.
func (b *Backend) ReclaimStaleLocks(ctx context.Context, hostname string, isAlive func(pid int) bool) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, tbl := range b.tables {
		for _, r := range tbl {
			if r.lock != nil && r.lock.Hostname == hostname && !isAlive(r.lock.OwnerPID) {
				r.lock = nil
				n++
			}
		}
	}
	return n, nil
}

// Close is a no-op for the in-memory backend.
func (b *Backend) Close() error { return nil }

func cloneFields(f map[string]any) map[string]any {
	out := make(map[string]any, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
