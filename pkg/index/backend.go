package index

import (
	"context"

	"github.com/cea-hpc/phobosd/pkg/model"
)

// Backend is the state index's storage-facing contract. Every concrete
// backend maps its native storage errors onto the fixed taxonomy
// described in the component design: integrity violation -> already_exists,
// syntax/data error -> invalid, out-of-space -> no_space, connectivity -> comm.
type Backend interface {
	Get(ctx context.Context, table Table, filter Filter) ([]Row, error)
	Insert(ctx context.Context, table Table, row Row) error
	// Update applies only the fields named in fieldMask, leaving the rest
	// of the row untouched.
	Update(ctx context.Context, table Table, id string, fieldMask map[string]any) error
	Delete(ctx context.Context, table Table, id string) error

	// Lock acquires ownership of every row in ids for (hostname, owner),
	// all-or-nothing: if any row is already locked by a different
	// hostname, no lock is acquired for any row in the call. A lock held
	// by the same hostname but a different owner is renewed in place.
	Lock(ctx context.Context, table Table, ids []string, hostname string, owner int) (bool, error)
	Unlock(ctx context.Context, table Table, ids []string, hostname string) error
	LockStatus(ctx context.Context, table Table, id string) (*model.Lock, error)

	// ReclaimStaleLocks removes locks whose hostname matches this host
	// but whose owner pid is no longer alive, per the startup
	// lock-clean-on-restart pass. isAlive reports whether a pid is live.
	ReclaimStaleLocks(ctx context.Context, hostname string, isAlive func(pid int) bool) (int, error)

	Close() error
}
