package badgerstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cea-hpc/phobosd/pkg/index"
	"github.com/cea-hpc/phobosd/pkg/model"
	"github.com/cea-hpc/phobosd/pkg/taxonomy"
)

func newStore(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestInsertGetUpdateDelete(t *testing.T) {
	ctx := context.Background()
	b := newStore(t)

	m := &model.Medium{
		ID:        model.MediumID{Family: model.FamilyTape, Name: "T00001"},
		Model:     "LTO5",
		AdmStatus: model.AdmUnlocked,
		FSStatus:  model.FSEmpty,
		Flags:     model.MediumFlags{Put: true},
		Tags:      []string{"tier-2", "encrypted"},
		Stats:     model.MediumStats{PhysFree: 1 << 30},
	}
	require.NoError(t, b.Insert(ctx, index.TableMedia, index.MediumToRow(m)))

	// Duplicate insert is an integrity violation.
	err := b.Insert(ctx, index.TableMedia, index.MediumToRow(m))
	assert.True(t, taxonomy.IsAlreadyExistsError(err))

	// Round-trip preserves types the filter DSL needs.
	rows, err := b.Get(ctx, index.TableMedia, index.And{
		index.Cmp{Field: "family", Op: index.OpEq, Value: "tape"},
		index.Cmp{Field: "phys_free", Op: index.OpGte, Value: int64(1 << 30)},
		index.Cmp{Field: "tags", Op: index.OpContains, Value: "encrypted"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	got := index.MediumFromRow(rows[0])
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.Tags, got.Tags)
	assert.Equal(t, m.Stats.PhysFree, got.Stats.PhysFree)

	require.NoError(t, b.Update(ctx, index.TableMedia, rows[0].ID,
		map[string]any{"fs_status": string(model.FSFull)}))
	rows, err = b.Get(ctx, index.TableMedia,
		index.Cmp{Field: "fs_status", Op: index.OpEq, Value: string(model.FSFull)})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	require.NoError(t, b.Delete(ctx, index.TableMedia, rows[0].ID))
	err = b.Delete(ctx, index.TableMedia, rows[0].ID)
	assert.True(t, taxonomy.IsNotFoundError(err))
}

func seedMedia(t *testing.T, b *Backend, names ...string) {
	t.Helper()
	ctx := context.Background()
	for _, name := range names {
		m := &model.Medium{ID: model.MediumID{Family: model.FamilyTape, Name: name}}
		require.NoError(t, b.Insert(ctx, index.TableMedia, index.MediumToRow(m)))
	}
}

func TestLockAllOrNothing(t *testing.T) {
	ctx := context.Background()
	b := newStore(t)
	seedMedia(t, b, "T1", "T2", "T3")

	// Another hostname takes T2.
	ok, err := b.Lock(ctx, index.TableMedia, []string{"tape/T2"}, "host-b", 10)
	require.NoError(t, err)
	require.True(t, ok)

	// A multi-row lock spanning T2 must acquire nothing at all.
	ok, err = b.Lock(ctx, index.TableMedia, []string{"tape/T1", "tape/T2", "tape/T3"}, "host-a", 20)
	require.NoError(t, err)
	assert.False(t, ok)
	lock, err := b.LockStatus(ctx, index.TableMedia, "tape/T1")
	require.NoError(t, err)
	assert.Nil(t, lock, "no partial acquisition")

	// Without the conflict it succeeds, and same-host renewal swaps the pid.
	ok, err = b.Lock(ctx, index.TableMedia, []string{"tape/T1", "tape/T3"}, "host-a", 20)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.Lock(ctx, index.TableMedia, []string{"tape/T1"}, "host-a", 21)
	require.NoError(t, err)
	require.True(t, ok)
	lock, err = b.LockStatus(ctx, index.TableMedia, "tape/T1")
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, 21, lock.OwnerPID)

	// Unlock ignores rows held by someone else.
	require.NoError(t, b.Unlock(ctx, index.TableMedia, []string{"tape/T1", "tape/T2"}, "host-a"))
	lock, err = b.LockStatus(ctx, index.TableMedia, "tape/T1")
	require.NoError(t, err)
	assert.Nil(t, lock)
	lock, err = b.LockStatus(ctx, index.TableMedia, "tape/T2")
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, "host-b", lock.Hostname)
}

func TestReclaimStaleLocks(t *testing.T) {
	ctx := context.Background()
	b := newStore(t)
	seedMedia(t, b, "T1", "T2", "T3")

	ok, err := b.Lock(ctx, index.TableMedia, []string{"tape/T1"}, "this-host", 100)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.Lock(ctx, index.TableMedia, []string{"tape/T2"}, "this-host", 200)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.Lock(ctx, index.TableMedia, []string{"tape/T3"}, "other-host", 100)
	require.NoError(t, err)
	require.True(t, ok)

	// Pid 100 is dead; pid 200 lives. Other hosts are never touched.
	n, err := b.ReclaimStaleLocks(ctx, "this-host", func(pid int) bool { return pid == 200 })
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	lock, err := b.LockStatus(ctx, index.TableMedia, "tape/T1")
	require.NoError(t, err)
	assert.Nil(t, lock)
	lock, err = b.LockStatus(ctx, index.TableMedia, "tape/T2")
	require.NoError(t, err)
	assert.NotNil(t, lock)
	lock, err = b.LockStatus(ctx, index.TableMedia, "tape/T3")
	require.NoError(t, err)
	assert.NotNil(t, lock)
}

func TestLockMissingRowFails(t *testing.T) {
	ctx := context.Background()
	b := newStore(t)

	_, err := b.Lock(ctx, index.TableMedia, []string{"tape/NOPE"}, "host-a", 1)
	assert.True(t, taxonomy.IsNotFoundError(err))
	_, err = b.LockStatus(ctx, index.TableMedia, "tape/NOPE")
	assert.True(t, taxonomy.IsNotFoundError(err))
}

func TestDeleteDropsLock(t *testing.T) {
	ctx := context.Background()
	b := newStore(t)
	seedMedia(t, b, "T1")

	ok, err := b.Lock(ctx, index.TableMedia, []string{"tape/T1"}, "host-a", 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, b.Delete(ctx, index.TableMedia, "tape/T1"))

	// Reinsert: the old lock must not resurface.
	seedMedia(t, b, "T1")
	lock, err := b.LockStatus(ctx, index.TableMedia, "tape/T1")
	require.NoError(t, err)
	assert.Nil(t, lock)
}
