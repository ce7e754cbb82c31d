package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cea-hpc/phobosd/pkg/index"
	"github.com/cea-hpc/phobosd/pkg/model"
	"github.com/cea-hpc/phobosd/pkg/taxonomy"
)

func newSQLiteStore(t *testing.T) *Backend {
	t.Helper()
	b, err := New(context.Background(), Options{
		Dialect: DialectSQLite,
		Path:    filepath.Join(t.TempDir(), "index.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func seedMedia(t *testing.T, b *Backend, names ...string) {
	t.Helper()
	ctx := context.Background()
	for _, name := range names {
		m := &model.Medium{
			ID:        model.MediumID{Family: model.FamilyTape, Name: name},
			AdmStatus: model.AdmUnlocked,
			FSStatus:  model.FSEmpty,
			Flags:     model.MediumFlags{Put: true},
			Tags:      []string{"pool-a"},
			Stats:     model.MediumStats{PhysFree: 1 << 20},
		}
		require.NoError(t, b.Insert(ctx, index.TableMedia, index.MediumToRow(m)))
	}
}

func TestCRUDRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newSQLiteStore(t)
	seedMedia(t, b, "T1", "T2")

	err := b.Insert(ctx, index.TableMedia, index.Row{ID: "tape/T1", Fields: map[string]any{}})
	assert.True(t, taxonomy.IsAlreadyExistsError(err))

	rows, err := b.Get(ctx, index.TableMedia, index.And{
		index.Cmp{Field: "phys_free", Op: index.OpGt, Value: int64(0)},
		index.Cmp{Field: "tags", Op: index.OpContains, Value: "pool-a"},
	})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	require.NoError(t, b.Update(ctx, index.TableMedia, "tape/T1",
		map[string]any{"fs_status": string(model.FSFull), "phys_free": int64(0)}))
	rows, err = b.Get(ctx, index.TableMedia,
		index.Cmp{Field: "fs_status", Op: index.OpEq, Value: string(model.FSFull)})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "tape/T1", rows[0].ID)
	got := index.MediumFromRow(rows[0])
	assert.Equal(t, int64(0), got.Stats.PhysFree)
	assert.Equal(t, []string{"pool-a"}, got.Tags)

	require.NoError(t, b.Delete(ctx, index.TableMedia, "tape/T1"))
	err = b.Delete(ctx, index.TableMedia, "tape/T1")
	assert.True(t, taxonomy.IsNotFoundError(err))

	err = b.Update(ctx, index.TableMedia, "tape/T1", map[string]any{"fs_status": "x"})
	assert.True(t, taxonomy.IsNotFoundError(err))
}

func TestTablesAreIsolated(t *testing.T) {
	ctx := context.Background()
	b := newSQLiteStore(t)
	seedMedia(t, b, "T1")

	// The same row id in another table is a distinct row.
	require.NoError(t, b.Insert(ctx, index.TableDevice,
		index.Row{ID: "tape/T1", Fields: map[string]any{"serial": "T1"}}))

	rows, err := b.Get(ctx, index.TableDevice, index.All{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	rows, err = b.Get(ctx, index.TableMedia, index.All{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestLockAllOrNothing(t *testing.T) {
	ctx := context.Background()
	b := newSQLiteStore(t)
	seedMedia(t, b, "T1", "T2", "T3")

	ok, err := b.Lock(ctx, index.TableMedia, []string{"tape/T2"}, "host-b", 10)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Lock(ctx, index.TableMedia, []string{"tape/T1", "tape/T2"}, "host-a", 20)
	require.NoError(t, err)
	assert.False(t, ok)
	lock, err := b.LockStatus(ctx, index.TableMedia, "tape/T1")
	require.NoError(t, err)
	assert.Nil(t, lock, "no partial acquisition")

	ok, err = b.Lock(ctx, index.TableMedia, []string{"tape/T1", "tape/T3"}, "host-a", 20)
	require.NoError(t, err)
	require.True(t, ok)

	// Same-host renewal replaces the pid in place.
	ok, err = b.Lock(ctx, index.TableMedia, []string{"tape/T1"}, "host-a", 21)
	require.NoError(t, err)
	require.True(t, ok)
	lock, err = b.LockStatus(ctx, index.TableMedia, "tape/T1")
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, 21, lock.OwnerPID)

	require.NoError(t, b.Unlock(ctx, index.TableMedia, []string{"tape/T1", "tape/T2", "tape/T3"}, "host-a"))
	lock, err = b.LockStatus(ctx, index.TableMedia, "tape/T2")
	require.NoError(t, err)
	require.NotNil(t, lock, "another host's lock survives a foreign unlock")
}

func TestReclaimStaleLocks(t *testing.T) {
	ctx := context.Background()
	b := newSQLiteStore(t)
	seedMedia(t, b, "T1", "T2", "T3")

	for _, tc := range []struct {
		id   string
		host string
		pid  int
	}{
		{"tape/T1", "this-host", 100},
		{"tape/T2", "this-host", 200},
		{"tape/T3", "other-host", 100},
	} {
		ok, err := b.Lock(ctx, index.TableMedia, []string{tc.id}, tc.host, tc.pid)
		require.NoError(t, err)
		require.True(t, ok)
	}

	n, err := b.ReclaimStaleLocks(ctx, "this-host", func(pid int) bool { return pid == 200 })
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	lock, err := b.LockStatus(ctx, index.TableMedia, "tape/T1")
	require.NoError(t, err)
	assert.Nil(t, lock)
	lock, err = b.LockStatus(ctx, index.TableMedia, "tape/T3")
	require.NoError(t, err)
	assert.NotNil(t, lock)
}

func TestLockMissingRow(t *testing.T) {
	ctx := context.Background()
	b := newSQLiteStore(t)
	seedMedia(t, b, "T1")

	_, err := b.Lock(ctx, index.TableMedia, []string{"tape/T1", "tape/NOPE"}, "host-a", 1)
	assert.True(t, taxonomy.IsNotFoundError(err))
}
