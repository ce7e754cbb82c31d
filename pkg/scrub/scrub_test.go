package scrub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cea-hpc/phobosd/pkg/index"
	"github.com/cea-hpc/phobosd/pkg/index/memory"
	"github.com/cea-hpc/phobosd/pkg/model"
)

func seedPendingObject(t *testing.T, idx *memory.Backend, oid, uuid string, age time.Duration, extents int) {
	t.Helper()
	ctx := context.Background()

	obj := &model.Object{
		OID: oid, UUID: uuid, Version: 1,
		State:     model.ObjectPending,
		CreatedAt: time.Now().Add(-age),
	}
	require.NoError(t, idx.Insert(ctx, index.TableObject, index.ObjectToRow(obj)))

	for i := 0; i < extents; i++ {
		ext := &model.Extent{
			OID: oid, UUID: uuid, Version: 1, LayoutIndex: i,
			Size:    128,
			MediaID: model.MediumID{Family: model.FamilyDir, Name: "d1"},
			State:   model.ExtentPending,
		}
		require.NoError(t, idx.Insert(ctx, index.TableExtent, index.ExtentToRow(ext)))
	}
}

func TestSweepOrphansStalePendingObjects(t *testing.T) {
	ctx := context.Background()
	idx := memory.New()
	seedPendingObject(t, idx, "stale", "u-stale", 2*time.Hour, 2)
	seedPendingObject(t, idx, "fresh", "u-fresh", time.Minute, 2)

	s := New(idx, Options{Interval: time.Minute, GracePeriod: time.Hour})
	n, err := s.Sweep(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, n, "only the stale object's extents are orphaned")

	rows, err := idx.Get(ctx, index.TableExtent,
		index.Cmp{Field: "uuid", Op: index.OpEq, Value: "u-stale"})
	require.NoError(t, err)
	for _, row := range rows {
		assert.Equal(t, string(model.ExtentOrphan), row.Fields["state"])
	}
	rows, err = idx.Get(ctx, index.TableExtent,
		index.Cmp{Field: "uuid", Op: index.OpEq, Value: "u-fresh"})
	require.NoError(t, err)
	for _, row := range rows {
		assert.Equal(t, string(model.ExtentPending), row.Fields["state"])
	}

	records, err := s.Records(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, "u-stale", rec.UUID)
		assert.Equal(t, "d1", rec.MediaID.Name)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	idx := memory.New()
	seedPendingObject(t, idx, "stale", "u-1", 2*time.Hour, 3)

	s := New(idx, Options{Interval: time.Minute, GracePeriod: time.Hour})
	_, err := s.Sweep(ctx, time.Now())
	require.NoError(t, err)
	n, err := s.Sweep(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n, "a second sweep finds everything already orphaned")

	records, err := s.Records(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestSweepIgnoresSyncedObjects(t *testing.T) {
	ctx := context.Background()
	idx := memory.New()

	obj := &model.Object{OID: "done", UUID: "u-done", Version: 1,
		State: model.ObjectSync, CreatedAt: time.Now().Add(-24 * time.Hour)}
	require.NoError(t, idx.Insert(ctx, index.TableObject, index.ObjectToRow(obj)))

	s := New(idx, Options{Interval: time.Minute, GracePeriod: time.Hour})
	n, err := s.Sweep(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}
