package raid1

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cea-hpc/phobosd/pkg/index"
	"github.com/cea-hpc/phobosd/pkg/index/memory"
	"github.com/cea-hpc/phobosd/pkg/model"
	"github.com/cea-hpc/phobosd/pkg/taxonomy"
)

func locateFixture(t *testing.T, media []string) *memory.Backend {
	t.Helper()
	idx := memory.New()
	for _, name := range media {
		m := &model.Medium{
			ID:        model.MediumID{Family: model.FamilyTape, Name: name},
			AdmStatus: model.AdmUnlocked,
			FSStatus:  model.FSUsed,
			Flags:     model.MediumFlags{Get: true},
		}
		require.NoError(t, idx.Insert(context.Background(), index.TableMedia, index.MediumToRow(m)))
	}
	return idx
}

func lockMedium(t *testing.T, idx *memory.Backend, name, host string) {
	t.Helper()
	ok, err := idx.Lock(context.Background(), index.TableMedia, []string{"tape/" + name}, host, 1)
	require.NoError(t, err)
	require.True(t, ok)
}

// twoSplitLayout builds a raid1(r=2) layout whose split s uses media
// media[2s] and media[2s+1].
func twoSplitLayout(media ...string) *model.Layout {
	l := &model.Layout{OID: "obj", UUID: "u-1", Version: 1, Type: Name}
	for i, name := range media {
		l.Extents = append(l.Extents, model.Extent{
			OID: "obj", UUID: "u-1", Version: 1, LayoutIndex: i,
			MediaID: model.MediumID{Family: model.FamilyTape, Name: name},
			State:   model.ExtentSync,
		})
	}
	return l
}

func TestLocatePrefersHolderOfMostSplits(t *testing.T) {
	ctx := context.Background()
	idx := locateFixture(t, []string{"m1", "m2", "m3", "m4"})
	lay := twoSplitLayout("m1", "m2", "m3", "m4")
	c := newComposer(t, 2)

	// host-a holds one medium of each split, host-b holds one of one.
	lockMedium(t, idx, "m1", "host-a")
	lockMedium(t, idx, "m3", "host-a")
	lockMedium(t, idx, "m2", "host-b")

	res, err := c.Locate(ctx, idx, lay, "local")
	require.NoError(t, err)
	assert.Equal(t, "host-a", res.Host)
	assert.Zero(t, res.NewLocks, "host-a already reaches every split")
}

func TestLocateLocksUnlockedMediaForWinner(t *testing.T) {
	ctx := context.Background()
	idx := locateFixture(t, []string{"m1", "m2", "m3", "m4"})
	lay := twoSplitLayout("m1", "m2", "m3", "m4")
	c := newComposer(t, 2)

	// host-a holds split 0 only; split 1 is fully unlocked.
	lockMedium(t, idx, "m1", "host-a")

	res, err := c.Locate(ctx, idx, lay, "local")
	require.NoError(t, err)
	assert.Equal(t, "host-a", res.Host)
	assert.Equal(t, 1, res.NewLocks)

	// One of split 1's media is now reserved for host-a.
	lock, err := idx.LockStatus(ctx, index.TableMedia, "tape/m3")
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, "host-a", lock.Hostname)
}

func TestLocateNoPreference(t *testing.T) {
	ctx := context.Background()
	idx := locateFixture(t, []string{"m1", "m2"})
	lay := twoSplitLayout("m1", "m2")
	c := newComposer(t, 2)

	res, err := c.Locate(ctx, idx, lay, "local")
	require.NoError(t, err)
	assert.Empty(t, res.Host, "fully unlocked layout has no host preference")
	assert.Equal(t, 1, res.NewLocks, "the local reader still reserves a copy")

	lock, err := idx.LockStatus(ctx, index.TableMedia, "tape/m1")
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, "local", lock.Hostname)
}

func TestLocateDeterministicTieBreak(t *testing.T) {
	ctx := context.Background()
	idx := locateFixture(t, []string{"m1", "m2"})
	lay := twoSplitLayout("m1", "m2")
	c := newComposer(t, 2)

	// Both hosts hold exactly one copy of the single split: identical
	// (unreachable, fitted) scores, lexicographic order decides.
	lockMedium(t, idx, "m2", "host-z")
	lockMedium(t, idx, "m1", "host-b")

	for i := 0; i < 5; i++ {
		res, err := c.Locate(ctx, idx, lay, "local")
		require.NoError(t, err)
		assert.Equal(t, "host-b", res.Host)
	}
}

func TestLocateFailsWithoutLiveMedium(t *testing.T) {
	ctx := context.Background()
	idx := locateFixture(t, []string{"m1"})
	// Split 1's media are absent from the inventory entirely.
	lay := twoSplitLayout("m1", "m1-gone", "m2-gone", "m3-gone")
	c := newComposer(t, 2)

	_, err := c.Locate(ctx, idx, lay, "local")
	require.Error(t, err)
	assert.True(t, taxonomy.IsNoDeviceError(err))
}
