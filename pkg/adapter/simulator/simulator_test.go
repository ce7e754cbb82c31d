package simulator

import (
	"context"
	"testing"

	"github.com/cea-hpc/phobosd/pkg/adapter"
	"github.com/cea-hpc/phobosd/pkg/taxonomy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoveLoadsDrive(t *testing.T) {
	ctx := context.Background()
	lib := NewLibrary([]Slot{
		{Addr: "slot-1", Label: "P00001L5"},
		{Addr: "drive-1", IsDrive: true},
	})

	require.NoError(t, lib.Move(ctx, adapter.DriveLocation{Addr: "slot-1"}, adapter.DriveLocation{Addr: "drive-1"}))

	st, err := lib.DriveLookup(ctx, "drive-1")
	require.NoError(t, err)
	assert.True(t, st.Loaded)
	assert.Equal(t, "P00001L5", st.LoadedLabel)
}

func TestMoveRejectsBusyDestination(t *testing.T) {
	ctx := context.Background()
	lib := NewLibrary([]Slot{
		{Addr: "slot-1", Label: "P00001L5"},
		{Addr: "drive-1", IsDrive: true, Label: "P00002L5"},
	})

	err := lib.Move(ctx, adapter.DriveLocation{Addr: "slot-1"}, adapter.DriveLocation{Addr: "drive-1"})
	var taxErr *taxonomy.Error
	require.ErrorAs(t, err, &taxErr)
	assert.Equal(t, taxonomy.ErrBusy, taxErr.Code)
}

func TestLookupFindsLabel(t *testing.T) {
	ctx := context.Background()
	lib := NewLibrary([]Slot{{Addr: "slot-7", Label: "P00009L5"}})

	loc, err := lib.Lookup(ctx, "P00009L5")
	require.NoError(t, err)
	assert.Equal(t, "slot-7", loc.Addr)

	_, err = lib.Lookup(ctx, "unknown")
	assert.True(t, taxonomy.IsNotFoundError(err))
}

func TestDeviceRegisterLookup(t *testing.T) {
	ctx := context.Background()
	d := NewDevice()
	d.Register("DRV0001", "/dev/nst0")

	path, err := d.Lookup(ctx, "DRV0001")
	require.NoError(t, err)
	assert.Equal(t, "/dev/nst0", path)

	id, ok, err := d.Query(ctx, "/dev/nst0")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "DRV0001", id.Serial)
}
