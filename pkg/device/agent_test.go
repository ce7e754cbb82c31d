package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cea-hpc/phobosd/pkg/adapter"
	"github.com/cea-hpc/phobosd/pkg/adapter/simulator"
	"github.com/cea-hpc/phobosd/pkg/index"
	"github.com/cea-hpc/phobosd/pkg/index/memory"
	"github.com/cea-hpc/phobosd/pkg/model"
	"github.com/cea-hpc/phobosd/pkg/taxonomy"
)

const agentHost = "agent-test-host"

// stubFS hands back whatever label was last mounted, with an optional
// label override to provoke the mismatch path.
type stubFS struct {
	mounted    map[string]string
	labelError bool
	wrongLabel string
}

func newStubFS() *stubFS { return &stubFS{mounted: map[string]string{}} }

func (f *stubFS) Format(ctx context.Context, devicePath, label string) (adapter.DFResult, error) {
	return adapter.DFResult{Avail: 1 << 20}, nil
}
func (f *stubFS) Mount(ctx context.Context, devicePath, root, label string) error {
	f.mounted[devicePath] = label
	f.mounted[root] = label
	return nil
}
func (f *stubFS) Umount(ctx context.Context, devicePath, root string) error {
	delete(f.mounted, devicePath)
	delete(f.mounted, root)
	return nil
}
func (f *stubFS) DF(ctx context.Context, root string) (adapter.DFResult, error) {
	return adapter.DFResult{Avail: 1 << 20}, nil
}
func (f *stubFS) GetLabel(ctx context.Context, root string) (string, error) {
	if f.labelError {
		return "", taxonomy.NewIOError(root, errors.New("label read failed"))
	}
	if f.wrongLabel != "" {
		return f.wrongLabel, nil
	}
	if label, ok := f.mounted[root]; ok {
		return label, nil
	}
	return "", taxonomy.NewNotFoundError(root)
}
func (f *stubFS) Mounted(ctx context.Context, devicePath string) (string, error) {
	if _, ok := f.mounted[devicePath]; ok {
		return devicePath, nil
	}
	return "", nil
}

type stubIO struct {
	syncErr error
}

func (s *stubIO) Open(ctx context.Context, root string, h adapter.IOHandle) error { return nil }
func (s *stubIO) Write(ctx context.Context, h adapter.IOHandle, buf []byte) (int, error) {
	return len(buf), nil
}
func (s *stubIO) Read(ctx context.Context, h adapter.IOHandle, buf []byte) (int, error) {
	return 0, nil
}
func (s *stubIO) Close(ctx context.Context, h adapter.IOHandle) error                 { return nil }
func (s *stubIO) SetXattr(ctx context.Context, h adapter.IOHandle, k, v string) error { return nil }
func (s *stubIO) GetXattr(ctx context.Context, h adapter.IOHandle, k string) (string, error) {
	return "", nil
}
func (s *stubIO) MediumSync(ctx context.Context, root string) error            { return s.syncErr }
func (s *stubIO) PreferredIOSize(ctx context.Context, h adapter.IOHandle) int  { return 4096 }
func (s *stubIO) Delete(ctx context.Context, loc adapter.ExtentLocation) error { return nil }

func testMedium(name string) model.Medium {
	return model.Medium{
		ID:        model.MediumID{Family: model.FamilyTape, Name: name},
		Model:     "LTO5",
		AdmStatus: model.AdmUnlocked,
		FSStatus:  model.FSEmpty,
		Flags:     model.MediumFlags{Get: true, Put: true},
		Stats:     model.MediumStats{PhysFree: 1 << 20},
	}
}

func newAgent(t *testing.T, fs *stubFS, io *stubIO) (*Agent, *memory.Backend) {
	t.Helper()
	ctx := context.Background()
	idx := memory.New()

	medium := testMedium("T00001")
	require.NoError(t, idx.Insert(ctx, index.TableMedia, index.MediumToRow(&medium)))

	dev := model.Device{
		ID:        model.DeviceID{Family: model.FamilyTape, Serial: "drv-0"},
		Host:      agentHost,
		Model:     "ULTRIUM-5",
		Path:      "/dev/st0",
		AdmStatus: model.AdmUnlocked,
		OpStatus:  model.OpEmpty,
	}
	require.NoError(t, idx.Insert(ctx, index.TableDevice, index.DeviceToRow(&dev)))

	lib := simulator.NewLibrary([]simulator.Slot{
		{Addr: "slot-1", Label: "T00001"},
		{Addr: "slot-2"},
		{Addr: "/dev/st0", IsDrive: true},
	})

	a := New(dev, Config{
		Hostname:   agentHost,
		PID:        999,
		Library:    lib,
		FS:         fs,
		IO:         io,
		Index:      idx,
		Compat:     CompatTable{"ULTRIUM-5": {"LTO5"}},
		Thresholds: SyncThresholds{NbReq: 2, Bytes: 1 << 16, Time: time.Minute},
		MountRoot:  t.TempDir(),
	})
	return a, idx
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	a, idx := newAgent(t, newStubFS(), &stubIO{})

	require.NoError(t, a.Load(ctx, testMedium("T00001")))
	assert.Equal(t, model.OpLoaded, a.Device.OpStatus)

	// Both rows carry this host's lock while loaded.
	for _, probe := range []struct {
		table index.Table
		id    string
	}{
		{index.TableDevice, "tape/drv-0"},
		{index.TableMedia, "tape/T00001"},
	} {
		lock, err := idx.LockStatus(ctx, probe.table, probe.id)
		require.NoError(t, err)
		require.NotNil(t, lock, probe.id)
		assert.Equal(t, agentHost, lock.Hostname)
		assert.Equal(t, 999, lock.OwnerPID)
	}

	require.NoError(t, a.Mount(ctx))
	assert.Equal(t, model.OpMounted, a.Device.OpStatus)
	assert.NotEmpty(t, a.Device.MountPath)

	// op_status is persisted before the operation returns.
	rows, err := idx.Get(ctx, index.TableDevice, index.All{})
	require.NoError(t, err)
	assert.Equal(t, string(model.OpMounted), rows[0].Fields["op_status"])

	require.NoError(t, a.Umount(ctx))
	assert.Equal(t, model.OpLoaded, a.Device.OpStatus)
	assert.Empty(t, a.Device.MountPath)

	require.NoError(t, a.Unload(ctx))
	assert.Equal(t, model.OpEmpty, a.Device.OpStatus)
	assert.Nil(t, a.Medium)

	// Every lock is released again.
	lock, err := idx.LockStatus(ctx, index.TableMedia, "tape/T00001")
	require.NoError(t, err)
	assert.Nil(t, lock)
	lock, err = idx.LockStatus(ctx, index.TableDevice, "tape/drv-0")
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestLoadRejectsIncompatibleMedium(t *testing.T) {
	ctx := context.Background()
	a, _ := newAgent(t, newStubFS(), &stubIO{})

	medium := testMedium("T00001")
	medium.Model = "LTO9"
	err := a.Load(ctx, medium)
	require.Error(t, err)
	assert.True(t, taxonomy.Is(err, taxonomy.ErrInvalid))
	assert.Equal(t, model.OpEmpty, a.Device.OpStatus)
}

func TestLoadBusyWhenLockedElsewhere(t *testing.T) {
	ctx := context.Background()
	a, idx := newAgent(t, newStubFS(), &stubIO{})

	ok, err := idx.Lock(ctx, index.TableMedia, []string{"tape/T00001"}, "other-host", 1)
	require.NoError(t, err)
	require.True(t, ok)

	err = a.Load(ctx, testMedium("T00001"))
	require.Error(t, err)
	assert.True(t, taxonomy.IsBusyError(err))
	assert.Equal(t, model.OpEmpty, a.Device.OpStatus)

	// The device lock taken first was rolled back.
	lock, err := idx.LockStatus(ctx, index.TableDevice, "tape/drv-0")
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestMountLabelMismatchQuarantines(t *testing.T) {
	ctx := context.Background()
	fs := newStubFS()
	a, idx := newAgent(t, fs, &stubIO{})

	require.NoError(t, a.Load(ctx, testMedium("T00001")))
	fs.wrongLabel = "SOMETHING-ELSE"

	err := a.Mount(ctx)
	require.Error(t, err)
	assert.Equal(t, model.OpFailed, a.Device.OpStatus)

	// Quarantine released the locks and refuses further work until an
	// operator revives it.
	lock, lerr := idx.LockStatus(ctx, index.TableMedia, "tape/T00001")
	require.NoError(t, lerr)
	assert.Nil(t, lock)
	assert.Error(t, a.Mount(ctx))

	require.NoError(t, a.Revive(ctx))
	assert.Equal(t, model.OpEmpty, a.Device.OpStatus)
}

func TestSyncThresholdsAndAccounting(t *testing.T) {
	ctx := context.Background()
	a, idx := newAgent(t, newStubFS(), &stubIO{})

	require.NoError(t, a.Load(ctx, testMedium("T00001")))
	require.NoError(t, a.Mount(ctx))

	now := time.Now()
	a.QueueRelease(11, 1024, now)
	due, _ := a.ShouldSync(now)
	assert.False(t, due, "one release is under the nb_req threshold")

	a.QueueRelease(12, 2048, now)
	due, reason := a.ShouldSync(now)
	require.True(t, due)
	assert.Equal(t, "nb_req", reason)

	acked, err := a.Sync(ctx, reason)
	require.NoError(t, err)
	assert.Equal(t, []uint32{11, 12}, acked)

	rows, err := idx.Get(ctx, index.TableMedia, index.All{})
	require.NoError(t, err)
	m := index.MediumFromRow(rows[0])
	assert.Equal(t, int64(2), m.Stats.NbObj)
	assert.Equal(t, int64(3072), m.Stats.LogicalUsed)
	assert.Equal(t, int64(1<<20-3072), m.Stats.PhysFree)
	assert.Equal(t, model.FSUsed, m.FSStatus)

	// The queue is drained: an immediate second sync is a no-op.
	acked, err = a.Sync(ctx, "again")
	require.NoError(t, err)
	assert.Empty(t, acked)
}

func TestSyncNoSpaceMarksMediumFull(t *testing.T) {
	ctx := context.Background()
	io := &stubIO{syncErr: taxonomy.NewNoSpaceError("T00001")}
	a, idx := newAgent(t, newStubFS(), io)

	require.NoError(t, a.Load(ctx, testMedium("T00001")))
	require.NoError(t, a.Mount(ctx))
	a.QueueRelease(1, 512, time.Now())

	_, err := a.Sync(ctx, "bytes")
	require.Error(t, err)

	// The medium is full; the device stays mounted and usable.
	assert.Equal(t, model.FSFull, a.Medium.FSStatus)
	assert.Equal(t, model.OpMounted, a.Device.OpStatus)

	rows, err := idx.Get(ctx, index.TableMedia, index.All{})
	require.NoError(t, err)
	assert.Equal(t, string(model.FSFull), rows[0].Fields["fs_status"])
}

func TestSyncIOErrorQuarantines(t *testing.T) {
	ctx := context.Background()
	io := &stubIO{syncErr: taxonomy.NewIOError("T00001", errors.New("scsi sense"))}
	a, _ := newAgent(t, newStubFS(), io)

	require.NoError(t, a.Load(ctx, testMedium("T00001")))
	require.NoError(t, a.Mount(ctx))
	a.QueueRelease(1, 512, time.Now())

	_, err := a.Sync(ctx, "bytes")
	require.Error(t, err)
	assert.Equal(t, model.OpFailed, a.Device.OpStatus)
}
