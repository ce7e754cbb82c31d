package store

import (
	"bytes"
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cea-hpc/phobosd/internal/daemon"
	"github.com/cea-hpc/phobosd/pkg/adapter"
	"github.com/cea-hpc/phobosd/pkg/adapter/dir"
	"github.com/cea-hpc/phobosd/pkg/config"
	"github.com/cea-hpc/phobosd/pkg/device"
	"github.com/cea-hpc/phobosd/pkg/index"
	"github.com/cea-hpc/phobosd/pkg/index/memory"
	"github.com/cea-hpc/phobosd/pkg/layout"
	"github.com/cea-hpc/phobosd/pkg/layout/raid1"
	"github.com/cea-hpc/phobosd/pkg/model"
	"github.com/cea-hpc/phobosd/pkg/scheduler"
	"github.com/cea-hpc/phobosd/pkg/taxonomy"
)

const e2eHost = "store-e2e-host"

// env is one in-process deployment: a daemon on a temp socket, a memory
// index, and two dir media bound to two dir drives.
type env struct {
	idx   *memory.Backend
	store *Store
	stop  func()
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	idx := memory.New()
	dirAdapter := dir.New()
	lib := adapter.NewVirtualLibrary()

	// Two dir media, each permanently bound to the drive of the same
	// serial, pre-formatted so their labels are in place.
	for _, name := range []string{"d1", "d2"} {
		root := filepath.Join(t.TempDir(), name)
		_, err := dirAdapter.Format(ctx, root, name)
		require.NoError(t, err)
		lib.AddSlot(name, root)

		df, err := dirAdapter.DF(ctx, root)
		require.NoError(t, err)

		m := &model.Medium{
			ID:        model.MediumID{Family: model.FamilyDir, Name: name},
			Model:     "dir",
			FSType:    "posix",
			AdmStatus: model.AdmUnlocked,
			FSStatus:  model.FSEmpty,
			Flags:     model.MediumFlags{Get: true, Put: true, Delete: true},
			Stats:     model.MediumStats{PhysFree: df.Avail},
		}
		require.NoError(t, idx.Insert(ctx, index.TableMedia, index.MediumToRow(m)))

		d := &model.Device{
			ID:        model.DeviceID{Family: model.FamilyDir, Serial: name},
			Host:      e2eHost,
			Model:     "dir",
			Path:      root,
			AdmStatus: model.AdmUnlocked,
			OpStatus:  model.OpEmpty,
		}
		require.NoError(t, idx.Insert(ctx, index.TableDevice, index.DeviceToRow(d)))
	}

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.LRS.SocketPath = filepath.Join(t.TempDir(), "lrs.sock")

	thresholds := map[model.Family]device.SyncThresholds{
		model.FamilyDir: {NbReq: 1},
	}
	sched := scheduler.New(scheduler.Config{
		Hostname: e2eHost,
		PID:      7777,
		Index:    idx,
		Adapters: scheduler.Adapters{
			Libraries:   map[model.Family]adapter.Library{model.FamilyDir: lib},
			Filesystems: map[model.Family]adapter.Filesystem{model.FamilyDir: dirAdapter},
			IOs:         map[model.Family]adapter.IO{model.FamilyDir: dirAdapter},
		},
		Compat:     device.CompatTable{"dir": {"dir"}},
		Thresholds: thresholds,
		Policy:     scheduler.BestFit,
		MountRoot:  t.TempDir(),
	})
	require.NoError(t, sched.Start(ctx))

	dmn := daemon.New(cfg, e2eHost, idx, sched, thresholds)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = dmn.Run(ctx)
	}()

	// Wait for the socket to appear.
	require.Eventually(t, func() bool {
		client, err := Dial(cfg.LRS.SocketPath)
		if err != nil {
			return false
		}
		defer func() { _ = client.Close() }()
		return client.Ping(context.Background()) == nil
	}, 5*time.Second, 20*time.Millisecond)

	st, err := New(Config{
		SocketPath:   cfg.LRS.SocketPath,
		Hostname:     e2eHost,
		Index:        idx,
		IOs:          map[model.Family]adapter.IO{model.FamilyDir: dir.New()},
		LayoutType:   raid1.Name,
		LayoutParams: layout.Params{raid1.ParamReplCount: strconv.Itoa(2)},
		Family:       model.FamilyDir,
	})
	require.NoError(t, err)

	return &env{
		idx:   idx,
		store: st,
		stop: func() {
			cancel()
			<-done
		},
	}
}

func TestPutZeroByteObject(t *testing.T) {
	e := newEnv(t)
	defer e.stop()
	ctx := context.Background()

	x := &Xfer{OID: "empty-object", Src: strings.NewReader(""), Size: 0}
	require.NoError(t, e.store.Put(ctx, x))
	assert.NotEmpty(t, x.UUID)

	// Exactly two zero-sized extents, object and layout in sync.
	extRows, err := e.idx.Get(ctx, index.TableExtent, index.All{})
	require.NoError(t, err)
	require.Len(t, extRows, 2)
	for _, row := range extRows {
		ext := index.ExtentFromRow(row)
		assert.Equal(t, int64(0), ext.Size)
		assert.Equal(t, model.ExtentSync, ext.State)
	}

	objRows, err := e.idx.Get(ctx, index.TableObject, index.All{})
	require.NoError(t, err)
	require.Len(t, objRows, 1)
	assert.Equal(t, string(model.ObjectSync), objRows[0].Fields["state"])

	var buf bytes.Buffer
	require.NoError(t, e.store.Get(ctx, &Xfer{OID: "empty-object", Dst: &buf}))
	assert.Empty(t, buf.Bytes())
}

func TestPutGetRoundTrip(t *testing.T) {
	e := newEnv(t)
	defer e.stop()
	ctx := context.Background()

	payload := bytes.Repeat([]byte("phobos "), 4096)
	x := &Xfer{
		OID:    "dataset/alpha",
		UserMD: map[string]string{"project": "alpha", "owner": "hpc"},
		Src:    bytes.NewReader(payload),
		Size:   int64(len(payload)),
	}
	require.NoError(t, e.store.Put(ctx, x))

	var buf bytes.Buffer
	got := &Xfer{OID: "dataset/alpha", Dst: &buf}
	require.NoError(t, e.store.Get(ctx, got))
	assert.True(t, bytes.Equal(payload, buf.Bytes()))
	assert.Equal(t, x.UUID, got.UUID)
	assert.Equal(t, "alpha", got.UserMD["project"])

	// Both replicas recorded the same size and checksum.
	extRows, err := e.idx.Get(ctx, index.TableExtent, index.All{})
	require.NoError(t, err)
	require.Len(t, extRows, 2)
	e0 := index.ExtentFromRow(extRows[0])
	e1 := index.ExtentFromRow(extRows[1])
	assert.Equal(t, e0.Size, e1.Size)
	assert.Equal(t, e0.XXH, e1.XXH)
	assert.NotEqual(t, e0.MediaID, e1.MediaID)
}

func TestPutDuplicateOIDRejected(t *testing.T) {
	e := newEnv(t)
	defer e.stop()
	ctx := context.Background()

	require.NoError(t, e.store.Put(ctx, &Xfer{OID: "once", Src: strings.NewReader("x"), Size: 1}))
	err := e.store.Put(ctx, &Xfer{OID: "once", Src: strings.NewReader("y"), Size: 1})
	require.Error(t, err)
	assert.True(t, taxonomy.IsAlreadyExistsError(err))
}

func TestDeleteFreesOIDForReuse(t *testing.T) {
	e := newEnv(t)
	defer e.stop()
	ctx := context.Background()

	require.NoError(t, e.store.Put(ctx, &Xfer{OID: "gen", Src: strings.NewReader("v1"), Size: 2}))
	require.NoError(t, e.store.Delete(ctx, "gen"))

	_, err := e.store.liveObject(ctx, "gen")
	assert.True(t, taxonomy.IsNotFoundError(err))

	// The oid is free again; the deprecated generation survives.
	require.NoError(t, e.store.Put(ctx, &Xfer{OID: "gen", Src: strings.NewReader("v2"), Size: 2}))
	dep, err := e.idx.Get(ctx, index.TableDeprecatedObject, index.All{})
	require.NoError(t, err)
	assert.Len(t, dep, 1)
}

func TestHardDeleteKeepsExtents(t *testing.T) {
	e := newEnv(t)
	defer e.stop()
	ctx := context.Background()

	require.NoError(t, e.store.Put(ctx, &Xfer{OID: "doomed", Src: strings.NewReader("bytes"), Size: 5}))
	require.NoError(t, e.store.HardDelete(ctx, "doomed"))

	objRows, err := e.idx.Get(ctx, index.TableObject, index.All{})
	require.NoError(t, err)
	assert.Empty(t, objRows)

	// Extents survive for accounting.
	extRows, err := e.idx.Get(ctx, index.TableExtent, index.All{})
	require.NoError(t, err)
	assert.Len(t, extRows, 2)
}

func TestLocateAfterPut(t *testing.T) {
	e := newEnv(t)
	defer e.stop()
	ctx := context.Background()

	require.NoError(t, e.store.Put(ctx, &Xfer{OID: "where", Src: strings.NewReader("here"), Size: 4}))

	// Both copies' media are locked by the daemon's host.
	host, newLocks, err := e.store.Locate(ctx, "where")
	require.NoError(t, err)
	assert.Equal(t, e2eHost, host)
	assert.Zero(t, newLocks)
}

func TestMPutReportsFirstError(t *testing.T) {
	e := newEnv(t)
	defer e.stop()
	ctx := context.Background()

	var completions []string
	complete := func(x *Xfer, err error) {
		outcome := "ok"
		if err != nil {
			outcome = "err"
		}
		completions = append(completions, x.OID+":"+outcome)
	}

	xfers := []*Xfer{
		{OID: "batch-1", Src: strings.NewReader("a"), Size: 1, Completion: complete},
		{OID: "", Src: strings.NewReader("b"), Size: 1, Completion: complete}, // invalid
		{OID: "batch-3", Src: strings.NewReader("c"), Size: 1, Completion: complete},
	}
	err := e.store.MPut(ctx, xfers)
	require.Error(t, err)
	assert.True(t, taxonomy.Is(err, taxonomy.ErrInvalid))
	assert.Equal(t, []string{"batch-1:ok", ":err", "batch-3:ok"}, completions)
}
