package raid1

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cea-hpc/phobosd/internal/wire/proto"
	"github.com/cea-hpc/phobosd/pkg/adapter"
	"github.com/cea-hpc/phobosd/pkg/adapter/dir"
	"github.com/cea-hpc/phobosd/pkg/layout"
	"github.com/cea-hpc/phobosd/pkg/model"
	"github.com/cea-hpc/phobosd/pkg/taxonomy"
)

// fakeMedium is one allocatable medium in the fake daemon's pool.
type fakeMedium struct {
	ref   proto.MediumRef
	root  string
	avail int64
}

// fakeTransport plays the daemon's role for engine tests: allocations
// hand out pool media in order, releases with sync intent shrink the
// medium, and acks are implicit in Release returning nil.
type fakeTransport struct {
	media    []*fakeMedium
	releases [][]proto.ReleaseMedium
}

func (f *fakeTransport) Call(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	switch req.Kind {
	case proto.KindWriteAlloc:
		var out []proto.AllocatedMedium
		for _, m := range f.media {
			if len(out) == req.WriteAlloc.NMedia {
				break
			}
			if m.avail <= 0 {
				continue
			}
			out = append(out, proto.AllocatedMedium{ID: m.ref, MountPath: m.root, AvailSize: m.avail})
		}
		if len(out) < req.WriteAlloc.NMedia {
			return nil, taxonomy.NewNoSpaceError("pool")
		}
		return &proto.Response{ID: req.ID, Kind: proto.KindWriteAlloc,
			WriteAlloc: &proto.WriteAllocResponse{Media: out}}, nil

	case proto.KindReadAlloc:
		for _, cand := range req.ReadAlloc.Candidates {
			for _, m := range f.media {
				if m.ref == cand {
					return &proto.Response{ID: req.ID, Kind: proto.KindReadAlloc,
						ReadAlloc: &proto.ReadAllocResponse{
							Media: []proto.AllocatedMedium{{ID: m.ref, MountPath: m.root, AvailSize: m.avail}},
						}}, nil
				}
			}
		}
		return nil, taxonomy.NewNoDeviceError("no candidate in pool")

	default:
		return nil, taxonomy.NewInvalidError("", "unexpected request kind in test")
	}
}

func (f *fakeTransport) Release(ctx context.Context, media []proto.ReleaseMedium) error {
	f.releases = append(f.releases, media)
	for _, rel := range media {
		if rel.RC != 0 || !rel.ToSync {
			continue
		}
		for _, m := range f.media {
			if m.ref == rel.ID {
				m.avail -= rel.SizeWritten
			}
		}
	}
	return nil
}

func newPool(t *testing.T, avail int64, names ...string) *fakeTransport {
	t.Helper()
	ft := &fakeTransport{}
	for _, name := range names {
		ft.media = append(ft.media, &fakeMedium{
			ref:   proto.MediumRef{Family: string(model.FamilyDir), Name: name},
			root:  t.TempDir(),
			avail: avail,
		})
	}
	return ft
}

func testIOs() map[model.Family]adapter.IO {
	return map[model.Family]adapter.IO{model.FamilyDir: dir.New()}
}

func newComposer(t *testing.T, repl int) *Composer {
	t.Helper()
	c, err := layout.New(Name, layout.Params{ParamReplCount: strconv.Itoa(repl)})
	require.NoError(t, err)
	return c.(*Composer)
}

func testObject(oid string) *model.Object {
	return &model.Object{
		OID:     oid,
		UUID:    "9f1c2b2e-" + oid,
		Version: 1,
		UserMD:  map[string]string{"project": "alpha"},
		State:   model.ObjectPending,
	}
}

func TestWriteZeroByteObject(t *testing.T) {
	ctx := context.Background()
	ft := newPool(t, 1<<20, "m1", "m2")
	c := newComposer(t, 2)

	obj := testObject("empty")
	lay, err := c.Write(ctx, ft, testIOs(), obj, strings.NewReader(""), 0, model.FamilyDir, nil)
	require.NoError(t, err)

	// One zero-sized extent per copy, so the object has a footprint.
	require.Len(t, lay.Extents, 2)
	for i, ext := range lay.Extents {
		assert.Equal(t, i, ext.LayoutIndex)
		assert.Equal(t, int64(0), ext.Size)
		assert.Equal(t, model.ExtentSync, ext.State)
	}
	require.Len(t, ft.releases, 1)

	var buf bytes.Buffer
	require.NoError(t, c.Read(ctx, ft, testIOs(), lay, &buf))
	assert.Empty(t, buf.Bytes())
}

func TestWriteSplitsWhenMediaAreSmall(t *testing.T) {
	ctx := context.Background()
	const mb = int64(1 << 20)
	ft := newPool(t, 2*mb, "m1", "m2", "m3", "m4")
	c := newComposer(t, 2)

	payload := bytes.Repeat([]byte{0xA5}, int(3*mb))
	obj := testObject("three-megs")
	lay, err := c.Write(ctx, ft, testIOs(), obj, bytes.NewReader(payload), 3*mb, model.FamilyDir, nil)
	require.NoError(t, err)

	// Two splits of (2M, 1M), two copies each: four extents, indexed
	// split*2+copy, identical sizes within a split.
	require.Len(t, lay.Extents, 4)
	assert.Equal(t, 2*mb, lay.Extents[0].Size)
	assert.Equal(t, 2*mb, lay.Extents[1].Size)
	assert.Equal(t, mb, lay.Extents[2].Size)
	assert.Equal(t, mb, lay.Extents[3].Size)
	assert.Equal(t, lay.Extents[0].XXH, lay.Extents[1].XXH)
	for i, ext := range lay.Extents {
		assert.Equal(t, i, ext.LayoutIndex)
		assert.Equal(t, model.ExtentSync, ext.State)
	}

	// The first split exhausted its two media; the second split's media
	// have a megabyte left apiece.
	assert.Equal(t, int64(0), ft.media[0].avail)
	assert.Equal(t, int64(0), ft.media[1].avail)
	assert.Equal(t, mb, ft.media[2].avail)
	assert.Equal(t, mb, ft.media[3].avail)

	// Two sync releases, covering two media each: four medium acks.
	acks := 0
	for _, rel := range ft.releases {
		for _, m := range rel {
			if m.ToSync {
				acks++
			}
		}
	}
	assert.Equal(t, 4, acks)

	var buf bytes.Buffer
	require.NoError(t, c.Read(ctx, ft, testIOs(), lay, &buf))
	assert.True(t, bytes.Equal(payload, buf.Bytes()))
}

func TestReadToleratesMissingCopy(t *testing.T) {
	ctx := context.Background()
	ft := newPool(t, 1<<20, "m1", "m2")
	c := newComposer(t, 2)

	payload := []byte("replicated payload")
	obj := testObject("replicated")
	lay, err := c.Write(ctx, ft, testIOs(), obj, bytes.NewReader(payload), int64(len(payload)), model.FamilyDir, nil)
	require.NoError(t, err)

	// Drop the first copy's medium from the pool entirely: the read
	// must fall back to the surviving copy.
	ft.media = ft.media[1:]

	var buf bytes.Buffer
	require.NoError(t, c.Read(ctx, ft, testIOs(), lay, &buf))
	assert.Equal(t, payload, buf.Bytes())
}

func TestReadDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	ft := newPool(t, 1<<20, "m1")
	c := newComposer(t, 1)

	payload := []byte("to be corrupted")
	obj := testObject("fragile")
	lay, err := c.Write(ctx, ft, testIOs(), obj, bytes.NewReader(payload), int64(len(payload)), model.FamilyDir, nil)
	require.NoError(t, err)

	// Flip the recorded checksum; the read must refuse the extent.
	lay.Extents[0].XXH++
	var buf bytes.Buffer
	err = c.Read(ctx, ft, testIOs(), lay, &buf)
	require.Error(t, err)
	assert.True(t, taxonomy.IsIOError(err))
}

func TestWriteShortSourceFails(t *testing.T) {
	ctx := context.Background()
	ft := newPool(t, 1<<20, "m1", "m2")
	c := newComposer(t, 2)

	// Source claims 64 bytes but delivers 10: the engine must fail the
	// upload and mark the split's extents orphan.
	obj := testObject("short")
	lay, err := c.Write(ctx, ft, testIOs(), obj, strings.NewReader("ten bytes!"), 64, model.FamilyDir, nil)
	require.Error(t, err)
	assert.True(t, taxonomy.IsIOError(err))
	for _, ext := range lay.Extents {
		assert.Equal(t, model.ExtentOrphan, ext.State)
	}

	// The failure release declared no durability intent.
	require.NotEmpty(t, ft.releases)
	last := ft.releases[len(ft.releases)-1]
	for _, m := range last {
		assert.False(t, m.ToSync)
		assert.NotZero(t, m.RC)
	}
}

func TestDefaultReplCount(t *testing.T) {
	c, err := layout.New(Name, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultReplCount, c.(*Composer).ReplCount())

	_, err = layout.New(Name, layout.Params{ParamReplCount: "zero"})
	require.Error(t, err)
}
