package dir

import (
	"context"
	"testing"

	"github.com/cea-hpc/phobosd/pkg/adapter"
	"github.com/cea-hpc/phobosd/pkg/layout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatMountRoundTrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	a := New()

	_, err := a.Format(ctx, root, "P00001L5")
	require.NoError(t, err)

	require.NoError(t, a.Mount(ctx, root, root, "P00001L5"))

	err = a.Mount(ctx, root, root, "WRONG")
	assert.Error(t, err)
}

func TestWriteReadExtent(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	a := New()

	h := adapter.IOHandle{ExtentKey: layout.ExtentAddress("uuid-1", 0, "s0-c0"), OID: "dataset/a", IsPut: true}
	require.NoError(t, a.Open(ctx, root, h))

	n, err := a.Write(ctx, h, []byte("hello extent"))
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	require.NoError(t, a.SetXattr(ctx, h, "id", "dataset/a"))
	require.NoError(t, a.Close(ctx, h))

	hr := adapter.IOHandle{ExtentKey: h.ExtentKey, OID: h.OID, IsPut: false}
	require.NoError(t, a.Open(ctx, root, hr))
	buf := make([]byte, 32)
	n, err = a.Read(ctx, hr, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello extent", string(buf[:n]))

	v, err := a.GetXattr(ctx, hr, "id")
	require.NoError(t, err)
	assert.Equal(t, "dataset/a", v)
	require.NoError(t, a.Close(ctx, hr))

	require.NoError(t, a.MediumSync(ctx, root))
}

func TestDeleteExtent(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	a := New()

	h := adapter.IOHandle{ExtentKey: layout.ExtentAddress("uuid-2", 0, "s0-c0"), IsPut: true}
	require.NoError(t, a.Open(ctx, root, h))
	_, err := a.Write(ctx, h, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, a.Close(ctx, h))

	require.NoError(t, a.Delete(ctx, adapter.ExtentLocation{Root: root, Key: h.ExtentKey}))

	require.NoError(t, a.Delete(ctx, adapter.ExtentLocation{Root: root, Key: h.ExtentKey}))
}
