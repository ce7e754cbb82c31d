// Package raid1 implements the replication layout: every split of an
// object is written identically to repl_count media, a read needs any
// one live copy per split, and locate scores candidate hosts by how
// many splits they can already reach.
package raid1

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/cea-hpc/phobosd/internal/logger"
	"github.com/cea-hpc/phobosd/internal/telemetry"
	"github.com/cea-hpc/phobosd/internal/wire/proto"
	"github.com/cea-hpc/phobosd/pkg/adapter"
	"github.com/cea-hpc/phobosd/pkg/layout"
	"github.com/cea-hpc/phobosd/pkg/model"
	"github.com/cea-hpc/phobosd/pkg/taxonomy"
)

// Name is the layout type recorded on layout rows.
const Name = "raid1"

// ParamReplCount is the single raid1 parameter.
const ParamReplCount = "repl_count"

// DefaultReplCount is used when the parameter is absent.
const DefaultReplCount = 2

// maxNullReadTry bounds how many consecutive empty reads of the source
// stream are tolerated before the upload is declared failed.
const maxNullReadTry = 10

// Extent xattr keys, fixed by the on-medium format. Adapters namespace
// them under user.* on filesystems that require it.
const (
	xattrID     = "id"
	xattrUserMD = "user_md"
)

func init() {
	layout.Register(Name, func(params layout.Params) (layout.Composer, error) {
		repl := DefaultReplCount
		if v, ok := params[ParamReplCount]; ok {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("raid1: invalid repl_count %q", v)
			}
			repl = n
		}
		return &Composer{repl: repl}, nil
	})
}

// Composer is the raid1 engine for one replica count.
type Composer struct {
	repl int
}

// Name implements layout.Composer.
func (c *Composer) Name() string { return Name }

// ReplCount reports the configured number of copies per split.
func (c *Composer) ReplCount() int { return c.repl }

// Write streams src onto repl copies per split. The flattened extent
// vector uses index = split*repl + copy. A zero-byte object still gets
// one zero-sized extent per copy so it has a physical footprint.
func (c *Composer) Write(ctx context.Context, t layout.Transport, ios map[model.Family]adapter.IO, obj *model.Object, src io.Reader, size int64, family model.Family, tags []string) (*model.Layout, error) {
	ctx, span := telemetry.StartLayoutSpan(ctx, telemetry.SpanLayoutWrite, obj.OID,
		telemetry.LayoutType(Name), telemetry.ExtentSize(size))
	defer span.End()

	l := &model.Layout{
		OID:     obj.OID,
		UUID:    obj.UUID,
		Version: obj.Version,
		Type:    Name,
		Params:  layout.Params{ParamReplCount: strconv.Itoa(c.repl)},
		State:   model.ObjectPending,
	}
	adapterIO := ios[family]
	if adapterIO == nil {
		return l, taxonomy.NewNotSupportedError(string(family), "no I/O adapter for family")
	}

	userMD, err := compactUserMD(obj.UserMD)
	if err != nil {
		return l, taxonomy.NewInvalidError(obj.OID, "user metadata is not JSON-encodable")
	}

	remaining := size
	for split := 0; ; split++ {
		resp, err := t.Call(ctx, &proto.Request{
			Kind: proto.KindWriteAlloc,
			WriteAlloc: &proto.WriteAllocRequest{
				NMedia:    c.repl,
				PerMedium: proto.PerMediumSpec{Size: remaining, Family: string(family), Tags: tags},
			},
		})
		if err != nil {
			return l, err
		}
		media := resp.WriteAlloc.Media
		if len(media) != c.repl {
			return l, taxonomy.NewInvalidError(obj.OID,
				fmt.Sprintf("allocation returned %d media, want %d", len(media), c.repl))
		}

		chunk := remaining
		for _, m := range media {
			if m.AvailSize < chunk {
				chunk = m.AvailSize
			}
		}
		if remaining > 0 && chunk <= 0 {
			c.releaseFailed(ctx, t, media, taxonomy.ErrNoSpace)
			return l, taxonomy.NewNoSpaceError(obj.OID)
		}

		extents, err := c.writeSplit(ctx, t, adapterIO, obj, src, split, chunk, media, userMD)
		l.Extents = append(l.Extents, extents...)
		if err != nil {
			return l, err
		}

		remaining -= chunk
		logger.DebugCtx(ctx, "split written", "oid", obj.OID, "split", split,
			"bytes", chunk, "remaining", remaining)
		if remaining == 0 {
			break
		}
	}

	return l, nil
}

// writeSplit performs the I/O of one split: open the repl handles, tag
// them, stream identical bytes to each, close, and release with sync
// intent. The returned extents are sync on success and orphan when the
// error return is non-nil.
func (c *Composer) writeSplit(ctx context.Context, t layout.Transport, adapterIO adapter.IO, obj *model.Object, src io.Reader, split int, chunk int64, media []proto.AllocatedMedium, userMD string) ([]model.Extent, error) {
	handles := make([]adapter.IOHandle, c.repl)
	extents := make([]model.Extent, c.repl)
	opened := 0

	fail := func(err error) ([]model.Extent, error) {
		for i := 0; i < opened; i++ {
			_ = adapterIO.Close(ctx, handles[i])
		}
		c.releaseFailed(ctx, t, media, taxonomy.ErrIO)
		for i := range extents[:opened] {
			extents[i].State = model.ExtentOrphan
		}
		return extents[:opened], err
	}

	for copyIdx := 0; copyIdx < c.repl; copyIdx++ {
		tag := layout.ExtentTag(split, copyIdx)
		addr := layout.ExtentAddress(obj.UUID, obj.Version, tag)
		handles[copyIdx] = adapter.IOHandle{ExtentKey: addr, OID: obj.OID, IsPut: true}
		extents[copyIdx] = model.Extent{
			OID:         obj.OID,
			UUID:        obj.UUID,
			Version:     obj.Version,
			LayoutIndex: split*c.repl + copyIdx,
			Size:        chunk,
			MediaID:     model.MediumID{Family: model.Family(media[copyIdx].ID.Family), Name: media[copyIdx].ID.Name},
			Address:     addr,
			State:       model.ExtentPending,
		}

		if err := adapterIO.Open(ctx, media[copyIdx].MountPath, handles[copyIdx]); err != nil {
			return fail(err)
		}
		opened++
		if err := adapterIO.SetXattr(ctx, handles[copyIdx], xattrID, obj.OID); err != nil {
			return fail(err)
		}
		if err := adapterIO.SetXattr(ctx, handles[copyIdx], xattrUserMD, userMD); err != nil {
			return fail(err)
		}
	}

	digest := xxhash.New()
	if chunk > 0 {
		bufSize := adapterIO.PreferredIOSize(ctx, handles[0])
		if bufSize <= 0 {
			bufSize = os.Getpagesize()
		}
		if int64(bufSize) > chunk {
			bufSize = int(chunk)
		}
		buf := make([]byte, bufSize)

		written := int64(0)
		nullReads := 0
		for written < chunk {
			want := int64(len(buf))
			if chunk-written < want {
				want = chunk - written
			}
			n, err := src.Read(buf[:want])
			if n == 0 {
				if err == io.EOF {
					return fail(taxonomy.NewIOError(obj.OID, fmt.Errorf("source ended %d bytes early", chunk-written)))
				}
				if err != nil {
					return fail(taxonomy.NewIOError(obj.OID, err))
				}
				nullReads++
				if nullReads >= maxNullReadTry {
					return fail(taxonomy.NewIOError(obj.OID, fmt.Errorf("short read: %d empty reads from source", nullReads)))
				}
				continue
			}
			nullReads = 0
			_, _ = digest.Write(buf[:n])
			for i := range handles {
				if _, werr := adapterIO.Write(ctx, handles[i], buf[:n]); werr != nil {
					return fail(werr)
				}
			}
			written += int64(n)
			if err != nil && err != io.EOF {
				return fail(taxonomy.NewIOError(obj.OID, err))
			}
		}
	}

	for i := range handles {
		if err := adapterIO.Close(ctx, handles[i]); err != nil {
			c.releaseFailed(ctx, t, media, taxonomy.ErrIO)
			for j := range extents {
				extents[j].State = model.ExtentOrphan
			}
			return extents, err
		}
	}

	release := make([]proto.ReleaseMedium, len(media))
	for i, m := range media {
		release[i] = proto.ReleaseMedium{ID: m.ID, RC: 0, SizeWritten: chunk, ToSync: true}
	}
	if err := t.Release(ctx, release); err != nil {
		for i := range extents {
			extents[i].State = model.ExtentOrphan
		}
		return extents, err
	}

	sum := digest.Sum64()
	for i := range extents {
		extents[i].State = model.ExtentSync
		extents[i].XXH = sum
	}
	return extents, nil
}

// releaseFailed tells the daemon the I/O on these media failed so it
// can free the drives without promising durability.
func (c *Composer) releaseFailed(ctx context.Context, t layout.Transport, media []proto.AllocatedMedium, code taxonomy.ErrorCode) {
	release := make([]proto.ReleaseMedium, len(media))
	for i, m := range media {
		release[i] = proto.ReleaseMedium{ID: m.ID, RC: int32(code), SizeWritten: 0, ToSync: false}
	}
	if err := t.Release(ctx, release); err != nil {
		logger.WarnCtx(ctx, "failure release not delivered", "error", err)
	}
}

// Read reconstitutes the object split by split, asking the scheduler
// for any one reachable copy each time. Up to repl-1 missing media per
// split are tolerated since the candidate set carries every copy.
func (c *Composer) Read(ctx context.Context, t layout.Transport, ios map[model.Family]adapter.IO, l *model.Layout, dst io.Writer) error {
	ctx, span := telemetry.StartLayoutSpan(ctx, telemetry.SpanLayoutRead, l.OID,
		telemetry.LayoutType(Name))
	defer span.End()

	repl := c.repl
	if len(l.Extents)%repl != 0 {
		return taxonomy.NewInvalidError(l.OID,
			fmt.Sprintf("extent count %d is not a multiple of repl_count %d", len(l.Extents), repl))
	}

	splits := len(l.Extents) / repl
	for s := 0; s < splits; s++ {
		copies := l.Extents[s*repl : (s+1)*repl]
		candidates := make([]proto.MediumRef, 0, repl)
		for _, e := range copies {
			if e.State == model.ExtentOrphan {
				continue
			}
			candidates = append(candidates, proto.MediumRef{Family: string(e.MediaID.Family), Name: e.MediaID.Name})
		}
		if len(candidates) == 0 {
			return taxonomy.NewNoDeviceError(fmt.Sprintf("split %d of %s has no live copy", s, l.OID))
		}

		resp, err := t.Call(ctx, &proto.Request{
			Kind:      proto.KindReadAlloc,
			ReadAlloc: &proto.ReadAllocRequest{NRequired: 1, Candidates: candidates},
		})
		if err != nil {
			return err
		}
		m := resp.ReadAlloc.Media[0]

		var ext *model.Extent
		for i := range copies {
			if copies[i].MediaID.Name == m.ID.Name && string(copies[i].MediaID.Family) == m.ID.Family {
				ext = &copies[i]
				break
			}
		}
		if ext == nil {
			return taxonomy.NewInvalidError(l.OID, "allocation returned a medium outside the candidate set")
		}

		if err := c.readExtent(ctx, ios[ext.MediaID.Family], m.MountPath, ext, dst); err != nil {
			c.releaseFailed(ctx, t, resp.ReadAlloc.Media, taxonomy.ErrIO)
			return err
		}
		if err := t.Release(ctx, []proto.ReleaseMedium{{ID: m.ID, RC: 0, SizeWritten: 0, ToSync: false}}); err != nil {
			return err
		}
	}
	return nil
}

// readExtent streams one extent to dst, verifying its checksum when the
// layout recorded one.
func (c *Composer) readExtent(ctx context.Context, adapterIO adapter.IO, root string, ext *model.Extent, dst io.Writer) error {
	if adapterIO == nil {
		return taxonomy.NewNotSupportedError(string(ext.MediaID.Family), "no I/O adapter for family")
	}
	h := adapter.IOHandle{ExtentKey: ext.Address, OID: ext.OID, IsPut: false}
	if err := adapterIO.Open(ctx, root, h); err != nil {
		return err
	}
	defer func() { _ = adapterIO.Close(ctx, h) }()

	bufSize := adapterIO.PreferredIOSize(ctx, h)
	if bufSize <= 0 {
		bufSize = os.Getpagesize()
	}
	buf := make([]byte, bufSize)
	digest := xxhash.New()

	remaining := ext.Size
	for remaining > 0 {
		want := int64(len(buf))
		if remaining < want {
			want = remaining
		}
		n, err := adapterIO.Read(ctx, h, buf[:want])
		if err != nil {
			return err
		}
		if n == 0 {
			return taxonomy.NewIOError(ext.Address, fmt.Errorf("extent ended %d bytes early", remaining))
		}
		if _, werr := dst.Write(buf[:n]); werr != nil {
			return taxonomy.NewIOError(ext.OID, werr)
		}
		_, _ = digest.Write(buf[:n])
		remaining -= int64(n)
	}

	if ext.XXH != 0 && digest.Sum64() != ext.XXH {
		return taxonomy.NewIOError(ext.Address, fmt.Errorf("checksum mismatch: got %x want %x", digest.Sum64(), ext.XXH))
	}
	return nil
}

// compactUserMD renders user metadata as compact JSON with sorted keys,
// the canonical on-medium xattr form.
func compactUserMD(md map[string]string) (string, error) {
	if md == nil {
		md = map[string]string{}
	}
	b, err := json.Marshal(md)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
