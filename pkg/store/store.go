// Package store is the client-side coordinator for PUT, GET, DELETE,
// and locate: it resolves objects in the state index, negotiates media
// allocations with the per-host daemon, and drives a layout engine for
// the actual I/O. Each transfer runs sequentially on its own daemon
// connection; the Store shares nothing mutable between transfers.
package store

import (
	"context"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cea-hpc/phobosd/internal/logger"
	"github.com/cea-hpc/phobosd/pkg/adapter"
	"github.com/cea-hpc/phobosd/pkg/config"
	"github.com/cea-hpc/phobosd/pkg/index"
	"github.com/cea-hpc/phobosd/pkg/layout"
	"github.com/cea-hpc/phobosd/pkg/layout/raid1"
	"github.com/cea-hpc/phobosd/pkg/model"
	"github.com/cea-hpc/phobosd/pkg/taxonomy"
)

// Config bundles a Store's fixed dependencies.
type Config struct {
	// SocketPath is the daemon's local stream socket.
	SocketPath string
	// Hostname identifies this host in locate scoring.
	Hostname string
	// Index is the shared state index.
	Index index.Backend
	// IOs are the per-family data-path adapters used client-side.
	IOs map[model.Family]adapter.IO
	// LayoutType and LayoutParams pick the default composition rule for
	// new objects.
	LayoutType   string
	LayoutParams layout.Params
	// Family is the default medium family for puts.
	Family model.Family
}

// Store coordinates transfers against one daemon.
type Store struct {
	cfg Config
}

// New validates the configuration and builds a store.
func New(cfg Config) (*Store, error) {
	if cfg.SocketPath == "" {
		return nil, taxonomy.NewInvalidError("store", "socket path is required")
	}
	if cfg.Index == nil {
		return nil, taxonomy.NewInvalidError("store", "state index is required")
	}
	if cfg.LayoutType == "" {
		cfg.LayoutType = "raid1"
	}
	if cfg.Family == "" {
		cfg.Family = model.FamilyDir
	}
	if _, err := layout.New(cfg.LayoutType, cfg.LayoutParams); err != nil {
		return nil, taxonomy.NewInvalidError(cfg.LayoutType, err.Error())
	}
	return &Store{cfg: cfg}, nil
}

// NewFromConfig builds a Store from the daemon configuration, resolving
// the per-family I/O adapters from the static registry.
func NewFromConfig(cfg *config.Config, idx index.Backend) (*Store, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, taxonomy.NewFatalError("resolve hostname", err)
	}
	ios := map[model.Family]adapter.IO{}
	for _, f := range cfg.LRS.FamilyNames() {
		if io, ok := adapter.NewIO(f); ok {
			ios[f] = io
		}
	}
	return New(Config{
		SocketPath:   cfg.LRS.SocketPath,
		Hostname:     hostname,
		Index:        idx,
		IOs:          ios,
		LayoutType:   cfg.Store.LayoutType,
		LayoutParams: layout.Params{raid1.ParamReplCount: strconv.Itoa(cfg.Store.ReplCount)},
		Family:       model.Family(cfg.Store.Family),
	})
}

// Xfer describes one transfer. Exactly one of Src (PUT) or Dst (GET) is
// set; the completion callback, if any, fires once with the final
// error.
type Xfer struct {
	OID    string
	UserMD map[string]string

	// PUT inputs.
	Size         int64
	Family       model.Family
	Tags         []string
	LayoutType   string
	LayoutParams layout.Params
	Src          io.Reader

	// GET output.
	Dst io.Writer

	// Filled in on completion of a PUT.
	UUID    string
	Version int

	// Completion receives the transfer outcome; nil is allowed.
	Completion func(x *Xfer, err error)
}

func (x *Xfer) complete(err error) error {
	if x.Completion != nil {
		x.Completion(x, err)
	}
	return err
}

// Put uploads one object: create the pending object and layout rows,
// drive the layout engine against the daemon, persist the extents it
// wrote, and flip everything to sync once every release was
// acknowledged. Extents of a failed upload are persisted as orphan so
// the scrubber can account for them.
func (s *Store) Put(ctx context.Context, x *Xfer) error {
	return x.complete(s.put(ctx, x))
}

func (s *Store) put(ctx context.Context, x *Xfer) error {
	if x.OID == "" || x.Src == nil || x.Size < 0 {
		return taxonomy.NewInvalidError(x.OID, "put needs an oid, a source, and a non-negative size")
	}

	live, err := s.liveObject(ctx, x.OID)
	if err != nil && !taxonomy.IsNotFoundError(err) {
		return err
	}
	if live != nil {
		return taxonomy.NewAlreadyExistsError(x.OID)
	}

	layoutType := x.LayoutType
	params := x.LayoutParams
	if layoutType == "" {
		layoutType = s.cfg.LayoutType
		params = s.cfg.LayoutParams
	}
	family := x.Family
	if family == "" {
		family = s.cfg.Family
	}
	engine, err := layout.New(layoutType, params)
	if err != nil {
		return taxonomy.NewInvalidError(layoutType, err.Error())
	}

	obj := &model.Object{
		OID:       x.OID,
		UUID:      uuid.NewString(),
		Version:   1,
		UserMD:    x.UserMD,
		State:     model.ObjectPending,
		CreatedAt: time.Now(),
	}
	if err := s.cfg.Index.Insert(ctx, index.TableObject, index.ObjectToRow(obj)); err != nil {
		return err
	}
	x.UUID = obj.UUID
	x.Version = obj.Version

	client, err := Dial(s.cfg.SocketPath)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	lay, werr := engine.Write(ctx, client, s.cfg.IOs, obj, x.Src, x.Size, family, x.Tags)

	for i := range lay.Extents {
		ext := lay.Extents[i]
		if werr != nil {
			ext.State = model.ExtentOrphan
		}
		if ierr := s.cfg.Index.Insert(ctx, index.TableExtent, index.ExtentToRow(&ext)); ierr != nil {
			logger.WarnCtx(ctx, "extent row not persisted", "oid", x.OID, "index", ext.LayoutIndex, "error", ierr)
		}
	}

	if werr != nil {
		logger.ErrorCtx(ctx, "put failed", "oid", x.OID, "error", werr)
		return werr
	}

	lay.State = model.ObjectSync
	if err := s.cfg.Index.Insert(ctx, index.TableLayout, index.LayoutToRow(lay)); err != nil {
		return err
	}
	if err := s.cfg.Index.Update(ctx, index.TableObject, index.ObjectRowID(obj.UUID, obj.Version),
		map[string]any{"state": string(model.ObjectSync)}); err != nil {
		return err
	}

	logger.InfoCtx(ctx, "object stored", "oid", x.OID, "uuid", obj.UUID,
		"size", x.Size, "extents", len(lay.Extents))
	return nil
}

// Get downloads the live generation of an object into x.Dst.
func (s *Store) Get(ctx context.Context, x *Xfer) error {
	return x.complete(s.get(ctx, x))
}

func (s *Store) get(ctx context.Context, x *Xfer) error {
	if x.OID == "" || x.Dst == nil {
		return taxonomy.NewInvalidError(x.OID, "get needs an oid and a destination")
	}
	obj, err := s.liveObject(ctx, x.OID)
	if err != nil {
		return err
	}
	lay, engine, err := s.loadLayout(ctx, obj)
	if err != nil {
		return err
	}

	client, err := Dial(s.cfg.SocketPath)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	x.UUID = obj.UUID
	x.Version = obj.Version
	x.UserMD = obj.UserMD
	return engine.Read(ctx, client, s.cfg.IOs, lay, x.Dst)
}

// Delete deprecates the live generation of an object: the row moves to
// the deprecated table and its extents stay where they are. The oid
// becomes free for a fresh PUT.
func (s *Store) Delete(ctx context.Context, oid string) error {
	obj, err := s.liveObject(ctx, oid)
	if err != nil {
		return err
	}
	obj.State = model.ObjectDeprecated
	obj.Deprecated = true
	if err := s.cfg.Index.Insert(ctx, index.TableDeprecatedObject, index.ObjectToRow(obj)); err != nil {
		return err
	}
	if err := s.cfg.Index.Delete(ctx, index.TableObject, index.ObjectRowID(obj.UUID, obj.Version)); err != nil {
		return err
	}
	logger.InfoCtx(ctx, "object deprecated", "oid", oid, "uuid", obj.UUID)
	return nil
}

// HardDelete destroys an object generation outright, deprecated or
// live, keeping its extent rows as usage evidence for the scrubber and
// the accounting reports.
func (s *Store) HardDelete(ctx context.Context, oid string) error {
	obj, err := s.liveObject(ctx, oid)
	table := index.TableObject
	if taxonomy.IsNotFoundError(err) {
		obj, err = s.deprecatedObject(ctx, oid)
		table = index.TableDeprecatedObject
	}
	if err != nil {
		return err
	}
	if err := s.cfg.Index.Delete(ctx, table, index.ObjectRowID(obj.UUID, obj.Version)); err != nil {
		return err
	}
	if err := s.cfg.Index.Delete(ctx, index.TableLayout, index.ObjectRowID(obj.UUID, obj.Version)); err != nil && !taxonomy.IsNotFoundError(err) {
		return err
	}
	logger.InfoCtx(ctx, "object destroyed", "oid", oid, "uuid", obj.UUID)
	return nil
}

// Locate reports the host best placed to serve a GET of oid and how
// many media were freshly locked to it. An empty host means no
// preference: every split is reachable through unlocked media.
func (s *Store) Locate(ctx context.Context, oid string) (string, int, error) {
	obj, err := s.liveObject(ctx, oid)
	if err != nil {
		return "", 0, err
	}
	lay, engine, err := s.loadLayout(ctx, obj)
	if err != nil {
		return "", 0, err
	}
	res, err := engine.Locate(ctx, s.cfg.Index, lay, s.cfg.Hostname)
	if err != nil {
		return "", 0, err
	}
	return res.Host, res.NewLocks, nil
}

// MPut runs a batch of puts sequentially, firing each transfer's
// completion callback as it finishes. The batch keeps going past
// failures; the return value is the first non-nil error.
func (s *Store) MPut(ctx context.Context, xfers []*Xfer) error {
	var first error
	for _, x := range xfers {
		if err := s.Put(ctx, x); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// liveObject resolves the single live generation behind an oid.
func (s *Store) liveObject(ctx context.Context, oid string) (*model.Object, error) {
	rows, err := s.cfg.Index.Get(ctx, index.TableObject,
		index.Cmp{Field: "oid", Op: index.OpEq, Value: oid})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, taxonomy.NewNotFoundError(oid)
	}
	return index.ObjectFromRow(rows[0], false), nil
}

// deprecatedObject resolves the newest deprecated generation of an oid.
func (s *Store) deprecatedObject(ctx context.Context, oid string) (*model.Object, error) {
	rows, err := s.cfg.Index.Get(ctx, index.TableDeprecatedObject,
		index.Cmp{Field: "oid", Op: index.OpEq, Value: oid})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, taxonomy.NewNotFoundError(oid)
	}
	objs := make([]*model.Object, len(rows))
	for i, row := range rows {
		objs[i] = index.ObjectFromRow(row, true)
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].Version > objs[j].Version })
	return objs[0], nil
}

// loadLayout joins an object's layout header with its extent rows,
// sorted by layout index, and instantiates the matching engine.
func (s *Store) loadLayout(ctx context.Context, obj *model.Object) (*model.Layout, layout.Composer, error) {
	rows, err := s.cfg.Index.Get(ctx, index.TableLayout, index.And{
		index.Cmp{Field: "uuid", Op: index.OpEq, Value: obj.UUID},
		index.Cmp{Field: "version", Op: index.OpEq, Value: obj.Version},
	})
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, taxonomy.NewNotFoundError(obj.OID)
	}
	lay := index.LayoutFromRow(rows[0])

	extRows, err := s.cfg.Index.Get(ctx, index.TableExtent, index.And{
		index.Cmp{Field: "uuid", Op: index.OpEq, Value: obj.UUID},
		index.Cmp{Field: "version", Op: index.OpEq, Value: obj.Version},
	})
	if err != nil {
		return nil, nil, err
	}
	for _, row := range extRows {
		lay.Extents = append(lay.Extents, *index.ExtentFromRow(row))
	}
	sort.Slice(lay.Extents, func(i, j int) bool {
		return lay.Extents[i].LayoutIndex < lay.Extents[j].LayoutIndex
	})

	engine, err := layout.New(lay.Type, lay.Params)
	if err != nil {
		return nil, nil, taxonomy.NewInvalidError(lay.Type, err.Error())
	}
	return lay, engine, nil
}
