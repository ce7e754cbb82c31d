// Package scheduler implements the local resource scheduler: the
// per-host queue of allocation, release, format, and notify requests
// served against a finite pool of device agents. All state is mutated
// from a single goroutine that alternates between accepting decoded
// requests and running passes; the suspension points are exactly the
// adapter-call boundaries inside the agents.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sort"
	"syscall"
	"time"

	"github.com/cea-hpc/phobosd/internal/logger"
	"github.com/cea-hpc/phobosd/internal/telemetry"
	"github.com/cea-hpc/phobosd/internal/wire/proto"
	"github.com/cea-hpc/phobosd/pkg/adapter"
	"github.com/cea-hpc/phobosd/pkg/device"
	"github.com/cea-hpc/phobosd/pkg/index"
	prom "github.com/cea-hpc/phobosd/pkg/metrics/prometheus"
	"github.com/cea-hpc/phobosd/pkg/model"
	"github.com/cea-hpc/phobosd/pkg/taxonomy"
)

// Policy selects among multiple media that satisfy a write allocation.
type Policy string

const (
	// BestFit picks the medium with the smallest free space still
	// covering the requested size.
	BestFit Policy = "best_fit"
	// FirstFit picks the first matching medium in iteration order.
	FirstFit Policy = "first_fit"
)

// Incoming is one decoded client request tagged with the connection it
// arrived on.
type Incoming struct {
	Conn uint64
	Req  *proto.Request
}

// Outgoing is one response routed back to the connection whose request
// produced it.
type Outgoing struct {
	Conn uint64
	Resp *proto.Response
}

// drive pairs a device agent with the scheduler's own occupancy flag:
// busy means the drive's medium is allocated to an in-flight transfer
// and stays set until that transfer's release arrives.
type drive struct {
	agent *device.Agent
	busy  bool
}

// ackInfo remembers who is owed a release_ack once a sync covers their
// release, keyed by the token handed to the device agent.
type ackInfo struct {
	conn   uint64
	reqID  uint32
	medium proto.MediumRef
}

// Adapters bundles the per-family capability sets the scheduler's
// agents use. A family absent from a map simply cannot be served.
type Adapters struct {
	Libraries   map[model.Family]adapter.Library
	Filesystems map[model.Family]adapter.Filesystem
	IOs         map[model.Family]adapter.IO
	Discovery   map[model.Family]adapter.Device
}

// AdaptersFromRegistry resolves the capability sets for the given
// families from the static adapter registry, substituting a virtual
// library for families no robot serves.
func AdaptersFromRegistry(families []model.Family) Adapters {
	a := Adapters{
		Libraries:   map[model.Family]adapter.Library{},
		Filesystems: map[model.Family]adapter.Filesystem{},
		IOs:         map[model.Family]adapter.IO{},
		Discovery:   map[model.Family]adapter.Device{},
	}
	for _, f := range families {
		if lib, ok := adapter.NewLibrary(f); ok {
			a.Libraries[f] = lib
		} else {
			a.Libraries[f] = adapter.NewVirtualLibrary()
		}
		if fs, ok := adapter.NewFilesystem(f); ok {
			a.Filesystems[f] = fs
		}
		if io, ok := adapter.NewIO(f); ok {
			a.IOs[f] = io
		}
		if dev, ok := adapter.NewDevice(f); ok {
			a.Discovery[f] = dev
		}
	}
	return a
}

// Config bundles the scheduler's fixed dependencies.
type Config struct {
	Hostname   string
	PID        int
	Index      index.Backend
	Adapters   Adapters
	Compat     device.CompatTable
	Thresholds map[model.Family]device.SyncThresholds
	Policy     Policy
	// MountRoot is the parent directory per-drive mount points are
	// created under.
	MountRoot string

	DeviceMetrics    *prom.DeviceMetrics
	SchedulerMetrics *prom.SchedulerMetrics

	// VerifyAdminToken gates configure requests. Nil means configure is
	// refused outright.
	VerifyAdminToken func(token string) error
	// ApplyConfig applies a configure request, once its token is
	// verified, to the live configuration; the scheduler hands every
	// section and key here unchanged.
	ApplyConfig func(section, key, value string) error
}

// Scheduler owns the device agents of one host and the two request
// FIFOs. Not safe for concurrent use: one goroutine calls Push and
// Pass.
type Scheduler struct {
	cfg    Config
	drives []*drive

	pending  []Incoming
	releases []Incoming
	out      []Outgoing

	acks      map[uint32]ackInfo
	nextToken uint32
}

// New constructs a scheduler with no devices; call Start to populate
// the drive set from the state index.
func New(cfg Config) *Scheduler {
	if cfg.Policy == "" {
		cfg.Policy = BestFit
	}
	if cfg.PID == 0 {
		cfg.PID = os.Getpid()
	}
	return &Scheduler{cfg: cfg, acks: map[uint32]ackInfo{}}
}

// pidAlive reports whether a pid still designates a live process on
// this host, for the startup stale-lock reclaim.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

// Start reclaims stale locks left by dead daemons on this host, then
// rebuilds the drive set from the device rows owned by this hostname,
// re-adopting media that were loaded or mounted when the previous
// daemon died.
func (s *Scheduler) Start(ctx context.Context) error {
	reclaimed, err := s.cfg.Index.ReclaimStaleLocks(ctx, s.cfg.Hostname, pidAlive)
	if err != nil {
		return fmt.Errorf("reclaim stale locks: %w", err)
	}
	if reclaimed > 0 {
		logger.InfoCtx(ctx, "reclaimed stale locks", "count", reclaimed)
	}

	rows, err := s.cfg.Index.Get(ctx, index.TableDevice, index.And{
		index.Cmp{Field: "host", Op: index.OpEq, Value: s.cfg.Hostname},
		index.Cmp{Field: "adm_status", Op: index.OpEq, Value: string(model.AdmUnlocked)},
	})
	if err != nil {
		return fmt.Errorf("load device rows: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	for _, row := range rows {
		dev := index.DeviceFromRow(row)
		if err := s.adoptDevice(ctx, dev); err != nil {
			logger.WarnCtx(ctx, "device not adopted", "device", row.ID, "error", err)
		}
	}
	logger.InfoCtx(ctx, "scheduler started", "devices", len(s.drives), "policy", string(s.cfg.Policy))
	return nil
}

// adoptDevice builds an agent for one device row and, when the row says
// a medium was loaded or mounted by a previous run, re-adopts it and
// renews the locks under this pid.
func (s *Scheduler) adoptDevice(ctx context.Context, dev *model.Device) error {
	family := dev.ID.Family
	a := device.New(*dev, device.Config{
		Hostname:   s.cfg.Hostname,
		PID:        s.cfg.PID,
		Library:    s.cfg.Adapters.Libraries[family],
		FS:         s.cfg.Adapters.Filesystems[family],
		IO:         s.cfg.Adapters.IOs[family],
		Discovery:  s.cfg.Adapters.Discovery[family],
		Index:      s.cfg.Index,
		Compat:     s.cfg.Compat,
		Thresholds: s.cfg.Thresholds[family],
		MountRoot:  s.cfg.MountRoot,
		Metrics:    s.cfg.DeviceMetrics,
	})

	if dev.Medium != nil && (dev.OpStatus == model.OpLoaded || dev.OpStatus == model.OpMounted) {
		rows, err := s.cfg.Index.Get(ctx, index.TableMedia, index.And{
			index.Cmp{Field: "family", Op: index.OpEq, Value: string(family)},
			index.Cmp{Field: "name", Op: index.OpEq, Value: dev.Medium.Name},
		})
		if err != nil || len(rows) == 0 {
			return taxonomy.NewNotFoundError(index.MediumRowID(*dev.Medium))
		}
		a.Medium = index.MediumFromRow(rows[0])
		if err := a.RenewLock(ctx); err != nil {
			return err
		}
	}

	s.drives = append(s.drives, &drive{agent: a})
	return nil
}

// SetThresholds replaces the sync thresholds for one family; existing
// agents of that family pick the change up at construction of the next
// agent only, so it is applied here to every live drive too.
func (s *Scheduler) SetThresholds(family model.Family, th device.SyncThresholds) {
	s.cfg.Thresholds[family] = th
	for _, d := range s.drives {
		if d.agent.Device.ID.Family == family {
			d.agent.SetThresholds(th)
		}
	}
}

// Push enqueues one decoded request. Releases have their own queue and
// bypass the non-release FIFO in every pass.
func (s *Scheduler) Push(in Incoming) {
	if in.Req.Kind == proto.KindRelease {
		s.releases = append(s.releases, in)
	} else {
		s.pending = append(s.pending, in)
	}
	s.recordQueueDepth()
}

func (s *Scheduler) recordQueueDepth() {
	s.cfg.SchedulerMetrics.SetQueueDepth("release", len(s.releases))
	s.cfg.SchedulerMetrics.SetQueueDepth("pending", len(s.pending))
}

// QueueLen reports the number of requests not yet served, releases
// included. The daemon uses it to decide whether a drain pass is done.
func (s *Scheduler) QueueLen() int {
	return len(s.pending) + len(s.releases)
}

// Pass runs one scheduler iteration: drain releases, fire due syncs,
// serve pending requests in arrival order until one would block, and
// hand back every generated response.
func (s *Scheduler) Pass(ctx context.Context, now time.Time) []Outgoing {
	ctx, span := telemetry.StartSchedulerSpan(ctx, telemetry.SpanSchedulerPass,
		telemetry.SchedQueueLen(len(s.pending)+len(s.releases)))
	defer span.End()
	started := time.Now()

	for _, in := range s.releases {
		s.handleRelease(ctx, in, now)
	}
	s.releases = s.releases[:0]

	s.fireDueSyncs(ctx, now)

	for len(s.pending) > 0 {
		in := s.pending[0]
		resp, err := s.serve(ctx, in, now)
		if taxonomy.IsWouldBlockError(err) {
			// Head requeue: leave the request where it is and end the
			// pass; a release or a later pass will unblock it.
			s.cfg.SchedulerMetrics.RecordEagain(in.Req.Kind.String())
			break
		}
		s.pending = s.pending[1:]
		if err != nil {
			s.cfg.SchedulerMetrics.RecordRequest(in.Req.Kind.String(), "error")
			s.emit(in.Conn, proto.ErrorResponseFor(in.Req, err))
			continue
		}
		s.cfg.SchedulerMetrics.RecordRequest(in.Req.Kind.String(), "ok")
		if resp != nil {
			s.emit(in.Conn, resp)
		}
	}

	s.recordQueueDepth()
	s.cfg.SchedulerMetrics.ObservePassDuration("pass", time.Since(started).Seconds())

	out := s.out
	s.out = nil
	return out
}

func (s *Scheduler) emit(conn uint64, resp *proto.Response) {
	s.out = append(s.out, Outgoing{Conn: conn, Resp: resp})
}

// serve dispatches one non-release request. A would_block return
// reaches Pass untouched; every other error becomes an error response
// preserving the request's id and kind.
func (s *Scheduler) serve(ctx context.Context, in Incoming, now time.Time) (*proto.Response, error) {
	req := in.Req
	switch req.Kind {
	case proto.KindWriteAlloc:
		return s.serveWriteAlloc(ctx, req)
	case proto.KindReadAlloc:
		return s.serveReadAlloc(ctx, req)
	case proto.KindFormat:
		return s.serveFormat(ctx, req)
	case proto.KindNotify:
		return s.serveNotify(ctx, req)
	case proto.KindPing:
		return &proto.Response{ID: req.ID, Kind: proto.KindPing, Ping: &proto.PingResponse{}}, nil
	case proto.KindMonitor:
		return s.serveMonitor(ctx, req)
	case proto.KindConfigure:
		return s.serveConfigure(req)
	default:
		return nil, taxonomy.NewInvalidError("", fmt.Sprintf("unknown request kind %d", req.Kind))
	}
}

// handleRelease applies one release request: clear the busy flags, queue
// durability work on the owning agents, and ack immediately whatever
// asked for no sync. Releases are always serviceable and idempotent: a
// resend whose ack is still pending is not queued a second time, and a
// resend arriving after its sync already ran (the drive is no longer
// busy with that transfer) is re-acked without touching any counter.
func (s *Scheduler) handleRelease(ctx context.Context, in Incoming, now time.Time) {
	req := in.Req.Release
	if req == nil {
		s.emit(in.Conn, proto.ErrorResponseFor(in.Req, taxonomy.NewInvalidError("", "malformed release")))
		return
	}

	var immediate []proto.MediumRef
	for _, m := range req.Media {
		d := s.driveWithMedium(model.MediumID{Family: model.Family(m.ID.Family), Name: m.ID.Name})
		if d == nil {
			continue
		}
		wasBusy := d.busy
		d.busy = false

		if m.RC != 0 {
			// The client's I/O failed; nothing to sync. The extents it
			// did write stay pending and are surfaced by the scrubber.
			logger.WarnCtx(ctx, "release with error rc",
				"medium", m.ID.Name, "rc", m.RC)
			if taxonomy.ErrorCode(m.RC) == taxonomy.ErrNoSpace {
				s.markMediumFull(ctx, d)
			}
			continue
		}
		if !m.ToSync {
			immediate = append(immediate, m.ID)
			continue
		}
		if s.hasPendingAck(in.Conn, in.Req.ID, m.ID) {
			// Duplicate of a release still waiting on its sync.
			continue
		}
		if !wasBusy {
			// Duplicate of a release whose sync already ran; the state
			// index already accounts for it, so only the ack repeats.
			immediate = append(immediate, m.ID)
			continue
		}
		token := s.newToken(in.Conn, in.Req.ID, m.ID)
		d.agent.QueueRelease(token, m.SizeWritten, now)
	}

	if len(immediate) > 0 {
		s.emit(in.Conn, &proto.Response{
			ID:         in.Req.ID,
			Kind:       proto.KindReleaseAck,
			ReleaseAck: &proto.ReleaseAckResponse{Acked: immediate},
		})
	}
}

func (s *Scheduler) newToken(conn uint64, reqID uint32, medium proto.MediumRef) uint32 {
	s.nextToken++
	s.acks[s.nextToken] = ackInfo{conn: conn, reqID: reqID, medium: medium}
	return s.nextToken
}

// hasPendingAck reports whether a release for this (connection,
// request, medium) is already queued and awaiting its sync.
func (s *Scheduler) hasPendingAck(conn uint64, reqID uint32, medium proto.MediumRef) bool {
	for _, info := range s.acks {
		if info.conn == conn && info.reqID == reqID && info.medium == medium {
			return true
		}
	}
	return false
}

func (s *Scheduler) markMediumFull(ctx context.Context, d *drive) {
	if d.agent.Medium == nil {
		return
	}
	d.agent.Medium.FSStatus = model.FSFull
	if err := s.cfg.Index.Update(ctx, index.TableMedia, index.MediumRowID(d.agent.Medium.ID),
		map[string]any{"fs_status": string(model.FSFull)}); err != nil {
		logger.WarnCtx(ctx, "medium full state not persisted", "medium", d.agent.Medium.ID.Name, "error", err)
	}
}

// fireDueSyncs runs the sync of every drive whose release queue crossed
// a threshold and emits the release_acks the sync made durable.
func (s *Scheduler) fireDueSyncs(ctx context.Context, now time.Time) {
	for _, d := range s.drives {
		due, reason := d.agent.ShouldSync(now)
		if !due {
			continue
		}
		s.syncDrive(ctx, d, reason)
	}
}

// syncDrive syncs one drive and routes acks (or, on failure, error
// responses) to every requester whose release the batch covered.
func (s *Scheduler) syncDrive(ctx context.Context, d *drive, reason string) {
	tokens, err := d.agent.Sync(ctx, reason)
	if err != nil {
		for token, info := range s.acks {
			// The failed agent dropped its queue; fail every waiter
			// attached to this drive's medium.
			if s.driveWithMedium(model.MediumID{
				Family: model.Family(info.medium.Family), Name: info.medium.Name,
			}) == d {
				s.emit(info.conn, &proto.Response{
					ID:   info.reqID,
					Kind: proto.KindError,
					Error: &proto.ErrorResponse{
						RC:      taxonomy.ErrIO.String(),
						ForKind: proto.KindRelease,
						ForID:   info.reqID,
						Msg:     err.Error(),
					},
				})
				delete(s.acks, token)
			}
		}
		return
	}

	type group struct {
		conn  uint64
		reqID uint32
	}
	grouped := map[group][]proto.MediumRef{}
	var order []group
	for _, token := range tokens {
		info, ok := s.acks[token]
		if !ok {
			continue
		}
		delete(s.acks, token)
		g := group{conn: info.conn, reqID: info.reqID}
		if _, seen := grouped[g]; !seen {
			order = append(order, g)
		}
		grouped[g] = append(grouped[g], info.medium)
	}
	for _, g := range order {
		s.emit(g.conn, &proto.Response{
			ID:         g.reqID,
			Kind:       proto.KindReleaseAck,
			ReleaseAck: &proto.ReleaseAckResponse{Acked: grouped[g]},
		})
	}
}

// driveWithMedium finds the drive currently holding a medium, loaded or
// mounted, or nil.
func (s *Scheduler) driveWithMedium(id model.MediumID) *drive {
	for _, d := range s.drives {
		if d.agent.Medium != nil && d.agent.Medium.ID == id {
			return d
		}
	}
	return nil
}

// Drain serves the release queue one last time, syncs and tears down
// every non-busy drive, and releases their locks. Called on graceful
// shutdown after the accept loop has stopped.
func (s *Scheduler) Drain(ctx context.Context) {
	now := time.Now()
	for _, in := range s.releases {
		s.handleRelease(ctx, in, now)
	}
	s.releases = s.releases[:0]

	for _, d := range s.drives {
		if d.busy {
			logger.WarnCtx(ctx, "drive busy at shutdown, leaving mounted",
				"serial", d.agent.Device.ID.Serial)
			continue
		}
		if d.agent.Device.OpStatus == model.OpMounted {
			if err := d.agent.Umount(ctx); err != nil {
				logger.ErrorCtx(ctx, "drain umount failed", "serial", d.agent.Device.ID.Serial, "error", err)
				continue
			}
		}
		if d.agent.Device.OpStatus == model.OpLoaded {
			if err := d.agent.Unload(ctx); err != nil {
				logger.ErrorCtx(ctx, "drain unload failed", "serial", d.agent.Device.ID.Serial, "error", err)
			}
		}
	}
	logger.InfoCtx(ctx, "scheduler drained")
}
