package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cea-hpc/phobosd/internal/logger"
	"github.com/cea-hpc/phobosd/internal/telemetry"
	"github.com/cea-hpc/phobosd/internal/wire/proto"
	"github.com/cea-hpc/phobosd/pkg/adapter"
	"github.com/cea-hpc/phobosd/pkg/index"
	"github.com/cea-hpc/phobosd/pkg/model"
	"github.com/cea-hpc/phobosd/pkg/taxonomy"
)

// serveWriteAlloc allocates n drives, each carrying a compatible,
// non-full, unlocked medium with every requested tag and, preferably,
// at least the requested size free. A partial allocation that then
// fails is rolled back: every drive acquired for the request is marked
// free again and its medium stays mounted for reuse.
func (s *Scheduler) serveWriteAlloc(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	wa := req.WriteAlloc
	if wa == nil || wa.NMedia <= 0 {
		return nil, taxonomy.NewInvalidError("", "malformed write_alloc")
	}
	ctx, span := telemetry.StartSchedulerSpan(ctx, telemetry.SpanSchedulerWrite,
		telemetry.ReqID(req.ID))
	defer span.End()

	family := model.Family(wa.PerMedium.Family)
	used := map[model.MediumID]bool{}
	var acquired []*drive

	rollback := func() {
		for _, d := range acquired {
			d.busy = false
		}
	}

	var media []proto.AllocatedMedium
	for i := 0; i < wa.NMedia; i++ {
		d, err := s.allocateOne(ctx, family, wa.PerMedium, used)
		if err != nil {
			rollback()
			return nil, err
		}
		d.busy = true
		acquired = append(acquired, d)
		used[d.agent.Medium.ID] = true
		media = append(media, proto.AllocatedMedium{
			ID:        proto.MediumRef{Family: string(family), Name: d.agent.Medium.ID.Name},
			MountPath: d.agent.Device.MountPath,
			AvailSize: d.agent.Medium.Stats.PhysFree,
		})
	}

	return &proto.Response{
		ID:         req.ID,
		Kind:       proto.KindWriteAlloc,
		WriteAlloc: &proto.WriteAllocResponse{Media: media},
	}, nil
}

// mediumServesWrite reports whether a medium already in a drive can
// carry this allocation: writable, administratively unlocked, all
// requested tags, and some free space.
func mediumServesWrite(m *model.Medium, spec proto.PerMediumSpec) bool {
	return m.AdmStatus == model.AdmUnlocked &&
		m.Writable() &&
		m.HasTags(spec.Tags) &&
		m.Stats.PhysFree > 0
}

// allocateOne walks the candidate order for a single drive:
//
//  1. a mounted, free drive whose medium fits;
//  2. a loaded (not yet mounted) free drive whose medium fits, mounted
//     on the spot;
//  3. an empty drive (or the idle drive with the least free medium,
//     evicted) paired with a medium chosen from the state index.
//
// Whole-fit media win over split media at every step. No free drive but
// at least one busy compatible drive yields would_block; no compatible
// drive at all yields no_device.
func (s *Scheduler) allocateOne(ctx context.Context, family model.Family, spec proto.PerMediumSpec, used map[model.MediumID]bool) (*drive, error) {
	var familyDrives, freeBusyable []*drive
	for _, d := range s.drives {
		if d.agent.Device.ID.Family != family || d.agent.Device.OpStatus == model.OpFailed {
			continue
		}
		familyDrives = append(familyDrives, d)
		if !d.busy {
			freeBusyable = append(freeBusyable, d)
		}
	}
	if len(familyDrives) == 0 {
		return nil, taxonomy.NewNoDeviceError(fmt.Sprintf("no %s device on this host", family))
	}

	// Steps 1 and 2: reuse a medium already in a drive.
	if d := s.pickLoadedCandidate(freeBusyable, spec, used); d != nil {
		if d.agent.Device.OpStatus == model.OpLoaded {
			if err := d.agent.Mount(ctx); err != nil {
				return nil, err
			}
		}
		return d, nil
	}

	// Step 3: pair an empty (or evictable) drive with an index medium.
	target := s.emptyOrEvictable(freeBusyable)
	if target == nil {
		// Every compatible drive is carrying someone else's transfer;
		// progress is possible once a release arrives.
		return nil, taxonomy.NewWouldBlockError(string(family))
	}

	medium, err := s.pickIndexMedium(ctx, family, spec, used, target)
	if err != nil && taxonomy.IsNoSpaceError(err) && s.virtualFamily(family) {
		// Virtual families bind each medium to one drive; the first
		// target may simply be bound to an unusable medium, so try the
		// other free drives before giving up.
		for _, alt := range freeBusyable {
			if alt == target {
				continue
			}
			m, aerr := s.pickIndexMedium(ctx, family, spec, used, alt)
			if aerr == nil {
				target, medium, err = alt, m, nil
				break
			}
		}
	}
	if err != nil {
		return nil, err
	}

	if target.agent.Device.OpStatus != model.OpEmpty {
		if err := s.evict(ctx, target); err != nil {
			return nil, err
		}
	}
	if err := target.agent.Load(ctx, *medium); err != nil {
		if taxonomy.IsBusyError(err) {
			// Lost a cross-host race for the medium lock; retry later.
			return nil, taxonomy.NewWouldBlockError(medium.ID.Name)
		}
		return nil, err
	}
	if err := target.agent.Mount(ctx); err != nil {
		return nil, err
	}
	return target, nil
}

// pickLoadedCandidate scans free drives whose current medium serves the
// allocation. Mounted drives outrank loaded ones; within a rank,
// whole-fit beats split, then the configured policy decides.
func (s *Scheduler) pickLoadedCandidate(drives []*drive, spec proto.PerMediumSpec, used map[model.MediumID]bool) *drive {
	var best *drive
	rank := func(d *drive) (int, int, int64) {
		mounted := 0
		if d.agent.Device.OpStatus == model.OpMounted {
			mounted = 1
		}
		whole := 0
		if d.agent.Medium.Stats.PhysFree >= spec.Size {
			whole = 1
		}
		return mounted, whole, d.agent.Medium.Stats.PhysFree
	}
	for _, d := range drives {
		if d.agent.Medium == nil {
			continue
		}
		if used[d.agent.Medium.ID] || !mediumServesWrite(d.agent.Medium, spec) {
			continue
		}
		if best == nil {
			best = d
			continue
		}
		bm, bw, bf := rank(best)
		dm, dw, df := rank(d)
		if dm != bm {
			if dm > bm {
				best = d
			}
			continue
		}
		if dw != bw {
			if dw > bw {
				best = d
			}
			continue
		}
		// Same rank: best_fit keeps the smaller free space among
		// whole-fits (and the larger among splits, to minimise the
		// number of further splits); first_fit keeps the earlier drive.
		if s.cfg.Policy == BestFit {
			if bw == 1 && df < bf {
				best = d
			} else if bw == 0 && df > bf {
				best = d
			}
		}
	}
	return best
}

// emptyOrEvictable returns a free empty drive, or failing that the free
// idle drive whose medium has the least free space (the cheapest one to
// give up), or nil when every compatible drive is busy.
func (s *Scheduler) emptyOrEvictable(drives []*drive) *drive {
	var evictable *drive
	for _, d := range drives {
		if d.agent.Device.OpStatus == model.OpEmpty {
			return d
		}
		if d.agent.Medium == nil {
			continue
		}
		if evictable == nil || d.agent.Medium.Stats.PhysFree < evictable.agent.Medium.Stats.PhysFree {
			evictable = d
		}
	}
	return evictable
}

// evict unmounts and unloads an idle drive so another medium can take
// its place. The evicted medium keeps this host's reuse priority: its
// lock is dropped last, in Unload.
func (s *Scheduler) evict(ctx context.Context, d *drive) error {
	logger.InfoCtx(ctx, "evicting idle medium",
		"serial", d.agent.Device.ID.Serial, "medium", d.agent.Medium.ID.Name)
	if d.agent.Device.OpStatus == model.OpMounted {
		if err := d.agent.Umount(ctx); err != nil {
			return err
		}
	}
	return d.agent.Unload(ctx)
}

// virtualFamily reports whether family is served by a virtual library,
// in which case each medium is bound 1:1 to the drive with the matching
// serial.
func (s *Scheduler) virtualFamily(family model.Family) bool {
	_, ok := s.cfg.Adapters.Libraries[family].(*adapter.VirtualLibrary)
	return ok
}

// pickIndexMedium queries the state index for an unlocked, writable
// medium of the family carrying every requested tag, preferring
// whole-fit over split, then applying the selection policy. Media
// already attached to a drive, assigned earlier in this allocation, or
// locked by any host are skipped.
func (s *Scheduler) pickIndexMedium(ctx context.Context, family model.Family, spec proto.PerMediumSpec, used map[model.MediumID]bool, target *drive) (*model.Medium, error) {
	filter := index.And{
		index.Cmp{Field: "family", Op: index.OpEq, Value: string(family)},
		index.Cmp{Field: "adm_status", Op: index.OpEq, Value: string(model.AdmUnlocked)},
		index.Or{
			index.Cmp{Field: "fs_status", Op: index.OpEq, Value: string(model.FSEmpty)},
			index.Cmp{Field: "fs_status", Op: index.OpEq, Value: string(model.FSUsed)},
		},
		index.Cmp{Field: "flag_put", Op: index.OpEq, Value: true},
		index.Cmp{Field: "phys_free", Op: index.OpGt, Value: int64(0)},
	}
	rows, err := s.cfg.Index.Get(ctx, index.TableMedia, filter)
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	bind := s.virtualFamily(family)
	var candidates []*model.Medium
	for _, row := range rows {
		m := index.MediumFromRow(row)
		if used[m.ID] || !m.HasTags(spec.Tags) {
			continue
		}
		if bind && m.ID.Name != target.agent.Device.ID.Serial {
			continue
		}
		if s.driveWithMedium(m.ID) != nil {
			continue
		}
		lock, err := s.cfg.Index.LockStatus(ctx, index.TableMedia, row.ID)
		if err != nil {
			return nil, err
		}
		if lock != nil {
			continue
		}
		candidates = append(candidates, m)
	}
	if len(candidates) == 0 {
		return nil, taxonomy.NewNoSpaceError(string(family))
	}

	pick := candidates[0]
	for _, m := range candidates[1:] {
		pw := pick.Stats.PhysFree >= spec.Size
		mw := m.Stats.PhysFree >= spec.Size
		if mw != pw {
			if mw {
				pick = m
			}
			continue
		}
		if s.cfg.Policy == BestFit {
			if mw && m.Stats.PhysFree < pick.Stats.PhysFree {
				pick = m
			} else if !mw && m.Stats.PhysFree > pick.Stats.PhysFree {
				pick = m
			}
		}
	}
	return pick, nil
}

// serveReadAlloc walks the candidate list in order and mounts media
// until n_required are reachable. Candidates locked by another host or
// absent from the inventory are skipped; a shortfall caused only by
// transiently busy local drives yields would_block, anything else
// yields no_device.
func (s *Scheduler) serveReadAlloc(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	ra := req.ReadAlloc
	if ra == nil || ra.NRequired <= 0 || len(ra.Candidates) < ra.NRequired {
		return nil, taxonomy.NewInvalidError("", "malformed read_alloc")
	}
	ctx, span := telemetry.StartSchedulerSpan(ctx, telemetry.SpanSchedulerRead,
		telemetry.ReqID(req.ID))
	defer span.End()

	var got []*drive
	var media []proto.AllocatedMedium
	transient := false

	rollback := func() {
		for _, d := range got {
			d.busy = false
		}
	}

	for _, cand := range ra.Candidates {
		if len(got) == ra.NRequired {
			break
		}
		id := model.MediumID{Family: model.Family(cand.Family), Name: cand.Name}

		if d := s.driveWithMedium(id); d != nil {
			if d.busy {
				transient = true
				continue
			}
			if d.agent.Device.OpStatus == model.OpLoaded {
				if err := d.agent.Mount(ctx); err != nil {
					continue
				}
			}
			d.busy = true
			got = append(got, d)
			media = append(media, proto.AllocatedMedium{
				ID:        cand,
				MountPath: d.agent.Device.MountPath,
				AvailSize: d.agent.Medium.Stats.PhysFree,
			})
			continue
		}

		rows, err := s.cfg.Index.Get(ctx, index.TableMedia, index.And{
			index.Cmp{Field: "family", Op: index.OpEq, Value: cand.Family},
			index.Cmp{Field: "name", Op: index.OpEq, Value: cand.Name},
		})
		if err != nil {
			rollback()
			return nil, err
		}
		if len(rows) == 0 {
			continue
		}
		m := index.MediumFromRow(rows[0])
		if m.AdmStatus != model.AdmUnlocked || !m.Flags.Get {
			continue
		}
		lock, err := s.cfg.Index.LockStatus(ctx, index.TableMedia, rows[0].ID)
		if err != nil {
			rollback()
			return nil, err
		}
		if lock != nil && lock.Hostname != s.cfg.Hostname {
			continue
		}

		target := s.readTarget(id)
		if target == nil {
			transient = true
			continue
		}
		if target.agent.Device.OpStatus != model.OpEmpty {
			if err := s.evict(ctx, target); err != nil {
				continue
			}
		}
		if err := target.agent.Load(ctx, *m); err != nil {
			continue
		}
		if err := target.agent.Mount(ctx); err != nil {
			continue
		}
		target.busy = true
		got = append(got, target)
		media = append(media, proto.AllocatedMedium{
			ID:        cand,
			MountPath: target.agent.Device.MountPath,
			AvailSize: target.agent.Medium.Stats.PhysFree,
		})
	}

	if len(got) < ra.NRequired {
		rollback()
		if transient {
			return nil, taxonomy.NewWouldBlockError("read_alloc")
		}
		return nil, taxonomy.NewNoDeviceError("no reachable copy for read allocation")
	}

	return &proto.Response{
		ID:        req.ID,
		Kind:      proto.KindReadAlloc,
		ReadAlloc: &proto.ReadAllocResponse{Media: media},
	}, nil
}

// readTarget picks the drive to carry a read candidate: a free empty
// drive of the family, else the free idle drive with the least free
// medium. A virtual family must use the drive bound to the medium.
func (s *Scheduler) readTarget(id model.MediumID) *drive {
	var free []*drive
	for _, d := range s.drives {
		if d.agent.Device.ID.Family != id.Family || d.busy || d.agent.Device.OpStatus == model.OpFailed {
			continue
		}
		if s.virtualFamily(id.Family) && d.agent.Device.ID.Serial != id.Name {
			continue
		}
		free = append(free, d)
	}
	if len(free) == 0 {
		return nil
	}
	return s.emptyOrEvictable(free)
}

// serveFormat loads the target medium into a compatible drive, runs the
// filesystem format, and records the blank -> empty transition with the
// fresh space counters. The drive used keeps the medium loaded so this
// host can use it immediately afterwards.
func (s *Scheduler) serveFormat(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	f := req.Format
	if f == nil {
		return nil, taxonomy.NewInvalidError("", "malformed format")
	}
	ctx, span := telemetry.StartSchedulerSpan(ctx, telemetry.SpanSchedulerFormat,
		telemetry.ReqID(req.ID), telemetry.MediumName(f.Medium.Name))
	defer span.End()

	id := model.MediumID{Family: model.Family(f.Medium.Family), Name: f.Medium.Name}
	rows, err := s.cfg.Index.Get(ctx, index.TableMedia, index.And{
		index.Cmp{Field: "family", Op: index.OpEq, Value: f.Medium.Family},
		index.Cmp{Field: "name", Op: index.OpEq, Value: f.Medium.Name},
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, taxonomy.NewNotFoundError(index.MediumRowID(id))
	}
	medium := index.MediumFromRow(rows[0])
	if medium.FSStatus != model.FSBlank {
		return nil, taxonomy.NewInvalidError(id.Name, fmt.Sprintf("medium is %s, only blank media can be formatted", medium.FSStatus))
	}

	fs := s.cfg.Adapters.Filesystems[id.Family]
	if fs == nil {
		return nil, taxonomy.NewNotSupportedError(string(id.Family), "no filesystem adapter for family")
	}

	target := s.readTarget(id)
	if target == nil {
		return nil, taxonomy.NewWouldBlockError(id.Name)
	}
	if target.agent.Device.OpStatus != model.OpEmpty {
		if err := s.evict(ctx, target); err != nil {
			return nil, err
		}
	}
	if err := target.agent.Load(ctx, *medium); err != nil {
		if taxonomy.IsBusyError(err) {
			return nil, taxonomy.NewWouldBlockError(id.Name)
		}
		return nil, err
	}

	df, err := fs.Format(ctx, target.agent.Device.Path, id.Name)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{
		"fs_status":    string(model.FSEmpty),
		"fs_type":      f.FSType,
		"nb_obj":       int64(0),
		"logical_used": int64(0),
		"phys_used":    df.Used,
		"phys_free":    df.Avail,
	}
	if f.Unlock {
		fields["adm_status"] = string(model.AdmUnlocked)
	}
	if err := s.cfg.Index.Update(ctx, index.TableMedia, index.MediumRowID(id), fields); err != nil {
		return nil, err
	}
	target.agent.Medium.FSStatus = model.FSEmpty
	target.agent.Medium.Stats = model.MediumStats{PhysUsed: df.Used, PhysFree: df.Avail}

	logger.InfoCtx(ctx, "medium formatted", "medium", id.Name, "fs", f.FSType, "avail", df.Avail)

	return &proto.Response{
		ID:     req.ID,
		Kind:   proto.KindFormat,
		Format: &proto.FormatResponse{Medium: f.Medium, FSStatus: string(model.FSEmpty)},
	}, nil
}

// serveNotify applies an inventory event: add registers a device row as
// a live drive, lock retires a drive (evicting its medium first), and
// unlock revives or re-adds it.
func (s *Scheduler) serveNotify(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	n := req.Notify
	if n == nil {
		return nil, taxonomy.NewInvalidError("", "malformed notify")
	}
	family, serial, ok := strings.Cut(n.ResourceID, "/")
	if !ok {
		return nil, taxonomy.NewInvalidError(n.ResourceID, "resource id must be family/serial")
	}
	id := model.DeviceID{Family: model.Family(family), Serial: serial}

	switch n.Op {
	case proto.NotifyAdd:
		if s.driveBySerial(id) != nil {
			return nil, taxonomy.NewAlreadyExistsError(n.ResourceID)
		}
		dev, err := s.deviceRow(ctx, id)
		if err != nil {
			return nil, err
		}
		if dev.Host != s.cfg.Hostname {
			return nil, taxonomy.NewInvalidError(n.ResourceID, fmt.Sprintf("device belongs to host %q", dev.Host))
		}
		if dev.AdmStatus != model.AdmUnlocked {
			return nil, taxonomy.NewInvalidError(n.ResourceID, "device is administratively locked")
		}
		if err := s.adoptDevice(ctx, dev); err != nil {
			return nil, err
		}
		logger.InfoCtx(ctx, "device added", "device", n.ResourceID)

	case proto.NotifyLock:
		d := s.driveBySerial(id)
		if d == nil {
			return nil, taxonomy.NewNotFoundError(n.ResourceID)
		}
		if d.busy {
			return nil, taxonomy.NewWouldBlockError(n.ResourceID)
		}
		if d.agent.Medium != nil && d.agent.Device.OpStatus != model.OpFailed {
			if err := s.evict(ctx, d); err != nil {
				return nil, err
			}
		}
		if err := s.cfg.Index.Update(ctx, index.TableDevice, index.DeviceRowID(id),
			map[string]any{"adm_status": string(model.AdmLocked)}); err != nil {
			return nil, err
		}
		s.removeDrive(d)
		logger.InfoCtx(ctx, "device locked", "device", n.ResourceID)

	case proto.NotifyUnlock:
		if err := s.cfg.Index.Update(ctx, index.TableDevice, index.DeviceRowID(id),
			map[string]any{"adm_status": string(model.AdmUnlocked)}); err != nil {
			return nil, err
		}
		if d := s.driveBySerial(id); d != nil {
			if d.agent.Device.OpStatus == model.OpFailed {
				if err := d.agent.Revive(ctx); err != nil {
					return nil, err
				}
			}
		} else {
			dev, err := s.deviceRow(ctx, id)
			if err != nil {
				return nil, err
			}
			dev.AdmStatus = model.AdmUnlocked
			if err := s.adoptDevice(ctx, dev); err != nil {
				return nil, err
			}
		}
		logger.InfoCtx(ctx, "device unlocked", "device", n.ResourceID)

	default:
		return nil, taxonomy.NewInvalidError(string(n.Op), "unknown notify op")
	}

	return &proto.Response{ID: req.ID, Kind: proto.KindNotify, Notify: &proto.NotifyResponse{}}, nil
}

func (s *Scheduler) deviceRow(ctx context.Context, id model.DeviceID) (*model.Device, error) {
	rows, err := s.cfg.Index.Get(ctx, index.TableDevice, index.And{
		index.Cmp{Field: "family", Op: index.OpEq, Value: string(id.Family)},
		index.Cmp{Field: "serial", Op: index.OpEq, Value: id.Serial},
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, taxonomy.NewNotFoundError(index.DeviceRowID(id))
	}
	return index.DeviceFromRow(rows[0]), nil
}

func (s *Scheduler) driveBySerial(id model.DeviceID) *drive {
	for _, d := range s.drives {
		if d.agent.Device.ID == id {
			return d
		}
	}
	return nil
}

func (s *Scheduler) removeDrive(target *drive) {
	for i, d := range s.drives {
		if d == target {
			s.drives = append(s.drives[:i], s.drives[i+1:]...)
			return
		}
	}
}

// serveMonitor snapshots every drive and every medium row in the state
// index, including who holds each medium lock.
func (s *Scheduler) serveMonitor(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	resp := &proto.MonitorResponse{}
	for _, d := range s.drives {
		snap := proto.DeviceSnapshot{
			Family:   string(d.agent.Device.ID.Family),
			Serial:   d.agent.Device.ID.Serial,
			Host:     s.cfg.Hostname,
			OpStatus: string(d.agent.Device.OpStatus),
		}
		if d.agent.Medium != nil {
			snap.Medium = d.agent.Medium.ID.Name
		}
		resp.Devices = append(resp.Devices, snap)
	}

	rows, err := s.cfg.Index.Get(ctx, index.TableMedia, index.All{})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	for _, row := range rows {
		m := index.MediumFromRow(row)
		snap := proto.MediumSnapshot{
			Family:      string(m.ID.Family),
			Name:        m.ID.Name,
			FSStatus:    string(m.FSStatus),
			PhysFree:    m.Stats.PhysFree,
			LogicalUsed: m.Stats.LogicalUsed,
		}
		if lock, err := s.cfg.Index.LockStatus(ctx, index.TableMedia, row.ID); err == nil && lock != nil {
			snap.LockedBy = lock.Hostname
		}
		resp.Media = append(resp.Media, snap)
	}

	return &proto.Response{ID: req.ID, Kind: proto.KindMonitor, Monitor: resp}, nil
}

// serveConfigure validates the admin token and applies one hot-reloaded
// config key through the hook the daemon installed.
func (s *Scheduler) serveConfigure(req *proto.Request) (*proto.Response, error) {
	c := req.Configure
	if c == nil {
		return nil, taxonomy.NewInvalidError("", "malformed configure")
	}
	if s.cfg.VerifyAdminToken == nil || s.cfg.ApplyConfig == nil {
		return nil, taxonomy.NewNotSupportedError("configure", "runtime configuration is disabled")
	}
	if err := s.cfg.VerifyAdminToken(c.Token); err != nil {
		return nil, taxonomy.NewInvalidError("configure", "admin token rejected")
	}
	if err := s.cfg.ApplyConfig(c.Section, c.Key, c.Value); err != nil {
		return nil, err
	}
	logger.Info("configuration updated", "section", c.Section, "key", c.Key)
	return &proto.Response{ID: req.ID, Kind: proto.KindConfigure, Configure: &proto.ConfigureResponse{}}, nil
}
