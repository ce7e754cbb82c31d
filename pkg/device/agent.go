// Package device drives one drive through the empty -> loaded -> mounted
// state machine and back, and tracks the sync bookkeeping a mounted
// medium accumulates between syncs. The scheduler owns one Agent per
// device row and calls it from the single scheduler goroutine; Agent
// itself does no locking of its own.
package device

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cea-hpc/phobosd/internal/logger"
	"github.com/cea-hpc/phobosd/internal/telemetry"
	"github.com/cea-hpc/phobosd/pkg/adapter"
	"github.com/cea-hpc/phobosd/pkg/index"
	"github.com/cea-hpc/phobosd/pkg/model"
	devicemetrics "github.com/cea-hpc/phobosd/pkg/metrics/prometheus"
	"github.com/cea-hpc/phobosd/pkg/taxonomy"
)

// states lists every op_status value, in the order SetDeviceState wants
// for its one-hot gauge.
var states = []string{
	string(model.OpEmpty),
	string(model.OpLoaded),
	string(model.OpMounted),
	string(model.OpFailed),
}

// CompatTable maps a device model name to the medium models it accepts,
// the static compatibility check every load goes through before the
// library is asked to move anything.
type CompatTable map[string][]string

// Compatible reports whether mediumModel may be loaded into a drive of
// deviceModel.
func (t CompatTable) Compatible(deviceModel, mediumModel string) bool {
	for _, m := range t[deviceModel] {
		if m == mediumModel {
			return true
		}
	}
	return false
}

// SyncThresholds are the three independent triggers that force a medium
// sync: a request count, a byte count, and a maximum age for the oldest
// unacked release. Any one crossing its threshold fires a sync.
type SyncThresholds struct {
	Time  time.Duration
	NbReq int
	Bytes int64
}

// pendingRelease is one release this agent owes an ack once the next
// sync covers it.
type pendingRelease struct {
	requesterID uint32
	sizeWritten int64
}

// releaseQueue accumulates releases since the last sync.
type releaseQueue struct {
	pending       []pendingRelease
	oldestPending time.Time
	pendingBytes  int64
}

func (q *releaseQueue) add(p pendingRelease, now time.Time) {
	if len(q.pending) == 0 {
		q.oldestPending = now
	}
	q.pending = append(q.pending, p)
	q.pendingBytes += p.sizeWritten
}

func (q *releaseQueue) reset() {
	q.pending = nil
	q.oldestPending = time.Time{}
	q.pendingBytes = 0
}

// due reports whether any threshold has been crossed, and names it for
// metrics and logs; when several are crossed, the request count wins
// over bytes, and bytes over age.
func (q *releaseQueue) due(now time.Time, th SyncThresholds) (bool, string) {
	if len(q.pending) == 0 {
		return false, ""
	}
	if th.NbReq > 0 && len(q.pending) >= th.NbReq {
		return true, "nb_req"
	}
	if th.Bytes > 0 && q.pendingBytes >= th.Bytes {
		return true, "bytes"
	}
	if th.Time > 0 && !q.oldestPending.IsZero() && now.Sub(q.oldestPending) >= th.Time {
		return true, "age"
	}
	return false, ""
}

// Agent owns one device row and the medium currently loaded into it, if
// any. All exported methods assume single-threaded, cooperative use:
// the scheduler never calls two of them concurrently for the same
// Agent.
type Agent struct {
	Device model.Device
	Medium *model.Medium

	hostname string
	pid      int

	library   adapter.Library
	fs        adapter.Filesystem
	io        adapter.IO
	discovery adapter.Device

	idx index.Backend

	compat     CompatTable
	thresholds SyncThresholds
	mountRoot  string

	queue   releaseQueue
	metrics *devicemetrics.DeviceMetrics
}

// Config bundles an Agent's fixed dependencies.
type Config struct {
	Hostname   string
	PID        int
	Library    adapter.Library
	FS         adapter.Filesystem
	IO         adapter.IO
	Discovery  adapter.Device
	Index      index.Backend
	Compat     CompatTable
	Thresholds SyncThresholds
	// MountRoot is the parent directory mount points are created under,
	// e.g. "/mnt/phobosd"; the device's basename is appended to it.
	MountRoot string
	Metrics   *devicemetrics.DeviceMetrics
}

// New constructs an Agent for dev, initially empty.
func New(dev model.Device, cfg Config) *Agent {
	return &Agent{
		Device:     dev,
		hostname:   cfg.Hostname,
		pid:        cfg.PID,
		library:    cfg.Library,
		fs:         cfg.FS,
		io:         cfg.IO,
		discovery:  cfg.Discovery,
		idx:        cfg.Index,
		compat:     cfg.Compat,
		thresholds: cfg.Thresholds,
		mountRoot:  cfg.MountRoot,
		metrics:    cfg.Metrics,
	}
}

func (a *Agent) deviceRowID() string {
	return string(a.Device.ID.Family) + "/" + a.Device.ID.Serial
}

func mediumRowID(id model.MediumID) string {
	return string(id.Family) + "/" + id.Name
}

// lockForLoad acquires the device row lock, then the medium row lock,
// rolling the device lock back if the medium is already held by another
// host. The Backend interface locks one table at a time, so a two-table
// all-or-nothing grant is composed here rather than inside Backend.
func (a *Agent) lockForLoad(ctx context.Context, mid model.MediumID) (bool, error) {
	ok, err := a.idx.Lock(ctx, index.TableDevice, []string{a.deviceRowID()}, a.hostname, a.pid)
	if err != nil || !ok {
		return false, err
	}
	ok, err = a.idx.Lock(ctx, index.TableMedia, []string{mediumRowID(mid)}, a.hostname, a.pid)
	if err != nil || !ok {
		_ = a.idx.Unlock(ctx, index.TableDevice, []string{a.deviceRowID()}, a.hostname)
		return false, err
	}
	return true, nil
}

// unlockDeviceAndMedium releases the device row lock and, if mid is
// non-zero, the medium row lock, best-effort.
func (a *Agent) unlockDeviceAndMedium(ctx context.Context, mid model.MediumID) {
	_ = a.idx.Unlock(ctx, index.TableDevice, []string{a.deviceRowID()}, a.hostname)
	if mid != (model.MediumID{}) {
		_ = a.idx.Unlock(ctx, index.TableMedia, []string{mediumRowID(mid)}, a.hostname)
	}
}

func (a *Agent) recordState() {
	a.metrics.SetDeviceState(string(a.Device.ID.Family), a.Device.ID.Serial, states, string(a.Device.OpStatus))
}

func (a *Agent) persistDevice(ctx context.Context, fields map[string]any) error {
	if err := a.idx.Update(ctx, index.TableDevice, a.deviceRowID(), fields); err != nil {
		return fmt.Errorf("persist device %s: %w", a.deviceRowID(), err)
	}
	return nil
}

func (a *Agent) persistMedium(ctx context.Context, fields map[string]any) error {
	if a.Medium == nil {
		return nil
	}
	if err := a.idx.Update(ctx, index.TableMedia, mediumRowID(a.Medium.ID), fields); err != nil {
		return fmt.Errorf("persist medium %s: %w", mediumRowID(a.Medium.ID), err)
	}
	return nil
}

// Load moves medium into the drive and takes the (hostname, pid) lock
// on both its row and the device row, all-or-nothing (see
// lockForLoad). Load
// requires the device to be empty; a compatibility mismatch is
// invalid, a lock already held elsewhere is busy.
func (a *Agent) Load(ctx context.Context, medium model.Medium) error {
	ctx, span := telemetry.StartDeviceSpan(ctx, telemetry.SpanDeviceLoad, a.Device.ID.Serial,
		telemetry.MediumName(medium.ID.Name))
	defer span.End()

	if a.Device.OpStatus != model.OpEmpty {
		return taxonomy.NewInvalidError(a.deviceRowID(), "device is not empty")
	}
	if !a.compat.Compatible(a.Device.Model, medium.Model) {
		return taxonomy.NewInvalidError(medium.ID.Name, fmt.Sprintf("medium model %q incompatible with device model %q", medium.Model, a.Device.Model))
	}

	ok, err := a.lockForLoad(ctx, medium.ID)
	if err != nil {
		return err
	}
	if !ok {
		return taxonomy.NewBusyError(medium.ID.Name)
	}

	dst := adapter.DriveLocation{Addr: a.Device.Path}
	src, err := a.library.Lookup(ctx, medium.ID.Name)
	if err != nil {
		a.unlockDeviceAndMedium(ctx, medium.ID)
		return err
	}
	if err := a.library.Move(ctx, src, dst); err != nil {
		a.unlockDeviceAndMedium(ctx, medium.ID)
		if taxonomy.IsBusyError(err) || taxonomy.IsWouldBlockError(err) {
			return err
		}
		a.fail(ctx, err)
		return err
	}

	a.Device.OpStatus = model.OpLoaded
	a.Device.Medium = &medium.ID
	a.Medium = &medium
	a.recordState()

	logger.InfoCtx(ctx, "device loaded", "serial", a.Device.ID.Serial, "medium", medium.ID.Name)

	if err := a.persistDevice(ctx, map[string]any{"op_status": string(model.OpLoaded), "medium": medium.ID.Name}); err != nil {
		return err
	}
	return nil
}

// Mount mounts the loaded medium's filesystem, adopting an
// already-mounted root left over from a previous daemon run when its
// label matches.
func (a *Agent) Mount(ctx context.Context) error {
	ctx, span := telemetry.StartDeviceSpan(ctx, telemetry.SpanDeviceMount, a.Device.ID.Serial)
	defer span.End()

	if a.Device.OpStatus != model.OpLoaded {
		return taxonomy.NewInvalidError(a.deviceRowID(), "device is not loaded")
	}

	root, err := a.fs.Mounted(ctx, a.Device.Path)
	if err != nil {
		return err
	}
	wantRoot := filepath.Join(a.mountRoot, filepath.Base(a.Device.Path))

	if root == "" {
		if err := a.fs.Mount(ctx, a.Device.Path, wantRoot, a.Medium.ID.Name); err != nil {
			if taxonomy.IsBusyError(err) || taxonomy.IsWouldBlockError(err) {
				return err
			}
			a.fail(ctx, err)
			return err
		}
		root = wantRoot
	}

	label, err := a.fs.GetLabel(ctx, root)
	if err != nil {
		a.fail(ctx, err)
		return err
	}
	if label != a.Medium.ID.Name {
		err := taxonomy.NewInvalidError(a.Medium.ID.Name, fmt.Sprintf("mounted label %q does not match expected medium", label))
		a.fail(ctx, err)
		return err
	}

	a.Device.OpStatus = model.OpMounted
	a.Device.MountPath = root
	a.recordState()

	logger.InfoCtx(ctx, "device mounted", "serial", a.Device.ID.Serial, "root", root)

	return a.persistDevice(ctx, map[string]any{"op_status": string(model.OpMounted), "mount_path": root})
}

// Umount unmounts the filesystem, leaving the medium loaded but
// inaccessible for I/O. Any pending release is synced first so no
// durability promise is lost.
func (a *Agent) Umount(ctx context.Context) error {
	ctx, span := telemetry.StartDeviceSpan(ctx, telemetry.SpanDeviceUmount, a.Device.ID.Serial)
	defer span.End()

	if a.Device.OpStatus != model.OpMounted {
		return taxonomy.NewInvalidError(a.deviceRowID(), "device is not mounted")
	}
	if len(a.queue.pending) > 0 {
		if _, err := a.Sync(ctx, "umount"); err != nil {
			return err
		}
	}

	if err := a.fs.Umount(ctx, a.Device.Path, a.Device.MountPath); err != nil {
		if taxonomy.IsBusyError(err) || taxonomy.IsWouldBlockError(err) {
			return err
		}
		a.fail(ctx, err)
		return err
	}

	a.Device.OpStatus = model.OpLoaded
	a.Device.MountPath = ""
	a.recordState()

	logger.InfoCtx(ctx, "device unmounted", "serial", a.Device.ID.Serial)

	return a.persistDevice(ctx, map[string]any{"op_status": string(model.OpLoaded), "mount_path": ""})
}

// Unload moves the medium back to its library slot and releases both
// row locks.
func (a *Agent) Unload(ctx context.Context) error {
	ctx, span := telemetry.StartDeviceSpan(ctx, telemetry.SpanDeviceUnload, a.Device.ID.Serial)
	defer span.End()

	if a.Device.OpStatus != model.OpLoaded {
		return taxonomy.NewInvalidError(a.deviceRowID(), "device is not loaded")
	}

	src := adapter.DriveLocation{Addr: a.Device.Path}
	if err := a.library.Move(ctx, src, adapter.DriveLocation{}); err != nil {
		if taxonomy.IsBusyError(err) || taxonomy.IsWouldBlockError(err) {
			return err
		}
		a.fail(ctx, err)
		return err
	}

	if err := a.idx.Unlock(ctx, index.TableMedia, []string{mediumRowID(a.Medium.ID)}, a.hostname); err != nil {
		return err
	}
	if err := a.idx.Unlock(ctx, index.TableDevice, []string{a.deviceRowID()}, a.hostname); err != nil {
		return err
	}

	logger.InfoCtx(ctx, "device unloaded", "serial", a.Device.ID.Serial, "medium", a.Medium.ID.Name)

	a.Device.OpStatus = model.OpEmpty
	a.Device.Medium = nil
	a.Medium = nil
	a.recordState()

	return a.persistDevice(ctx, map[string]any{"op_status": string(model.OpEmpty), "medium": ""})
}

// fail quarantines the device on an unrecoverable adapter error: it
// drops both row locks best-effort and moves to failed, where it stays
// until an operator issues notify(unlock) via Revive.
func (a *Agent) fail(ctx context.Context, cause error) {
	telemetry.RecordError(ctx, cause)
	logger.ErrorCtx(ctx, "device failed", "serial", a.Device.ID.Serial, "error", cause)

	if a.Medium != nil {
		_ = a.idx.Unlock(ctx, index.TableMedia, []string{mediumRowID(a.Medium.ID)}, a.hostname)
	}
	_ = a.idx.Unlock(ctx, index.TableDevice, []string{a.deviceRowID()}, a.hostname)

	a.Device.OpStatus = model.OpFailed
	a.Device.Medium = nil
	a.Device.MountPath = ""
	a.Medium = nil
	a.recordState()

	_ = a.persistDevice(ctx, map[string]any{"op_status": string(model.OpFailed), "medium": "", "mount_path": ""})
}

// Revive brings a failed device back to empty. It is the device agent's
// side of the admin notify(unlock) request; the caller is responsible
// for verifying the underlying hardware condition has actually cleared.
func (a *Agent) Revive(ctx context.Context) error {
	if a.Device.OpStatus != model.OpFailed {
		return taxonomy.NewInvalidError(a.deviceRowID(), "device is not failed")
	}
	a.Device.OpStatus = model.OpEmpty
	a.recordState()
	return a.persistDevice(ctx, map[string]any{"op_status": string(model.OpEmpty)})
}

// SetThresholds replaces the sync thresholds, used when the lrs config
// section is hot-reloaded.
func (a *Agent) SetThresholds(th SyncThresholds) {
	a.thresholds = th
}

// QueueRelease records one release's outcome against the sync
// thresholds, to be applied at the next Sync call.
func (a *Agent) QueueRelease(requesterID uint32, sizeWritten int64, now time.Time) {
	a.queue.add(pendingRelease{requesterID: requesterID, sizeWritten: sizeWritten}, now)
}

// ShouldSync reports whether a queued release has crossed a threshold,
// and which one.
func (a *Agent) ShouldSync(now time.Time) (bool, string) {
	return a.queue.due(now, a.thresholds)
}

// Sync flushes the mounted medium's filesystem and returns the
// requester IDs whose releases are now durable. An io/comm failure
// quarantines the device since MediumSync does not report a partial
// byte count to recover from; a no_space failure instead marks the
// medium full and leaves the device usable for reads.
func (a *Agent) Sync(ctx context.Context, reason string) ([]uint32, error) {
	if a.Device.OpStatus != model.OpMounted {
		return nil, taxonomy.NewInvalidError(a.deviceRowID(), "device is not mounted")
	}
	if len(a.queue.pending) == 0 {
		return nil, nil
	}

	ctx, span := telemetry.StartDeviceSpan(ctx, "device.sync", a.Device.ID.Serial,
		telemetry.SyncReason(reason), telemetry.SyncBytes(a.queue.pendingBytes))
	defer span.End()

	err := a.io.MediumSync(ctx, a.Device.MountPath)
	if err != nil {
		if taxonomy.IsNoSpaceError(err) {
			a.Medium.FSStatus = model.FSFull
			_ = a.persistMedium(ctx, map[string]any{"fs_status": string(model.FSFull)})
			return nil, err
		}
		a.fail(ctx, err)
		return nil, err
	}

	acked := make([]uint32, 0, len(a.queue.pending))
	for _, p := range a.queue.pending {
		acked = append(acked, p.requesterID)
	}
	delta := a.queue.pendingBytes
	// One queued release covers one extent written to this medium.
	nbObjDelta := int64(len(a.queue.pending))

	a.Medium.Stats.NbObj += nbObjDelta
	a.Medium.Stats.LogicalUsed += delta
	a.Medium.Stats.PhysUsed += delta
	if a.Medium.Stats.PhysFree > delta {
		a.Medium.Stats.PhysFree -= delta
	} else {
		a.Medium.Stats.PhysFree = 0
	}
	if a.Medium.FSStatus == model.FSEmpty && a.Medium.Stats.LogicalUsed > 0 {
		a.Medium.FSStatus = model.FSUsed
	}
	if a.Medium.Stats.PhysFree == 0 {
		a.Medium.FSStatus = model.FSFull
	}

	a.metrics.SetMediumUsed(string(a.Medium.ID.Family), a.Medium.ID.Name, a.Medium.Stats.PhysUsed)
	a.metrics.RecordSync(string(a.Device.ID.Family), a.Device.ID.Serial, reason, delta)

	logger.InfoCtx(ctx, "medium synced", "medium", a.Medium.ID.Name, "reason", reason, "bytes", delta, "acked", len(acked))

	if err := a.persistMedium(ctx, map[string]any{
		"fs_status":    string(a.Medium.FSStatus),
		"nb_obj":       a.Medium.Stats.NbObj,
		"logical_used": a.Medium.Stats.LogicalUsed,
		"phys_used":    a.Medium.Stats.PhysUsed,
		"phys_free":    a.Medium.Stats.PhysFree,
	}); err != nil {
		return acked, err
	}

	a.queue.reset()
	return acked, nil
}

// RenewLock re-acquires the (hostname, pid) lock on the device and, if
// loaded, its medium — used after a pid change (daemon restart onto an
// already-loaded drive) rather than after every request.
func (a *Agent) RenewLock(ctx context.Context) error {
	ok, err := a.idx.Lock(ctx, index.TableDevice, []string{a.deviceRowID()}, a.hostname, a.pid)
	if err != nil {
		return err
	}
	if ok && a.Medium != nil {
		ok, err = a.idx.Lock(ctx, index.TableMedia, []string{mediumRowID(a.Medium.ID)}, a.hostname, a.pid)
		if err != nil {
			return err
		}
	}
	if !ok {
		return taxonomy.NewBusyError(a.deviceRowID())
	}
	a.metrics.RecordLockRenewal(string(a.Device.ID.Family), a.Device.ID.Serial)
	return nil
}
