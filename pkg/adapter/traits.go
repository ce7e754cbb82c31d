// Package adapter defines the four capability sets the core depends on
// (Library, Filesystem, IO, Device) and a static, init-time registry
// keyed by (capability kind, family) — no adapter is ever loaded dynamically at
// runtime. A component that needs a capability an adapter doesn't
// implement gets taxonomy.ErrNotSupported, never a panic.
package adapter

import (
	"context"

	"github.com/cea-hpc/phobosd/pkg/model"
)

// DriveLocation is the address of a slot or drive inside a library, as
// reported by Library.Lookup and consumed by Library.Move.
type DriveLocation struct {
	Addr string
}

// DriveStatus is the state of one drive as seen by the robotic library.
type DriveStatus struct {
	Addr        DriveLocation
	Loaded      bool
	LoadedLabel string
}

// LibrarySnapshot is a point-in-time view of every slot and drive.
type LibrarySnapshot struct {
	Drives []DriveStatus
}

// Library is the robotic-mechanism capability: moving media between
// storage slots and drives.
type Library interface {
	Open(ctx context.Context, libDev string) error
	Close(ctx context.Context) error
	Lookup(ctx context.Context, label string) (DriveLocation, error)
	DriveLookup(ctx context.Context, serial string) (DriveStatus, error)
	Move(ctx context.Context, src, dst DriveLocation) error
	Status(ctx context.Context) (LibrarySnapshot, error)
	Refresh(ctx context.Context) error
}

// DFResult is the free-space report of a mounted filesystem.
type DFResult struct {
	Used     int64
	Avail    int64
	ReadOnly bool
}

// Filesystem is the mount-pipeline capability: format, mount, umount,
// and inspect a per-drive filesystem root.
type Filesystem interface {
	Format(ctx context.Context, devicePath, label string) (DFResult, error)
	Mount(ctx context.Context, devicePath, root, label string) error
	Umount(ctx context.Context, devicePath, root string) error
	DF(ctx context.Context, root string) (DFResult, error)
	GetLabel(ctx context.Context, root string) (string, error)
	// Mounted reports the root a device is currently mounted at, or ""
	// if it is not mounted — Mount must be idempotent against this.
	Mounted(ctx context.Context, devicePath string) (string, error)
}

// IOHandle identifies one open extent across Open/Write/Read/Close calls.
type IOHandle struct {
	ExtentKey string
	OID       string
	IsPut     bool
}

// ExtentLocation addresses an extent for Delete, independent of any open handle.
type ExtentLocation struct {
	Root string
	Key  string
}

// IO is the per-extent data-path capability: open/write/read/close plus
// xattrs and medium-level sync.
type IO interface {
	Open(ctx context.Context, root string, h IOHandle) error
	Write(ctx context.Context, h IOHandle, buf []byte) (int, error)
	Read(ctx context.Context, h IOHandle, buf []byte) (int, error)
	Close(ctx context.Context, h IOHandle) error
	SetXattr(ctx context.Context, h IOHandle, key, value string) error
	GetXattr(ctx context.Context, h IOHandle, key string) (string, error)
	MediumSync(ctx context.Context, root string) error
	PreferredIOSize(ctx context.Context, h IOHandle) int
	Delete(ctx context.Context, loc ExtentLocation) error
}

// Device is the drive-discovery capability used by the device agent to
// resolve a serial number to a device-special-file path and probe it.
type Device interface {
	Lookup(ctx context.Context, serial string) (string, error)
	Query(ctx context.Context, path string) (model.DeviceID, bool, error)
}
