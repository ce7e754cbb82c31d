// Package simulator provides an in-memory Library and Device adapter
// pair that models robotic-library slots, drives, and move() without a
// real robot — used by scheduler and device-agent tests that need the
// tape family's load/unload dance without hardware.
package simulator

import (
	"context"
	"sync"

	"github.com/cea-hpc/phobosd/pkg/adapter"
	"github.com/cea-hpc/phobosd/pkg/model"
	"github.com/cea-hpc/phobosd/pkg/taxonomy"
)

// Slot is a named storage location the library tracks: either a free
// slot or a drive, distinguished by the IsDrive flag.
type Slot struct {
	Addr    string
	IsDrive bool
	Label   string // medium label currently at this address, "" if empty
	Busy    bool   // a drive mid-move is Busy and rejects further moves
}

// Library is an in-memory robotic-library double.
type Library struct {
	mu    sync.Mutex
	slots map[string]*Slot
}

// NewLibrary constructs a simulator pre-seeded with the given slots.
func NewLibrary(slots []Slot) *Library {
	l := &Library{slots: map[string]*Slot{}}
	for _, s := range slots {
		cp := s
		l.slots[s.Addr] = &cp
	}
	return l
}

func (l *Library) Open(ctx context.Context, libDev string) error { return nil }
func (l *Library) Close(ctx context.Context) error               { return nil }
func (l *Library) Refresh(ctx context.Context) error              { return nil }

// Lookup returns the address of the slot currently holding label.
func (l *Library) Lookup(ctx context.Context, label string) (adapter.DriveLocation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.slots {
		if s.Label == label {
			return adapter.DriveLocation{Addr: s.Addr}, nil
		}
	}
	return adapter.DriveLocation{}, taxonomy.NewNotFoundError(label)
}

// DriveLookup reports the status of the drive identified by serial,
// where serial is matched against the slot address for simplicity.
func (l *Library) DriveLookup(ctx context.Context, serial string) (adapter.DriveStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[serial]
	if !ok || !s.IsDrive {
		return adapter.DriveStatus{}, taxonomy.NewNotFoundError(serial)
	}
	return adapter.DriveStatus{
		Addr:        adapter.DriveLocation{Addr: s.Addr},
		Loaded:      s.Label != "",
		LoadedLabel: s.Label,
	}, nil
}

// Move transfers the medium at src to dst. A destination that is
// mid-move or already holds a medium rejects the request with busy,
// matching the real library's
// drive-to-drive restriction the device agent must retry around.
func (l *Library) Move(ctx context.Context, src, dst adapter.DriveLocation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[src.Addr]
	if !ok {
		return taxonomy.NewNotFoundError(src.Addr)
	}
	var d *Slot
	if dst.Addr == "" {
		// An empty destination means "any free storage slot", the way
		// the real library's move-to-home works on unload.
		d = l.freeSlot()
		if d == nil {
			return taxonomy.NewNoSpaceError("library has no free slot")
		}
	} else {
		d, ok = l.slots[dst.Addr]
		if !ok {
			return taxonomy.NewNotFoundError(dst.Addr)
		}
	}
	if d.Busy || d.Label != "" {
		return taxonomy.NewBusyError(dst.Addr)
	}
	if s.Label == "" {
		return taxonomy.NewInvalidError(src.Addr, "source slot is empty")
	}

	d.Label = s.Label
	s.Label = ""
	return nil
}

// freeSlot returns an empty storage slot, or nil. Caller holds l.mu.
func (l *Library) freeSlot() *Slot {
	for _, s := range l.slots {
		if !s.IsDrive && s.Label == "" && !s.Busy {
			return s
		}
	}
	return nil
}

// Status returns a snapshot of every drive slot.
func (l *Library) Status(ctx context.Context) (adapter.LibrarySnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var snap adapter.LibrarySnapshot
	for _, s := range l.slots {
		if !s.IsDrive {
			continue
		}
		snap.Drives = append(snap.Drives, adapter.DriveStatus{
			Addr:        adapter.DriveLocation{Addr: s.Addr},
			Loaded:      s.Label != "",
			LoadedLabel: s.Label,
		})
	}
	return snap, nil
}

// Device is an in-memory device-discovery double: every serial maps to
// a deterministic device-special-file path under a fake root.
type Device struct {
	mu    sync.Mutex
	paths map[string]string
}

// NewDevice constructs a device simulator.
func NewDevice() *Device {
	return &Device{paths: map[string]string{}}
}

// Register makes serial resolvable to path, as if udev had created it.
func (d *Device) Register(serial, path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paths[serial] = path
}

func (d *Device) Lookup(ctx context.Context, serial string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.paths[serial]
	if !ok {
		return "", taxonomy.NewNotFoundError(serial)
	}
	return p, nil
}

func (d *Device) Query(ctx context.Context, path string) (model.DeviceID, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for serial, p := range d.paths {
		if p == path {
			return model.DeviceID{Family: model.FamilyTape, Serial: serial}, true, nil
		}
	}
	return model.DeviceID{}, false, nil
}
