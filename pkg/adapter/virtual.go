package adapter

import (
	"context"
	"sync"

	"github.com/cea-hpc/phobosd/pkg/taxonomy"
)

// VirtualLibrary serves families that have no robotic mechanism (dir,
// s3): every medium is permanently "in" the one drive registered for
// it, a move is a bookkeeping no-op, and lookups answer from a static
// label -> address table. A family whose library is virtual binds each
// medium to the drive with the matching serial; the scheduler relies on
// that 1:1 rule when pairing media with empty drives.
type VirtualLibrary struct {
	mu     sync.Mutex
	slots  map[string]string // label -> address
	loaded map[string]string // drive address -> label
}

// NewVirtualLibrary constructs an empty virtual library.
func NewVirtualLibrary() *VirtualLibrary {
	return &VirtualLibrary{slots: map[string]string{}, loaded: map[string]string{}}
}

// AddSlot registers a medium label at a fixed address (for dir media,
// the directory path; for s3 media, the bucket name).
func (l *VirtualLibrary) AddSlot(label, addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slots[label] = addr
}

func (l *VirtualLibrary) Open(ctx context.Context, libDev string) error { return nil }
func (l *VirtualLibrary) Close(ctx context.Context) error               { return nil }
func (l *VirtualLibrary) Refresh(ctx context.Context) error             { return nil }

// Lookup resolves a medium label to its fixed address. An unregistered
// label resolves to itself so that path-addressed media need no
// explicit slot table.
func (l *VirtualLibrary) Lookup(ctx context.Context, label string) (DriveLocation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if addr, ok := l.slots[label]; ok {
		return DriveLocation{Addr: addr}, nil
	}
	return DriveLocation{Addr: label}, nil
}

// DriveLookup reports what, if anything, is recorded as loaded at the
// drive address equal to serial.
func (l *VirtualLibrary) DriveLookup(ctx context.Context, serial string) (DriveStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	label, ok := l.loaded[serial]
	return DriveStatus{Addr: DriveLocation{Addr: serial}, Loaded: ok, LoadedLabel: label}, nil
}

// Move records a load (dst set) or an unload (dst empty). There is no
// physical motion; moving a medium out of a drive address where it is
// recorded as loaded into a different address is rejected, since
// virtual media cannot leave their home drive.
func (l *VirtualLibrary) Move(ctx context.Context, src, dst DriveLocation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if dst.Addr == "" {
		delete(l.loaded, src.Addr)
		return nil
	}
	if _, ok := l.loaded[src.Addr]; ok && src.Addr != dst.Addr {
		return taxonomy.NewInvalidError(src.Addr, "virtual medium is bound to its home drive")
	}
	l.loaded[dst.Addr] = src.Addr
	return nil
}

// Status reports every recorded drive occupation.
func (l *VirtualLibrary) Status(ctx context.Context) (LibrarySnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := LibrarySnapshot{}
	for addr, label := range l.loaded {
		snap.Drives = append(snap.Drives, DriveStatus{Addr: DriveLocation{Addr: addr}, Loaded: true, LoadedLabel: label})
	}
	return snap, nil
}
