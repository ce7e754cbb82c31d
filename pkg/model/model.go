// Package model defines the row types shared by the state index, the
// device agent, the scheduler, and the layout engine: Object, Extent,
// Layout, Medium, Device, and Lock, plus the Family/Host discriminators
// and the scrubber's ScrubRecord bookkeeping row.
package model

import "time"

// Family discriminates medium and device kinds: robotic tape, local
// directories, and s3 buckets, the last being a cloud family whose
// "drive" is a stateless pooled client rather than hardware.
type Family string

const (
	FamilyTape Family = "tape"
	FamilyDir  Family = "dir"
	FamilyS3   Family = "s3"
)

// ExtentState is the lifecycle of one chunk of an object on one medium.
type ExtentState string

const (
	ExtentPending ExtentState = "pending"
	ExtentSync    ExtentState = "sync"
	ExtentOrphan  ExtentState = "orphan"
)

// ObjectState is the lifecycle of an object as a whole.
type ObjectState string

const (
	ObjectPending    ObjectState = "pending"
	ObjectSync       ObjectState = "sync"
	ObjectDeprecated ObjectState = "deprecated"
)

// FSStatus is a medium's fill/usability state.
type FSStatus string

const (
	FSBlank     FSStatus = "blank"
	FSEmpty     FSStatus = "empty"
	FSUsed      FSStatus = "used"
	FSFull      FSStatus = "full"
	FSImporting FSStatus = "importing"
)

// AdmStatus is the administrative lock state of a medium or device.
type AdmStatus string

const (
	AdmUnlocked AdmStatus = "unlocked"
	AdmLocked   AdmStatus = "locked"
)

// OpStatus is a device's operational state in the per-drive state machine.
type OpStatus string

const (
	OpEmpty   OpStatus = "empty"
	OpLoaded  OpStatus = "loaded"
	OpMounted OpStatus = "mounted"
	OpFailed  OpStatus = "failed"
	OpUnknown OpStatus = "unknown"
)

// MediumID identifies a medium by family and name, the natural primary key.
type MediumID struct {
	Family Family
	Name   string
}

// DeviceID identifies a device (drive) by family and serial number.
type DeviceID struct {
	Family Family
	Serial string
}

// Lock records ownership of a device or medium row. Renewal in place
// happens when the owner pid changes for the same hostname; a lock held
// by a different hostname is never silently stolen.
type Lock struct {
	Hostname   string
	OwnerPID   int
	AcquiredAt time.Time
}

// SameHost reports whether l is held by the given hostname, independent
// of which pid on that host currently owns it.
func (l *Lock) SameHost(hostname string) bool {
	return l != nil && l.Hostname == hostname
}

// MediumFlags gates which operations a medium currently accepts.
type MediumFlags struct {
	Get    bool
	Put    bool
	Delete bool
}

// MediumStats tracks occupancy counters for one medium.
type MediumStats struct {
	NbObj       int64
	LogicalUsed int64
	PhysUsed    int64
	PhysFree    int64
}

// Medium is a cartridge (tape) or directory that holds extents.
type Medium struct {
	ID        MediumID
	Model     string
	FSType    string
	AddrType  string
	AdmStatus AdmStatus
	FSStatus  FSStatus
	Flags     MediumFlags
	Tags      []string
	Stats     MediumStats
	Lock      *Lock
}

// HasTags reports whether m carries every tag in want.
func (m *Medium) HasTags(want []string) bool {
	have := make(map[string]struct{}, len(m.Tags))
	for _, t := range m.Tags {
		have[t] = struct{}{}
	}
	for _, w := range want {
		if _, ok := have[w]; !ok {
			return false
		}
	}
	return true
}

// Writable reports whether m currently accepts new data: not full, not
// blank, and flagged for put. Lock ownership is not checked here.
func (m *Medium) Writable() bool {
	return m.FSStatus != FSFull && m.FSStatus != FSBlank && m.Flags.Put
}

// Device is a drive (or, for the s3 family, a stateless pooled client)
// on one host.
type Device struct {
	ID        DeviceID
	Host      string
	Model     string
	Path      string
	AdmStatus AdmStatus
	OpStatus  OpStatus
	Lock      *Lock
	// Medium is the id of the medium currently attached, valid only
	// while OpStatus is loaded or mounted.
	Medium *MediumID
	// MountPath is the filesystem root the medium is mounted at, valid
	// only while OpStatus is mounted.
	MountPath string
}

// Extent is one chunk of an object written to one medium.
type Extent struct {
	OID         string
	UUID        string
	Version     int
	LayoutIndex int
	Size        int64
	MediaID     MediumID
	Address     string
	State       ExtentState
	XXH         uint64
}

// Layout is the ordered list of extents that, under Type's rules,
// reconstitutes one object version.
type Layout struct {
	OID     string
	UUID    string
	Version int
	Type    string
	Params  map[string]string
	Extents []Extent
	State   ObjectState
}

// Object is the top-level identity row; identity is (UUID, Version).
type Object struct {
	OID        string
	UUID       string
	Version    int
	UserMD     map[string]string
	Deprecated bool
	State      ObjectState
	CreatedAt  time.Time
}

// ScrubRecord is bookkeeping for an extent whose parent object never
// reached sync: the scrubber records it instead of deleting the bytes,
// so tape usage remains accounted for until an operator reclaims it.
type ScrubRecord struct {
	UUID        string
	Version     int
	LayoutIndex int
	MediaID     MediumID
	Reason      string
	FirstSeen   time.Time
}
