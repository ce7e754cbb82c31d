package adapter

import (
	"fmt"
	"sync"

	"github.com/cea-hpc/phobosd/pkg/model"
)

// key identifies one adapter constructor by capability kind and family name.
type key struct {
	kind   string
	family model.Family
}

var (
	mu              sync.RWMutex
	libraryCtors    = map[key]func() Library{}
	filesystemCtors = map[key]func() Filesystem{}
	ioCtors         = map[key]func() IO{}
	deviceCtors     = map[key]func() Device{}
)

const (
	kindLibrary    = "library"
	kindFilesystem = "filesystem"
	kindIO         = "io"
	kindDevice     = "device"
)

// RegisterLibrary registers a Library constructor for a family. Called
// from the adapter package's init() — never invoked after startup.
func RegisterLibrary(family model.Family, ctor func() Library) {
	mu.Lock()
	defer mu.Unlock()
	libraryCtors[key{kindLibrary, family}] = ctor
}

// RegisterFilesystem registers a Filesystem constructor for a family.
func RegisterFilesystem(family model.Family, ctor func() Filesystem) {
	mu.Lock()
	defer mu.Unlock()
	filesystemCtors[key{kindFilesystem, family}] = ctor
}

// RegisterIO registers an IO constructor for a family.
func RegisterIO(family model.Family, ctor func() IO) {
	mu.Lock()
	defer mu.Unlock()
	ioCtors[key{kindIO, family}] = ctor
}

// RegisterDevice registers a Device constructor for a family.
func RegisterDevice(family model.Family, ctor func() Device) {
	mu.Lock()
	defer mu.Unlock()
	deviceCtors[key{kindDevice, family}] = ctor
}

// NewLibrary constructs the registered Library adapter for family, or
// false if none is registered (the caller should treat the capability
// as not_supported).
func NewLibrary(family model.Family) (Library, bool) {
	mu.RLock()
	defer mu.RUnlock()
	ctor, ok := libraryCtors[key{kindLibrary, family}]
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// NewFilesystem constructs the registered Filesystem adapter for family.
func NewFilesystem(family model.Family) (Filesystem, bool) {
	mu.RLock()
	defer mu.RUnlock()
	ctor, ok := filesystemCtors[key{kindFilesystem, family}]
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// NewIO constructs the registered IO adapter for family.
func NewIO(family model.Family) (IO, bool) {
	mu.RLock()
	defer mu.RUnlock()
	ctor, ok := ioCtors[key{kindIO, family}]
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// NewDevice constructs the registered Device adapter for family.
func NewDevice(family model.Family) (Device, bool) {
	mu.RLock()
	defer mu.RUnlock()
	ctor, ok := deviceCtors[key{kindDevice, family}]
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// Describe returns a human-readable summary of every registered
// capability: the number of constructors registered per kind.
func Describe() string {
	mu.RLock()
	defer mu.RUnlock()

	return fmt.Sprintf(
		"library=%d filesystem=%d io=%d device=%d",
		len(libraryCtors), len(filesystemCtors), len(ioCtors), len(deviceCtors),
	)
}
