// Package layout defines the composition engines that fragment an
// object across media on write and reconstitute it on read, plus the
// deterministic extent name mapper every I/O adapter stores under.
// Engines are registered statically by name, the same way adapters are.
package layout

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/cea-hpc/phobosd/internal/wire/proto"
	"github.com/cea-hpc/phobosd/pkg/adapter"
	"github.com/cea-hpc/phobosd/pkg/index"
	"github.com/cea-hpc/phobosd/pkg/model"
)

// Transport is the slice of the daemon connection an engine drives:
// correlated request/response calls plus a release that blocks until
// every to_sync medium in it has been acknowledged durable.
type Transport interface {
	Call(ctx context.Context, req *proto.Request) (*proto.Response, error)
	Release(ctx context.Context, media []proto.ReleaseMedium) error
}

// Params carries the engine parameters recorded on the layout row
// (for raid1, repl_count).
type Params map[string]string

// LocateResult is the outcome of choosing the best host to serve a GET.
type LocateResult struct {
	// Host is the chosen hostname, or "" when every split is reachable
	// through unlocked media and the caller may serve locally.
	Host string
	// NewLocks is how many previously-unlocked media were locked to the
	// chosen host before returning.
	NewLocks int
}

// Composer writes, reads, and locates objects under one composition
// rule.
type Composer interface {
	Name() string

	// Write streams src onto media allocated through t, appending the
	// extents it creates to a fresh layout. On partial failure the
	// returned layout carries whatever extents were written alongside
	// the error: those of the failed split are marked orphan, those of
	// earlier completed splits keep their sync state.
	Write(ctx context.Context, t Transport, ios map[model.Family]adapter.IO, obj *model.Object, src io.Reader, size int64, family model.Family, tags []string) (*model.Layout, error)

	// Read reconstitutes the object behind l into dst, allocating one
	// reachable copy per split through t.
	Read(ctx context.Context, t Transport, ios map[model.Family]adapter.IO, l *model.Layout, dst io.Writer) error

	// Locate scores every candidate host against l's extents and locks
	// whatever unlocked media the winner will need.
	Locate(ctx context.Context, idx index.Backend, l *model.Layout, localHost string) (LocateResult, error)
}

// Ctor builds a composer from its recorded parameters.
type Ctor func(params Params) (Composer, error)

var (
	mu    sync.RWMutex
	ctors = map[string]Ctor{}
)

// Register installs a composer constructor under a layout type name.
// Called from engine package init functions.
func Register(name string, ctor Ctor) {
	mu.Lock()
	defer mu.Unlock()
	ctors[name] = ctor
}

// New builds the composer for a layout type.
func New(name string, params Params) (Composer, error) {
	mu.RLock()
	ctor, ok := ctors[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("layout: unknown layout type %q", name)
	}
	return ctor(params)
}

// Names lists the registered layout types in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(ctors))
	for name := range ctors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
