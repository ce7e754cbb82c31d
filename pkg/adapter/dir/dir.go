// Package dir implements the Filesystem and IO adapter traits over a
// plain local directory: "mounting" a dir medium checks the label file
// that Format wrote into it, and extents are regular files stored under the
// layout engine's deterministic name mapper.
package dir

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cea-hpc/phobosd/pkg/adapter"
	"github.com/cea-hpc/phobosd/pkg/model"
	"github.com/cea-hpc/phobosd/pkg/taxonomy"
)

func init() {
	adapter.RegisterFilesystem(model.FamilyDir, func() adapter.Filesystem { return New() })
	adapter.RegisterIO(model.FamilyDir, func() adapter.IO { return New() })
}

const labelFile = ".phobos_label"

type handle struct {
	path string
	file *os.File
}

// Adapter is the dir-family Filesystem+IO adapter. One Adapter instance
// is shared by every drive of this family on the host.
type Adapter struct {
	mu      sync.Mutex
	handles map[string]*handle
}

// New constructs a dir adapter.
func New() *Adapter {
	return &Adapter{handles: map[string]*handle{}}
}

// Format creates the root directory and writes the label file,
// transitioning a blank medium to empty.
func (a *Adapter) Format(ctx context.Context, devicePath, label string) (adapter.DFResult, error) {
	root := devicePath
	if err := os.MkdirAll(root, 0o755); err != nil {
		return adapter.DFResult{}, taxonomy.NewIOError(root, err)
	}
	if err := os.WriteFile(filepath.Join(root, labelFile), []byte(label), 0o644); err != nil {
		return adapter.DFResult{}, taxonomy.NewIOError(root, err)
	}
	return a.DF(ctx, root)
}

// Mount is idempotent: if devicePath already exists with the expected
// label it succeeds without touching anything. For the dir family,
// devicePath and root are the same directory.
func (a *Adapter) Mount(ctx context.Context, devicePath, root, label string) error {
	existing, err := a.GetLabel(ctx, devicePath)
	if err != nil {
		return err
	}
	if existing != label {
		return taxonomy.NewInvalidError(devicePath, fmt.Sprintf("label mismatch: got %q want %q", existing, label))
	}
	return nil
}

// Umount is a no-op for the dir family: there is no separate mount
// namespace to tear down.
func (a *Adapter) Umount(ctx context.Context, devicePath, root string) error {
	return nil
}

// DF reports free space on the filesystem backing root.
func (a *Adapter) DF(ctx context.Context, root string) (adapter.DFResult, error) {
	var stat fsStatfs
	if err := statfs(root, &stat); err != nil {
		return adapter.DFResult{}, taxonomy.NewIOError(root, err)
	}
	return adapter.DFResult{Used: stat.used, Avail: stat.avail}, nil
}

// GetLabel reads the label file written by Format.
func (a *Adapter) GetLabel(ctx context.Context, root string) (string, error) {
	b, err := os.ReadFile(filepath.Join(root, labelFile))
	if os.IsNotExist(err) {
		return "", taxonomy.NewNotFoundError(root)
	}
	if err != nil {
		return "", taxonomy.NewIOError(root, err)
	}
	return strings.TrimSpace(string(b)), nil
}

// Mounted reports root if devicePath's label file exists, "" otherwise.
func (a *Adapter) Mounted(ctx context.Context, devicePath string) (string, error) {
	if _, err := os.Stat(filepath.Join(devicePath, labelFile)); err != nil {
		return "", nil
	}
	return devicePath, nil
}

func (a *Adapter) key(h adapter.IOHandle) string {
	return h.ExtentKey
}

// Open opens (creating if IsPut) the file backing an extent.
func (a *Adapter) Open(ctx context.Context, root string, h adapter.IOHandle) error {
	path := filepath.Join(root, h.ExtentKey)
	if h.IsPut {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return taxonomy.NewIOError(path, err)
		}
	}
	flags := os.O_RDONLY
	if h.IsPut {
		flags = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return taxonomy.NewNotFoundError(path)
		}
		return taxonomy.NewIOError(path, err)
	}

	a.mu.Lock()
	a.handles[a.key(h)] = &handle{path: path, file: f}
	a.mu.Unlock()
	return nil
}

func (a *Adapter) get(h adapter.IOHandle) (*handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	hd, ok := a.handles[a.key(h)]
	if !ok {
		return nil, taxonomy.NewInvalidError(h.ExtentKey, "handle not open")
	}
	return hd, nil
}

// Write appends buf to the open extent file.
func (a *Adapter) Write(ctx context.Context, h adapter.IOHandle, buf []byte) (int, error) {
	hd, err := a.get(h)
	if err != nil {
		return 0, err
	}
	n, err := hd.file.Write(buf)
	if err != nil {
		return n, taxonomy.NewIOError(hd.path, err)
	}
	return n, nil
}

// Read reads up to len(buf) bytes from the open extent file.
func (a *Adapter) Read(ctx context.Context, h adapter.IOHandle, buf []byte) (int, error) {
	hd, err := a.get(h)
	if err != nil {
		return 0, err
	}
	n, err := hd.file.Read(buf)
	if err != nil && err != io.EOF {
		return n, taxonomy.NewIOError(hd.path, err)
	}
	return n, nil
}

// Close closes and forgets the handle.
func (a *Adapter) Close(ctx context.Context, h adapter.IOHandle) error {
	a.mu.Lock()
	hd, ok := a.handles[a.key(h)]
	if ok {
		delete(a.handles, a.key(h))
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}
	if err := hd.file.Close(); err != nil {
		return taxonomy.NewIOError(hd.path, err)
	}
	return nil
}

// SetXattr sets a POSIX extended attribute on the open extent file.
func (a *Adapter) SetXattr(ctx context.Context, h adapter.IOHandle, key, value string) error {
	hd, err := a.get(h)
	if err != nil {
		return err
	}
	if err := setXattr(hd.path, key, value); err != nil {
		return taxonomy.NewIOError(hd.path, err)
	}
	return nil
}

// GetXattr reads a POSIX extended attribute from the open extent file.
func (a *Adapter) GetXattr(ctx context.Context, h adapter.IOHandle, key string) (string, error) {
	hd, err := a.get(h)
	if err != nil {
		return "", err
	}
	v, err := getXattr(hd.path, key)
	if err != nil {
		return "", taxonomy.NewIOError(hd.path, err)
	}
	return v, nil
}

// MediumSync flushes the directory entry and every regular file under
// root so that a subsequent crash+restart still observes the writes.
func (a *Adapter) MediumSync(ctx context.Context, root string) error {
	if err := syncDir(root); err != nil {
		return taxonomy.NewIOError(root, err)
	}
	return nil
}

// PreferredIOSize returns the page-sized chunk the layout engine should
// stream in, absent a more specific hint from the backing filesystem.
func (a *Adapter) PreferredIOSize(ctx context.Context, h adapter.IOHandle) int {
	return os.Getpagesize()
}

// Delete removes the file backing loc.
func (a *Adapter) Delete(ctx context.Context, loc adapter.ExtentLocation) error {
	path := filepath.Join(loc.Root, loc.Key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return taxonomy.NewIOError(path, err)
	}
	return nil
}
