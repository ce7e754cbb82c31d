//go:build !linux && !darwin

package dir

import (
	"fmt"
	"os"
	"path/filepath"
)

type fsStatfs struct {
	used  int64
	avail int64
}

// statfs has no portable implementation outside linux/darwin; report a
// conservative "plenty of space" value rather than fail writes.
func statfs(root string, out *fsStatfs) error {
	out.avail = 1 << 40
	out.used = 0
	return nil
}

// setXattr/getXattr fall back to a sidecar file next to path, since
// extended attributes aren't portable across platforms.
func xattrSidecar(path, key string) string {
	return fmt.Sprintf("%s.xattr.%s", path, key)
}

func setXattr(path, key, value string) error {
	return os.WriteFile(xattrSidecar(path, key), []byte(value), 0o644)
}

func getXattr(path, key string) (string, error) {
	b, err := os.ReadFile(xattrSidecar(path, key))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func syncDir(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, ferr := os.Open(path)
		if ferr != nil {
			return ferr
		}
		defer f.Close()
		return f.Sync()
	})
}
