//go:build linux || darwin

package dir

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

type fsStatfs struct {
	used  int64
	avail int64
}

func statfs(root string, out *fsStatfs) error {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return err
	}
	blockSize := int64(st.Bsize)
	total := int64(st.Blocks) * blockSize
	free := int64(st.Bavail) * blockSize
	out.avail = free
	out.used = total - free
	return nil
}

func xattrName(key string) string {
	return "user." + key
}

func setXattr(path, key, value string) error {
	return unix.Setxattr(path, xattrName(key), []byte(value), 0)
}

func getXattr(path, key string) (string, error) {
	buf := make([]byte, 4096)
	n, err := unix.Getxattr(path, xattrName(key), buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// syncDir fsyncs every regular file under root, then the directory
// entries themselves, so a crash afterwards still observes the writes.
func syncDir(root string) error {
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
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
	if err != nil {
		return err
	}
	f, err := os.Open(root)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
