package fetcher

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// allocator hands out data file names. Names are %06d.bin; the index starts
// at an in-process counter and skips names already present in dir.
type allocator struct {
	mu   sync.Mutex
	dir  string
	next int
}

func newAllocator(dir string) *allocator {
	return &allocator{dir: dir}
}

// place moves src into dir under the next free name and returns the new
// path.
func (a *allocator) place(src string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		dst := filepath.Join(a.dir, fmt.Sprintf("%06d.bin", a.next))
		_, err := os.Lstat(dst)
		if err == nil {
			a.next++
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", dst, err)
		}
		if err := moveFile(src, dst); err != nil {
			return "", err
		}
		a.next++
		return dst, nil
	}
}

// moveFile renames src to dst. Across filesystems it copies to a sibling of
// dst first so dst only ever appears complete.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("rename data file: %w", err)
	}
	part := dst + ".part"
	if err := copyFile(src, part); err != nil {
		_ = os.Remove(part)
		return err
	}
	if err := os.Rename(part, dst); err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("rename data file: %w", err)
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	// #nosec G304 -- src is a temp file created by the fetcher.
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return fmt.Errorf("create data file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy data file: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("sync data file: %w", err)
	}
	return out.Close()
}

func baseName(path string) string {
	return filepath.Base(path)
}
