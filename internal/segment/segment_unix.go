//go:build linux || darwin

package segment

import (
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// shmDir is the directory segments are materialized under. /dev/shm is a
// tmpfs on Linux, giving genuine shared memory semantics; on darwin (and
// anywhere /dev/shm is absent) we fall back to a regular tmp file — still
// correct for same-host IPC via mmap(MAP_SHARED), just backed by the page
// cache rather than a dedicated tmpfs.
func shmDir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

func segPath(name string) string {
	return filepath.Join(shmDir(), "shmap."+filepath.Base(name))
}

type unixSeg struct {
	data []byte
}

func (s *unixSeg) bytes() []byte { return s.data }

func (s *unixSeg) detach() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	return err
}

func createImpl(name string, size int64) (segImpl, error) {
	path := segPath(name)

	fd, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrAlreadyExists
		}
		return nil, wrapErrf("segment: create %q: %w", name, err)
	}
	defer fd.Close()

	if err := fd.Truncate(size); err != nil {
		os.Remove(path)
		return nil, wrapErrf("segment: truncate %q to %d bytes: %w", name, size, err)
	}

	data, err := unix.Mmap(int(fd.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		os.Remove(path)
		return nil, wrapErrf("segment: mmap %q: %w", name, err)
	}

	return &unixSeg{data: data}, nil
}

func attachImpl(name string) (segImpl, int64, error) {
	path := segPath(name)

	fd, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, wrapErrf("segment: attach %q: %w", name, err)
	}
	defer fd.Close()

	fi, err := fd.Stat()
	if err != nil {
		return nil, 0, wrapErrf("segment: stat %q: %w", name, err)
	}
	size := fi.Size()

	data, err := unix.Mmap(int(fd.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, 0, wrapErrf("segment: mmap %q: %w", name, err)
	}

	return &unixSeg{data: data}, size, nil
}

func unlinkImpl(name string) error {
	err := os.Remove(segPath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return wrapErrf("segment: unlink %q: %w", name, err)
	}
	return nil
}
