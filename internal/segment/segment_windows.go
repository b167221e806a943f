//go:build windows

package segment

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Windows has no shm_unlink equivalent: a named file mapping object is
// reference-counted by the kernel and disappears only when its last handle
// closes. The design addresses this, per spec.md §4.1, by keeping the
// creator attached until teardown and by supporting a preallocated
// full-dump segment whose lifetime is tied to the creator rather than to an
// explicit unlink call.
type windowsSeg struct {
	handle windows.Handle
	addr   uintptr
	data   []byte
}

func (s *windowsSeg) bytes() []byte { return s.data }

func (s *windowsSeg) detach() error {
	if s.addr == 0 {
		return nil
	}
	if err := windows.UnmapViewOfFile(s.addr); err != nil {
		return wrapErrf("segment: unmap view: %w", err)
	}
	s.addr = 0
	s.data = nil

	if s.handle != 0 {
		if err := windows.CloseHandle(s.handle); err != nil {
			return wrapErrf("segment: close mapping handle: %w", err)
		}
		s.handle = 0
	}

	return nil
}

func mapView(handle windows.Handle, size int64) ([]byte, uintptr, error) {
	addr, err := windows.MapViewOfFile(handle, windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		return nil, 0, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), addr, nil
}

// regionSize queries the committed size of a view mapped with length 0
// (the whole backing section), since OpenFileMapping does not tell us the
// section's size up front.
func regionSize(addr uintptr) (int64, error) {
	var info windows.MemoryBasicInformation
	if err := windows.VirtualQuery(addr, &info, unsafe.Sizeof(info)); err != nil {
		return 0, err
	}
	return int64(info.RegionSize), nil
}

func createImpl(name string, size int64) (segImpl, error) {
	namePtr, err := windows.UTF16PtrFromString(`Local\shmap.` + name)
	if err != nil {
		return nil, wrapErrf("segment: invalid name %q: %w", name, err)
	}

	handle, err := windows.CreateFileMapping(
		windows.InvalidHandle,
		nil,
		windows.PAGE_READWRITE,
		uint32(size>>32),
		uint32(size&0xffffffff),
		namePtr,
	)
	if err != nil {
		return nil, wrapErrf("segment: create mapping %q: %w", name, err)
	}
	if errors.Is(windows.GetLastError(), windows.ERROR_ALREADY_EXISTS) {
		windows.CloseHandle(handle)
		return nil, ErrAlreadyExists
	}

	data, addr, err := mapView(handle, size)
	if err != nil {
		windows.CloseHandle(handle)
		return nil, wrapErrf("segment: map view %q: %w", name, err)
	}

	return &windowsSeg{handle: handle, addr: addr, data: data}, nil
}

func attachImpl(name string) (segImpl, int64, error) {
	namePtr, err := windows.UTF16PtrFromString(`Local\shmap.` + name)
	if err != nil {
		return nil, 0, wrapErrf("segment: invalid name %q: %w", name, err)
	}

	handle, err := windows.OpenFileMapping(windows.FILE_MAP_WRITE, false, namePtr)
	if err != nil {
		if errors.Is(err, windows.ERROR_FILE_NOT_FOUND) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, wrapErrf("segment: attach %q: %w", name, err)
	}

	data, addr, err := mapView(handle, 0)
	if err != nil {
		windows.CloseHandle(handle)
		return nil, 0, wrapErrf("segment: map view %q: %w", name, err)
	}

	size, err := regionSize(addr)
	if err != nil {
		windows.UnmapViewOfFile(addr)
		windows.CloseHandle(handle)
		return nil, 0, wrapErrf("segment: query view size %q: %w", name, err)
	}
	data = data[:size]

	return &windowsSeg{handle: handle, addr: addr, data: data}, size, nil
}

// unlinkImpl cannot force removal of a live named section on Windows; it
// only reports whether the name currently resolves, matching the Windows
// reclaim-on-last-handle-close model documented above.
func unlinkImpl(name string) error {
	namePtr, err := windows.UTF16PtrFromString(`Local\shmap.` + name)
	if err != nil {
		return wrapErrf("segment: invalid name %q: %w", name, err)
	}

	handle, err := windows.OpenFileMapping(windows.FILE_MAP_WRITE, false, namePtr)
	if err != nil {
		if errors.Is(err, windows.ERROR_FILE_NOT_FOUND) {
			return ErrNotFound
		}
		return wrapErrf("segment: unlink %q: %w", name, err)
	}
	windows.CloseHandle(handle)
	return nil
}
