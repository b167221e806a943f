// Package segment implements the Shared Memory Segment (SMS) primitive: a
// named, fixed-size, OS-backed byte region that independent processes attach
// to by name.
//
// Two platform-specific backends satisfy the Segment contract: a POSIX
// backend (linux, darwin) built on a tmpfs-backed file plus mmap, and a
// Windows backend built on named file mappings. Callers never see the
// split; they construct segments through Create/Attach and operate on the
// returned byte span.
package segment

import (
	"errors"
	"fmt"
)

// ErrAlreadyExists is returned by Create when a segment with the requested
// name is already present in the OS namespace.
var ErrAlreadyExists = errors.New("segment: already exists")

// ErrNotFound is returned by Attach when no segment with the requested name
// exists.
var ErrNotFound = errors.New("segment: not found")

// Segment is a named, fixed-size region of shared memory attached into this
// process's address space.
//
// A Segment is exclusively owned by the process that created or attached
// it: Bytes, Detach and Unlink must not be called concurrently from
// multiple goroutines without external synchronization, though the
// underlying memory they expose is, by design, shared across processes.
type Segment struct {
	name      string
	size      int64
	createdBy bool
	impl      segImpl
}

// Name returns the OS-global name this segment was created or attached
// under.
func (s *Segment) Name() string { return s.name }

// Size returns the segment's size in bytes.
func (s *Segment) Size() int64 { return s.size }

// CreatedByUs reports whether this process is the one that created the
// segment (as opposed to having attached to one created elsewhere).
func (s *Segment) CreatedByUs() bool { return s.createdBy }

// Bytes returns the raw memory span backing the segment. The returned
// slice aliases shared memory: writes are visible to every other attacher
// as soon as they are issued, subject to the usual memory-ordering caveats
// documented on the callers that synchronize access to it (see iplock and
// ctrlblock).
func (s *Segment) Bytes() []byte {
	return s.impl.bytes()
}

// Create allocates a brand-new segment of the given size under name. It
// fails with ErrAlreadyExists if one is already registered under that name.
func Create(name string, size int64) (*Segment, error) {
	impl, err := createImpl(name, size)
	if err != nil {
		return nil, err
	}
	return &Segment{name: name, size: size, createdBy: true, impl: impl}, nil
}

// Attach maps an existing segment named name into this process. It fails
// with ErrNotFound if no such segment exists.
func Attach(name string) (*Segment, error) {
	impl, size, err := attachImpl(name)
	if err != nil {
		return nil, err
	}
	return &Segment{name: name, size: size, createdBy: false, impl: impl}, nil
}

// Detach unmaps the segment from this process's address space. It does not
// remove the segment from the OS namespace — other attachers, including a
// later re-attach by this same process, remain unaffected.
func (s *Segment) Detach() error {
	if s.impl == nil {
		return nil
	}
	err := s.impl.detach()
	s.impl = nil
	return err
}

// Unlink removes the segment name from the OS namespace. Per the SMS
// invariant, processes that already attached keep a valid mapping until
// they individually Detach; Unlink only prevents future Attach calls from
// finding the name.
//
// Conventionally called exactly once, by the map's designated
// auto-unlinker (see shmap.WithAutoUnlink).
func Unlink(name string) error {
	return unlinkImpl(name)
}

// UnlinkByName removes a segment by name, optionally ignoring the case
// where it does not exist. This is the explicit cleanup hook for residue
// left behind by a crashed process, per spec.md §4.1.
func UnlinkByName(name string, ignoreErrors bool) error {
	err := unlinkImpl(name)
	if err != nil && ignoreErrors && errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// segImpl is the platform-specific half of a Segment.
type segImpl interface {
	bytes() []byte
	detach() error
}

func wrapErrf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
