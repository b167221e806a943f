// Package ctrlblock provides a typed, atomic view over the fixed-layout
// control segment described in spec.md §3 ("Control Block").
//
// All multi-byte fields are little-endian, per spec.md §9 Open Question
// (b). The spec's 6-byte counters are widened to full 8-byte atomics here
// so every field sits at a naturally aligned offset — atomic.LoadUint64 /
// CompareAndSwapUint32 require alignment the packed 6-byte layout would not
// guarantee. This only changes the storage footprint, not the protocol: a
// generation counter or stream position that never approaches 2^48 behaves
// identically whether it is stored in 6 or 8 bytes.
package ctrlblock

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Field offsets, all chosen so every atomically-accessed field is naturally
// aligned: 4-byte fields on a 4-byte boundary, 8-byte fields on an 8-byte
// boundary.
const (
	offLockWord      = 0  // uint32
	offLockPID       = 4  // uint32
	offSharedLock    = 8  // byte: 0 = fast (fork-inherited) lock, 1 = shared spin lock
	offRecurseFlag   = 9  // byte
	offFullDumpGen   = 16 // uint64
	offStreamPos     = 24 // uint64
	offDumpNameLen   = 32 // uint16 (0..maxDumpNameLen)
	offDumpName      = 40 // [maxDumpNameLen]byte
	offDumpStaticSz  = 40 + maxDumpNameLen // uint64, 40+256=296, 8-aligned
)

// maxDumpNameLen is the maximum length, in bytes, of a full-dump segment
// name, per spec.md §3 ("≤ 256 B length-prefixed").
const maxDumpNameLen = 256

// Size is the total size, in bytes, of the control segment's fixed layout.
const Size = offDumpStaticSz + 8

// Block is a typed, atomic view over a control segment's raw bytes.
//
// A Block does not own the memory it wraps; it must outlive the Block for
// as long as the Block is in use.
type Block struct {
	buf []byte
}

// New wraps buf as a control block. buf must be at least Size bytes.
func New(buf []byte) (*Block, error) {
	if len(buf) < Size {
		return nil, fmt.Errorf("ctrlblock: segment too small: have %d bytes, need %d", len(buf), Size)
	}
	return &Block{buf: buf[:Size]}, nil
}

func (b *Block) u32At(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&b.buf[off]))
}

func (b *Block) u64At(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&b.buf[off]))
}

// LoadLockWord reads the IPL state word: 0 means free, any other value is
// the owning PID.
func (b *Block) LoadLockWord() uint32 { return atomic.LoadUint32(b.u32At(offLockWord)) }

// CASLockWord attempts to atomically transition the lock word from old to
// new, returning whether it succeeded. This is the core of the shared spin
// lock's acquire algorithm (spec.md §4.2).
func (b *Block) CASLockWord(old, new uint32) bool {
	return atomic.CompareAndSwapUint32(b.u32At(offLockWord), old, new)
}

// StoreLockWord unconditionally sets the lock word. Used by release (which
// checks ownership itself before calling) and by steal_after_timeout.
func (b *Block) StoreLockWord(v uint32) { atomic.StoreUint32(b.u32At(offLockWord), v) }

// LoadLockPID reads the debug/takeover duplicate holder PID.
func (b *Block) LoadLockPID() uint32 { return atomic.LoadUint32(b.u32At(offLockPID)) }

// StoreLockPID sets the debug/takeover duplicate holder PID.
func (b *Block) StoreLockPID(v uint32) { atomic.StoreUint32(b.u32At(offLockPID), v) }

// SharedLock reports which IPL variant this map was created with: true
// selects the shared spin lock, false the fast fork-inherited lock.
func (b *Block) SharedLock() bool { return b.buf[offSharedLock] != 0 }

// SetSharedLock records the IPL variant at map-creation time. It is never
// mutated afterward and is therefore not an atomic field.
func (b *Block) SetSharedLock(v bool) {
	if v {
		b.buf[offSharedLock] = 1
	} else {
		b.buf[offSharedLock] = 0
	}
}

// Recurse reports whether this map participates in recursive child-map
// wrapping.
func (b *Block) Recurse() bool { return b.buf[offRecurseFlag] != 0 }

// SetRecurse records the recurse flag at map-creation time.
func (b *Block) SetRecurse(v bool) {
	if v {
		b.buf[offRecurseFlag] = 1
	} else {
		b.buf[offRecurseFlag] = 0
	}
}

// LoadFullDumpCounter reads the generation number of the newest published
// full dump. Safe to call without the IPL held; the result is a
// valid-at-some-past-moment hint validated by catch-up's re-read under
// lock (spec.md §4.5).
func (b *Block) LoadFullDumpCounter() uint64 { return atomic.LoadUint64(b.u64At(offFullDumpGen)) }

// IncFullDumpCounter atomically advances the generation by one and returns
// the new value. Must only be called while holding the IPL.
func (b *Block) IncFullDumpCounter() uint64 {
	return atomic.AddUint64(b.u64At(offFullDumpGen), 1)
}

// LoadStreamPosition reads the next free byte offset inside the stream
// buffer. Safe to call without the IPL held, per the fast-path rationale
// in spec.md §4.5.
func (b *Block) LoadStreamPosition() uint64 { return atomic.LoadUint64(b.u64At(offStreamPos)) }

// StoreStreamPosition publishes a new stream position. Must only be
// called while holding the IPL, and only after the bytes up to that
// position have been fully written — this ordering is what lets readers
// trust a newly observed position (spec.md §4.3 step 6).
func (b *Block) StoreStreamPosition(v uint64) { atomic.StoreUint64(b.u64At(offStreamPos), v) }

// FullDumpMemoryName reads the name of the current full-dump segment.
func (b *Block) FullDumpMemoryName() string {
	n := int(*(*uint16)(unsafe.Pointer(&b.buf[offDumpNameLen])))
	if n == 0 {
		return ""
	}
	return string(b.buf[offDumpName : offDumpName+n])
}

// SetFullDumpMemoryName writes a new full-dump segment name. Must only be
// called while holding the IPL, and strictly before IncFullDumpCounter, per
// the publication order in spec.md §4.4 step 4.
func (b *Block) SetFullDumpMemoryName(name string) error {
	if len(name) > maxDumpNameLen {
		return fmt.Errorf("ctrlblock: full-dump name %q exceeds %d bytes", name, maxDumpNameLen)
	}
	copy(b.buf[offDumpName:offDumpName+maxDumpNameLen], name)
	for i := len(name); i < maxDumpNameLen; i++ {
		b.buf[offDumpName+i] = 0
	}
	*(*uint16)(unsafe.Pointer(&b.buf[offDumpNameLen])) = uint16(len(name))
	return nil
}

// FullDumpStaticSize returns the preallocated full-dump size, or 0 if full
// dumps are allocated fresh on every overflow (spec.md §4.1 Windows
// caveat).
func (b *Block) FullDumpStaticSize() uint64 { return atomic.LoadUint64(b.u64At(offDumpStaticSz)) }

// SetFullDumpStaticSize records the preallocated full-dump size at
// map-creation time.
func (b *Block) SetFullDumpStaticSize(v uint64) { atomic.StoreUint64(b.u64At(offDumpStaticSz), v) }
