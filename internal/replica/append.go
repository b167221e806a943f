package replica

import (
	"fmt"

	"github.com/shmap/shmap/internal/ctrlblock"
	"github.com/shmap/shmap/internal/fulldump"
	"github.com/shmap/shmap/internal/iplock"
	"github.com/shmap/shmap/internal/segment"
	"github.com/shmap/shmap/internal/ustream"
)

// ErrValueTooLarge is returned when a single record exceeds the
// configured MaxRecordSize, per spec.md §7. It is fatal to the triggering
// operation only, not to the map.
type ErrValueTooLarge struct {
	Need, Max uint64
}

func (e *ErrValueTooLarge) Error() string {
	return fmt.Sprintf("replica: record of %d bytes exceeds configured max of %d bytes", e.Need, e.Max)
}

// DumpOptions carries the Full-Dump Protocol knobs threaded through from
// the public Options (spec.md §6 full_dump_size, and the compression
// extension from SPEC_FULL.md's domain stack).
type DumpOptions struct {
	Compress   bool
	StaticName string
	StaticSize uint64
	// MaxRecordSize bounds a single record; 0 means unlimited (the 6-byte
	// length field's own ~281TB ceiling is the only limit).
	MaxRecordSize uint64
}

// AppendResult reports whether appending a record triggered the Full-Dump
// Protocol, so the caller (the façade) can track full-dump segment
// ownership for eventual unlinking, per spec.md §4.4 step 5.
type AppendResult struct {
	Dumped           bool
	PreviousDumpName string
	NewDumpSegment   *segment.Segment
}

// Append implements spec.md §4.3 (Update Stream append) composed with the
// overflow handoff into §4.4 (Full-Dump Protocol). It must be called after
// the caller has already run CatchUp, so r.Snapshot (used if a dump is
// triggered) reflects every update this process knows about.
func (r *Replica) Append(lock iplock.Lock, ctrl *ctrlblock.Block, streamBuf []byte, marker ustream.Marker, payload []byte, opts DumpOptions, lockOpts LockOptions) (AppendResult, error) {
	if _, err := lock.Acquire(!lockOpts.NonBlocking, lockOpts.Timeout, lockOpts.StealAfterTimeout); err != nil {
		return AppendResult{}, fmt.Errorf("replica: append: acquire lock: %w", err)
	}
	defer lock.Release()

	need := uint64(ustream.Size(payload))

	if opts.MaxRecordSize > 0 && need > opts.MaxRecordSize {
		return AppendResult{}, &ErrValueTooLarge{Need: need, Max: opts.MaxRecordSize}
	}

	if need > uint64(len(streamBuf)) {
		// Pure-dump path (spec.md §4.3 step 4): apply locally first so
		// the snapshot about to be published includes this write, then
		// force a dump instead of ever trying to fit it in the stream.
		if err := r.apply(marker, payload); err != nil {
			return AppendResult{}, err
		}
		res, err := r.dumpLocked(ctrl, opts)
		if err != nil {
			return AppendResult{}, err
		}
		return res, nil
	}

	pos := ctrl.LoadStreamPosition()
	var result AppendResult

	if pos+need > uint64(len(streamBuf)) {
		res, err := r.dumpLocked(ctrl, opts)
		if err != nil {
			return AppendResult{}, err
		}
		result = res
		pos = 0
	}

	newPos, err := ustream.Write(streamBuf, pos, marker, payload)
	if err != nil {
		// ErrBufferTooSmall here would mean a single record still
		// cannot fit in a freshly reset buffer — only possible if
		// need <= len(streamBuf) was violated above, which cannot
		// happen; surfaced defensively rather than silently dropped.
		return AppendResult{}, fmt.Errorf("replica: append: %w", err)
	}

	ctrl.StoreStreamPosition(newPos)

	if err := r.apply(marker, payload); err != nil {
		return AppendResult{}, err
	}

	return result, nil
}

// Dump forces the Full-Dump Protocol unconditionally, implementing
// spec.md §6 "dump()". Must be called after CatchUp.
func (r *Replica) Dump(lock iplock.Lock, ctrl *ctrlblock.Block, opts DumpOptions, lockOpts LockOptions) (AppendResult, error) {
	if _, err := lock.Acquire(!lockOpts.NonBlocking, lockOpts.Timeout, lockOpts.StealAfterTimeout); err != nil {
		return AppendResult{}, fmt.Errorf("replica: dump: acquire lock: %w", err)
	}
	defer lock.Release()

	return r.dumpLocked(ctrl, opts)
}

// dumpLocked runs the Full-Dump Protocol and folds its effect on this
// replica's own generation tracking, so the process that triggers a dump
// does not need a redundant catch-up to see its own work. Called while
// the IPL is held.
func (r *Replica) dumpLocked(ctrl *ctrlblock.Block, opts DumpOptions) (AppendResult, error) {
	previous := ctrl.FullDumpMemoryName()

	published, err := fulldump.Publish(ctrl, r.Snapshot(), opts.Compress, opts.StaticName, opts.StaticSize)
	if err != nil {
		return AppendResult{}, fmt.Errorf("replica: dump: %w", err)
	}

	r.seenFullDump = ctrl.LoadFullDumpCounter()
	r.cursor = 0

	// The blob is already copied into shared memory; this process does
	// not need to keep its own attachment open, only remember the name
	// for later possible unlink bookkeeping (handled by the façade).
	published.Segment.Detach()

	return AppendResult{
		Dumped:           true,
		PreviousDumpName: previous,
	}, nil
}
