// Package shmap provides a synchronized, streaming key-value map shared
// live across independent OS processes through named shared memory.
// Multiple processes attach to the same logical map by name; writes
// performed by any process are observed by all others, with no broker,
// daemon, or manager process in the loop.
//
// The package is a thin container façade over the cross-process
// synchronization engine in internal/: segment (shared memory), ctrlblock
// (the control region), iplock (the inter-process lock), ustream (the
// update log), fulldump (snapshot handover), and replica (the per-process
// cache and its replay cursor).
package shmap

import (
	"errors"
	"fmt"

	"github.com/gobwas/glob"
	"github.com/hashicorp/go-multierror"

	"github.com/shmap/shmap/internal/ctrlblock"
	"github.com/shmap/shmap/internal/iplock"
	"github.com/shmap/shmap/internal/replica"
	"github.com/shmap/shmap/internal/segment"
	"github.com/shmap/shmap/internal/ustream"
)

// memorySuffix names the stream segment relative to the control segment's
// name, per spec.md §6 ("stream SMS name = `<name>_memory`").
const memorySuffix = "_memory"

// dumpStaticSuffix names the preallocated full-dump segment when
// WithFullDumpSize is used.
const dumpStaticSuffix = "_dump"

// Map is a cross-process key-value map backed by shared memory. K must be
// comparable so Close can return the replica's contents as a map[K]V; V is
// caller-defined.
// Keys and values are both encoded through caller-supplied Codecs — the
// core never branches on either type.
type Map[K comparable, V any] struct {
	opts *options

	ctrlSeg   *segment.Segment
	streamSeg *segment.Segment
	ctrl      *ctrlblock.Block
	lock      iplock.Lock
	replica   *replica.Replica

	keyCodec   Codec[K]
	valueCodec Codec[V]

	// lastPreviousDump is the full-dump segment name this process last
	// saw superseded by one of its own Append/Dump calls, per
	// internal/replica.AppendResult's documented purpose of letting the
	// caller track full-dump segment ownership. Surfaced through Status
	// for an operator to unlink once they know every other attacher has
	// moved on; spec.md's own open question on this defers eager
	// unlinking to process exit, so this is diagnostic, not automatic.
	lastPreviousDump string
}

// Open creates or attaches a map named name, per the Option-selected
// Tristate create policy (default CreateOrAttach). keyCodec and valueCodec
// encode and decode K and V respectively; the core never inspects the
// bytes they produce.
func Open[K comparable, V any](name string, keyCodec Codec[K], valueCodec Codec[V], opts ...Option) (*Map[K, V], error) {
	o := newOptions(name)
	for _, opt := range opts {
		opt(o)
	}

	ctrlSeg, created, err := openSegment(name, o.create, int64(ctrlblock.Size))
	if err != nil {
		return nil, err
	}

	streamSeg, _, err := openSegment(name+memorySuffix, forceMatchingTristate(o.create, created), int64(o.bufferSize.Bytes()))
	if err != nil {
		ctrlSeg.Detach()
		return nil, err
	}

	ctrl, err := ctrlblock.New(ctrlSeg.Bytes())
	if err != nil {
		ctrlSeg.Detach()
		streamSeg.Detach()
		return nil, fmt.Errorf("shmap: %q: %w", name, err)
	}

	if created {
		ctrl.SetSharedLock(o.sharedLock)
		ctrl.SetRecurse(o.recurse)
		ctrl.SetFullDumpStaticSize(o.fullDumpSize.Bytes())
	}

	var lock iplock.Lock
	if ctrl.SharedLock() {
		lock = iplock.NewShared(ctrl, o.sleepTime)
	} else {
		fastLock, err := iplock.NewFast(name)
		if err != nil {
			ctrlSeg.Detach()
			streamSeg.Detach()
			return nil, fmt.Errorf("shmap: %q: %w", name, err)
		}
		lock = fastLock
	}

	m := &Map[K, V]{
		opts:       o,
		ctrlSeg:    ctrlSeg,
		streamSeg:  streamSeg,
		ctrl:       ctrl,
		lock:       lock,
		replica:    replica.New(),
		keyCodec:   keyCodec,
		valueCodec: valueCodec,
	}

	o.log.Debugw("opened map", "name", name, "created", created, "shared_lock", ctrl.SharedLock())

	return m, nil
}

// openSegment implements the create/attach/create-or-attach selection
// shared by the control and stream segments.
func openSegment(name string, create Tristate, size int64) (seg *segment.Segment, created bool, err error) {
	switch create {
	case MustCreate:
		seg, err = segment.Create(name, size)
		if err != nil {
			if err == segment.ErrAlreadyExists {
				return nil, false, ErrSegmentAlreadyExists
			}
			return nil, false, err
		}
		return seg, true, nil
	case MustAttach:
		seg, err = segment.Attach(name)
		if err != nil {
			if err == segment.ErrNotFound {
				return nil, false, ErrSegmentNotFound
			}
			return nil, false, err
		}
		return seg, false, nil
	default: // CreateOrAttach
		seg, err = segment.Create(name, size)
		if err == nil {
			return seg, true, nil
		}
		if err != segment.ErrAlreadyExists {
			return nil, false, err
		}
		seg, err = segment.Attach(name)
		if err != nil {
			return nil, false, err
		}
		return seg, false, nil
	}
}

// forceMatchingTristate pins the stream segment's create policy to
// whatever the control segment actually did, so the pair is never split
// (one created, the other merely attached) under CreateOrAttach.
func forceMatchingTristate(requested Tristate, controlWasCreated bool) Tristate {
	if requested != CreateOrAttach {
		return requested
	}
	if controlWasCreated {
		return MustCreate
	}
	return MustAttach
}

// dumpOptions builds the internal/replica.DumpOptions this map's
// configuration implies.
func (m *Map[K, V]) dumpOptions() replica.DumpOptions {
	return replica.DumpOptions{
		Compress:      m.opts.compressDumps,
		StaticName:    m.opts.name + dumpStaticSuffix,
		StaticSize:    m.opts.fullDumpSize.Bytes(),
		MaxRecordSize: m.opts.maxRecordSize,
	}
}

// lockOptions builds the internal/replica.LockOptions this map's
// WithLockTimeout/WithNonBlockingLock configuration implies.
func (m *Map[K, V]) lockOptions() replica.LockOptions {
	return replica.LockOptions{
		NonBlocking:       m.opts.lockNonBlocking,
		Timeout:           m.opts.lockTimeout,
		StealAfterTimeout: m.opts.stealAfterTimeout,
	}
}

// asLockError recognizes the two lock-contention outcomes spec.md §7
// documents (CannotAcquireLock and CannotAcquireLockTimeout) and maps
// them onto the public error taxonomy. Unlike a corrupted full dump,
// losing a lock race is not fatal to the replica, so callers must check
// this before falling back to Map.fatal.
func asLockError(err error) (error, bool) {
	var cannotAcquire *iplock.CannotAcquireError
	if errors.As(err, &cannotAcquire) {
		return &CannotAcquireLockError{BlockingPID: cannotAcquire.BlockingPID}, true
	}
	if errors.Is(err, iplock.ErrTimeout) {
		return ErrCannotAcquireLockTimeout, true
	}
	return nil, false
}

// recordDump consults an AppendResult from Append/Dump for the full-dump
// handoff bookkeeping append.go documents: when a call triggered the
// Full-Dump Protocol, the segment it superseded is remembered for Status
// to surface.
func (m *Map[K, V]) recordDump(res replica.AppendResult) {
	if !res.Dumped {
		return
	}
	m.lastPreviousDump = res.PreviousDumpName
	m.opts.log.Debugw("full dump published", "name", m.opts.name, "previous_dump", res.PreviousDumpName)
}

func (m *Map[K, V]) catchUp() error {
	if err := m.replica.CatchUp(m.lock, m.ctrl, m.streamSeg.Bytes(), m.lockOptions()); err != nil {
		if lockErr, ok := asLockError(err); ok {
			return lockErr
		}
		return m.fatal(err)
	}
	return nil
}

// fatal marks the replica stale, so the next catch-up forces a full
// reload, and wraps err as a FatalError.
func (m *Map[K, V]) fatal(err error) error {
	m.replica.MarkStale()
	return &FatalError{Err: err}
}

// Get returns the value for key, or ErrMissing if it is not present.
func (m *Map[K, V]) Get(key K) (V, error) {
	var zero V

	if err := m.catchUp(); err != nil {
		return zero, err
	}

	encKey, err := m.keyCodec.Encode(key)
	if err != nil {
		return zero, &SerializerError{Op: "encode key", Err: err}
	}

	encValue, ok := m.replica.Get(encKey)
	if !ok {
		return zero, ErrMissing
	}

	value, err := m.valueCodec.Decode(encValue)
	if err != nil {
		return zero, &SerializerError{Op: "decode value", Err: err}
	}
	return value, nil
}

// Set appends a SET record for key/value and applies it locally.
func (m *Map[K, V]) Set(key K, value V) error {
	if err := m.catchUp(); err != nil {
		return err
	}

	encKey, err := m.keyCodec.Encode(key)
	if err != nil {
		return &SerializerError{Op: "encode key", Err: err}
	}
	encValue, err := m.valueCodec.Encode(value)
	if err != nil {
		return &SerializerError{Op: "encode value", Err: err}
	}

	payload := ustream.EncodeSet(encKey, encValue)
	res, err := m.replica.Append(m.lock, m.ctrl, m.streamSeg.Bytes(), ustream.Set, payload, m.dumpOptions(), m.lockOptions())
	if err != nil {
		return wrapAppendError(err)
	}
	m.recordDump(res)
	return nil
}

// Delete appends a DELETE record (tombstone) for key and applies it
// locally.
func (m *Map[K, V]) Delete(key K) error {
	if err := m.catchUp(); err != nil {
		return err
	}

	encKey, err := m.keyCodec.Encode(key)
	if err != nil {
		return &SerializerError{Op: "encode key", Err: err}
	}

	payload := ustream.EncodeDelete(encKey)
	res, err := m.replica.Append(m.lock, m.ctrl, m.streamSeg.Bytes(), ustream.Delete, payload, m.dumpOptions(), m.lockOptions())
	if err != nil {
		return wrapAppendError(err)
	}
	m.recordDump(res)
	return nil
}

// Dump forces the Full-Dump Protocol unconditionally.
func (m *Map[K, V]) Dump() error {
	if err := m.catchUp(); err != nil {
		return err
	}
	res, err := m.replica.Dump(m.lock, m.ctrl, m.dumpOptions(), m.lockOptions())
	if err != nil {
		return wrapAppendError(err)
	}
	m.recordDump(res)
	return nil
}

// Load reloads the current full dump. If force is false, it is a no-op
// when this replica has already applied the current generation.
func (m *Map[K, V]) Load(force bool) error {
	if !force && m.ctrl.LoadFullDumpCounter() == m.replica.SeenFullDump() {
		return nil
	}
	if err := m.replica.ForceReload(m.lock, m.ctrl, m.lockOptions()); err != nil {
		if lockErr, ok := asLockError(err); ok {
			return lockErr
		}
		return m.fatal(err)
	}
	return nil
}

// ApplyUpdate runs catch-up without any other read or write, per spec.md
// §6.
func (m *Map[K, V]) ApplyUpdate() error {
	return m.catchUp()
}

// Len returns the number of live keys after catching up.
func (m *Map[K, V]) Len() (int, error) {
	if err := m.catchUp(); err != nil {
		return 0, err
	}
	return m.replica.Len(), nil
}

// Keys returns every decoded key after catching up, optionally filtered
// by a glob pattern (github.com/gobwas/glob syntax) matched against the
// key's encoded bytes as a string. Pass "" for no filtering.
func (m *Map[K, V]) Keys(pattern string) ([]K, error) {
	if err := m.catchUp(); err != nil {
		return nil, err
	}

	var matcher glob.Glob
	if pattern != "" {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("shmap: keys: invalid pattern %q: %w", pattern, err)
		}
		matcher = g
	}

	var out []K
	for _, encKey := range m.replica.Keys() {
		if matcher != nil && !matcher.Match(string(encKey)) {
			continue
		}
		key, err := m.keyCodec.Decode(encKey)
		if err != nil {
			return nil, &SerializerError{Op: "decode key", Err: err}
		}
		out = append(out, key)
	}
	return out, nil
}

// Status is the diagnostic snapshot returned by Map.Status, per spec.md
// §6 ("status() -> record").
type Status struct {
	Name              string
	StreamName        string
	FullDumpName      string
	FullDumpGeneration uint64
	StreamPosition    uint64
	LocalSeenFullDump uint64
	LocalCursor       uint64
	BufferSize        int64
	LockedBy          uint32
	SharedLock        bool
	// PreviousFullDumpName is the full-dump segment this process last saw
	// superseded by one of its own Set/Delete/Dump calls, or "" if this
	// process never triggered a dump. Diagnostic only — see
	// Map.recordDump and DESIGN.md's note on deferring full-dump
	// segment unlinking to process exit.
	PreviousFullDumpName string
}

// Status returns a diagnostic snapshot of the control block, segment
// names and sizes, and this process's local cursor state.
func (m *Map[K, V]) Status() Status {
	return Status{
		Name:                 m.ctrlSeg.Name(),
		StreamName:           m.streamSeg.Name(),
		FullDumpName:         m.ctrl.FullDumpMemoryName(),
		FullDumpGeneration:   m.ctrl.LoadFullDumpCounter(),
		StreamPosition:       m.ctrl.LoadStreamPosition(),
		LocalSeenFullDump:    m.replica.SeenFullDump(),
		LocalCursor:          m.replica.Cursor(),
		BufferSize:           m.streamSeg.Size(),
		LockedBy:             m.lock.LockedBy(),
		SharedLock:           m.ctrl.SharedLock(),
		PreviousFullDumpName: m.lastPreviousDump,
	}
}

// snapshot decodes the replica's current contents into a plain map of
// caller types, per spec.md:191's close() contract.
func (m *Map[K, V]) snapshot() (map[K]V, error) {
	out := make(map[K]V, m.replica.Len())
	for _, encKey := range m.replica.Keys() {
		encValue, ok := m.replica.Get(encKey)
		if !ok {
			continue
		}
		key, err := m.keyCodec.Decode(encKey)
		if err != nil {
			return nil, &SerializerError{Op: "decode key", Err: err}
		}
		value, err := m.valueCodec.Decode(encValue)
		if err != nil {
			return nil, &SerializerError{Op: "decode value", Err: err}
		}
		out[key] = value
	}
	return out, nil
}

// Close detaches this process's local segment handles and returns the
// replica's current contents as a plain map, per spec.md §6 ("close()
// detaches local SMS handles and returns the current replica as a plain
// map"). It does not remove any segment from the OS namespace unless this
// Map was opened WithAutoUnlink, in which case Close also unlinks, per
// spec.md's `auto_unlink`: "this process unlinks SMS on teardown".
func (m *Map[K, V]) Close() (map[K]V, error) {
	var result *multierror.Error

	snapshot, err := m.snapshot()
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("snapshot before close: %w", err))
	}

	if m.opts.autoUnlink {
		if err := m.Unlink(); err != nil {
			result = multierror.Append(result, fmt.Errorf("auto-unlink: %w", err))
		}
	}

	if err := m.ctrlSeg.Detach(); err != nil {
		result = multierror.Append(result, fmt.Errorf("detach control segment: %w", err))
	}
	if err := m.streamSeg.Detach(); err != nil {
		result = multierror.Append(result, fmt.Errorf("detach stream segment: %w", err))
	}
	if closer, ok := m.lock.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close lock: %w", err))
		}
	}

	return snapshot, result.ErrorOrNil()
}

// Unlink removes this map's segments — control, stream, and the current
// full dump — from the OS namespace. Conventionally called exactly once,
// by the designated auto-unlinker (see WithAutoUnlink, which calls Unlink
// automatically from Close); per spec.md §3, processes that already
// attached keep a valid mapping until they individually Close.
func (m *Map[K, V]) Unlink() error {
	var result *multierror.Error

	if err := segment.UnlinkByName(m.opts.name, true); err != nil {
		result = multierror.Append(result, fmt.Errorf("unlink control segment: %w", err))
	}
	if err := segment.UnlinkByName(m.opts.name+memorySuffix, true); err != nil {
		result = multierror.Append(result, fmt.Errorf("unlink stream segment: %w", err))
	}
	if dumpName := m.ctrl.FullDumpMemoryName(); dumpName != "" {
		if err := segment.UnlinkByName(dumpName, true); err != nil {
			result = multierror.Append(result, fmt.Errorf("unlink full-dump segment %q: %w", dumpName, err))
		}
	}
	if !m.ctrl.SharedLock() {
		if err := iplock.UnlinkFast(m.opts.name); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// UnlinkByName removes a map's segments from the OS namespace by name
// alone, without an open Map handle. This is the cleanup path a recurse
// Register uses to reach child maps it only ever knew by name.
func UnlinkByName(name string) error {
	var result *multierror.Error

	if ctrlSeg, err := segment.Attach(name); err == nil {
		if ctrl, err := ctrlblock.New(ctrlSeg.Bytes()); err == nil {
			if dumpName := ctrl.FullDumpMemoryName(); dumpName != "" {
				if err := segment.UnlinkByName(dumpName, true); err != nil {
					result = multierror.Append(result, fmt.Errorf("unlink full-dump segment %q: %w", dumpName, err))
				}
			}
			if !ctrl.SharedLock() {
				if err := iplock.UnlinkFast(name); err != nil {
					result = multierror.Append(result, err)
				}
			}
		}
		ctrlSeg.Detach()
	}

	if err := segment.UnlinkByName(name, true); err != nil {
		result = multierror.Append(result, fmt.Errorf("unlink control segment: %w", err))
	}
	if err := segment.UnlinkByName(name+memorySuffix, true); err != nil {
		result = multierror.Append(result, fmt.Errorf("unlink stream segment: %w", err))
	}

	return result.ErrorOrNil()
}

// wrapAppendError promotes the internal replica error types into the
// package's public error taxonomy (spec.md §7).
func wrapAppendError(err error) error {
	var tooLarge *replica.ErrValueTooLarge
	if asValueTooLarge(err, &tooLarge) {
		return &ValueTooLargeError{Need: tooLarge.Need, Max: tooLarge.Max}
	}
	if lockErr, ok := asLockError(err); ok {
		return lockErr
	}
	return fmt.Errorf("shmap: %w", err)
}

func asValueTooLarge(err error, target **replica.ErrValueTooLarge) bool {
	v, ok := err.(*replica.ErrValueTooLarge)
	if ok {
		*target = v
	}
	return ok
}
