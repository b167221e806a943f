// Package replica implements the per-process Replica and its Replay
// Cursor (spec.md §3 "Replica", §4.5 "Replica & Replay Cursor"): a local
// cache of encoded key/value pairs kept consistent with the shared stream
// and full dumps via catch-up.
package replica

import (
	"fmt"
	"time"

	"github.com/shmap/shmap/internal/ctrlblock"
	"github.com/shmap/shmap/internal/fulldump"
	"github.com/shmap/shmap/internal/iplock"
	"github.com/shmap/shmap/internal/segment"
	"github.com/shmap/shmap/internal/ustream"
)

// LockOptions configures how CatchUp, Append, Dump, and ForceReload
// acquire the IPL around their critical section, mirroring spec.md §4.2's
// `acquire(block, timeout, steal_after_timeout)` contract.
type LockOptions struct {
	// NonBlocking makes the acquire return iplock.CannotAcquireError
	// immediately on contention instead of waiting.
	NonBlocking bool
	// Timeout bounds a blocking acquire; 0 waits forever. Ignored when
	// NonBlocking is set.
	Timeout time.Duration
	// StealAfterTimeout forcibly takes the lock once Timeout elapses,
	// instead of returning iplock.ErrTimeout. Ignored when NonBlocking
	// is set.
	StealAfterTimeout bool
}

// Replica is the process-local cache backing one attached map. It stores
// already-encoded key/value byte spans; the public façade is responsible
// for encoding and decoding against caller types.
type Replica struct {
	data         map[string][]byte
	seenFullDump uint64
	cursor       uint64

	// stale is set when a parse or deserialization failure is observed
	// mid catch-up; it forces the next catch-up to reload a full dump
	// regardless of generation equality, per spec.md §4.5 "Recovery".
	stale bool

	// dumpSeg is not set by any code path: reload keeps its full-dump
	// attachment in a local variable only long enough to read the blob
	// out of it, then detaches it - afterward the replica's data map is
	// self-sufficient.
	dumpSeg *segment.Segment
}

// New returns an empty replica, ready to catch up from generation 0.
func New() *Replica {
	return &Replica{data: make(map[string][]byte)}
}

// Get returns the value currently cached for encKey, or ok=false if
// absent (spec.md §6 "get(key) -> value | Missing").
func (r *Replica) Get(encKey []byte) (encValue []byte, ok bool) {
	v, ok := r.data[string(encKey)]
	return v, ok
}

// Len returns the number of live keys in the replica.
func (r *Replica) Len() int { return len(r.data) }

// Keys returns every encoded key currently cached, in unspecified order.
func (r *Replica) Keys() [][]byte {
	out := make([][]byte, 0, len(r.data))
	for k := range r.data {
		out = append(out, []byte(k))
	}
	return out
}

// apply performs one record's effect on the in-memory data map. Append
// and ApplyLocal use it for the local process's own writes as well.
func (r *Replica) apply(marker ustream.Marker, payload []byte) error {
	switch marker {
	case ustream.Set:
		encKey, encValue, err := ustream.DecodeSet(payload)
		if err != nil {
			return err
		}
		r.data[string(encKey)] = append([]byte(nil), encValue...)
	case ustream.Delete:
		encKey := ustream.DecodeDelete(payload)
		delete(r.data, string(encKey))
	default:
		return fmt.Errorf("%w: unknown marker %d", ustream.ErrCorruptRecord, marker)
	}
	return nil
}

// ApplyLocal applies a write this process itself just made, so that a
// subsequent read in the same process observes it without waiting on a
// round trip through the stream.
func (r *Replica) ApplyLocal(marker ustream.Marker, payload []byte) error {
	return r.apply(marker, payload)
}

// Snapshot returns the current contents as full-dump items, for use when
// this process triggers the Full-Dump Protocol.
func (r *Replica) Snapshot() []fulldump.Item {
	items := make([]fulldump.Item, 0, len(r.data))
	for k, v := range r.data {
		items = append(items, fulldump.Item{Key: []byte(k), Value: v})
	}
	return items
}

// SeenFullDump returns the generation number this replica was last loaded
// from.
func (r *Replica) SeenFullDump() uint64 { return r.seenFullDump }

// Cursor returns the stream offset up to which this replica has replayed
// updates.
func (r *Replica) Cursor() uint64 { return r.cursor }

// CatchUp brings the replica up to date with the shared control block and
// stream buffer, implementing the algorithm of spec.md §4.5.
//
// The fast path — two unlocked loads that already match what this replica
// last observed — returns without taking the lock. Otherwise it acquires
// the IPL, re-reads the generation under lock, reloads a full dump if the
// generation moved, and replays any stream bytes written since the
// cursor.
func (r *Replica) CatchUp(lock iplock.Lock, ctrl *ctrlblock.Block, streamBuf []byte, lockOpts LockOptions) error {
	remoteGen := ctrl.LoadFullDumpCounter()
	remotePos := ctrl.LoadStreamPosition()
	if !r.stale && remoteGen == r.seenFullDump && remotePos == r.cursor {
		return nil
	}

	if _, err := lock.Acquire(!lockOpts.NonBlocking, lockOpts.Timeout, lockOpts.StealAfterTimeout); err != nil {
		return fmt.Errorf("replica: catch-up: acquire lock: %w", err)
	}
	defer lock.Release()

	remoteGen = ctrl.LoadFullDumpCounter()
	if r.stale || remoteGen != r.seenFullDump {
		if err := r.reload(ctrl); err != nil {
			return err
		}
	}

	remotePos = ctrl.LoadStreamPosition()
	for r.cursor < remotePos {
		rec, err := ustream.Parse(streamBuf, r.cursor)
		if err != nil {
			r.stale = true
			return fmt.Errorf("replica: catch-up: %w", err)
		}
		if err := r.apply(rec.Marker, rec.Payload); err != nil {
			r.stale = true
			return fmt.Errorf("replica: catch-up: %w", err)
		}
		r.cursor += uint64(rec.TotalLen)
	}

	return nil
}

// reload attaches the control block's current full-dump segment and
// replaces this replica's entire data map with its contents. Called while
// the IPL is held.
func (r *Replica) reload(ctrl *ctrlblock.Block) error {
	items, seg, err := fulldump.Load(ctrl)
	if err != nil {
		return fmt.Errorf("replica: reload: %w", err)
	}
	defer seg.Detach()

	data := make(map[string][]byte, len(items))
	for _, it := range items {
		data[string(it.Key)] = it.Value
	}

	r.data = data
	r.seenFullDump = ctrl.LoadFullDumpCounter()
	r.cursor = 0
	r.stale = false
	return nil
}

// ForceReload discards r.stale/generation tracking and reloads the current
// full dump unconditionally, implementing spec.md §6 "load(force: bool)".
func (r *Replica) ForceReload(lock iplock.Lock, ctrl *ctrlblock.Block, lockOpts LockOptions) error {
	if _, err := lock.Acquire(!lockOpts.NonBlocking, lockOpts.Timeout, lockOpts.StealAfterTimeout); err != nil {
		return fmt.Errorf("replica: force reload: acquire lock: %w", err)
	}
	defer lock.Release()

	return r.reload(ctrl)
}

// MarkStale flags the replica so the next CatchUp forces a full reload
// regardless of generation equality, per spec.md §4.5 "Recovery".
func (r *Replica) MarkStale() { r.stale = true }
