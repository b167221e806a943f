// Package iplock implements the Inter-Process Lock (IPL) described in
// spec.md §4.2: two interchangeable implementations behind one contract,
// protecting the control block and stream buffer.
package iplock

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned by Acquire when a blocking acquire exceeds its
// timeout without stealing the lock.
var ErrTimeout = errors.New("iplock: acquire timed out")

// CannotAcquireError is returned by a non-blocking Acquire that lost the
// race for the lock.
type CannotAcquireError struct {
	BlockingPID uint32
}

func (e *CannotAcquireError) Error() string {
	return fmt.Sprintf("iplock: cannot acquire, held by pid %d", e.BlockingPID)
}

// Result describes the outcome of a successful Acquire.
type Result struct {
	// Stolen is true if the lock was forcibly taken from a PID that
	// still held it when the timeout expired (steal_after_timeout).
	Stolen bool
	// Recursive is true if this call was a nested acquisition by the
	// same owner that already held the lock.
	Recursive bool
}

// Lock is the contract shared by both IPL variants.
type Lock interface {
	// Acquire attempts to take the lock. If block is false, Acquire
	// returns immediately with a *CannotAcquireError on contention. If
	// block is true, Acquire waits up to timeout (zero means wait
	// forever); on timeout it either returns ErrTimeout or, if
	// stealAfterTimeout is set, forcibly takes the lock and returns a
	// Result with Stolen set. Only Shared steals; Fast has no forced-steal
	// primitive and instead keeps waiting without a deadline, returning a
	// Result with Stolen unset once it gets the lock.
	Acquire(block bool, timeout time.Duration, stealAfterTimeout bool) (Result, error)

	// Release gives up the lock. Release must be paired 1:1 with a
	// successful Acquire; releasing from a PID that does not hold the
	// lock is a documented no-op, not an error, per spec.md §4.2.
	Release() error

	// LockedBy returns the PID currently holding the lock, or 0 if
	// free. Fast can only see its own holding: it returns this process's
	// PID while this handle holds the lock and 0 otherwise.
	LockedBy() uint32
}
