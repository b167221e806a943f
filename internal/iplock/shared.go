package iplock

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/shmap/shmap/internal/ctrlblock"
)

// Shared is the spin-lock IPL variant: a 4-byte atomic CAS over the
// control block's lock word, usable across unrelated processes (spec.md
// §4.2, "Shared variant").
type Shared struct {
	block     *ctrlblock.Block
	pid       uint32
	sleepTime time.Duration

	mu    sync.Mutex
	depth int
}

// NewShared constructs the shared spin-lock variant over block.
// sleepTime is the configured retry interval between failed CAS attempts;
// zero means busy-wait (spec.md §4.2 step 3).
func NewShared(block *ctrlblock.Block, sleepTime time.Duration) *Shared {
	return &Shared{
		block:     block,
		pid:       uint32(os.Getpid()),
		sleepTime: sleepTime,
	}
}

// LockedBy returns the PID currently holding the lock, or 0 if free.
func (l *Shared) LockedBy() uint32 {
	return l.block.LoadLockWord()
}

// Acquire implements the spin-lock algorithm of spec.md §4.2.
func (l *Shared) Acquire(block bool, timeout time.Duration, stealAfterTimeout bool) (Result, error) {
	l.mu.Lock()
	if l.depth > 0 && l.block.LoadLockWord() == l.pid {
		// Reentrant acquisition by this same process.
		l.depth++
		l.mu.Unlock()
		return Result{Recursive: true}, nil
	}
	l.mu.Unlock()

	if l.tryCAS() {
		return l.markHeld(false), nil
	}

	if !block {
		return Result{}, &CannotAcquireError{BlockingPID: l.block.LoadLockWord()}
	}

	start := time.Now()

	// A fixed sleepTime still rides the exponential backoff type, just
	// pinned flat by setting MaxInterval to the same value as
	// InitialInterval — the same struct shape the fixed-interval retry
	// loops in this codebase's lineage use, just capped instead of
	// growing unbounded.
	var runBackoff backoff.ExponentialBackOff
	if l.sleepTime > 0 {
		runBackoff = backoff.ExponentialBackOff{
			InitialInterval:     l.sleepTime,
			RandomizationFactor: backoff.DefaultRandomizationFactor,
			Multiplier:          backoff.DefaultMultiplier,
			MaxInterval:         l.sleepTime,
		}
		runBackoff.Reset()
	}

	for {
		if l.tryCAS() {
			return l.markHeld(false), nil
		}

		if timeout > 0 && time.Since(start) >= timeout {
			if stealAfterTimeout {
				l.block.StoreLockWord(l.pid)
				l.block.StoreLockPID(l.pid)
				return l.markHeld(true), nil
			}
			return Result{}, ErrTimeout
		}

		if l.sleepTime == 0 {
			runtime.Gosched()
			continue
		}

		time.Sleep(runBackoff.NextBackOff())
	}
}

func (l *Shared) tryCAS() bool {
	if l.block.CASLockWord(0, l.pid) {
		l.block.StoreLockPID(l.pid)
		return true
	}
	return false
}

func (l *Shared) markHeld(stolen bool) Result {
	l.mu.Lock()
	l.depth = 1
	l.mu.Unlock()
	return Result{Stolen: stolen}
}

// Release gives up the lock. Only the owning PID may clear the lock word;
// a mismatched release is a documented no-op (spec.md §4.2 step 4).
func (l *Shared) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.depth == 0 {
		return nil
	}
	l.depth--
	if l.depth > 0 {
		return nil
	}

	if l.block.LoadLockWord() != l.pid {
		// Owner mismatch: documented no-op, not an error.
		return nil
	}
	l.block.StoreLockWord(0)
	return nil
}
