package shmap

import (
	"time"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"

	"github.com/shmap/shmap/internal/xlog"
)

// Tristate selects Create's behavior for an existing segment, per spec.md
// §6's `create` option: Must create (fail if it exists), MustAttach (fail
// if it does not), or CreateOrAttach (either is fine).
type Tristate int

const (
	CreateOrAttach Tristate = iota
	MustCreate
	MustAttach
)

// defaultBufferSize is spec.md §6's documented default of 10 000 bytes.
const defaultBufferSize = 10_000 * datasize.B

type options struct {
	name             string
	create           Tristate
	bufferSize       datasize.ByteSize
	sharedLock       bool
	sleepTime        time.Duration
	fullDumpSize      datasize.ByteSize
	compressDumps     bool
	autoUnlink        bool
	recurse           bool
	maxRecordSize     uint64
	lockNonBlocking   bool
	lockTimeout       time.Duration
	stealAfterTimeout bool
	log               *zap.SugaredLogger
}

func newOptions(name string) *options {
	return &options{
		name:       name,
		create:     CreateOrAttach,
		bufferSize: defaultBufferSize,
		log:        xlog.Nop(),
	}
}

// Option configures a Map at construction time.
type Option func(*options)

// WithCreate selects create-vs-attach behavior; default is CreateOrAttach.
func WithCreate(t Tristate) Option {
	return func(o *options) { o.create = t }
}

// WithBufferSize sets the stream buffer size; default 10 000 bytes
// (spec.md §6).
func WithBufferSize(size datasize.ByteSize) Option {
	return func(o *options) { o.bufferSize = size }
}

// WithSharedLock selects the shared spin-lock IPL variant, required
// across processes with no common fork ancestor. sleepTime configures the
// retry interval between failed CAS attempts; zero means busy-wait.
func WithSharedLock(sleepTime time.Duration) Option {
	return func(o *options) {
		o.sharedLock = true
		o.sleepTime = sleepTime
	}
}

// WithFullDumpSize preallocates a fixed-size full-dump segment, reused
// across generations instead of allocated fresh on every overflow. This
// is the documented Windows safeguard of spec.md §4.1, but is just as
// usable on POSIX to avoid segment churn.
func WithFullDumpSize(size datasize.ByteSize) Option {
	return func(o *options) { o.fullDumpSize = size }
}

// WithCompressedDumps enables S2 compression of full-dump blobs before
// they are copied into shared memory.
func WithCompressedDumps() Option {
	return func(o *options) { o.compressDumps = true }
}

// WithAutoUnlink designates this process as the one that removes the
// map's segments from the OS namespace on teardown: Close calls Unlink
// for it automatically before detaching. Only one process per map should
// be the auto-unlinker; default is that Close never unlinks on its own.
func WithAutoUnlink() Option {
	return func(o *options) { o.autoUnlink = true }
}

// WithRecurse marks this map as participating in recursive nested-map
// wrapping (spec.md §6's `recurse` flag, stored at offRecurseFlag for any
// attacher to observe). The wrapping itself — turning nested map values
// into child shmap instances and recording their names in a parent
// register — is implemented by the recurse package, which is handed its
// register directly (recurse.OpenRegister, recurse.NewWrapper) rather
// than through this option; spec.md §6's `recurse_register` name is the
// argument to recurse.OpenRegister, not a core Map option.
func WithRecurse() Option {
	return func(o *options) { o.recurse = true }
}

// WithMaxRecordSize sets a hard ceiling on a single encoded record; 0 (the
// default) means unlimited, letting an oversized record fall through to
// the pure-dump path instead of ever failing with ValueTooLargeError.
func WithMaxRecordSize(max uint64) Option {
	return func(o *options) { o.maxRecordSize = max }
}

// WithLockTimeout bounds how long every Map operation's IPL acquire will
// block before giving up, implementing spec.md §4.2's `acquire(block,
// timeout, steal_after_timeout)` and the dead-holder recovery of spec.md
// §5. timeout of 0 (the default) waits forever. If stealAfterTimeout is
// true, a blocking acquire that exceeds timeout forcibly takes the lock
// from its current holder instead of returning
// ErrCannotAcquireLockTimeout — intended for recovering from a holder
// that died without releasing.
func WithLockTimeout(timeout time.Duration, stealAfterTimeout bool) Option {
	return func(o *options) {
		o.lockTimeout = timeout
		o.stealAfterTimeout = stealAfterTimeout
	}
}

// WithNonBlockingLock makes every Map operation's IPL acquire fail
// immediately on contention with a *CannotAcquireLockError instead of
// waiting, the `block=false` branch of spec.md §4.2's acquire contract.
// Mutually exclusive in effect with WithLockTimeout: a non-blocking
// acquire never waits, so timeout and steal_after_timeout never apply.
func WithNonBlockingLock() Option {
	return func(o *options) { o.lockNonBlocking = true }
}

// WithLog injects a logger; the default is silent, matching the pattern
// of never forcing output onto a caller who did not ask for it.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) { o.log = log }
}
