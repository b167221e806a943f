package replica

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shmap/shmap/internal/ctrlblock"
	"github.com/shmap/shmap/internal/iplock"
	"github.com/shmap/shmap/internal/ustream"
)

func newTestFixture(t *testing.T) (*ctrlblock.Block, iplock.Lock, []byte) {
	t.Helper()
	block, err := ctrlblock.New(make([]byte, ctrlblock.Size))
	require.NoError(t, err)
	lock := iplock.NewShared(block, 0)
	streamBuf := make([]byte, 256)
	return block, lock, streamBuf
}

func TestApplyLocalSetAndGet(t *testing.T) {
	r := New()

	payload := ustream.EncodeSet([]byte("k"), []byte("v"))
	require.NoError(t, r.ApplyLocal(ustream.Set, payload))

	v, ok := r.Get([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
	assert.Equal(t, 1, r.Len())
}

func TestApplyLocalDelete(t *testing.T) {
	r := New()
	require.NoError(t, r.ApplyLocal(ustream.Set, ustream.EncodeSet([]byte("k"), []byte("v"))))
	require.NoError(t, r.ApplyLocal(ustream.Delete, ustream.EncodeDelete([]byte("k"))))

	_, ok := r.Get([]byte("k"))
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestAppendAndCatchUpAcrossReplicas(t *testing.T) {
	block, lock, streamBuf := newTestFixture(t)

	writer := New()
	opts := DumpOptions{}

	_, err := writer.Append(lock, block, streamBuf, ustream.Set, ustream.EncodeSet([]byte("a"), []byte("1")), opts, LockOptions{})
	require.NoError(t, err)
	_, err = writer.Append(lock, block, streamBuf, ustream.Set, ustream.EncodeSet([]byte("b"), []byte("2")), opts, LockOptions{})
	require.NoError(t, err)

	reader := New()
	require.NoError(t, reader.CatchUp(lock, block, streamBuf, LockOptions{}))

	v, ok := reader.Get([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	v, ok = reader.Get([]byte("b"))
	require.True(t, ok)
	assert.Equal(t, []byte("2"), v)

	assert.Equal(t, block.LoadStreamPosition(), reader.Cursor())
	assert.Equal(t, block.LoadFullDumpCounter(), reader.SeenFullDump())
}

func TestCatchUpFastPathSkipsLock(t *testing.T) {
	block, lock, streamBuf := newTestFixture(t)

	r := New()
	require.NoError(t, r.CatchUp(lock, block, streamBuf, LockOptions{}))

	// Hold the lock from elsewhere; a fast-path CatchUp (nothing changed)
	// must still succeed without trying to acquire it.
	otherHolder := iplock.NewShared(block, 0)
	_, err := otherHolder.Acquire(false, 0, false)
	require.NoError(t, err)
	defer otherHolder.Release()

	require.NoError(t, r.CatchUp(lock, block, streamBuf, LockOptions{}))
}

func TestOverflowTriggersFullDumpAndResets(t *testing.T) {
	block, lock, streamBuf := newTestFixture(t)
	streamBuf = make([]byte, 64) // small buffer, forces overflow quickly

	r := New()
	opts := DumpOptions{}

	var dumps []AppendResult
	for i := 0; i < 10; i++ {
		res, err := r.Append(lock, block, streamBuf, ustream.Set,
			ustream.EncodeSet([]byte{byte('a' + i)}, []byte("some-reasonably-sized-value")), opts, LockOptions{})
		require.NoError(t, err)
		if res.Dumped {
			dumps = append(dumps, res)
		}
	}

	require.NotEmpty(t, dumps, "expected at least one overflow-triggered dump")
	assert.True(t, block.LoadFullDumpCounter() >= 1)
	// The first overflow dump has no predecessor to track; any later one
	// in this run does, since dumpLocked records whatever name was
	// published just before it.
	assert.Empty(t, dumps[0].PreviousDumpName)
	for _, d := range dumps[1:] {
		assert.NotEmpty(t, d.PreviousDumpName)
	}

	fresh := New()
	require.NoError(t, fresh.CatchUp(lock, block, streamBuf, LockOptions{}))
	assert.Equal(t, r.Len(), fresh.Len())
	for i := 0; i < 10; i++ {
		v, ok := fresh.Get([]byte{byte('a' + i)})
		require.True(t, ok)
		assert.Equal(t, "some-reasonably-sized-value", string(v))
	}
}

func TestMarkStaleForcesReloadOnNextCatchUp(t *testing.T) {
	block, lock, streamBuf := newTestFixture(t)

	writer := New()
	_, err := writer.Append(lock, block, streamBuf, ustream.Set, ustream.EncodeSet([]byte("k"), []byte("v")), DumpOptions{}, LockOptions{})
	require.NoError(t, err)
	_, err = writer.Dump(lock, block, DumpOptions{}, LockOptions{})
	require.NoError(t, err)

	reader := New()
	require.NoError(t, reader.CatchUp(lock, block, streamBuf, LockOptions{}))
	reader.MarkStale()

	require.NoError(t, reader.CatchUp(lock, block, streamBuf, LockOptions{}))
	v, ok := reader.Get([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}
