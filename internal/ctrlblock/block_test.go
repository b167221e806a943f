package ctrlblock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBlock(t *testing.T) *Block {
	t.Helper()
	buf := make([]byte, Size)
	b, err := New(buf)
	require.NoError(t, err)
	return b
}

func TestNewRejectsUndersizedBuffer(t *testing.T) {
	_, err := New(make([]byte, Size-1))
	assert.Error(t, err)
}

func TestLockWordCAS(t *testing.T) {
	b := newTestBlock(t)

	assert.Equal(t, uint32(0), b.LoadLockWord())
	assert.True(t, b.CASLockWord(0, 42))
	assert.Equal(t, uint32(42), b.LoadLockWord())
	assert.False(t, b.CASLockWord(0, 99), "CAS should fail against the wrong expected value")

	b.StoreLockWord(0)
	assert.Equal(t, uint32(0), b.LoadLockWord())
}

func TestLockPID(t *testing.T) {
	b := newTestBlock(t)
	b.StoreLockPID(1234)
	assert.Equal(t, uint32(1234), b.LoadLockPID())
}

func TestSharedAndRecurseFlags(t *testing.T) {
	b := newTestBlock(t)

	assert.False(t, b.SharedLock())
	b.SetSharedLock(true)
	assert.True(t, b.SharedLock())

	assert.False(t, b.Recurse())
	b.SetRecurse(true)
	assert.True(t, b.Recurse())
}

func TestFullDumpCounterMonotonic(t *testing.T) {
	b := newTestBlock(t)

	assert.Equal(t, uint64(0), b.LoadFullDumpCounter())
	assert.Equal(t, uint64(1), b.IncFullDumpCounter())
	assert.Equal(t, uint64(2), b.IncFullDumpCounter())
	assert.Equal(t, uint64(2), b.LoadFullDumpCounter())
}

func TestStreamPosition(t *testing.T) {
	b := newTestBlock(t)
	b.StoreStreamPosition(512)
	assert.Equal(t, uint64(512), b.LoadStreamPosition())
}

func TestFullDumpMemoryName(t *testing.T) {
	b := newTestBlock(t)

	assert.Equal(t, "", b.FullDumpMemoryName())

	require.NoError(t, b.SetFullDumpMemoryName("psm_abcdef0123456789"))
	assert.Equal(t, "psm_abcdef0123456789", b.FullDumpMemoryName())

	// Overwriting with a shorter name must not leave trailing garbage
	// from the previous, longer name.
	require.NoError(t, b.SetFullDumpMemoryName("short"))
	assert.Equal(t, "short", b.FullDumpMemoryName())
}

func TestFullDumpMemoryNameTooLong(t *testing.T) {
	b := newTestBlock(t)
	tooLong := make([]byte, maxDumpNameLen+1)
	for i := range tooLong {
		tooLong[i] = 'a'
	}
	assert.Error(t, b.SetFullDumpMemoryName(string(tooLong)))
}

func TestFullDumpStaticSize(t *testing.T) {
	b := newTestBlock(t)
	assert.Equal(t, uint64(0), b.FullDumpStaticSize())
	b.SetFullDumpStaticSize(4096)
	assert.Equal(t, uint64(4096), b.FullDumpStaticSize())
}
