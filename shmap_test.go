package shmap

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stringCodec = CodecFuncs[string]{
	EncodeFunc: func(s string) ([]byte, error) { return []byte(s), nil },
	DecodeFunc: func(b []byte) (string, error) { return string(b), nil },
}

func testMapName(t *testing.T) string {
	t.Helper()
	return "shmap-test-" + strings.ReplaceAll(t.Name(), "/", "-")
}

func openTestMap(t *testing.T, opts ...Option) *Map[string, string] {
	t.Helper()
	name := testMapName(t)
	m, err := Open[string, string](name, stringCodec, stringCodec, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		m.Unlink()
		m.Close()
	})
	return m
}

func TestOpenMustCreateThenMustAttach(t *testing.T) {
	name := testMapName(t)

	creator, err := Open[string, string](name, stringCodec, stringCodec, WithCreate(MustCreate))
	require.NoError(t, err)
	t.Cleanup(func() {
		creator.Unlink()
		creator.Close()
	})

	_, err = Open[string, string](name, stringCodec, stringCodec, WithCreate(MustCreate))
	assert.ErrorIs(t, err, ErrSegmentAlreadyExists)

	attacher, err := Open[string, string](name, stringCodec, stringCodec, WithCreate(MustAttach))
	require.NoError(t, err)
	defer attacher.Close()

	_, err = Open[string, string]("does-not-exist-"+name, stringCodec, stringCodec, WithCreate(MustAttach))
	assert.ErrorIs(t, err, ErrSegmentNotFound)
}

func TestSetGetDeleteRoundTrip(t *testing.T) {
	m := openTestMap(t)

	require.NoError(t, m.Set("a", "1"))
	v, err := m.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	require.NoError(t, m.Delete("a"))
	_, err = m.Get("a")
	assert.ErrorIs(t, err, ErrMissing)
}

func TestLenAndKeysWithPattern(t *testing.T) {
	m := openTestMap(t)

	require.NoError(t, m.Set("user:1", "x"))
	require.NoError(t, m.Set("user:2", "y"))
	require.NoError(t, m.Set("order:1", "z"))

	n, err := m.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	keys, err := m.Keys("user:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user:1", "user:2"}, keys)

	all, err := m.Keys("")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDumpAndForceLoad(t *testing.T) {
	m := openTestMap(t)

	require.NoError(t, m.Set("k", "v"))
	require.NoError(t, m.Dump())

	before := m.Status().FullDumpGeneration
	require.NoError(t, m.Load(true))
	assert.Equal(t, before, m.Status().FullDumpGeneration)

	v, err := m.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestApplyUpdatePropagatesAcrossHandles(t *testing.T) {
	name := testMapName(t)

	writer, err := Open[string, string](name, stringCodec, stringCodec, WithCreate(MustCreate))
	require.NoError(t, err)
	t.Cleanup(func() {
		writer.Unlink()
		writer.Close()
	})

	reader, err := Open[string, string](name, stringCodec, stringCodec, WithCreate(MustAttach))
	require.NoError(t, err)
	defer reader.Close()

	require.NoError(t, writer.Set("k", "v1"))

	require.NoError(t, reader.ApplyUpdate())
	v, err := reader.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	require.NoError(t, writer.Set("k", "v2"))
	v, err = reader.Get("k") // Get itself calls catch-up.
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}

func TestOverflowTriggersFullDumpHandoffAcrossHandles(t *testing.T) {
	name := testMapName(t)

	writer, err := Open[string, string](name, stringCodec, stringCodec,
		WithCreate(MustCreate), WithBufferSize(128))
	require.NoError(t, err)
	t.Cleanup(func() {
		writer.Unlink()
		writer.Close()
	})

	reader, err := Open[string, string](name, stringCodec, stringCodec, WithCreate(MustAttach))
	require.NoError(t, err)
	defer reader.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, writer.Set(strings.Repeat("k", 1)+string(rune('a'+i)), "some-reasonably-long-value"))
	}

	n, err := reader.Len()
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}

func TestStaticFullDumpSegmentReusedAcrossOverflows(t *testing.T) {
	m := openTestMap(t, WithBufferSize(96), WithFullDumpSize(8192))

	for i := 0; i < 30; i++ {
		require.NoError(t, m.Set(string(rune('a'+i%26))+string(rune('0'+i/26)), "payload-value-for-overflow-test"))
	}

	status := m.Status()
	assert.Equal(t, m.opts.name+dumpStaticSuffix, status.FullDumpName)
}

func TestSharedLockMutualExclusionAcrossHandles(t *testing.T) {
	name := testMapName(t)

	owner, err := Open[string, string](name, stringCodec, stringCodec,
		WithCreate(MustCreate), WithSharedLock(time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() {
		owner.Unlink()
		owner.Close()
	})

	var wg sync.WaitGroup
	handles := make([]*Map[string, string], 4)
	for i := range handles {
		m, err := Open[string, string](name, stringCodec, stringCodec, WithCreate(MustAttach))
		require.NoError(t, err)
		handles[i] = m
		defer m.Close()
	}

	for i, m := range handles {
		wg.Add(1)
		go func(i int, m *Map[string, string]) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				assert.NoError(t, m.Set(string(rune('x')), "v"))
			}
		}(i, m)
	}
	wg.Wait()

	v, err := owner.Get("x")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestCloseDetachesWithoutUnlinking(t *testing.T) {
	name := testMapName(t)

	m, err := Open[string, string](name, stringCodec, stringCodec, WithCreate(MustCreate))
	require.NoError(t, err)
	require.NoError(t, m.Set("k", "v"))
	snapshot, err := m.Close()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k": "v"}, snapshot)

	again, err := Open[string, string](name, stringCodec, stringCodec, WithCreate(MustAttach))
	require.NoError(t, err)
	t.Cleanup(func() {
		again.Unlink()
		again.Close()
	})

	v, err := again.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestUnlinkByNameRemovesEverything(t *testing.T) {
	name := testMapName(t)

	m, err := Open[string, string](name, stringCodec, stringCodec, WithCreate(MustCreate))
	require.NoError(t, err)
	require.NoError(t, m.Set("k", "v"))
	_, err = m.Close()
	require.NoError(t, err)

	require.NoError(t, UnlinkByName(name))

	_, err = Open[string, string](name, stringCodec, stringCodec, WithCreate(MustAttach))
	assert.ErrorIs(t, err, ErrSegmentNotFound)
}
