package recurse

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shmap/shmap"
)

// anyStringCodec treats every leaf value as a string, sufficient for
// exercising the wrap/unwrap plumbing without pulling in a real
// serialization library.
var anyStringCodec = shmap.CodecFuncs[any]{
	EncodeFunc: func(v any) ([]byte, error) { return []byte(fmt.Sprint(v)), nil },
	DecodeFunc: func(b []byte) (any, error) { return string(b), nil },
}

func testName(t *testing.T) string {
	t.Helper()
	return "shmap-recurse-test-" + strings.ReplaceAll(t.Name(), "/", "-")
}

func TestRegisterRoundTrip(t *testing.T) {
	name := testName(t)
	reg, err := OpenRegister(name, shmap.WithCreate(shmap.MustCreate))
	require.NoError(t, err)
	defer reg.Close()
	defer reg.m.Unlink()

	require.NoError(t, reg.Register("root.a", name+".childA"))
	require.NoError(t, reg.Register("root.b", name+".childB"))

	names, err := reg.ChildNames()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{name + ".childA", name + ".childB"}, names)
}

func TestWrapperWrapsNestedMapIntoChild(t *testing.T) {
	regName := testName(t)
	reg, err := OpenRegister(regName, shmap.WithCreate(shmap.MustCreate))
	require.NoError(t, err)
	defer reg.Close()

	w := NewWrapper(reg, anyStringCodec)

	nested := map[string]any{
		"host": "localhost",
		"port": "8080",
	}

	wrapped, err := w.Wrap(regName+".root", nested)
	require.NoError(t, err)

	childName, ok := wrapped.(string)
	require.True(t, ok)
	t.Cleanup(func() { shmap.UnlinkByName(childName) })

	child, err := shmap.Open[string, any](childName, StringCodec{}, anyStringCodec, shmap.WithCreate(shmap.MustAttach))
	require.NoError(t, err)
	defer child.Close()

	v, err := child.Get("host")
	require.NoError(t, err)
	assert.Equal(t, "localhost", v)

	names, err := reg.ChildNames()
	require.NoError(t, err)
	assert.Contains(t, names, childName)

	require.NoError(t, reg.UnlinkAll())
}

func TestWrapperDetectsCycle(t *testing.T) {
	w := NewWrapper(nil, anyStringCodec)

	cyclic := map[string]any{}
	cyclic["self"] = cyclic

	_, err := w.Wrap(testName(t), cyclic)
	assert.ErrorIs(t, err, ErrCyclicGraph)
}

func TestWrapperPassesThroughNonMapValues(t *testing.T) {
	w := NewWrapper(nil, anyStringCodec)

	v, err := w.Wrap(testName(t), "plain-value")
	require.NoError(t, err)
	assert.Equal(t, "plain-value", v)
}
