package fulldump

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shmap/shmap/internal/ctrlblock"
	"github.com/shmap/shmap/internal/segment"
)

func newTestControlBlock(t *testing.T) (*ctrlblock.Block, *segment.Segment, string) {
	t.Helper()
	name := "shmap-test-fulldump-" + strings.ReplaceAll(t.Name(), "/", "-")
	seg, err := segment.Create(name, int64(ctrlblock.Size))
	require.NoError(t, err)
	t.Cleanup(func() {
		seg.Detach()
		segment.UnlinkByName(name, true)
	})

	ctrl, err := ctrlblock.New(seg.Bytes())
	require.NoError(t, err)
	return ctrl, seg, name
}

func TestPublishAndLoadRoundTrip(t *testing.T) {
	ctrl, _, _ := newTestControlBlock(t)

	items := []Item{{Key: []byte("k1"), Value: []byte("v1")}}

	published, err := Publish(ctrl, items, false, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		published.Segment.Detach()
		segment.UnlinkByName(published.Name, true)
	})

	require.Equal(t, uint64(1), ctrl.LoadFullDumpCounter())
	require.Equal(t, uint64(0), ctrl.LoadStreamPosition())
	require.Equal(t, published.Name, ctrl.FullDumpMemoryName())

	loaded, seg, err := Load(ctrl)
	require.NoError(t, err)
	defer seg.Detach()

	require.Len(t, loaded, 1)
	require.Equal(t, "k1", string(loaded[0].Key))
	require.Equal(t, "v1", string(loaded[0].Value))
}

func TestPublishReusesStaticSegment(t *testing.T) {
	ctrl, _, name := newTestControlBlock(t)
	staticName := name + "_static"

	opts := []Item{{Key: []byte("a"), Value: []byte("b")}}

	first, err := Publish(ctrl, opts, false, staticName, 4096)
	require.NoError(t, err)
	require.Equal(t, staticName, first.Name)
	require.True(t, first.Reused)
	first.Segment.Detach()

	second, err := Publish(ctrl, opts, false, staticName, 4096)
	require.NoError(t, err)
	require.Equal(t, staticName, second.Name)
	require.True(t, second.Reused)
	second.Segment.Detach()

	segment.UnlinkByName(staticName, true)
}
