package fulldump

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	items := []Item{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("empty-value"), Value: []byte{}},
	}

	for _, compress := range []bool{false, true} {
		blob := Encode(items, compress)
		got, err := Decode(blob)
		require.NoError(t, err)

		if diff := cmp.Diff(items, got); diff != "" {
			t.Errorf("compress=%v round-trip mismatch (-want +got):\n%s", compress, diff)
		}
	}
}

func TestEncodeEmpty(t *testing.T) {
	blob := Encode(nil, false)
	got, err := Decode(blob)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDecodeRejectsChecksumMismatch(t *testing.T) {
	blob := Encode([]Item{{Key: []byte("k"), Value: []byte("v")}}, false)
	blob[0] ^= 0xFF

	_, err := Decode(blob)
	var corrupt *ErrCorrupt
	assert.ErrorAs(t, err, &corrupt)
}

func TestDecodeRejectsShortBlob(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	var corrupt *ErrCorrupt
	assert.ErrorAs(t, err, &corrupt)
}

func TestDecodeRejectsTruncatedItems(t *testing.T) {
	blob := Encode([]Item{{Key: []byte("key"), Value: []byte("value")}}, false)
	truncated := blob[:len(blob)-2]
	// Recompute nothing: the header still declares the original body
	// length, which now runs past the end of the blob, so this exercises
	// the corruption path via the declared-body-length check rather than
	// the item-framing bounds checks.
	_, err := Decode(truncated)
	var corrupt *ErrCorrupt
	assert.ErrorAs(t, err, &corrupt)
}
