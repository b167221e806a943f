package ustream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteParseRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		marker  Marker
		payload []byte
	}{
		{"set empty payload", Set, []byte{}},
		{"set small payload", Set, []byte("hello")},
		{"delete payload", Delete, []byte("key-only")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := make([]byte, 256)

			newPos, err := Write(buf, 0, tc.marker, tc.payload)
			require.NoError(t, err)
			assert.Equal(t, uint64(Size(tc.payload)), newPos)

			rec, err := Parse(buf, 0)
			require.NoError(t, err)
			assert.Equal(t, tc.marker, rec.Marker)
			assert.Equal(t, tc.payload, rec.Payload)
			assert.Equal(t, Size(tc.payload), rec.TotalLen)
		})
	}
}

func TestWriteSequentialRecords(t *testing.T) {
	buf := make([]byte, 256)

	pos, err := Write(buf, 0, Set, []byte("a"))
	require.NoError(t, err)
	pos, err = Write(buf, pos, Delete, []byte("b"))
	require.NoError(t, err)

	rec1, err := Parse(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, Set, rec1.Marker)

	rec2, err := Parse(buf, uint64(rec1.TotalLen))
	require.NoError(t, err)
	assert.Equal(t, Delete, rec2.Marker)
	assert.Equal(t, []byte("b"), rec2.Payload)

	assert.Equal(t, uint64(rec1.TotalLen+rec2.TotalLen), pos)
}

func TestWriteBufferTooSmall(t *testing.T) {
	buf := make([]byte, 4)
	_, err := Write(buf, 0, Set, []byte("too long for this buffer"))
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestParseCorruptRecord(t *testing.T) {
	t.Run("unknown marker", func(t *testing.T) {
		buf := make([]byte, 256)
		_, err := Write(buf, 0, Set, []byte("x"))
		require.NoError(t, err)
		buf[6] = 0xFF // corrupt the marker byte

		_, err = Parse(buf, 0)
		assert.ErrorIs(t, err, ErrCorruptRecord)
	})

	t.Run("length exceeds buffer", func(t *testing.T) {
		buf := make([]byte, HeaderSize)
		putUint48(buf, 1000)
		buf[6] = byte(Set)

		_, err := Parse(buf, 0)
		assert.ErrorIs(t, err, ErrCorruptRecord)
	})

	t.Run("header past buffer end", func(t *testing.T) {
		buf := make([]byte, 3)
		_, err := Parse(buf, 0)
		assert.ErrorIs(t, err, ErrCorruptRecord)
	})
}

func TestPayloadEncodeDecode(t *testing.T) {
	payload := EncodeSet([]byte("key"), []byte("value"))
	encKey, encValue, err := DecodeSet(payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("key"), encKey)
	assert.Equal(t, []byte("value"), encValue)

	delPayload := EncodeDelete([]byte("key"))
	assert.Equal(t, []byte("key"), DecodeDelete(delPayload))
}

func TestDecodeSetCorrupt(t *testing.T) {
	_, _, err := DecodeSet([]byte{1, 2})
	assert.ErrorIs(t, err, ErrCorruptRecord)
}
