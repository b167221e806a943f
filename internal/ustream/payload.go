package ustream

import (
	"encoding/binary"
	"fmt"
)

// keyLenPrefix is the width of the internal length prefix placed before
// the encoded key inside a SET record's payload, per spec.md §3
// ("payload for SET is encode(key) || encode(value) with an internal
// length prefix for the key").
const keyLenPrefix = 4

// EncodeSet frames an already-serialized key and value into a SET
// record's payload. The core never inspects the bytes it is given — it
// only needs to know where the key ends and the value begins.
func EncodeSet(encKey, encValue []byte) []byte {
	out := make([]byte, keyLenPrefix+len(encKey)+len(encValue))
	binary.LittleEndian.PutUint32(out, uint32(len(encKey)))
	copy(out[keyLenPrefix:], encKey)
	copy(out[keyLenPrefix+len(encKey):], encValue)
	return out
}

// DecodeSet splits a SET record's payload back into its encoded key and
// value spans.
func DecodeSet(payload []byte) (encKey, encValue []byte, err error) {
	if len(payload) < keyLenPrefix {
		return nil, nil, fmt.Errorf("%w: SET payload shorter than length prefix", ErrCorruptRecord)
	}
	keyLen := binary.LittleEndian.Uint32(payload)
	if uint64(keyLenPrefix)+uint64(keyLen) > uint64(len(payload)) {
		return nil, nil, fmt.Errorf("%w: SET payload key length %d exceeds payload", ErrCorruptRecord, keyLen)
	}
	encKey = payload[keyLenPrefix : keyLenPrefix+keyLen]
	encValue = payload[keyLenPrefix+keyLen:]
	return encKey, encValue, nil
}

// EncodeDelete frames an encoded key as a DELETE record's payload: a
// tombstone carries only the key.
func EncodeDelete(encKey []byte) []byte {
	out := make([]byte, len(encKey))
	copy(out, encKey)
	return out
}

// DecodeDelete recovers the encoded key from a DELETE record's payload.
func DecodeDelete(payload []byte) []byte {
	return payload
}
