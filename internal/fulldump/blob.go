// Package fulldump implements the Full-Dump Protocol of spec.md §4.4: a
// full snapshot of a replica, written into a dedicated SMS and published
// atomically through the control block.
package fulldump

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/s2"
	"golang.org/x/crypto/blake2b"
)

// wireHeader precedes the (optionally compressed) item stream inside a
// full-dump blob: a checksum guarding against a torn or corrupted dump
// (spec.md §4.5 "a corrupted full dump is unrecoverable and reported as
// fatal"), a flag recording whether the payload was compressed, the
// item count from spec.md §3 ("[ item_count: 6 B ]"), and the 8-byte length
// of the (possibly compressed) body that follows.
const (
	checksumSize  = 32 // blake2b-256
	compressFlag  = 1
	itemCountSize = 6
	bodyLenSize   = 8
	wireHeaderLen = checksumSize + 1 + itemCountSize + bodyLenSize
)

// ErrCorrupt is returned when a dump's checksum does not match its
// contents, or its framing is otherwise unparsable. Per spec.md §7, this
// is Fatal: the replica must not silently apply a corrupted dump.
type ErrCorrupt struct {
	Reason string
}

func (e *ErrCorrupt) Error() string { return "fulldump: corrupt dump: " + e.Reason }

func putUint48(b []byte, v uint64) {
	b[0], b[1], b[2] = byte(v), byte(v>>8), byte(v>>16)
	b[3], b[4], b[5] = byte(v>>24), byte(v>>32), byte(v>>40)
}

func getUint48(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 |
		uint64(b[3])<<24 | uint64(b[4])<<32 | uint64(b[5])<<40
}

// Item is one key/value pair as already-encoded bytes — the core never
// decodes them, it only frames and re-frames.
type Item struct {
	Key   []byte
	Value []byte
}

// encodeItems frames repeated [keyLen:4B][key][valLen:4B][value] records.
// spec.md §3 describes the dump body as "repeated: encode(key) ||
// encode(value)"; parsing repeated variable-length pairs back out of a
// single blob requires a delimiter the spec does not spell out, so this
// adds the same internal length-prefixing already used for SET records
// (internal/ustream.EncodeSet) — see DESIGN.md's Open Question ledger.
func encodeItems(items []Item) []byte {
	size := 0
	for _, it := range items {
		size += 4 + len(it.Key) + 4 + len(it.Value)
	}

	buf := make([]byte, size)
	off := 0
	for _, it := range items {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(it.Key)))
		off += 4
		off += copy(buf[off:], it.Key)
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(it.Value)))
		off += 4
		off += copy(buf[off:], it.Value)
	}
	return buf
}

func decodeItems(buf []byte, count uint64) ([]Item, error) {
	items := make([]Item, 0, count)
	off := 0
	for i := uint64(0); i < count; i++ {
		if off+4 > len(buf) {
			return nil, fmt.Errorf("item %d: truncated key length", i)
		}
		keyLen := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if off+keyLen > len(buf) {
			return nil, fmt.Errorf("item %d: truncated key", i)
		}
		key := append([]byte(nil), buf[off:off+keyLen]...)
		off += keyLen

		if off+4 > len(buf) {
			return nil, fmt.Errorf("item %d: truncated value length", i)
		}
		valLen := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if off+valLen > len(buf) {
			return nil, fmt.Errorf("item %d: truncated value", i)
		}
		value := append([]byte(nil), buf[off:off+valLen]...)
		off += valLen

		items = append(items, Item{Key: key, Value: value})
	}
	return items, nil
}

// Encode serializes items into a full-dump blob. When compress is true the
// item stream is compressed with S2 (klauspost/compress/s2), trading CPU
// for a smaller SMS footprint — useful with a preallocated
// full_dump_static_size.
func Encode(items []Item, compress bool) []byte {
	body := encodeItems(items)

	flag := byte(0)
	if compress {
		flag = compressFlag
		body = s2.Encode(nil, body)
	}

	out := make([]byte, wireHeaderLen+len(body))
	putUint48(out[checksumSize+1:], uint64(len(items)))
	out[checksumSize] = flag
	binary.LittleEndian.PutUint64(out[checksumSize+1+itemCountSize:], uint64(len(body)))
	copy(out[wireHeaderLen:], body)

	sum := blake2b.Sum256(out[checksumSize:])
	copy(out[:checksumSize], sum[:])

	return out
}

// Decode validates and parses a full-dump blob produced by Encode. blob may
// carry trailing bytes past the encoded body — the preallocated static
// full-dump segment is reused across generations and a later, smaller dump
// leaves the previous generation's tail in place — so the body length
// recorded by Encode, not len(blob), bounds what gets handed to s2/decodeItems.
func Decode(blob []byte) ([]Item, error) {
	if len(blob) < wireHeaderLen {
		return nil, &ErrCorrupt{Reason: "blob shorter than header"}
	}

	bodyLen := binary.LittleEndian.Uint64(blob[checksumSize+1+itemCountSize:])
	if wireHeaderLen+bodyLen > uint64(len(blob)) {
		return nil, &ErrCorrupt{Reason: "declared body length exceeds blob"}
	}
	framed := blob[:wireHeaderLen+bodyLen]

	sum := blake2b.Sum256(framed[checksumSize:])
	if string(sum[:]) != string(framed[:checksumSize]) {
		return nil, &ErrCorrupt{Reason: "checksum mismatch"}
	}

	flag := framed[checksumSize]
	count := getUint48(framed[checksumSize+1:])
	body := framed[wireHeaderLen:]

	if flag == compressFlag {
		decoded, err := s2.Decode(nil, body)
		if err != nil {
			return nil, &ErrCorrupt{Reason: fmt.Sprintf("s2 decompress: %v", err)}
		}
		body = decoded
	}

	items, err := decodeItems(body, count)
	if err != nil {
		return nil, &ErrCorrupt{Reason: err.Error()}
	}
	return items, nil
}
