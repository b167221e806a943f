package fulldump

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/shmap/shmap/internal/ctrlblock"
	"github.com/shmap/shmap/internal/segment"
)

// namePrefix matches spec.md §6 ("full-dump SMS names are randomized
// (prefix pattern `psm_<hex>`)").
const namePrefix = "psm_"

// RandomName generates a fresh full-dump segment name.
func RandomName() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("fulldump: generate random name: %w", err)
	}
	return namePrefix + hex.EncodeToString(b[:]), nil
}

// Published is the result of a successful Publish: the new segment (kept
// attached, since it backs the live dump until the next generation), its
// name, and whether the preallocated static segment was used (Reused is
// true also on the publish that first creates it) rather than a fresh
// randomly-named one.
type Published struct {
	Segment *segment.Segment
	Name    string
	Reused  bool
}

// Publish implements spec.md §4.4 steps 1-4: it serializes items, places
// the blob into a segment (reusing the preallocated static-size segment
// named staticName when one is configured and large enough, otherwise
// allocating a fresh randomly-named one), and then updates the control
// block in the mandated order — name, then generation, then stream reset —
// so that a concurrent reader either sees the old generation consistently
// or the new one, never a half-updated control block.
//
// Publish must be called while the caller holds the IPL.
func Publish(ctrl *ctrlblock.Block, items []Item, compress bool, staticName string, staticSize uint64) (*Published, error) {
	blob := Encode(items, compress)

	var (
		seg    *segment.Segment
		name   string
		reused bool
		err    error
	)

	if staticSize > 0 && uint64(len(blob)) <= staticSize {
		seg, err = segment.Attach(staticName)
		if err != nil {
			seg, err = segment.Create(staticName, int64(staticSize))
			if err != nil {
				return nil, fmt.Errorf("fulldump: create static segment %q: %w", staticName, err)
			}
		}
		name = staticName
		reused = true
	} else {
		name, err = RandomName()
		if err != nil {
			return nil, err
		}
		seg, err = segment.Create(name, int64(len(blob)))
		if err != nil {
			return nil, fmt.Errorf("fulldump: create segment %q: %w", name, err)
		}
	}

	copy(seg.Bytes(), blob)

	// Publication order per spec.md §4.4 step 4: name, then generation,
	// then stream reset. Readers key off the generation counter changing
	// and only then trust the name beside it.
	if err := ctrl.SetFullDumpMemoryName(name); err != nil {
		return nil, fmt.Errorf("fulldump: publish name: %w", err)
	}
	ctrl.IncFullDumpCounter()
	ctrl.StoreStreamPosition(0)

	return &Published{Segment: seg, Name: name, Reused: reused}, nil
}

// Load attaches the full-dump segment currently named in the control block
// and decodes it.
func Load(ctrl *ctrlblock.Block) (items []Item, seg *segment.Segment, err error) {
	name := ctrl.FullDumpMemoryName()
	if name == "" {
		return nil, nil, fmt.Errorf("fulldump: no full dump has been published yet")
	}

	seg, err = segment.Attach(name)
	if err != nil {
		return nil, nil, fmt.Errorf("fulldump: attach %q: %w", name, err)
	}

	items, err = Decode(seg.Bytes())
	if err != nil {
		seg.Detach()
		return nil, nil, err
	}

	return items, seg, nil
}
