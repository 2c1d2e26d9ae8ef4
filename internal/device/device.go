package device

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

var ErrAllocationExhausted = errors.New("no free block on any device")

type BlockState uint8

// Block states are ordered: a block only ever moves to a higher state.
const (
	Empty BlockState = iota
	Allocated
	Full
	Overwritten
)

func (s BlockState) String() string {
	switch s {
	case Empty:
		return "empty"
	case Allocated:
		return "allocated"
	case Full:
		return "full"
	case Overwritten:
		return "overwritten"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Location is a block address within one device.
type Location struct {
	Sector uint16
	Block  uint16
}

// Descriptor is the bookkeeping for one device block. Owner and Offset are
// only meaningful once the block has left Empty.
type Descriptor struct {
	State  BlockState
	Owner  int
	Offset int64
}

// Device holds the geometry reported by device initialization and the state
// of every block, indexed by sector*Blocks+block.
type Device struct {
	ID      uint8
	Sectors uint16
	Blocks  uint16

	descs []Descriptor
	used  *bitset.BitSet

	BytesWritten int64
	BytesRead    int64
}

func New(id uint8, sectors, blocks uint16) (*Device, error) {
	if sectors == 0 || blocks == 0 {
		return nil, fmt.Errorf("device %d reported empty geometry %dx%d", id, sectors, blocks)
	}

	n := int(sectors) * int(blocks)

	return &Device{
		ID:      id,
		Sectors: sectors,
		Blocks:  blocks,
		descs:   make([]Descriptor, n),
		used:    bitset.New(uint(n)),
	}, nil
}

// Capacity is the number of blocks on the device.
func (d *Device) Capacity() int {
	return len(d.descs)
}

func (d *Device) Contains(loc Location) bool {
	return loc.Sector < d.Sectors && loc.Block < d.Blocks
}

func (d *Device) index(loc Location) int {
	return int(loc.Sector)*int(d.Blocks) + int(loc.Block)
}

func (d *Device) location(i int) Location {
	return Location{
		Sector: uint16(i / int(d.Blocks)),
		Block:  uint16(i % int(d.Blocks)),
	}
}

func (d *Device) Descriptor(loc Location) Descriptor {
	if !d.Contains(loc) {
		return Descriptor{}
	}

	return d.descs[d.index(loc)]
}

// FirstEmpty returns the first Empty block, scanning sector-major.
func (d *Device) FirstEmpty() (Location, bool) {
	i, ok := d.used.NextClear(0)
	if !ok || int(i) >= len(d.descs) {
		return Location{}, false
	}

	return d.location(int(i)), true
}

// Used is the number of blocks that have left Empty.
func (d *Device) Used() int {
	return int(d.used.Count())
}

// FindOwned returns the block holding file block fileBlock of owner.
func (d *Device) FindOwned(owner int, fileBlock, blockSize int64) (Location, bool) {
	for i, ok := d.used.NextSet(0); ok && int(i) < len(d.descs); i, ok = d.used.NextSet(i + 1) {
		desc := d.descs[i]
		if desc.Owner == owner && desc.Offset/blockSize == fileBlock {
			return d.location(int(i)), true
		}
	}

	return Location{}, false
}

// occupy records a write into loc and reports whether the block left Empty.
// The owner and offset are fixed by the first write; the state never moves
// backwards.
func (d *Device) occupy(loc Location, next BlockState, owner int, offset int64) (bool, error) {
	if !d.Contains(loc) {
		return false, fmt.Errorf("block %d/%d is outside device %d geometry %dx%d", loc.Sector, loc.Block, d.ID, d.Sectors, d.Blocks)
	}

	if next == Empty {
		return false, fmt.Errorf("block %d/%d/%d cannot return to %s", d.ID, loc.Sector, loc.Block, Empty)
	}

	i := d.index(loc)
	desc := &d.descs[i]

	fresh := desc.State == Empty
	if fresh {
		desc.Owner = owner
		desc.Offset = offset
		d.used.Set(uint(i))
	} else if desc.Owner != owner {
		return false, fmt.Errorf("block %d/%d/%d is owned by handle %d, not %d", d.ID, loc.Sector, loc.Block, desc.Owner, owner)
	}

	if next > desc.State {
		desc.State = next
	}

	return fresh, nil
}

// LastFull reports whether the final sector/block has reached Full.
func (d *Device) LastFull() bool {
	return d.descs[len(d.descs)-1].State == Full
}
