package device

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// Slot is a block address across the table: a device index plus a location.
type Slot struct {
	Device int
	Location
}

// Table is the set of devices discovered at power-on, with the round-robin
// cursor used to pick the device for fresh allocations.
type Table struct {
	devices   []*Device
	full      *bitset.BitSet
	cursor    int
	blockSize int64

	allocated int
	total     int
}

func NewTable(devices []*Device, blockSize int64) (*Table, error) {
	if len(devices) == 0 {
		return nil, errors.New("device table needs at least one device")
	}

	if blockSize <= 0 {
		return nil, fmt.Errorf("invalid block size %d", blockSize)
	}

	total := 0
	for _, d := range devices {
		total += d.Capacity()
	}

	return &Table{
		devices:   devices,
		full:      bitset.New(uint(len(devices))),
		blockSize: blockSize,
		total:     total,
	}, nil
}

func (t *Table) Len() int {
	return len(t.devices)
}

func (t *Table) Device(i int) *Device {
	return t.devices[i]
}

func (t *Table) Devices() []*Device {
	return t.devices
}

func (t *Table) BlockSize() int64 {
	return t.blockSize
}

// Cursor is the index of the device the next fresh allocation starts from.
func (t *Table) Cursor() int {
	return t.cursor
}

func (t *Table) IsFull(i int) bool {
	return t.full.Test(uint(i))
}

// Advance moves the cursor to the device after from, skipping devices marked
// full. When every other device is full the cursor lands on the next index
// regardless and the following scan reports exhaustion.
func (t *Table) Advance(from int) {
	n := len(t.devices)
	for step := 1; step <= n; step++ {
		next := (from + step) % n
		if !t.IsFull(next) {
			t.cursor = next

			return
		}
	}

	t.cursor = (from + 1) % n
}

// FindFree returns the first Empty block, starting at the cursor device and
// moving round-robin past devices with no Empty block.
func (t *Table) FindFree() (Slot, error) {
	n := len(t.devices)
	for step := range n {
		i := (t.cursor + step) % n
		if t.IsFull(i) {
			continue
		}

		if loc, ok := t.devices[i].FirstEmpty(); ok {
			return Slot{Device: i, Location: loc}, nil
		}
	}

	return Slot{}, fmt.Errorf("%w: %d of %d blocks allocated", ErrAllocationExhausted, t.allocated, t.total)
}

// FindOwned locates the block holding file block fileBlock of owner,
// searching the start device first and then every other device in order.
func (t *Table) FindOwned(start, owner int, fileBlock int64) (Slot, bool) {
	n := len(t.devices)
	if start < 0 || start >= n {
		start = 0
	}

	for step := range n {
		i := (start + step) % n
		if loc, ok := t.devices[i].FindOwned(owner, fileBlock, t.blockSize); ok {
			return Slot{Device: i, Location: loc}, true
		}
	}

	return Slot{}, false
}

func (t *Table) Descriptor(s Slot) Descriptor {
	return t.devices[s.Device].Descriptor(s.Location)
}

// Commit records n file bytes written into the slot. It reports whether the
// block was freshly allocated.
func (t *Table) Commit(s Slot, next BlockState, owner int, offset int64, n int) (bool, error) {
	d := t.devices[s.Device]

	fresh, err := d.occupy(s.Location, next, owner, offset)
	if err != nil {
		return false, err
	}

	if fresh {
		t.allocated++
	}

	d.BytesWritten += int64(n)

	if d.LastFull() {
		t.full.Set(uint(s.Device))
	}

	return fresh, nil
}

func (t *Table) RecordRead(s Slot, n int) {
	t.devices[s.Device].BytesRead += int64(n)
}

// Allocated returns the number of allocated blocks and the total across all devices.
func (t *Table) Allocated() (int, int) {
	return t.allocated, t.total
}
