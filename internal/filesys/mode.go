package filesys

import (
	"fmt"

	"github.com/e2b-dev/infra/packages/lcloud/internal/device"
	"github.com/e2b-dev/infra/packages/lcloud/internal/filetable"
)

// allocMode decides, once per write chunk, where the chunk goes and what
// happens to the round-robin cursor afterwards.
type allocMode uint8

const (
	// scanning takes the first Empty block, searching from the cursor.
	scanning allocMode = iota
	// resuming appends into the partly filled block at the end of the file.
	resuming
	// overwriting rewrites a block the file already owns.
	overwriting
)

func (m allocMode) String() string {
	switch m {
	case scanning:
		return "scanning"
	case resuming:
		return "resuming"
	case overwriting:
		return "overwriting"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

type placement struct {
	mode allocMode
	slot device.Slot
}

// state is the block state to commit after writing n bytes at intra-block
// offset off.
func (p placement) state(off, n int, blockSize int) device.BlockState {
	if p.mode == overwriting {
		return device.Overwritten
	}

	if off+n == blockSize {
		return device.Full
	}

	return device.Allocated
}

// advance moves the cursor after a committed chunk. A resumed block keeps the
// cursor where it was.
func (p placement) advance(t *device.Table) {
	if p.mode == resuming {
		return
	}

	t.Advance(p.slot.Device)
}

// place picks the block for the next write chunk of f. The file has no holes,
// so its position is never beyond its length here.
func (s *Session) place(f *filetable.File) (placement, error) {
	blockSize := s.devices.BlockSize()
	fileBlock := f.Position / blockSize

	switch {
	case f.Position < f.Length:
		slot, ok := s.owned(f, f.LastWrite, fileBlock)
		if !ok {
			return placement{}, fmt.Errorf("file block %d of handle %d has no device block", fileBlock, f.Handle)
		}

		return placement{mode: overwriting, slot: slot}, nil
	case f.Position%blockSize != 0:
		if last := f.LastWrite; last != nil && s.holds(*last, f, fileBlock) && s.devices.Descriptor(*last).State == device.Allocated {
			return placement{mode: resuming, slot: *last}, nil
		}

		slot, ok := s.owned(f, f.LastWrite, fileBlock)
		if !ok {
			return placement{}, fmt.Errorf("tail block %d of handle %d has no device block", fileBlock, f.Handle)
		}

		return placement{mode: resuming, slot: slot}, nil
	default:
		slot, err := s.devices.FindFree()
		if err != nil {
			return placement{}, err
		}

		return placement{mode: scanning, slot: slot}, nil
	}
}

func (s *Session) holds(slot device.Slot, f *filetable.File, fileBlock int64) bool {
	desc := s.devices.Descriptor(slot)

	return desc.State != device.Empty && desc.Owner == int(f.Handle) && desc.Offset/s.devices.BlockSize() == fileBlock
}

// owned finds the block holding fileBlock of f, starting from the device of
// hint when there is one.
func (s *Session) owned(f *filetable.File, hint *device.Slot, fileBlock int64) (device.Slot, bool) {
	start := 0
	if hint != nil {
		if s.holds(*hint, f, fileBlock) {
			return *hint, true
		}

		start = hint.Device
	}

	return s.devices.FindOwned(start, int(f.Handle), fileBlock)
}
