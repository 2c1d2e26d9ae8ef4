package filesys

import (
	"context"
	"fmt"

	"github.com/e2b-dev/infra/packages/lcloud/internal/cache"
	"github.com/e2b-dev/infra/packages/lcloud/internal/device"
	"github.com/e2b-dev/infra/packages/lcloud/internal/metrics"
)

// Read fills buf from the position of h. The whole range must lie within the
// file; otherwise ErrOutOfRange is returned before any device I/O. A failed
// read returns 0 and leaves the position where it was.
func (s *Session) Read(ctx context.Context, h Handle, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.files == nil {
		return 0, ErrNotPoweredOn
	}

	f, err := s.files.Get(h)
	if err != nil {
		return 0, err
	}

	if f.Position > f.Length || int64(len(buf)) > f.Length-f.Position {
		return 0, fmt.Errorf("%w: %d bytes at %d, length %d", ErrOutOfRange, len(buf), f.Position, f.Length)
	}

	blockSize := s.devices.BlockSize()
	block := make([]byte, blockSize)

	// nothing is recorded on the file or the devices until every block arrived
	type served struct {
		slot device.Slot
		n    int
	}

	var chunks []served

	pos := f.Position
	hint := f.LastRead
	read := 0

	for read < len(buf) {
		fileBlock := pos / blockSize
		off := int(pos % blockSize)

		slot, ok := s.owned(f, hint, fileBlock)
		if !ok {
			return 0, fmt.Errorf("file block %d of handle %d has no device block", fileBlock, f.Handle)
		}

		d := s.devices.Device(slot.Device)
		key := cache.Key{DeviceID: d.ID, Sector: slot.Sector, Block: slot.Block}

		if err := s.load(ctx, key, block, s.cacheOnRead); err != nil {
			return 0, err
		}

		n := copy(buf[read:], block[off:])
		chunks = append(chunks, served{slot: slot, n: n})

		hint = &slot
		pos += int64(n)
		read += n
	}

	for _, c := range chunks {
		s.devices.RecordRead(c.slot, c.n)
		s.metrics.DeviceBytesRead.Add(ctx, int64(c.n), metrics.DeviceAttr(s.devices.Device(c.slot.Device).ID))
	}

	f.Position = pos
	f.LastRead = hint

	return read, nil
}
