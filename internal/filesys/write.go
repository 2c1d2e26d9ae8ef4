package filesys

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/lcloud/internal/cache"
	"github.com/e2b-dev/infra/packages/lcloud/internal/device"
	"github.com/e2b-dev/infra/packages/lcloud/internal/filetable"
	"github.com/e2b-dev/infra/packages/lcloud/internal/logger"
	"github.com/e2b-dev/infra/packages/lcloud/internal/metrics"
	"github.com/e2b-dev/infra/packages/lcloud/internal/register"
)

// Write writes data at the position of h and returns the number of bytes
// written. A position past the end is first filled with zeros. Blocks are
// committed one at a time, so on error the returned count covers every block
// already placed and the tables reflect exactly those.
func (s *Session) Write(ctx context.Context, h Handle, data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.files == nil {
		return 0, ErrNotPoweredOn
	}

	f, err := s.files.Get(h)
	if err != nil {
		return 0, err
	}

	if len(data) == 0 {
		return 0, nil
	}

	if f.Position > f.Length {
		if err := s.fillGap(ctx, f); err != nil {
			return 0, err
		}
	}

	written := 0
	for written < len(data) {
		n, err := s.writeChunk(ctx, f, data[written:])
		written += n
		if err != nil {
			return written, err
		}
	}

	return written, nil
}

// blocksFor is the number of blocks covering the first n file bytes.
func blocksFor(n, blockSize int64) int64 {
	blocks := n / blockSize
	if n%blockSize != 0 {
		blocks++
	}

	return blocks
}

func (s *Session) fillGap(ctx context.Context, f *filetable.File) error {
	target := f.Position
	blockSize := s.devices.BlockSize()

	allocated, total := s.devices.Allocated()
	need := blocksFor(target, blockSize) - blocksFor(f.Length, blockSize)

	if free := int64(total - allocated); need > free {
		return fmt.Errorf("%w: gap of %d bytes needs %d blocks, %d free", device.ErrAllocationExhausted, target-f.Length, need, free)
	}

	f.Position = f.Length

	zeros := make([]byte, blockSize)
	for f.Position < target {
		size := min(int64(len(zeros)), target-f.Position)

		if _, err := s.writeChunk(ctx, f, zeros[:size]); err != nil {
			// the caller's seek target stays in place for a retry
			f.Position = target

			return fmt.Errorf("fill gap: %w", err)
		}
	}

	s.logger.Debug("filled gap", logger.WithHandle(int(f.Handle)), zap.Int64("length", f.Length))

	return nil
}

// writeChunk places the part of data that fits into the block at the current
// position. Nothing is committed unless the block transfers succeed.
func (s *Session) writeChunk(ctx context.Context, f *filetable.File, data []byte) (int, error) {
	blockSize := int(s.devices.BlockSize())
	off := int(f.Position % int64(blockSize))
	n := min(blockSize-off, len(data))

	p, err := s.place(f)
	if err != nil {
		return 0, err
	}

	d := s.devices.Device(p.slot.Device)
	key := cache.Key{DeviceID: d.ID, Sector: p.slot.Sector, Block: p.slot.Block}

	block := make([]byte, blockSize)
	if p.mode != scanning {
		if err := s.load(ctx, key, block, false); err != nil {
			return 0, err
		}
	}

	copy(block[off:], data[:n])

	req := register.NewRequest(register.OpBlockXfer, d.ID, register.XferWrite, p.slot.Sector, p.slot.Block)
	if _, err := s.client.Call(ctx, req, block); err != nil {
		return 0, fmt.Errorf("write block %d/%d/%d: %w", d.ID, p.slot.Sector, p.slot.Block, err)
	}

	fresh, err := s.devices.Commit(p.slot, p.state(off, n, blockSize), int(f.Handle), f.Position, n)
	if err != nil {
		return 0, err
	}

	if err := s.cache.Put(key, block); err != nil {
		return 0, err
	}

	slot := p.slot
	f.LastWrite = &slot
	f.Position += int64(n)
	if f.Position > f.Length {
		f.Length = f.Position
	}

	p.advance(s.devices)

	s.metrics.DeviceBytesWrite.Add(ctx, int64(n), metrics.DeviceAttr(d.ID))

	if fresh {
		allocated, total := s.devices.Allocated()
		s.logger.Debug(fmt.Sprintf("allocated block %d of %d", allocated, total),
			logger.WithHandle(int(f.Handle)),
			logger.WithLocation(d.ID, p.slot.Sector, p.slot.Block),
			zap.Stringer("mode", p.mode),
			zap.Int("next_device", s.devices.Cursor()),
		)
	}

	return n, nil
}

// load fills block with the current contents of key, from the cache when
// possible. With populate set, a miss is cached after the device read.
func (s *Session) load(ctx context.Context, key cache.Key, block []byte, populate bool) error {
	if cached, ok := s.cache.Get(key); ok {
		s.metrics.CacheHits.Add(ctx, 1)
		copy(block, cached)

		return nil
	}

	s.metrics.CacheMisses.Add(ctx, 1)

	req := register.NewRequest(register.OpBlockXfer, key.DeviceID, register.XferRead, key.Sector, key.Block)
	if _, err := s.client.Call(ctx, req, block); err != nil {
		return fmt.Errorf("read block %d/%d/%d: %w", key.DeviceID, key.Sector, key.Block, err)
	}

	if populate {
		return s.cache.Put(key, block)
	}

	return nil
}
