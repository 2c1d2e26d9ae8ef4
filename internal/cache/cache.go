package cache

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/lcloud/internal/logger"
)

var ErrClosed = errors.New("block cache is closed")

// Key addresses one device block.
type Key struct {
	DeviceID uint8
	Sector   uint16
	Block    uint16
}

type line struct {
	key     Key
	data    []byte
	recency uint64
}

type Stats struct {
	Hits      int64
	Misses    int64
	Accesses  int64
	Evictions int64
	Items     int
	BytesUsed int64
}

// HitRatio is hits over total accesses, or 0 before any access.
func (s Stats) HitRatio() float64 {
	if s.Accesses == 0 {
		return 0
	}

	return float64(s.Hits) / float64(s.Accesses)
}

// Cache is a fixed-capacity LRU cache of device blocks.
//
// Every Get and Put advances one clock, so recency values are unique and the
// line with the smallest value is always the single least recently used one.
// Cache is not safe for concurrent use.
type Cache struct {
	lines     []line
	capacity  int
	blockSize int
	clock     uint64
	stats     Stats
	closed    bool

	logger *zap.Logger
}

func New(capacity, blockSize int, l *zap.Logger) (*Cache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid cache capacity %d", capacity)
	}

	if blockSize <= 0 {
		return nil, fmt.Errorf("invalid cache block size %d", blockSize)
	}

	if l == nil {
		l = logger.NewNopLogger()
	}

	l.Info("initialized block cache",
		zap.Int("capacity", capacity),
		zap.String("size", humanize.IBytes(uint64(capacity*blockSize))),
	)

	return &Cache{
		lines:     make([]line, 0, capacity),
		capacity:  capacity,
		blockSize: blockSize,
		logger:    l,
	}, nil
}

func (c *Cache) tick() uint64 {
	c.clock++
	c.stats.Accesses++

	return c.clock
}

func (c *Cache) find(key Key) int {
	for i := range c.lines {
		if c.lines[i].key == key {
			return i
		}
	}

	return -1
}

// Get returns a copy of the cached block.
func (c *Cache) Get(key Key) ([]byte, bool) {
	now := c.tick()

	i := c.find(key)
	if i < 0 {
		c.stats.Misses++
		c.logger.Debug("cache miss", logger.WithLocation(key.DeviceID, key.Sector, key.Block))

		return nil, false
	}

	c.stats.Hits++
	c.lines[i].recency = now
	c.logger.Debug("cache hit", logger.WithLocation(key.DeviceID, key.Sector, key.Block), zap.Int("index", i))

	data := make([]byte, c.blockSize)
	copy(data, c.lines[i].data)

	return data, true
}

// Put stores a block. Refreshing a cached key counts as a hit, inserting a new
// key counts as a miss and may evict the least recently used line.
func (c *Cache) Put(key Key, payload []byte) error {
	if c.closed {
		return ErrClosed
	}

	if len(payload) != c.blockSize {
		return fmt.Errorf("cache payload is %d bytes, expected %d", len(payload), c.blockSize)
	}

	now := c.tick()

	if i := c.find(key); i >= 0 {
		c.stats.Hits++
		copy(c.lines[i].data, payload)
		c.lines[i].recency = now

		return nil
	}

	c.stats.Misses++

	if len(c.lines) < c.capacity {
		data := make([]byte, c.blockSize)
		copy(data, payload)

		c.lines = append(c.lines, line{key: key, data: data, recency: now})
		c.stats.Items++
		c.stats.BytesUsed += int64(c.blockSize)

		c.logger.Debug("added cache item",
			logger.WithLocation(key.DeviceID, key.Sector, key.Block),
			zap.Int("index", len(c.lines)-1),
			zap.Int("items", c.stats.Items),
		)

		return nil
	}

	victim := c.leastRecent()
	old := c.lines[victim].key

	c.lines[victim].key = key
	copy(c.lines[victim].data, payload)
	c.lines[victim].recency = now
	c.stats.Evictions++

	c.logger.Debug("ejected cache item",
		logger.WithLocation(old.DeviceID, old.Sector, old.Block),
		zap.Int("index", victim),
	)

	return nil
}

// leastRecent returns the index of the smallest recency; the lowest index wins ties.
func (c *Cache) leastRecent() int {
	victim := 0
	for i := 1; i < len(c.lines); i++ {
		if c.lines[i].recency < c.lines[victim].recency {
			victim = i
		}
	}

	return victim
}

// Contains reports whether key is cached without counting an access.
func (c *Cache) Contains(key Key) bool {
	return c.find(key) >= 0
}

func (c *Cache) Len() int {
	return len(c.lines)
}

func (c *Cache) Stats() Stats {
	return c.stats
}

// Close clears every line and reports the cumulative statistics.
func (c *Cache) Close() Stats {
	for i := range c.lines {
		c.lines[i].key = Key{}
		clear(c.lines[i].data)
	}

	c.lines = nil
	c.closed = true

	c.logger.Info("closed block cache",
		zap.Int64("hits", c.stats.Hits),
		zap.Int64("misses", c.stats.Misses),
		zap.Float64("hit_ratio", c.stats.HitRatio()),
		zap.String("bytes_used", humanize.IBytes(uint64(c.stats.BytesUsed))),
	)

	return c.stats
}
