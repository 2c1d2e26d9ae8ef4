package filesys

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/lcloud/internal/cache"
	"github.com/e2b-dev/infra/packages/lcloud/internal/cfg"
	"github.com/e2b-dev/infra/packages/lcloud/internal/device"
	"github.com/e2b-dev/infra/packages/lcloud/internal/filetable"
	"github.com/e2b-dev/infra/packages/lcloud/internal/logger"
	"github.com/e2b-dev/infra/packages/lcloud/internal/metrics"
	"github.com/e2b-dev/infra/packages/lcloud/internal/register"
	"github.com/e2b-dev/infra/packages/lcloud/internal/transport"
)

const (
	defaultCacheBlocks = 64
	defaultMaxFiles    = 256
)

type Handle = filetable.Handle

// Session owns the connection to one device controller together with the
// device table, file table and block cache built by PowerOn. All methods are
// serialized, so at most one frame exchange is in flight at any time.
type Session struct {
	mu sync.Mutex

	id          string
	client      *transport.Client
	cacheBlocks int
	maxFiles    int
	cacheOnRead bool

	logger  *zap.Logger
	metrics metrics.Metrics

	// nil while powered off
	devices *device.Table
	files   *filetable.Table
	cache   *cache.Cache
}

type Option func(*Session)

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

func WithMetrics(m metrics.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

func WithCacheBlocks(n int) Option {
	return func(s *Session) {
		s.cacheBlocks = n
	}
}

func WithMaxFiles(n int) Option {
	return func(s *Session) {
		s.maxFiles = n
	}
}

// WithCacheOnRead makes read misses populate the cache. By default only
// writes do.
func WithCacheOnRead(enabled bool) Option {
	return func(s *Session) {
		s.cacheOnRead = enabled
	}
}

func New(client *transport.Client, opts ...Option) *Session {
	s := &Session{
		id:          uuid.NewString(),
		client:      client,
		cacheBlocks: defaultCacheBlocks,
		maxFiles:    defaultMaxFiles,
		logger:      logger.NewNopLogger(),
		metrics:     metrics.Noop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.logger = logger.ForSession(s.logger, s.id)

	return s
}

// NewFromConfig builds a session and its transport client from config.
func NewFromConfig(config cfg.Config, l *zap.Logger, m metrics.Metrics) *Session {
	client := transport.NewClient(config.ControllerAddress,
		transport.WithDialTimeout(config.DialTimeout),
		transport.WithLogger(l.Named(logger.ComponentTransport)),
		transport.WithMetrics(m),
	)

	return New(client,
		WithLogger(l),
		WithMetrics(m),
		WithCacheBlocks(config.CacheBlocks),
		WithMaxFiles(config.MaxFiles),
		WithCacheOnRead(config.CacheOnRead),
	)
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) PoweredOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.devices != nil
}

// PowerOn powers the controller on, discovers and initializes its devices, and
// builds fresh tables and an empty cache. It is a no-op on a powered session.
func (s *Session) PowerOn(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.powerOn(ctx)
}

func (s *Session) powerOn(ctx context.Context) error {
	if s.devices != nil {
		return nil
	}

	files, err := filetable.New(s.maxFiles)
	if err != nil {
		return err
	}

	c, err := cache.New(s.cacheBlocks, register.BlockSize, s.logger)
	if err != nil {
		return err
	}

	if _, err := s.client.Call(ctx, register.NewRequest(register.OpPowerOn, 0, 0, 0, 0), nil); err != nil {
		return fmt.Errorf("power on: %w", err)
	}

	probe, err := s.client.Call(ctx, register.NewRequest(register.OpDevProbe, 0, 0, 0, 0), nil)
	if err != nil {
		return fmt.Errorf("probe devices: %w", err)
	}

	ids := register.DeviceIDs(probe.Sector)
	if len(ids) == 0 {
		return errors.New("controller reported no devices")
	}

	devices := make([]*device.Device, 0, len(ids))
	for _, id := range ids {
		resp, err := s.client.Call(ctx, register.NewRequest(register.OpDevInit, id, 0, 0, 0), nil)
		if err != nil {
			return fmt.Errorf("init device %d: %w", id, err)
		}

		d, err := device.New(id, resp.Sector, resp.Block)
		if err != nil {
			return err
		}

		s.logger.Info("found device",
			logger.WithDeviceID(id),
			zap.Uint16("sectors", d.Sectors),
			zap.Uint16("blocks", d.Blocks),
			zap.String("size", humanize.IBytes(uint64(d.Capacity())*register.BlockSize)),
		)

		devices = append(devices, d)
	}

	table, err := device.NewTable(devices, register.BlockSize)
	if err != nil {
		return err
	}

	s.devices = table
	s.files = files
	s.cache = c

	_, total := table.Allocated()
	s.logger.Info("powered on", zap.Int("devices", table.Len()), zap.Int("blocks", total))

	return nil
}

// Shutdown powers the controller off and releases every table. The tables
// are released even when the power-off exchange fails.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.devices == nil {
		return ErrNotPoweredOn
	}

	_, err := s.client.Call(ctx, register.NewRequest(register.OpPowerOff, 0, 0, 0, 0), nil)
	if err != nil {
		err = fmt.Errorf("power off: %w", err)
	}

	s.cache.Close()

	for _, d := range s.devices.Devices() {
		s.logger.Info("device statistics",
			logger.WithDeviceID(d.ID),
			zap.Int("used_blocks", d.Used()),
			zap.String("written", humanize.IBytes(uint64(d.BytesWritten))),
			zap.String("read", humanize.IBytes(uint64(d.BytesRead))),
		)
	}

	s.devices = nil
	s.files = nil
	s.cache = nil

	return errors.Join(err, s.client.Close())
}

type DeviceStats struct {
	ID           uint8
	Sectors      uint16
	Blocks       uint16
	UsedBlocks   int
	Full         bool
	BytesWritten int64
	BytesRead    int64
}

type Stats struct {
	Cache           cache.Stats
	AllocatedBlocks int
	TotalBlocks     int
	Devices         []DeviceStats

	// Files is the number of paths bound to a slot, open or not.
	Files    int
	MaxFiles int
}

func (s *Session) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.devices == nil {
		return Stats{}, ErrNotPoweredOn
	}

	allocated, total := s.devices.Allocated()

	st := Stats{
		Cache:           s.cache.Stats(),
		AllocatedBlocks: allocated,
		TotalBlocks:     total,
		Devices:         make([]DeviceStats, 0, s.devices.Len()),
		Files:           s.files.Len(),
		MaxFiles:        s.files.Capacity(),
	}

	for i, d := range s.devices.Devices() {
		st.Devices = append(st.Devices, DeviceStats{
			ID:           d.ID,
			Sectors:      d.Sectors,
			Blocks:       d.Blocks,
			UsedBlocks:   d.Used(),
			Full:         s.devices.IsFull(i),
			BytesWritten: d.BytesWritten,
			BytesRead:    d.BytesRead,
		})
	}

	return st, nil
}
