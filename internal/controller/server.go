package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/e2b-dev/infra/packages/lcloud/internal/logger"
	"github.com/e2b-dev/infra/packages/lcloud/internal/register"
)

// Geometry describes one device served by the controller.
type Geometry struct {
	ID      uint8
	Sectors uint16
	Blocks  uint16
}

func (g Geometry) blocks() int64 {
	return int64(g.Sectors) * int64(g.Blocks)
}

// StoreSize is the number of bytes a Store needs to back the given devices.
func StoreSize(devices []Geometry) int64 {
	var total int64
	for _, g := range devices {
		total += g.blocks() * register.BlockSize
	}

	return total
}

// Server answers register frames for a fixed set of devices. Each accepted
// connection is served sequentially, one frame at a time.
type Server struct {
	devices map[uint8]Geometry
	base    map[uint8]int64
	mask    uint16
	store   Store
	logger  *zap.Logger

	requests [256]atomic.Int64
}

func NewServer(devices []Geometry, store Store, l *zap.Logger) (*Server, error) {
	if len(devices) == 0 {
		return nil, errors.New("controller needs at least one device")
	}

	if l == nil {
		l = logger.NewNopLogger()
	}

	s := &Server{
		devices: make(map[uint8]Geometry, len(devices)),
		base:    make(map[uint8]int64, len(devices)),
		store:   store,
		logger:  l,
	}

	ids := make([]uint8, 0, len(devices))

	var off int64
	for _, g := range devices {
		if g.ID >= 16 {
			return nil, fmt.Errorf("device id %d does not fit the probe mask", g.ID)
		}

		if _, ok := s.devices[g.ID]; ok {
			return nil, fmt.Errorf("duplicate device id %d", g.ID)
		}

		if g.Sectors == 0 || g.Blocks == 0 {
			return nil, fmt.Errorf("device %d has empty geometry", g.ID)
		}

		s.devices[g.ID] = g
		s.base[g.ID] = off
		ids = append(ids, g.ID)
		off += g.blocks() * register.BlockSize
	}

	s.mask = register.DeviceMask(ids)

	return s, nil
}

// Requests is the number of frames received with the given opcode.
func (s *Server) Requests(op register.Opcode) int64 {
	return s.requests[op].Load()
}

// Serve accepts connections until ctx is done or the listener fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	var conns sync.Map

	g.Go(func() error {
		<-ctx.Done()

		err := ln.Close()
		conns.Range(func(key, _ any) bool {
			key.(net.Conn).Close()

			return true
		})

		return err
	})

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}

				return fmt.Errorf("accept: %w", err)
			}

			conns.Store(conn, struct{}{})

			g.Go(func() error {
				defer func() {
					conns.Delete(conn)
					conn.Close()
				}()

				if err := s.Handle(ctx, conn); err != nil {
					s.logger.Warn("controller connection ended", zap.Error(err))
				}

				return nil
			})
		}
	})

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}

// Handle serves frames from one stream until it ends or a power-off frame
// has been answered.
func (s *Server) Handle(ctx context.Context, rw io.ReadWriter) error {
	header := make([]byte, register.FrameSize)
	block := make([]byte, register.BlockSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := io.ReadFull(rw, header); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("read frame: %w", err)
		}

		var req register.Frame
		if err := req.UnmarshalBinary(header); err != nil {
			return err
		}

		s.requests[req.Opcode].Add(1)

		resp, payload, err := s.respond(req, rw, block)
		if err != nil {
			return err
		}

		if err := resp.Put(header); err != nil {
			return err
		}

		if _, err := rw.Write(header); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}

		if payload != nil {
			if _, err := rw.Write(payload); err != nil {
				return fmt.Errorf("write block: %w", err)
			}
		}

		if req.Opcode == register.OpPowerOff {
			return nil
		}
	}
}

func (s *Server) respond(req register.Frame, r io.Reader, block []byte) (register.Frame, []byte, error) {
	resp := req
	resp.Direction = register.Response
	resp.Status = register.StatusSuccess

	failed := func() register.Frame {
		resp.Status = register.StatusPending

		return resp
	}

	if req.Direction != register.Request {
		s.logger.Warn("frame is not a request", zap.Stringer("frame", req))

		if req.Opcode == register.OpBlockXfer && req.Transfer == register.XferRead {
			clear(block)

			return failed(), block, nil
		}

		return failed(), nil, nil
	}

	switch req.Opcode {
	case register.OpPowerOn, register.OpPowerOff:
		return resp, nil, nil
	case register.OpDevProbe:
		resp.Sector = s.mask

		return resp, nil, nil
	case register.OpDevInit:
		g, ok := s.devices[req.DeviceID]
		if !ok {
			return failed(), nil, nil
		}

		s.logger.Debug("initialized device", logger.WithDeviceID(g.ID), zap.Uint16("sectors", g.Sectors), zap.Uint16("blocks", g.Blocks))
		resp.Sector = g.Sectors
		resp.Block = g.Blocks

		return resp, nil, nil
	case register.OpBlockXfer:
		switch req.Transfer {
		case register.XferWrite:
			if _, err := io.ReadFull(r, block); err != nil {
				return resp, nil, fmt.Errorf("read block: %w", err)
			}

			off, ok := s.offset(req)
			if !ok {
				return failed(), nil, nil
			}

			if _, err := s.store.WriteAt(block, off); err != nil {
				s.logger.Error("failed to store block", zap.Error(err))

				return failed(), nil, nil
			}

			return resp, nil, nil
		case register.XferRead:
			off, ok := s.offset(req)
			if !ok {
				clear(block)

				return failed(), block, nil
			}

			if _, err := s.store.ReadAt(block, off); err != nil {
				s.logger.Error("failed to load block", zap.Error(err))
				clear(block)

				return failed(), block, nil
			}

			return resp, block, nil
		}
	}

	return failed(), nil, nil
}

func (s *Server) offset(req register.Frame) (int64, bool) {
	g, ok := s.devices[req.DeviceID]
	if !ok || req.Sector >= g.Sectors || req.Block >= g.Blocks {
		return 0, false
	}

	index := int64(req.Sector)*int64(g.Blocks) + int64(req.Block)

	return s.base[g.ID] + index*register.BlockSize, true
}
