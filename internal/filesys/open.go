package filesys

import (
	"context"

	"github.com/e2b-dev/infra/packages/lcloud/internal/logger"
)

// Open opens path and returns its handle, powering the session on first if
// needed.
func (s *Session) Open(ctx context.Context, path string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.powerOn(ctx); err != nil {
		return -1, err
	}

	f, err := s.files.Open(path)
	if err != nil {
		return -1, err
	}

	s.logger.Debug("opened file", logger.WithPath(path), logger.WithHandle(int(f.Handle)))

	return f.Handle, nil
}

func (s *Session) Close(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.files == nil {
		return ErrNotPoweredOn
	}

	if err := s.files.Close(h); err != nil {
		return err
	}

	s.logger.Debug("closed file", logger.WithHandle(int(h)))

	return nil
}

// Seek moves the position of h. Positions past the end are accepted here;
// a read from them fails and a write first fills the gap with zeros.
func (s *Session) Seek(h Handle, off int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.files == nil {
		return 0, ErrNotPoweredOn
	}

	return s.files.Seek(h, off)
}

// Size is the length of the open file h.
func (s *Session) Size(h Handle) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.files == nil {
		return 0, ErrNotPoweredOn
	}

	f, err := s.files.Get(h)
	if err != nil {
		return 0, err
	}

	return f.Length, nil
}
