package controller

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// Store is the flat byte space behind all devices of a controller.
type Store interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
}

type memoryStore struct {
	mu   sync.RWMutex
	data []byte
}

func NewMemoryStore(size int64) Store {
	return &memoryStore{data: make([]byte, size)}
}

func (m *memoryStore) ReadAt(b []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if off < 0 || off+int64(len(b)) > int64(len(m.data)) {
		return 0, io.EOF
	}

	return copy(b, m.data[off:]), nil
}

func (m *memoryStore) WriteAt(b []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off < 0 || off+int64(len(b)) > int64(len(m.data)) {
		return 0, io.ErrShortWrite
	}

	return copy(m.data[off:], b), nil
}

func (m *memoryStore) Close() error {
	return nil
}

type mmapedFile struct {
	file *os.File
	mmap mmap.MMap
	mu   sync.RWMutex
	size int64
}

// NewFileStore maps a file of the given size, so block contents survive the
// controller process.
func NewFileStore(filePath string, size int64) (Store, error) {
	f, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("error opening file: %w", err)
	}

	err = f.Truncate(size)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("error allocating file: %w", err)
	}

	mm, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("error mapping file: %w", err)
	}

	return &mmapedFile{
		mmap: mm,
		file: f,
		size: int64(len(mm)),
	}, nil
}

func (m *mmapedFile) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(b)) > m.size {
		return 0, io.EOF
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return copy(b, m.mmap[off:]), nil
}

func (m *mmapedFile) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(b)) > m.size {
		return 0, io.ErrShortWrite
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return copy(m.mmap[off:], b), nil
}

func (m *mmapedFile) Close() error {
	flushErr := m.mmap.Flush()
	mmapErr := m.mmap.Unmap()
	closeErr := m.file.Close()

	return errors.Join(flushErr, mmapErr, closeErr)
}
