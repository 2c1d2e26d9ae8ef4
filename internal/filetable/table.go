package filetable

import (
	"errors"
	"fmt"

	"github.com/e2b-dev/infra/packages/lcloud/internal/device"
)

// ErrUsage is matched by every error the table returns; none of them are
// returned after device I/O has started.
var ErrUsage = errors.New("invalid file operation")

var (
	ErrInvalidHandle = fmt.Errorf("%w: invalid file handle", ErrUsage)
	ErrNotOpen       = fmt.Errorf("%w: file is not open", ErrUsage)
	ErrAlreadyOpen   = fmt.Errorf("%w: file is already open", ErrUsage)
	ErrTableFull     = fmt.Errorf("%w: file table is full", ErrUsage)
	ErrInvalidPath   = fmt.Errorf("%w: invalid path", ErrUsage)
	ErrInvalidOffset = fmt.Errorf("%w: invalid offset", ErrUsage)
)

type Handle int

type File struct {
	Handle   Handle
	Path     string
	Open     bool
	Position int64
	Length   int64

	// LastWrite and LastRead are the blocks most recently written and read, nil until used.
	LastWrite *device.Slot
	LastRead  *device.Slot
}

// Table binds paths to slots. A slot stays bound to its path after close, so
// reopening a path returns the same handle and finds the blocks it owns.
type Table struct {
	files    []*File
	byPath   map[string]Handle
	capacity int
}

func New(capacity int) (*Table, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid file table capacity %d", capacity)
	}

	return &Table{
		files:    make([]*File, 0, capacity),
		byPath:   make(map[string]Handle, capacity),
		capacity: capacity,
	}, nil
}

// Open opens path, reusing its slot if it was opened before. The position and
// the last read/write pointers are reset, the length is kept.
func (t *Table) Open(path string) (*File, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}

	if h, ok := t.byPath[path]; ok {
		f := t.files[h]
		if f.Open {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, path)
		}

		f.Open = true
		f.Position = 0
		f.LastWrite = nil
		f.LastRead = nil

		return f, nil
	}

	if len(t.files) >= t.capacity {
		return nil, fmt.Errorf("%w: %d files", ErrTableFull, t.capacity)
	}

	f := &File{
		Handle: Handle(len(t.files)),
		Path:   path,
		Open:   true,
	}

	t.files = append(t.files, f)
	t.byPath[path] = f.Handle

	return f, nil
}

func (t *Table) lookup(h Handle) (*File, error) {
	if h < 0 || int(h) >= len(t.files) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}

	return t.files[h], nil
}

// Get returns the open file for h.
func (t *Table) Get(h Handle) (*File, error) {
	f, err := t.lookup(h)
	if err != nil {
		return nil, err
	}

	if !f.Open {
		return nil, fmt.Errorf("%w: handle %d", ErrNotOpen, h)
	}

	return f, nil
}

func (t *Table) Close(h Handle) error {
	f, err := t.Get(h)
	if err != nil {
		return err
	}

	f.Open = false

	return nil
}

// Seek sets the position without clamping it to the length; reads and
// writes decide whether the position is usable.
func (t *Table) Seek(h Handle, off int64) (int64, error) {
	f, err := t.Get(h)
	if err != nil {
		return 0, err
	}

	if off < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidOffset, off)
	}

	f.Position = off

	return f.Position, nil
}

// Len is the number of bound slots.
func (t *Table) Len() int {
	return len(t.files)
}

func (t *Table) Capacity() int {
	return t.capacity
}
