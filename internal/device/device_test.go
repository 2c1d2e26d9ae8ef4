package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 256

func newDevice(t *testing.T, id uint8, sectors, blocks uint16) *Device {
	t.Helper()

	d, err := New(id, sectors, blocks)
	require.NoError(t, err)

	return d
}

func newTable(t *testing.T, devices ...*Device) *Table {
	t.Helper()

	table, err := NewTable(devices, testBlockSize)
	require.NoError(t, err)

	return table
}

func TestNewRejectsEmptyGeometry(t *testing.T) {
	t.Parallel()

	_, err := New(1, 0, 4)
	require.Error(t, err)

	_, err = New(1, 4, 0)
	require.Error(t, err)
}

func TestFirstEmptyScansSectorMajor(t *testing.T) {
	t.Parallel()

	d := newDevice(t, 2, 2, 3)
	table := newTable(t, d)

	want := []Location{{0, 0}, {0, 1}, {0, 2}, {1, 0}, {1, 1}, {1, 2}}
	for i, loc := range want {
		got, ok := d.FirstEmpty()
		require.True(t, ok)
		require.Equal(t, loc, got)

		_, err := table.Commit(Slot{Location: got}, Full, 1, int64(i*testBlockSize), testBlockSize)
		require.NoError(t, err)
	}

	_, ok := d.FirstEmpty()
	assert.False(t, ok)
	assert.Equal(t, 6, d.Used())
}

func TestStateNeverMovesBackwards(t *testing.T) {
	t.Parallel()

	d := newDevice(t, 0, 1, 2)
	table := newTable(t, d)
	s := Slot{Location: Location{0, 1}}

	fresh, err := table.Commit(s, Allocated, 4, 512, 10)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, Allocated, table.Descriptor(s).State)

	fresh, err = table.Commit(s, Full, 4, 9999, 246)
	require.NoError(t, err)
	assert.False(t, fresh)

	desc := table.Descriptor(s)
	assert.Equal(t, Full, desc.State)
	assert.Equal(t, 4, desc.Owner)
	assert.Equal(t, int64(512), desc.Offset, "offset is fixed by the first write")

	_, err = table.Commit(s, Allocated, 4, 512, 1)
	require.NoError(t, err)
	assert.Equal(t, Full, table.Descriptor(s).State)

	_, err = table.Commit(s, Overwritten, 4, 512, 1)
	require.NoError(t, err)
	assert.Equal(t, Overwritten, table.Descriptor(s).State)

	_, err = table.Commit(s, Full, 4, 512, 1)
	require.NoError(t, err)
	assert.Equal(t, Overwritten, table.Descriptor(s).State)

	assert.Equal(t, int64(10+246+1+1+1), d.BytesWritten)

	allocated, total := table.Allocated()
	assert.Equal(t, 1, allocated)
	assert.Equal(t, 2, total)
}

func TestCommitRejectsForeignOwnerAndBadLocation(t *testing.T) {
	t.Parallel()

	table := newTable(t, newDevice(t, 0, 1, 1))

	_, err := table.Commit(Slot{}, Allocated, 1, 0, 1)
	require.NoError(t, err)

	_, err = table.Commit(Slot{}, Overwritten, 2, 0, 1)
	require.Error(t, err)

	_, err = table.Commit(Slot{Location: Location{Sector: 1}}, Allocated, 1, 0, 1)
	require.Error(t, err)

	_, err = table.Commit(Slot{}, Empty, 1, 0, 1)
	require.Error(t, err)
}

func TestFindOwned(t *testing.T) {
	t.Parallel()

	a := newDevice(t, 1, 1, 4)
	b := newDevice(t, 5, 1, 4)
	table := newTable(t, a, b)

	_, err := table.Commit(Slot{Device: 0, Location: Location{0, 0}}, Full, 0, 0, testBlockSize)
	require.NoError(t, err)
	_, err = table.Commit(Slot{Device: 1, Location: Location{0, 0}}, Full, 0, testBlockSize, testBlockSize)
	require.NoError(t, err)
	_, err = table.Commit(Slot{Device: 1, Location: Location{0, 1}}, Allocated, 7, 0, 4)
	require.NoError(t, err)

	s, ok := table.FindOwned(0, 0, 1)
	require.True(t, ok)
	assert.Equal(t, Slot{Device: 1, Location: Location{0, 0}}, s)

	s, ok = table.FindOwned(1, 0, 0)
	require.True(t, ok)
	assert.Equal(t, Slot{Device: 0, Location: Location{0, 0}}, s)

	s, ok = table.FindOwned(-3, 7, 0)
	require.True(t, ok)
	assert.Equal(t, Slot{Device: 1, Location: Location{0, 1}}, s)

	_, ok = table.FindOwned(0, 0, 2)
	assert.False(t, ok)

	_, ok = table.FindOwned(0, 3, 0)
	assert.False(t, ok)
}

func TestFindFreeRoundRobinAndFullDevices(t *testing.T) {
	t.Parallel()

	table := newTable(t, newDevice(t, 1, 1, 1), newDevice(t, 2, 1, 2), newDevice(t, 3, 1, 1))

	s, err := table.FindFree()
	require.NoError(t, err)
	assert.Equal(t, 0, s.Device)

	_, err = table.Commit(s, Full, 0, 0, testBlockSize)
	require.NoError(t, err)
	assert.True(t, table.IsFull(0))

	table.Advance(s.Device)
	assert.Equal(t, 1, table.Cursor())

	s, err = table.FindFree()
	require.NoError(t, err)
	assert.Equal(t, Slot{Device: 1, Location: Location{0, 0}}, s)

	_, err = table.Commit(s, Full, 0, testBlockSize, testBlockSize)
	require.NoError(t, err)
	assert.False(t, table.IsFull(1), "only the final block marks a device full")

	table.Advance(s.Device)
	assert.Equal(t, 2, table.Cursor())

	s, err = table.FindFree()
	require.NoError(t, err)
	assert.Equal(t, 2, s.Device)

	_, err = table.Commit(s, Full, 0, 2*testBlockSize, testBlockSize)
	require.NoError(t, err)

	// device 0 is full, so the cursor wraps to device 1
	table.Advance(s.Device)
	assert.Equal(t, 1, table.Cursor())

	s, err = table.FindFree()
	require.NoError(t, err)
	assert.Equal(t, Slot{Device: 1, Location: Location{0, 1}}, s)

	_, err = table.Commit(s, Full, 0, 3*testBlockSize, testBlockSize)
	require.NoError(t, err)

	_, err = table.FindFree()
	require.ErrorIs(t, err, ErrAllocationExhausted)
}

func TestFindFreeSkipsDeviceWithoutEmptyBlocks(t *testing.T) {
	t.Parallel()

	table := newTable(t, newDevice(t, 0, 1, 1), newDevice(t, 1, 1, 1))

	// an allocated but not full last block does not mark the device full
	_, err := table.Commit(Slot{Device: 0}, Allocated, 0, 0, 1)
	require.NoError(t, err)
	assert.False(t, table.IsFull(0))

	s, err := table.FindFree()
	require.NoError(t, err)
	assert.Equal(t, 1, s.Device)
}

func TestRecordRead(t *testing.T) {
	t.Parallel()

	d := newDevice(t, 0, 1, 1)
	table := newTable(t, d)

	table.RecordRead(Slot{}, 42)
	assert.Equal(t, int64(42), d.BytesRead)
}

func TestNewTableRejectsEmpty(t *testing.T) {
	t.Parallel()

	_, err := NewTable(nil, testBlockSize)
	require.Error(t, err)

	_, err = NewTable([]*Device{{}}, 0)
	require.Error(t, err)
}
