package filesys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/infra/packages/lcloud/internal/filetable"
	"github.com/e2b-dev/infra/packages/lcloud/internal/register"
	"github.com/e2b-dev/infra/packages/lcloud/internal/transport"
)

type snapshot struct {
	file      filetable.File
	allocated int
	devices   []DeviceStats
}

func (h *harness) snapshot(t *testing.T, fd Handle) snapshot {
	t.Helper()

	f, err := h.session.files.Get(fd)
	require.NoError(t, err)

	stats, err := h.session.Stats()
	require.NoError(t, err)

	return snapshot{file: *f, allocated: stats.AllocatedBlocks, devices: stats.Devices}
}

func TestTruncatedExchangeLeavesTablesUnchanged(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name        string
		read, write int
	}{
		{name: "frame cut", read: -1, write: register.FrameSize / 2},
		{name: "payload cut", read: -1, write: register.FrameSize + 10},
		{name: "response cut", read: 3, write: -1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, threeDevices)
			fd := h.open(t, "fault")
			h.write(t, fd, pattern(testBlock, 1))

			before := h.snapshot(t, fd)

			h.cut(t, tc.read, tc.write)

			n, err := h.session.Write(t.Context(), fd, pattern(testBlock, 2))
			require.ErrorIs(t, err, transport.ErrTransport)
			assert.Zero(t, n)
			assert.False(t, h.client.Connected())

			assert.Equal(t, before, h.snapshot(t, fd))

			h.cut(t, -1, -1)
			h.write(t, fd, pattern(testBlock, 2))

			want := append(pattern(testBlock, 1), pattern(testBlock, 2)...)
			assert.Equal(t, want, h.readAt(t, fd, 0, len(want)))
		})
	}
}

func TestTruncatedOverwriteKeepsBlockState(t *testing.T) {
	t.Parallel()

	// one cache line, so the second block evicts the first and the overwrite
	// has to read it back from the device
	h := newHarness(t, threeDevices, WithCacheBlocks(1))
	fd := h.open(t, "rmw")
	h.write(t, fd, pattern(2*testBlock, 1))

	_, err := h.session.Seek(fd, 10)
	require.NoError(t, err)

	before := h.snapshot(t, fd)

	// the response frame arrives, the block payload is cut
	h.cut(t, register.FrameSize+20, -1)

	_, err = h.session.Write(t.Context(), fd, []byte("xyz"))
	require.ErrorIs(t, err, transport.ErrTransport)
	assert.Equal(t, before, h.snapshot(t, fd))

	h.cut(t, -1, -1)
	assert.Equal(t, pattern(2*testBlock, 1), h.readAt(t, fd, 0, 2*testBlock))
}

func TestTruncatedReadKeepsPosition(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threeDevices, WithCacheBlocks(1))
	fd := h.open(t, "read")
	h.write(t, fd, pattern(2*testBlock, 8))

	_, err := h.session.Seek(fd, 0)
	require.NoError(t, err)

	before := h.snapshot(t, fd)

	h.cut(t, register.FrameSize+100, -1)

	n, err := h.session.Read(t.Context(), fd, make([]byte, testBlock))
	require.ErrorIs(t, err, transport.ErrTransport)
	assert.Zero(t, n)
	assert.Equal(t, before, h.snapshot(t, fd))

	h.cut(t, -1, -1)
	assert.Equal(t, pattern(testBlock, 8), h.readAt(t, fd, 0, testBlock))
}

func TestFailureMidWriteKeepsCommittedBlocks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threeDevices)
	fd := h.open(t, "partial")

	// the first block goes through, the second payload is cut
	h.cut(t, -1, 2*register.FrameSize+testBlock+2)

	n, err := h.session.Write(t.Context(), fd, pattern(3*testBlock, 4))
	require.ErrorIs(t, err, transport.ErrTransport)
	assert.Equal(t, testBlock, n)

	size, err := h.session.Size(fd)
	require.NoError(t, err)
	assert.Equal(t, int64(testBlock), size)

	stats, err := h.session.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.AllocatedBlocks)
}

func TestReadFailingOnLaterBlockKeepsState(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threeDevices, WithCacheBlocks(1))
	fd := h.open(t, "multi")
	h.write(t, fd, pattern(3*testBlock, 5))

	_, err := h.session.Seek(fd, 0)
	require.NoError(t, err)

	before := h.snapshot(t, fd)

	// the first block arrives whole, the payload of the second is cut
	h.cut(t, 2*register.FrameSize+testBlock+10, -1)

	buf := make([]byte, 3*testBlock)
	n, err := h.session.Read(t.Context(), fd, buf)
	require.ErrorIs(t, err, transport.ErrTransport)
	assert.Zero(t, n)
	assert.Equal(t, before, h.snapshot(t, fd))

	h.cut(t, -1, -1)

	n, err = h.session.Read(t.Context(), fd, buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, pattern(3*testBlock, 5), buf)
}
