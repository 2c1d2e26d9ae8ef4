package filesys

import (
	"context"
	"net"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/infra/packages/lcloud/internal/controller"
	"github.com/e2b-dev/infra/packages/lcloud/internal/register"
	"github.com/e2b-dev/infra/packages/lcloud/internal/transport"
)

const testBlock = register.BlockSize

type harness struct {
	server  *controller.Server
	client  *transport.Client
	session *Session
	addr    string

	readLimit  atomic.Int64
	writeLimit atomic.Int64
}

func startController(t *testing.T, devices []controller.Geometry) (*controller.Server, string) {
	t.Helper()

	server, err := controller.NewServer(devices, controller.NewMemoryStore(controller.StoreSize(devices)), nil)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- server.Serve(ctx, ln)
	}()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	return server, ln.Addr().String()
}

func newHarness(t *testing.T, devices []controller.Geometry, opts ...Option) *harness {
	t.Helper()

	h := &harness{}
	h.readLimit.Store(-1)
	h.writeLimit.Store(-1)

	h.server, h.addr = startController(t, devices)

	var d net.Dialer
	h.client = transport.NewClient(h.addr, transport.WithDialer(func(ctx context.Context, network, address string) (net.Conn, error) {
		conn, err := d.DialContext(ctx, network, address)
		if err != nil {
			return nil, err
		}

		return controller.NewLimitedConn(conn, int(h.readLimit.Load()), int(h.writeLimit.Load())), nil
	}))

	h.session = New(h.client, opts...)
	t.Cleanup(func() { h.client.Close() })

	return h
}

// cut makes the next connection stop after the given byte counts; -1 never cuts.
func (h *harness) cut(t *testing.T, read, write int) {
	t.Helper()

	h.readLimit.Store(int64(read))
	h.writeLimit.Store(int64(write))
	require.NoError(t, h.client.Close())
}

func (h *harness) transfers() int64 {
	return h.server.Requests(register.OpBlockXfer)
}

func (h *harness) open(t *testing.T, path string) Handle {
	t.Helper()

	fd, err := h.session.Open(t.Context(), path)
	require.NoError(t, err)

	return fd
}

func (h *harness) write(t *testing.T, fd Handle, data []byte) {
	t.Helper()

	n, err := h.session.Write(t.Context(), fd, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
}

func (h *harness) readAt(t *testing.T, fd Handle, off int64, size int) []byte {
	t.Helper()

	_, err := h.session.Seek(fd, off)
	require.NoError(t, err)

	buf := make([]byte, size)
	n, err := h.session.Read(t.Context(), fd, buf)
	require.NoError(t, err)
	require.Equal(t, size, n)

	return buf
}

// deviceOf returns the device index holding fileBlock of fd.
func (h *harness) deviceOf(t *testing.T, fd Handle, fileBlock int64) int {
	t.Helper()

	slot, ok := h.session.devices.FindOwned(0, int(fd), fileBlock)
	require.True(t, ok, "file block %d has no device block", fileBlock)

	return slot.Device
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7) + seed
	}

	return b
}
