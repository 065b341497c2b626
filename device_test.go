// SOCK_SEQPACKET socketpairs only exist on Linux, so the loopback
// harness lives behind a linux tag; the framing and validation tests
// are platform-independent.

//go:build linux

package tuntap

import (
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// loopbackDevices wires two handles together through a SOCK_SEQPACKET
// socketpair: message boundaries survive like on a real TUN descriptor,
// and closing one end surfaces EOF on the other. The descriptors are
// non-blocking so they register with the runtime poller exactly like
// factory-created devices.
func loopbackDevices(t *testing.T, fr framer) (recv, send *Device) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	require.NoError(t, err)
	for _, fd := range fds {
		require.NoError(t, unix.SetNonblock(fd, true))
	}

	recv = newDevice(os.NewFile(uintptr(fds[0]), "utun9"), "utun9", TUN, fr)
	send = newDevice(os.NewFile(uintptr(fds[1]), "utun9"), "utun9", TUN, fr)
	t.Cleanup(func() {
		recv.Close()
		send.Close()
	})
	return recv, send
}

func TestLoopbackRoundTrip(t *testing.T) {
	recv, send := loopbackDevices(t, utunFramer{})

	for _, size := range []int{0, 1, 20, 576, 1500} {
		payload := ipv4Payload(size)

		n, err := send.Write(payload)
		require.NoError(t, err)
		assert.Equal(t, size, n)

		buf := make([]byte, 2048)
		n, err = recv.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, payload, buf[:n], "size %d", size)
	}
}

func TestLoopbackWriteAll(t *testing.T) {
	recv, send := loopbackDevices(t, utunFramer{})

	payload := ipv4Payload(1200)
	require.NoError(t, send.WriteAll(payload))

	buf := make([]byte, 2048)
	n, err := recv.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])
}

func TestLoopbackConcurrent(t *testing.T) {
	recv, send := loopbackDevices(t, utunFramer{})
	const packets = 64

	eg := errgroup.Group{}
	eg.Go(func() error {
		buf := make([]byte, 2048)
		for i := 0; i < packets; i++ {
			n, err := recv.Read(buf)
			if err != nil {
				return err
			}
			if want := 20 + i; n != want {
				return fmt.Errorf("packet %d: got %d bytes, want %d", i, n, want)
			}
		}
		return nil
	})
	eg.Go(func() error {
		for i := 0; i < packets; i++ {
			if _, err := send.Write(ipv4Payload(20 + i)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, eg.Wait())
}

func TestCloseIdempotent(t *testing.T) {
	recv, _ := loopbackDevices(t, utunFramer{})

	require.NoError(t, recv.Close())
	require.NoError(t, recv.Close())

	_, err := recv.Read(make([]byte, 16))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = recv.Write(ipv4Payload(20))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSplitSharedOwnership(t *testing.T) {
	recv, send := loopbackDevices(t, utunFramer{})

	r, w := recv.Split()

	// One half closing must not take the descriptor away from the
	// other half.
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err := send.Write(ipv4Payload(30))
	require.NoError(t, err)
	assert.NoError(t, recv.failed())

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, recv.failed(), ErrClosed)
}

func TestSplitReadWrite(t *testing.T) {
	recv, send := loopbackDevices(t, utunFramer{})

	_, sw := send.Split()
	rr, _ := recv.Split()

	payload := ipv4Payload(99)
	_, err := sw.Write(payload)
	require.NoError(t, err)

	buf := make([]byte, 2048)
	n, err := rr.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])
}

func TestCloseFromViewThenDevice(t *testing.T) {
	recv, _ := loopbackDevices(t, utunFramer{})
	r, w := recv.Split()

	require.NoError(t, r.Close())
	require.NoError(t, w.Close())
	// Direct close after both views released is still a no-op.
	require.NoError(t, recv.Close())
}

func TestFatalErrorLatches(t *testing.T) {
	recv, send := loopbackDevices(t, utunFramer{})

	// Tearing down the peer makes the next read fail for good.
	require.NoError(t, send.Close())

	_, err := recv.Read(make([]byte, 16))
	require.ErrorIs(t, err, io.EOF)

	// The failure is terminal: both the handle and any split view see
	// it on every later call.
	r, w := recv.Split()
	_, err = r.Read(make([]byte, 16))
	assert.ErrorIs(t, err, io.EOF)
	_, err = w.Write(ipv4Payload(20))
	assert.ErrorIs(t, err, io.EOF)
}

func TestDeadlineExpiryIsNotFatal(t *testing.T) {
	recv, send := loopbackDevices(t, utunFramer{})

	// An abandoned read leaves the handle usable: deadline expiry is
	// transient and must not latch.
	require.NoError(t, recv.SetReadDeadline(time.Now().Add(-time.Second)))
	_, err := recv.Read(make([]byte, 16))
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)

	require.NoError(t, recv.SetReadDeadline(time.Time{}))
	payload := ipv4Payload(44)
	_, err = send.Write(payload)
	require.NoError(t, err)

	buf := make([]byte, 2048)
	n, err := recv.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])
}

func TestReadTruncatesOversizedPacket(t *testing.T) {
	recv, send := loopbackDevices(t, utunFramer{})

	payload := ipv4Payload(100)
	_, err := send.Write(payload)
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := recv.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, payload[:10], buf[:n])
}

func TestDeviceMetadata(t *testing.T) {
	recv, _ := loopbackDevices(t, utunFramer{})
	assert.Equal(t, "utun9", recv.Name())
	assert.Equal(t, TUN, recv.Mode())
	assert.Equal(t, 4, recv.HeaderLen())
	assert.Equal(t, "tun utun9", recv.String())
}

func TestPayloadCount(t *testing.T) {
	assert.Equal(t, 0, payloadCount(2, 100, 4))
	assert.Equal(t, 6, payloadCount(10, 100, 4))
	assert.Equal(t, 100, payloadCount(104, 100, 4))
	assert.Equal(t, 100, payloadCount(200, 100, 4))
}
