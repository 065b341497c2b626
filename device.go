package tuntap

import (
	"errors"
	"io"
	"io/fs"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// deviceBufSize covers the largest packet a TUN/TAP descriptor can
// deliver plus the widest framing header.
const deviceBufSize = 65536 + packetInfoLen + etherHeaderLen

var packetBuffers = sync.Pool{
	New: func() any {
		b := make([]byte, deviceBufSize)
		return &b
	},
}

// Device is one descriptor attached to a virtual interface. The
// descriptor is non-blocking and registered with the runtime poller,
// so Read and Write suspend the calling goroutine instead of a thread.
//
// The kernel serializes access to a single descriptor, so one reader
// and one writer may use a Device concurrently without extra locking.
type Device struct {
	file *os.File
	name string
	mode Mode
	fr   framer

	// refs counts the views that keep the descriptor alive after
	// Split. The descriptor is released once, by the last view.
	refs atomic.Int32

	mu     sync.Mutex
	fatal  error
	closed bool
}

func newDevice(file *os.File, name string, mode Mode, fr framer) *Device {
	d := &Device{file: file, name: name, mode: mode, fr: fr}
	d.refs.Store(1)
	return d
}

// Name is the interface name the kernel resolved at creation.
func (d *Device) Name() string { return d.name }

// Mode the device was created in.
func (d *Device) Mode() Mode { return d.mode }

// HeaderLen is the number of per-packet header bytes the framing
// adapter strips and prepends at the descriptor boundary.
func (d *Device) HeaderLen() int { return d.fr.headerLen() }

func (d *Device) String() string {
	return d.mode.String() + " " + d.name
}

// failed reports the state that makes I/O impossible, if any.
func (d *Device) failed() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fatal != nil {
		return d.fatal
	}
	if d.closed {
		return ErrClosed
	}
	return nil
}

// ioError classifies an I/O failure. Deadline expiry is transient and
// passes through; anything else latches the device so both split views
// observe the same terminal error on every later call.
func (d *Device) ioError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return err
	}
	if errors.Is(err, fs.ErrClosed) {
		return ErrClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fatal == nil {
		d.fatal = err
	}
	return d.fatal
}

// Read returns one packet with its framing header stripped. The
// goroutine suspends until the descriptor is readable. Packets larger
// than p are truncated, matching device semantics.
func (d *Device) Read(p []byte) (int, error) {
	if err := d.failed(); err != nil {
		return 0, err
	}
	if d.fr.direct() {
		n, err := d.file.Read(p)
		return n, d.ioError(err)
	}

	bp := packetBuffers.Get().(*[]byte)
	defer packetBuffers.Put(bp)

	n, err := d.file.Read(*bp)
	if err != nil {
		return 0, d.ioError(err)
	}
	payload, err := d.fr.deframe((*bp)[:n])
	if err != nil {
		return 0, err
	}
	return copy(p, payload), nil
}

// Write frames and sends one packet. The returned count is in payload
// bytes; a short count can only accompany an error.
func (d *Device) Write(p []byte) (int, error) {
	if err := d.failed(); err != nil {
		return 0, err
	}
	if d.fr.direct() {
		n, err := writeFull(d.file, p)
		return n, d.ioError(err)
	}

	bp := packetBuffers.Get().(*[]byte)
	defer packetBuffers.Put(bp)

	framed, err := d.fr.frame((*bp)[:0], p)
	if err != nil {
		return 0, err
	}
	n, err := writeFull(d.file, framed)
	if err != nil {
		return payloadCount(n, len(p), d.fr.headerLen()), d.ioError(err)
	}
	return len(p), nil
}

// WriteAll sends one packet and does not return until the kernel has
// consumed every byte of it, or a fatal error occurs. The framing
// header is built once, so a retried short write never duplicates
// header or payload bytes.
func (d *Device) WriteAll(p []byte) error {
	_, err := d.Write(p)
	return err
}

// payloadCount converts a wire byte count into payload bytes.
func payloadCount(wire, payloadLen, headerLen int) int {
	n := wire - headerLen
	if n < 0 {
		return 0
	}
	if n > payloadLen {
		return payloadLen
	}
	return n
}

// writeFull pushes every byte of b into w, looping over short writes.
// Bytes are never replayed or dropped: the offset advances exactly by
// what the writer consumed.
func writeFull(w io.Writer, b []byte) (int, error) {
	var off int
	for off < len(b) {
		n, err := w.Write(b[off:])
		off += n
		if err != nil {
			return off, err
		}
		if n == 0 {
			return off, io.ErrShortWrite
		}
	}
	return off, nil
}

// SetReadDeadline bounds future reads. Callers compose timeouts and
// cancellation with deadlines; the device itself never times out.
func (d *Device) SetReadDeadline(t time.Time) error {
	return d.file.SetReadDeadline(t)
}

// SetWriteDeadline bounds future writes.
func (d *Device) SetWriteDeadline(t time.Time) error {
	return d.file.SetWriteDeadline(t)
}

// Close deregisters the descriptor from the poller and closes it.
// Close is idempotent and safe to call from either split view; only
// the first call releases the descriptor.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	return d.file.Close()
}

// release drops one view's reference, closing the device when the
// last one is gone.
func (d *Device) release() error {
	if d.refs.Add(-1) > 0 {
		return nil
	}
	return d.Close()
}

// MTU queries the interface MTU through the control channel.
func (d *Device) MTU() (int, error) { return platformMTU(d.name) }

// Addr queries the interface address and prefix length.
func (d *Device) Addr() (netip.Prefix, error) { return platformAddr(d.name) }

// Destination queries the point-to-point peer address.
func (d *Device) Destination() (netip.Addr, error) { return platformDestination(d.name) }

// Broadcast queries the broadcast address.
func (d *Device) Broadcast() (netip.Addr, error) { return platformBroadcast(d.name) }

// Flags returns the raw interface flags.
func (d *Device) Flags() (uint32, error) { return platformFlags(d.name) }
