package tuntap

import (
	"sync"
	"time"
)

// Split hands the device to a read half and a write half that share
// the descriptor. The descriptor stays open until both halves are
// closed (or the Device itself is closed directly); neither half can
// invalidate it for the other. Split may be called at most once.
func (d *Device) Split() (*Reader, *Writer) {
	d.refs.Store(2)
	return &Reader{d: d}, &Writer{d: d}
}

// Reader is the receive half of a split device.
type Reader struct {
	d    *Device
	once sync.Once
}

func (r *Reader) Read(p []byte) (int, error) { return r.d.Read(p) }

func (r *Reader) SetReadDeadline(t time.Time) error { return r.d.SetReadDeadline(t) }

// Close releases this half. The descriptor is closed when the other
// half is released too. Closing twice is a no-op.
func (r *Reader) Close() error {
	var err error
	r.once.Do(func() { err = r.d.release() })
	return err
}

// Writer is the send half of a split device.
type Writer struct {
	d    *Device
	once sync.Once
}

func (w *Writer) Write(p []byte) (int, error) { return w.d.Write(p) }

// WriteAll sends one packet fully; see Device.WriteAll.
func (w *Writer) WriteAll(p []byte) error { return w.d.WriteAll(p) }

func (w *Writer) SetWriteDeadline(t time.Time) error { return w.d.SetWriteDeadline(t) }

// Close releases this half. The descriptor is closed when the other
// half is released too. Closing twice is a no-op.
func (w *Writer) Close() error {
	var err error
	w.once.Do(func() { err = w.d.release() })
	return err
}
