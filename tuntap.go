// Package tuntap allocates TUN and TAP virtual network devices and
// exposes them as asynchronous packet streams.
//
// On Linux the package speaks the /dev/net/tun ioctl protocol,
// including multi-queue attachment; on macOS it connects utun
// kernel-control sockets and emulates TAP framing on top of them.
// Descriptors are opened non-blocking and wrapped in *os.File, which
// registers them with the runtime poller: reads and writes suspend
// only the calling goroutine, and Close deregisters the descriptor.
// Per-packet header differences between platforms are hidden by a
// framing adapter chosen at creation time, so payloads are portable.
package tuntap

// New validates cfg and creates a single-queue device. Validation
// failures are reported before any privileged call; creation failures
// carry the control-plane stage that failed, and no descriptor stays
// open behind an error.
func New(cfg Config) (*Device, error) {
	if cfg.queues() != 1 {
		return nil, configErrorf("%d queues requested; use NewMultiQueue", cfg.Queues)
	}
	devs, err := create(cfg)
	if err != nil {
		return nil, err
	}
	return devs[0], nil
}

// NewMultiQueue creates cfg.Queues descriptors bound to one interface
// (Linux only for more than one). It returns either the full set or an
// error with nothing left open, never a partial set.
func NewMultiQueue(cfg Config) ([]*Device, error) {
	return create(cfg)
}

func create(cfg Config) ([]*Device, error) {
	if err := validate(cfg, platformCapabilities()); err != nil {
		return nil, err
	}
	return createDevice(cfg)
}

// Destroy removes a persistent interface created earlier with
// Config.Persist (Linux only). Mode must match the mode the interface
// was created with.
func Destroy(name string, mode Mode) error {
	return platformDestroy(name, mode)
}
