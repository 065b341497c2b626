package tuntap

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"
)

// Mode selects the layer the virtual interface operates at.
type Mode int

const (
	// TUN delivers raw network-layer packets.
	TUN Mode = iota
	// TAP delivers link-layer (Ethernet) frames. On macOS there is no
	// kernel TAP device, so TAP mode is emulated on top of utun.
	TAP
)

func (m Mode) String() string {
	switch m {
	case TUN:
		return "tun"
	case TAP:
		return "tap"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Config describes the device to create. The zero value requests a
// kernel-named TUN device with a single queue and no addressing.
// A Config is read once by New/NewMultiQueue and never mutated.
type Config struct {
	// Name of the interface. Empty lets the kernel pick one.
	// Linux names must fit IFNAMSIZ; macOS names must match utunN.
	Name string

	Mode Mode

	// PacketInfo keeps the 4-byte flags+protocol prefix on every
	// packet (Linux only). Off means IFF_NO_PI.
	PacketInfo bool

	// Persist keeps the interface alive after the process exits
	// (Linux only). Use Destroy to remove it later.
	Persist bool

	// Owner and Group set device ownership (Linux only). Nil leaves
	// the kernel default.
	Owner *int
	Group *int

	// MTU in bytes. Zero leaves the kernel default.
	MTU int

	// Address is the interface address and prefix length.
	// Only IPv4 is configurable through the control channel.
	Address netip.Prefix

	// Destination is the peer address for point-to-point setups.
	Destination netip.Addr

	// Broadcast address. On macOS the interface is point-to-point,
	// so broadcast-addressed sends are remapped to Destination.
	Broadcast netip.Addr

	// Queues is the number of descriptors to attach to the
	// interface. Zero means one. Values above one require Linux
	// multi-queue support and NewMultiQueue.
	Queues int

	// Up brings the interface administratively up after creation.
	Up bool
}

func (c Config) queues() int {
	if c.Queues == 0 {
		return 1
	}
	return c.Queues
}

// platformCaps describes what the target platform's control plane can
// do. Validation runs against these before any syscall is made.
type platformCaps struct {
	multiQueue bool
	nativeTap  bool
	packetInfo bool
	ownership  bool // owner/group/persist
	validName  func(string) bool
}

var (
	linuxCaps = platformCaps{
		multiQueue: true,
		nativeTap:  true,
		packetInfo: true,
		ownership:  true,
		validName:  validLinuxName,
	}

	darwinCaps = platformCaps{
		validName: validUtunName,
	}
)

// Linux interface names must fit in IFNAMSIZ including the NUL and may
// not contain separators the kernel rejects.
func validLinuxName(name string) bool {
	if name == "" {
		return true
	}
	if len(name) > 15 {
		return false
	}
	if strings.ContainsAny(name, "/ \t\n") {
		return false
	}
	return true
}

var utunNameRe = regexp.MustCompile(`^utun[0-9]+$`)

func validUtunName(name string) bool {
	return name == "" || utunNameRe.MatchString(name)
}

func configErrorf(format string, v ...any) error {
	return fmt.Errorf("%w: %s", ErrConfigInvalid, fmt.Sprintf(format, v...))
}

// validate checks the whole config against caps. No device state exists
// yet when this fails, so an error here never leaks a descriptor.
func validate(cfg Config, caps platformCaps) error {
	if cfg.Mode != TUN && cfg.Mode != TAP {
		return configErrorf("unknown mode %v", cfg.Mode)
	}
	if cfg.Queues < 0 {
		return configErrorf("queue count %d is negative", cfg.Queues)
	}
	if cfg.queues() > 1 && !caps.multiQueue {
		return configErrorf("%d queues requested but platform supports only one", cfg.Queues)
	}
	if !caps.validName(cfg.Name) {
		return configErrorf("bad interface name %q", cfg.Name)
	}
	if cfg.PacketInfo && !caps.packetInfo {
		return configErrorf("packet-info framing is not available on this platform")
	}
	if !caps.ownership {
		if cfg.Persist {
			return configErrorf("persistent devices are not available on this platform")
		}
		if cfg.Owner != nil || cfg.Group != nil {
			return configErrorf("device ownership is not available on this platform")
		}
	}
	if cfg.MTU < 0 {
		return configErrorf("MTU %d is negative", cfg.MTU)
	}
	if cfg.Address.IsValid() && !cfg.Address.Addr().Is4() {
		return configErrorf("interface address must be IPv4")
	}
	if cfg.Destination.IsValid() && !cfg.Destination.Is4() {
		return configErrorf("destination address must be IPv4")
	}
	if cfg.Broadcast.IsValid() && !cfg.Broadcast.Is4() {
		return configErrorf("broadcast address must be IPv4")
	}
	if cfg.Broadcast.IsValid() && cfg.Destination.IsValid() && cfg.Broadcast == cfg.Destination {
		return configErrorf("broadcast and destination addresses are the same")
	}
	return nil
}
