//go:build linux

package tuntap

import (
	"errors"
	"net"
	"net/netip"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const devNetTun = "/dev/net/tun"

func platformCapabilities() platformCaps { return linuxCaps }

// createDevice runs the Linux control-plane protocol: open
// /dev/net/tun once per queue, attach each descriptor to the interface
// with TUNSETIFF, then apply ownership and link configuration. Any
// failure closes every descriptor opened during this attempt.
func createDevice(cfg Config) ([]*Device, error) {
	queues := cfg.queues()

	var flags uint16
	if cfg.Mode == TAP {
		flags = unix.IFF_TAP
	} else {
		flags = unix.IFF_TUN
	}
	if !cfg.PacketInfo {
		flags |= unix.IFF_NO_PI
	}
	if queues > 1 {
		flags |= unix.IFF_MULTI_QUEUE
	}

	name := cfg.Name
	fds := make([]int, 0, queues)
	rollback := func() {
		for _, fd := range fds {
			unix.Close(fd)
		}
	}

	for i := 0; i < queues; i++ {
		fd, err := unix.Open(devNetTun, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			rollback()
			return nil, createError(StageOpenControl, osError(err))
		}
		fds = append(fds, fd)

		stage := StageNegotiateName
		if i > 0 {
			stage = StageAttachQueue
		}
		ifr, err := unix.NewIfreq(name)
		if err != nil {
			rollback()
			return nil, createError(stage, err)
		}
		ifr.SetUint16(flags)
		if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
			rollback()
			return nil, createError(stage, osError(err))
		}
		if i == 0 {
			// The kernel fills in the resolved name; later queues
			// attach to it explicitly.
			name = ifr.Name()
		}
	}

	if err := applyOwnership(fds[0], cfg); err != nil {
		rollback()
		return nil, err
	}
	if err := configureLink(name, cfg); err != nil {
		rollback()
		return nil, err
	}

	fr := framerFor(cfg, name)
	devs := make([]*Device, 0, queues)
	for _, fd := range fds {
		devs = append(devs, newDevice(os.NewFile(uintptr(fd), devNetTun), name, cfg.Mode, fr))
	}
	log.WithFields(log.Fields{
		"name":   name,
		"mode":   cfg.Mode.String(),
		"queues": queues,
	}).Debug("tuntap: device created")
	return devs, nil
}

func framerFor(cfg Config, _ string) framer {
	if cfg.PacketInfo {
		return packetInfoFramer{mode: cfg.Mode}
	}
	return nopFramer{}
}

func applyOwnership(fd int, cfg Config) error {
	if cfg.Owner != nil {
		if err := unix.IoctlSetInt(fd, unix.TUNSETOWNER, *cfg.Owner); err != nil {
			return createError(StageConfigure, osError(err))
		}
	}
	if cfg.Group != nil {
		if err := unix.IoctlSetInt(fd, unix.TUNSETGROUP, *cfg.Group); err != nil {
			return createError(StageConfigure, osError(err))
		}
	}
	if cfg.Persist {
		if err := unix.IoctlSetInt(fd, unix.TUNSETPERSIST, 1); err != nil {
			return createError(StageConfigure, osError(err))
		}
	}
	return nil
}

// configureLink applies MTU, addressing and admin state over netlink.
func configureLink(name string, cfg Config) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return createError(StageConfigure, err)
	}
	if cfg.MTU > 0 {
		if err := netlink.LinkSetMTU(link, cfg.MTU); err != nil {
			return createError(StageConfigure, err)
		}
	}
	if cfg.Address.IsValid() {
		addr := &netlink.Addr{IPNet: prefixToIPNet(cfg.Address)}
		if cfg.Broadcast.IsValid() {
			addr.Broadcast = net.IP(cfg.Broadcast.AsSlice())
		}
		if cfg.Destination.IsValid() {
			addr.Peer = &net.IPNet{
				IP:   cfg.Destination.AsSlice(),
				Mask: net.CIDRMask(32, 32),
			}
		}
		if err := netlink.AddrAdd(link, addr); err != nil {
			return createError(StageConfigure, err)
		}
	}
	if cfg.Up {
		if err := netlink.LinkSetUp(link); err != nil {
			return createError(StageBringUp, err)
		}
	}
	return nil
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}

// platformDestroy detaches a persistent interface by attaching to it
// once more and clearing TUNSETPERSIST.
func platformDestroy(name string, mode Mode) error {
	if name == "" {
		return configErrorf("destroy requires an interface name")
	}
	fd, err := unix.Open(devNetTun, unix.O_RDWR, 0)
	if err != nil {
		return createError(StageOpenControl, osError(err))
	}
	defer unix.Close(fd)

	var flags uint16 = unix.IFF_NO_PI
	if mode == TAP {
		flags |= unix.IFF_TAP
	} else {
		flags |= unix.IFF_TUN
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return err
	}
	ifr.SetUint16(flags)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		return createError(StageNegotiateName, osError(err))
	}
	if err := unix.IoctlSetInt(fd, unix.TUNSETPERSIST, 0); err != nil {
		return createError(StageConfigure, osError(err))
	}
	log.WithField("name", name).Debug("tuntap: persistent device destroyed")
	return nil
}

var errNoAddress = errors.New("tuntap: interface has no IPv4 address")

func platformMTU(name string) (int, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, err
	}
	return link.Attrs().MTU, nil
}

func platformFlags(name string) (uint32, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, err
	}
	return link.Attrs().RawFlags, nil
}

func firstV4Addr(name string) (netlink.Addr, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return netlink.Addr{}, err
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return netlink.Addr{}, err
	}
	if len(addrs) == 0 {
		return netlink.Addr{}, errNoAddress
	}
	return addrs[0], nil
}

func platformAddr(name string) (netip.Prefix, error) {
	a, err := firstV4Addr(name)
	if err != nil {
		return netip.Prefix{}, err
	}
	ip, ok := netip.AddrFromSlice(a.IPNet.IP.To4())
	if !ok {
		return netip.Prefix{}, errNoAddress
	}
	ones, _ := a.IPNet.Mask.Size()
	return netip.PrefixFrom(ip, ones), nil
}

func platformDestination(name string) (netip.Addr, error) {
	a, err := firstV4Addr(name)
	if err != nil {
		return netip.Addr{}, err
	}
	if a.Peer == nil {
		return netip.Addr{}, errNoAddress
	}
	ip, ok := netip.AddrFromSlice(a.Peer.IP.To4())
	if !ok {
		return netip.Addr{}, errNoAddress
	}
	return ip, nil
}

func platformBroadcast(name string) (netip.Addr, error) {
	a, err := firstV4Addr(name)
	if err != nil {
		return netip.Addr{}, err
	}
	ip, ok := netip.AddrFromSlice(net.IP(a.Broadcast).To4())
	if !ok {
		return netip.Addr{}, errNoAddress
	}
	return ip, nil
}
