//go:build darwin

package tuntap

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"syscall"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	utunControlName = "com.apple.net.utun_control"

	// Not exported by x/sys; values from <sys/kern_control.h>.
	sysprotoControl = 2
	utunOptIfname   = 2
)

func platformCapabilities() platformCaps { return darwinCaps }

// createDevice connects a utun kernel-control socket. Validation has
// already pinned queues to one; TAP mode rides the same utun machinery
// with the tap shim installed as the framing adapter.
func createDevice(cfg Config) ([]*Device, error) {
	fd, err := unix.Socket(unix.AF_SYSTEM, unix.SOCK_DGRAM, sysprotoControl)
	if err != nil {
		return nil, createError(StageOpenControl, osError(err))
	}

	info := &unix.CtlInfo{}
	copy(info.Name[:], utunControlName)
	if err := unix.IoctlCtlInfo(fd, info); err != nil {
		unix.Close(fd)
		return nil, createError(StageOpenControl, osError(err))
	}

	unit, err := utunUnit(cfg.Name)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	sa := &unix.SockaddrCtl{ID: info.Id, Unit: unit}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, createError(StageNegotiateName, osError(err))
	}
	name, err := unix.GetsockoptString(fd, sysprotoControl, utunOptIfname)
	if err != nil {
		unix.Close(fd)
		return nil, createError(StageNegotiateName, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, createError(StageNegotiateName, err)
	}
	unix.CloseOnExec(fd)

	if err := configureInterface(name, cfg); err != nil {
		unix.Close(fd)
		return nil, err
	}

	fr := framerFor(cfg, name)
	dev := newDevice(os.NewFile(uintptr(fd), name), name, cfg.Mode, fr)
	log.WithFields(log.Fields{
		"name": name,
		"mode": cfg.Mode.String(),
	}).Debug("tuntap: device created")
	return []*Device{dev}, nil
}

// utunUnit maps a requested utunN name to the kernel-control unit
// number: unit N+1 claims utunN, unit 0 lets the kernel assign the
// next free device.
func utunUnit(name string) (uint32, error) {
	if name == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, "utun"))
	if err != nil {
		// Validation has already checked the pattern.
		return 0, configErrorf("bad interface name %q", name)
	}
	return uint32(n) + 1, nil
}

func framerFor(cfg Config, name string) framer {
	if cfg.Mode == TAP {
		return newTapShim(name, cfg.Destination, cfg.Broadcast)
	}
	return utunFramer{}
}

// The ifreq layouts the SIOC ioctls expect; x/sys does not generate
// them for darwin.
type ifreqAddr struct {
	Name [unix.IFNAMSIZ]byte
	Addr unix.RawSockaddrInet4
}

type ifreqMTU struct {
	Name [unix.IFNAMSIZ]byte
	MTU  int32
	_    [12]byte
}

type ifreqFlags struct {
	Name  [unix.IFNAMSIZ]byte
	Flags uint16
	_     [14]byte
}

// ioctl goes through the stdlib trampoline: x/sys no longer carries
// darwin syscall numbers.
func ioctl(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func ifName(name string) (out [unix.IFNAMSIZ]byte) {
	copy(out[:], name)
	return out
}

func rawInet4(addr netip.Addr) unix.RawSockaddrInet4 {
	return unix.RawSockaddrInet4{
		Len:    unix.SizeofSockaddrInet4,
		Family: unix.AF_INET,
		Addr:   addr.As4(),
	}
}

// configureInterface applies MTU, addressing and admin state through
// SIOC ioctls on an AF_INET datagram socket.
func configureInterface(name string, cfg Config) error {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return createError(StageConfigure, osError(err))
	}
	defer unix.Close(sock)

	if cfg.MTU > 0 {
		req := ifreqMTU{Name: ifName(name), MTU: int32(cfg.MTU)}
		if err := ioctl(sock, unix.SIOCSIFMTU, unsafe.Pointer(&req)); err != nil {
			return createError(StageConfigure, osError(err))
		}
	}
	if cfg.Address.IsValid() {
		req := ifreqAddr{Name: ifName(name), Addr: rawInet4(cfg.Address.Addr())}
		if err := ioctl(sock, unix.SIOCSIFADDR, unsafe.Pointer(&req)); err != nil {
			return createError(StageConfigure, osError(err))
		}

		mask, ok := netip.AddrFromSlice(net.CIDRMask(cfg.Address.Bits(), 32))
		if !ok {
			return createError(StageConfigure, fmt.Errorf("bad prefix length %d", cfg.Address.Bits()))
		}
		req = ifreqAddr{Name: ifName(name), Addr: rawInet4(mask)}
		if err := ioctl(sock, unix.SIOCSIFNETMASK, unsafe.Pointer(&req)); err != nil {
			return createError(StageConfigure, osError(err))
		}
	}
	if cfg.Destination.IsValid() {
		req := ifreqAddr{Name: ifName(name), Addr: rawInet4(cfg.Destination)}
		if err := ioctl(sock, unix.SIOCSIFDSTADDR, unsafe.Pointer(&req)); err != nil {
			return createError(StageConfigure, osError(err))
		}
	}
	if cfg.Broadcast.IsValid() {
		// utun interfaces are point-to-point; the kernel has no
		// broadcast to set. The framing adapter remaps sends
		// addressed to this value onto the peer instead.
		log.WithField("name", name).Debug("tuntap: broadcast handled by tap shim on point-to-point interface")
	}

	if cfg.Up {
		req := ifreqFlags{Name: ifName(name)}
		if err := ioctl(sock, unix.SIOCGIFFLAGS, unsafe.Pointer(&req)); err != nil {
			return createError(StageBringUp, osError(err))
		}
		req.Flags |= unix.IFF_UP | unix.IFF_RUNNING
		if err := ioctl(sock, unix.SIOCSIFFLAGS, unsafe.Pointer(&req)); err != nil {
			return createError(StageBringUp, osError(err))
		}
	}
	return nil
}

// Persistent devices are a Linux concept; utun sockets die with their
// last descriptor.
func platformDestroy(string, Mode) error {
	return fmt.Errorf("tuntap: persistent devices are not supported on darwin")
}

func withConfigSocket(fn func(sock int) error) error {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return osError(err)
	}
	defer unix.Close(sock)
	return fn(sock)
}

func platformMTU(name string) (int, error) {
	var mtu int
	err := withConfigSocket(func(sock int) error {
		req := ifreqMTU{Name: ifName(name)}
		if err := ioctl(sock, unix.SIOCGIFMTU, unsafe.Pointer(&req)); err != nil {
			return err
		}
		mtu = int(req.MTU)
		return nil
	})
	return mtu, err
}

func platformFlags(name string) (uint32, error) {
	var flags uint32
	err := withConfigSocket(func(sock int) error {
		req := ifreqFlags{Name: ifName(name)}
		if err := ioctl(sock, unix.SIOCGIFFLAGS, unsafe.Pointer(&req)); err != nil {
			return err
		}
		flags = uint32(req.Flags)
		return nil
	})
	return flags, err
}

func getIfAddr(name string, req uint) (netip.Addr, error) {
	var addr netip.Addr
	err := withConfigSocket(func(sock int) error {
		r := ifreqAddr{Name: ifName(name)}
		if err := ioctl(sock, req, unsafe.Pointer(&r)); err != nil {
			return err
		}
		addr = netip.AddrFrom4(r.Addr.Addr)
		return nil
	})
	return addr, err
}

func platformAddr(name string) (netip.Prefix, error) {
	addr, err := getIfAddr(name, unix.SIOCGIFADDR)
	if err != nil {
		return netip.Prefix{}, err
	}
	mask, err := getIfAddr(name, unix.SIOCGIFNETMASK)
	if err != nil {
		return netip.Prefix{}, err
	}
	ones, _ := net.IPMask(mask.AsSlice()).Size()
	return netip.PrefixFrom(addr, ones), nil
}

func platformDestination(name string) (netip.Addr, error) {
	return getIfAddr(name, unix.SIOCGIFDSTADDR)
}

// platformBroadcast derives address|^netmask: a point-to-point
// interface carries no kernel broadcast address of its own.
func platformBroadcast(name string) (netip.Addr, error) {
	addr, err := getIfAddr(name, unix.SIOCGIFADDR)
	if err != nil {
		return netip.Addr{}, err
	}
	mask, err := getIfAddr(name, unix.SIOCGIFNETMASK)
	if err != nil {
		return netip.Addr{}, err
	}
	a, m := addr.As4(), mask.As4()
	var b [4]byte
	for i := range a {
		b[i] = a[i] | ^m[i]
	}
	return netip.AddrFrom4(b), nil
}
