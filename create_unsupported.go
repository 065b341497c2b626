//go:build !linux && !darwin

package tuntap

import (
	"fmt"
	"net/netip"
	"runtime"
)

var errUnsupported = fmt.Errorf("tuntap: no device support for %s", runtime.GOOS)

func platformCapabilities() platformCaps {
	return platformCaps{validName: func(string) bool { return true }}
}

func createDevice(Config) ([]*Device, error) { return nil, errUnsupported }

func platformDestroy(string, Mode) error { return errUnsupported }

func platformMTU(string) (int, error) { return 0, errUnsupported }

func platformFlags(string) (uint32, error) { return 0, errUnsupported }

func platformAddr(string) (netip.Prefix, error) { return netip.Prefix{}, errUnsupported }

func platformDestination(string) (netip.Addr, error) { return netip.Addr{}, errUnsupported }

func platformBroadcast(string) (netip.Addr, error) { return netip.Addr{}, errUnsupported }
