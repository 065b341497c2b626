//go:build linux

package tuntap

import (
	"net/netip"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("creating devices requires CAP_NET_ADMIN")
	}
}

func TestCreateTun(t *testing.T) {
	requireRoot(t)

	dev, err := New(Config{
		Address: netip.MustParsePrefix("10.107.0.1/24"),
		MTU:     1400,
		Up:      true,
	})
	require.NoError(t, err)
	defer dev.Close()

	assert.NotEmpty(t, dev.Name())
	assert.Equal(t, TUN, dev.Mode())
	assert.Zero(t, dev.HeaderLen())

	mtu, err := dev.MTU()
	require.NoError(t, err)
	assert.Equal(t, 1400, mtu)

	addr, err := dev.Addr()
	require.NoError(t, err)
	assert.Equal(t, netip.MustParsePrefix("10.107.0.1/24"), addr)
}

func TestCreateMultiQueueAllOrNothing(t *testing.T) {
	requireRoot(t)

	devs, err := NewMultiQueue(Config{Queues: 4})
	require.NoError(t, err)
	require.Len(t, devs, 4)
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()

	for _, d := range devs {
		assert.Equal(t, devs[0].Name(), d.Name())
		assert.Equal(t, TUN, d.Mode())
	}
}

func TestCreateNamedTap(t *testing.T) {
	requireRoot(t)

	dev, err := New(Config{Name: "tap-tt0", Mode: TAP})
	require.NoError(t, err)
	defer dev.Close()
	assert.Equal(t, "tap-tt0", dev.Name())
}
