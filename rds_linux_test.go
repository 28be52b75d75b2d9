// SPDX-License-Identifier: GPL-3.0-or-later

package flowaudit

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestRDSSockaddrRoundTrip(t *testing.T) {
	for _, s := range []string{"10.0.0.1:10000", "[2001:db8::2]:20000"} {
		addr := netip.MustParseAddrPort(s)
		assert.Equal(t, addr, rdsAddrPort(rdsSockaddr(addr)))
	}

	// IPv4-mapped IPv6 sources compare equal to the IPv4 endpoint
	mapped := &unix.SockaddrInet6{Port: 7, Addr: netip.MustParseAddr("::ffff:10.0.0.1").As16()}
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:7"), rdsAddrPort(mapped))
	assert.False(t, rdsAddrPort(&unix.SockaddrUnix{}).IsValid())
}

// newSocketpairEndpoints wraps a datagram socketpair so that the poller can
// be exercised without RDS support.
func newSocketpairEndpoints(t *testing.T) (*RDSEndpoint, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fds[1]) })
	re := &RDSEndpoint{addr: netip.MustParseAddrPort("10.0.0.1:1"), fd: fds[0]}
	t.Cleanup(func() { re.Close() })
	return re, fds[1]
}

func TestEpollPoller(t *testing.T) {
	idle, _ := newSocketpairEndpoints(t)
	busy, peer := newSocketpairEndpoints(t)
	poller, err := NewEpollPoller(idle, busy)
	require.NoError(t, err)
	defer poller.Close()

	// nothing ready
	ready, err := poller.Wait(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, ready)
	buf := make([]byte, 16)
	_, _, err = busy.RecvFrom(buf)
	assert.True(t, IsWouldBlock(err))

	// data on the second endpoint
	_, err = unix.Write(peer, []byte("x"))
	require.NoError(t, err)
	ready, err = poller.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, ready)
	n, _, err := busy.RecvFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "x", string(buf[:n]))

	// cancellation is noticed while waiting without a timeout
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = poller.Wait(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNamespaceFactoryMissingNamespace(t *testing.T) {
	factory := &NamespaceFactory{Namespace: "does-not-exist", Dir: t.TempDir()}
	_, err := factory.Open(netip.MustParseAddrPort("10.0.0.1:1"))
	assert.ErrorIs(t, err, syscall.ENOENT)
}

func TestNamespaceFactoryResetTCPBuffers(t *testing.T) {
	dir := t.TempDir()
	factory := &NamespaceFactory{}
	require.NoError(t, factory.ResetTCPBuffers(dir, TCPBufferResetValue))
	for _, name := range []string{"rds_tcp_rcvbuf", "rds_tcp_sndbuf"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, "10000\n", string(data))
	}

	// a missing sysctl names the sysctl that failed
	err := factory.ResetTCPBuffers(filepath.Join(dir, "missing"), TCPBufferResetValue)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), "rds_tcp_rcvbuf")

	// a missing namespace fails before writing anything
	factory = &NamespaceFactory{Namespace: "does-not-exist", Dir: t.TempDir()}
	assert.ErrorIs(t, factory.ResetTCPBuffers(dir, TCPBufferResetValue), syscall.ENOENT)
}

// TestRDSLoopback needs root and the rds_tcp module, hence it only runs
// when FLOWAUDIT_RDS_TEST=1.
func TestRDSLoopback(t *testing.T) {
	if os.Getenv("FLOWAUDIT_RDS_TEST") != "1" {
		t.Skip("set FLOWAUDIT_RDS_TEST=1 to run")
	}
	cfg := DefaultConfig()
	cfg.Backend = BackendRDS
	cfg.Endpoints = []string{"127.0.0.1:10000", "127.0.0.1:20000"}
	cfg.Namespaces = nil
	cfg.Count = 1000
	cfg.Timeout = 60 * time.Second
	cfg.SysctlReset = os.Getenv("FLOWAUDIT_RDS_SYSCTL") == "1"
	require.NoError(t, cfg.Validate())

	topo, err := ProvisionRDS(cfg, nil)
	require.NoError(t, err)
	defer topo.Close()
	assert.Equal(t, cfg.SysctlReset, topo.RoundHook != nil)

	engineCfg, err := cfg.EngineConfig()
	require.NoError(t, err)
	engineCfg.RoundHook = topo.RoundHook
	engine, err := NewEngine(engineCfg, topo.Poller, topo.Endpoints...)
	require.NoError(t, err)
	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Verdict.OK)
	assert.Equal(t, 18*2, len(report.Probe.Results))
}
