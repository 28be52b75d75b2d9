// SPDX-License-Identifier: GPL-3.0-or-later

package flowaudit

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"unsafe"

	"golang.org/x/sys/unix"
)

// solRDS is the RDS socket option level.
const solRDS = 276

// DefaultNamespaceDir is where `ip netns` keeps the named namespaces.
const DefaultNamespaceDir = "/var/run/netns"

// NamespaceFactory opens RDS endpoints inside a named network namespace.
//
// The socket is created by a locked OS thread that temporarily joins the
// namespace, which pins the socket to it. RDS then uses the TCP transport
// between namespaces instead of the loopback transport.
type NamespaceFactory struct {
	// Namespace is the namespace name. Empty means the current namespace.
	Namespace string

	// Dir is the namespace directory. Empty means [DefaultNamespaceDir].
	Dir string
}

// Ensure that [*NamespaceFactory] implements [EndpointFactory].
var _ EndpointFactory = &NamespaceFactory{}

// Open implements [EndpointFactory] using [*NamespaceFactory.OpenRDS].
func (f *NamespaceFactory) Open(addr netip.AddrPort) (Endpoint, error) {
	ep, err := f.OpenRDS(addr)
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// OpenRDS opens a non-blocking RDS socket bound to the given address.
func (f *NamespaceFactory) OpenRDS(addr netip.AddrPort) (*RDSEndpoint, error) {
	fd, err := f.socket()
	if err != nil {
		return nil, fmt.Errorf("rds socket in %q: %w", f.Namespace, err)
	}
	if err := unix.Bind(fd, rdsSockaddr(addr)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rds bind %s: %w", addr, err)
	}
	return &RDSEndpoint{addr: addr, fd: fd}, nil
}

// socket creates the socket inside the namespace.
func (f *NamespaceFactory) socket() (int, error) {
	fd := -1
	err := f.inNamespace(func() (err error) {
		fd, err = rdsSocket()
		return
	})
	if err != nil {
		if fd >= 0 {
			unix.Close(fd)
		}
		return -1, err
	}
	return fd, nil
}

// inNamespace runs fn on a locked OS thread that has joined the namespace.
func (f *NamespaceFactory) inNamespace(fn func() error) error {
	if f.Namespace == "" {
		return fn()
	}

	// 1. open both the current and the target namespace
	dir := f.Dir
	if dir == "" {
		dir = DefaultNamespaceDir
	}
	target, err := unix.Open(filepath.Join(dir, f.Namespace), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(target)

	runtime.LockOSThread()
	orig, err := unix.Open("/proc/thread-self/ns/net", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		runtime.UnlockOSThread()
		return err
	}
	defer unix.Close(orig)

	// 2. run from inside the target namespace
	if err := unix.Setns(target, unix.CLONE_NEWNET); err != nil {
		runtime.UnlockOSThread()
		return err
	}
	ferr := fn()

	// 3. go back; if we cannot, keep the thread locked so that the runtime
	// discards it when this goroutine exits
	if err := unix.Setns(orig, unix.CLONE_NEWNET); err != nil {
		return errors.Join(ferr, fmt.Errorf("restore namespace: %w", err))
	}
	runtime.UnlockOSThread()
	return ferr
}

// DefaultSysctlDir contains the RDS TCP transport sysctls.
const DefaultSysctlDir = "/proc/sys/net/rds/tcp"

// TCPBufferResetValue is the value written by [*NamespaceFactory.ResetTCPBuffers]
// when resetting between rounds.
const TCPBufferResetValue = 10000

// tcpBufferSysctls are the sysctls whose writes reset the RDS TCP connections.
var tcpBufferSysctls = []string{"rds_tcp_rcvbuf", "rds_tcp_sndbuf"}

// ResetTCPBuffers writes the receive and send buffer sysctls of the RDS TCP
// transport from inside the namespace. Writing either of them makes the
// kernel reset every RDS TCP connection of that namespace.
//
// When sysctlDir is empty, we use [DefaultSysctlDir].
func (f *NamespaceFactory) ResetTCPBuffers(sysctlDir string, value int) error {
	if sysctlDir == "" {
		sysctlDir = DefaultSysctlDir
	}
	data := []byte(strconv.Itoa(value) + "\n")
	return f.inNamespace(func() error {
		for _, name := range tcpBufferSysctls {
			path := filepath.Join(sysctlDir, name)
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("sysctl %s in %q: %w", name, f.Namespace, err)
			}
		}
		return nil
	})
}

// rdsSocket creates the socket. RDS uses the same socket for IPv4 and IPv6.
func rdsSocket() (int, error) {
	return unix.Socket(unix.AF_RDS, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
}

func rdsSockaddr(addr netip.AddrPort) unix.Sockaddr {
	if addr.Addr().Is4() {
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().As4()}
	}
	return &unix.SockaddrInet6{Port: int(addr.Port()), Addr: addr.Addr().As16()}
}

func rdsAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(v.Addr).Unmap(), uint16(v.Port))
	default:
		return netip.AddrPort{}
	}
}

// RDSEndpoint is a non-blocking RDS [Endpoint].
//
// Construct using [*NamespaceFactory.OpenRDS].
type RDSEndpoint struct {
	addr netip.AddrPort
	fd   int
}

// Ensure that [*RDSEndpoint] implements [Endpoint].
var _ Endpoint = &RDSEndpoint{}

// Addr implements [Endpoint].
func (re *RDSEndpoint) Addr() netip.AddrPort {
	return re.addr
}

// Fd returns the socket descriptor.
func (re *RDSEndpoint) Fd() int {
	return re.fd
}

// SendTo implements [Endpoint].
func (re *RDSEndpoint) SendTo(payload []byte, dst netip.AddrPort) error {
	return unix.Sendto(re.fd, payload, 0, rdsSockaddr(dst))
}

// RecvFrom implements [Endpoint].
func (re *RDSEndpoint) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	n, from, err := unix.Recvfrom(re.fd, buf, 0)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	return n, rdsAddrPort(from), nil
}

// GetOption implements [Endpoint] using getsockopt(SOL_RDS, id).
func (re *RDSEndpoint) GetOption(id int, buf []byte) (int, error) {
	optlen := uint32(len(buf))
	var ptr unsafe.Pointer
	if len(buf) > 0 {
		ptr = unsafe.Pointer(&buf[0])
	}
	_, _, errno := unix.Syscall6(unix.SYS_GETSOCKOPT, uintptr(re.fd), uintptr(solRDS),
		uintptr(id), uintptr(ptr), uintptr(unsafe.Pointer(&optlen)), 0)
	if errno != 0 {
		return 0, errno
	}
	return int(optlen), nil
}

// Close implements [Endpoint].
func (re *RDSEndpoint) Close() error {
	return unix.Close(re.fd)
}

// ProvisionRDS opens one RDS endpoint per configured address inside the
// matching namespace and registers them with an [*EpollPoller].
//
// The namespaces, addresses, routes and impairment rules must already
// exist (e.g., created using `ip netns` and `tc qdisc ... netem`).
//
// With SysctlReset, the returned topology carries a RoundHook resetting the
// RDS TCP buffers of every namespace involved.
func ProvisionRDS(cfg *Config, logger *slog.Logger) (_ *Topology, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	addrs, err := cfg.EndpointAddrs()
	if err != nil {
		return nil, err
	}

	topo := &Topology{}
	defer func() {
		if err != nil {
			topo.Close()
		}
	}()

	rdsEndpoints := make([]*RDSEndpoint, 0, len(addrs))
	var factories []*NamespaceFactory
	seen := make(map[string]bool)
	for idx, addr := range addrs {
		factory := &NamespaceFactory{}
		if idx < len(cfg.Namespaces) {
			factory.Namespace = cfg.Namespaces[idx]
		}
		if !seen[factory.Namespace] {
			seen[factory.Namespace] = true
			factories = append(factories, factory)
		}
		ep, err := factory.OpenRDS(addr)
		if err != nil {
			return nil, err
		}
		topo.onClose(ep.Close)
		rdsEndpoints = append(rdsEndpoints, ep)
		topo.Endpoints = append(topo.Endpoints, ep)
		logger.Info("rds endpoint ready", "addr", addr.String(), "namespace", factory.Namespace)
	}

	poller, err := NewEpollPoller(rdsEndpoints...)
	if err != nil {
		return nil, err
	}
	topo.onClose(poller.Close)
	topo.Poller = poller

	if cfg.SysctlReset {
		topo.RoundHook = func(round int) error {
			for _, factory := range factories {
				if err := factory.ResetTCPBuffers("", TCPBufferResetValue); err != nil {
					return err
				}
				logger.Debug("rds tcp buffers reset", "round", round, "namespace", factory.Namespace)
			}
			return nil
		}
	}
	return topo, nil
}
