// SPDX-License-Identifier: GPL-3.0-or-later

package flowaudit

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
)

// Enumerate common MTU values.
const (
	// MTUEthernet is the MTU used by Ethernet.
	MTUEthernet = 1500

	// MTUMinimumIPv6 is the minimum MTU required by IPv6.
	MTUMinimumIPv6 = 1280

	// MTUJumbo is the MTU used by jumbo frames.
	MTUJumbo = 9000
)

// Frame is a raw IPv4 or IPv6 packet travelling on a [*Network].
type Frame struct {
	// Packet contains the raw IP packet.
	Packet []byte
}

// NetworkStats contains the [*Network] counters.
type NetworkStats struct {
	// Queued is the number of frames queued by the NICs.
	Queued uint64

	// Overflow is the number of frames rejected because the queue was full.
	Overflow uint64

	// Delivered is the number of frames injected into a destination NIC.
	Delivered uint64

	// Undeliverable is the number of frames without a usable route.
	Undeliverable uint64
}

// Network models an isolated network segment where each [*Host] owns
// distinct addresses. Frames sent by the hosts are queued and someone
// (usually [*Network.Run]) must move them using [*Network.Deliver].
//
// Construct using [NewNetwork].
type Network struct {
	// delivered counts the delivered frames.
	delivered atomic.Uint64

	// inflight is the channel receiving inflight frames.
	inflight chan Frame

	// mtu is the MTU used by [*Network.NewHost].
	mtu uint32

	// mu provides mutual exclusion.
	mu sync.RWMutex

	// overflow counts frames rejected by a full queue.
	overflow atomic.Uint64

	// queued counts queued frames.
	queued atomic.Uint64

	// routes maps each address to the NIC owning it.
	routes map[netip.Addr]*NIC

	// undeliverable counts frames without a route.
	undeliverable atomic.Uint64
}

// NetworkOption is an option for [NewNetwork].
type NetworkOption func(cfg *networkConfig)

// networkConfig is the internal type modified by [NetworkOption].
type networkConfig struct {
	maxInflight int
	mtu         uint32
}

// DefaultMaxInflight is the default maximum number of inflight frames.
const DefaultMaxInflight = 4096

// NetworkOptionMaxInflight sets the maximum number of inflight frames.
//
// The default is [DefaultMaxInflight] frames. When the queue is full the
// sending NIC reports that it has no buffer space, which the sending
// endpoint surfaces as ENOBUFS.
func NetworkOptionMaxInflight(value int) NetworkOption {
	return func(cfg *networkConfig) {
		cfg.maxInflight = value
	}
}

// NetworkOptionMTU sets the MTU used by [*Network.NewHost].
//
// The default is [MTUEthernet].
func NetworkOptionMTU(mtu uint32) NetworkOption {
	return func(cfg *networkConfig) {
		cfg.mtu = mtu
	}
}

// NewNetwork creates a new [*Network].
func NewNetwork(options ...NetworkOption) *Network {
	cfg := &networkConfig{
		maxInflight: DefaultMaxInflight,
		mtu:         MTUEthernet,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return &Network{
		inflight: make(chan Frame, cfg.maxInflight),
		mtu:      cfg.mtu,
		routes:   make(map[netip.Addr]*NIC),
	}
}

// NewNIC constructs a new [*NIC] attached to the [*Network].
func (nw *Network) NewNIC(mtu uint32) *NIC {
	return NewNIC(mtu, nw)
}

// AddRoute makes the given addresses reachable through the given NIC.
//
// This method fails if any address is already in use.
func (nw *Network) AddRoute(nic *NIC, addrs ...netip.Addr) error {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	for _, addr := range addrs {
		if _, found := nw.routes[addr]; found {
			return fmt.Errorf("duplicate address detected: %s", addr)
		}
	}
	for _, addr := range addrs {
		nw.routes[addr] = nic
	}
	return nil
}

// NewHost creates a [*Host] owning the given addresses and attached to
// the network. Each host is isolated from the others: traffic between
// them always crosses the network and hence any [Impairment].
func (nw *Network) NewHost(addrs ...netip.Addr) (*Host, error) {
	nic := nw.NewNIC(nw.mtu)
	host, err := NewHost(nic, addrs...)
	if err != nil {
		return nil, err
	}
	if err := nw.AddRoute(nic, addrs...); err != nil {
		host.Close()
		return nil, err
	}
	return host, nil
}

// Ensure that [*Network] implements [FrameSender].
var _ FrameSender = &Network{}

// SendFrame implements [FrameSender].
func (nw *Network) SendFrame(frame Frame) bool {
	select {
	case nw.inflight <- frame:
		nw.queued.Add(1)
		return true
	default:
		nw.overflow.Add(1)
		return false
	}
}

// InFlight returns the channel where the queued frames are posted.
func (nw *Network) InFlight() <-chan Frame {
	return nw.inflight
}

// Deliver injects a frame into the NIC owning its destination address.
//
// Returns false if the destination cannot be parsed, has no route, or
// the NIC refuses the frame.
func (nw *Network) Deliver(frame Frame) bool {
	dst, ok := parseDestinationAddr(frame.Packet)
	if !ok {
		nw.undeliverable.Add(1)
		return false
	}

	nw.mu.RLock()
	nic := nw.routes[dst]
	nw.mu.RUnlock()

	if nic == nil || !nic.InjectFrame(frame) {
		nw.undeliverable.Add(1)
		return false
	}
	nw.delivered.Add(1)
	return true
}

// Stats returns a snapshot of the network counters.
func (nw *Network) Stats() NetworkStats {
	return NetworkStats{
		Queued:        nw.queued.Load(),
		Overflow:      nw.overflow.Load(),
		Delivered:     nw.delivered.Load(),
		Undeliverable: nw.undeliverable.Load(),
	}
}

// parseDestinationAddr extracts the destination address of a raw IP packet.
func parseDestinationAddr(pkt []byte) (netip.Addr, bool) {
	if len(pkt) < 1 {
		return netip.Addr{}, false
	}
	switch pkt[0] >> 4 {
	case 4:
		// IPv4: destination is at bytes 16-19
		if len(pkt) < 20 {
			return netip.Addr{}, false
		}
		return netip.AddrFromSlice(pkt[16:20])

	case 6:
		// IPv6: destination is at bytes 24-39
		if len(pkt) < 40 {
			return netip.Addr{}, false
		}
		return netip.AddrFromSlice(pkt[24:40])

	default:
		return netip.Addr{}, false
	}
}
