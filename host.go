//
// SPDX-License-Identifier: MIT
//
// Adapted from: https://github.com/ooni/netem/blob/061c5671b52a2c064cac1de5d464bb056f7ccaa8/gvisor.go
// Adapted from: https://github.com/WireGuard/wireguard-go
//

package flowaudit

import (
	"errors"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

// Host is a simulated host: a gVisor stack with a single [*NIC] able to
// open non-blocking UDP endpoints. A [*Host] is an [EndpointFactory].
//
// Construct using [NewHost] or [*Network.NewHost].
type Host struct {
	// Stack is the underlying gVisor stack.
	Stack *stack.Stack
}

// hostNICID is the NIC ID used by [NewHost] for the single NIC configuration.
const hostNICID = 1

// DefaultReceiveBufferSize is the receive buffer size of the endpoints
// opened by [*Host.OpenUDP].
const DefaultReceiveBufferSize = 4 << 20

// NewHost creates a new [*Host] using the given [stack.LinkEndpoint].
func NewHost(nic stack.LinkEndpoint, addrs ...netip.Addr) (*Host, error) {
	// 1. create the stack speaking IPv4, IPv6 and UDP
	nsp := stack.New(stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{
			ipv4.NewProtocol,
			ipv6.NewProtocol,
		},
		TransportProtocols: []stack.TransportProtocolFactory{
			udp.NewProtocol,
		},
		HandleLocal: true,
	})

	// 2. attach the provided NIC to the gvisor stack
	if err := nsp.CreateNIC(hostNICID, nic); err != nil {
		nsp.Destroy()
		return nil, errors.New(err.String())
	}

	// 3. configure all the provided addresses
	for _, addr := range addrs {
		protoAddr := hostAddrToProtocolAddress(addr)
		if err := nsp.AddProtocolAddress(hostNICID, protoAddr, stack.AddressProperties{}); err != nil {
			nsp.Destroy()
			return nil, errors.New(err.String())
		}
	}

	// 4. route everything through the only NIC
	nsp.AddRoute(tcpip.Route{
		Destination: header.IPv4EmptySubnet,
		NIC:         hostNICID,
	})
	nsp.AddRoute(tcpip.Route{
		Destination: header.IPv6EmptySubnet,
		NIC:         hostNICID,
	})

	return &Host{nsp}, nil
}

func hostAddrToProtocolAddress(addr netip.Addr) tcpip.ProtocolAddress {
	proto := ipv6.ProtocolNumber
	if addr.Is4() {
		proto = ipv4.ProtocolNumber
	}
	return tcpip.ProtocolAddress{
		Protocol:          proto,
		AddressWithPrefix: tcpip.AddrFromSlice(addr.AsSlice()).WithPrefix(),
	}
}

func hostAddrPortToFullAddress(epnt netip.AddrPort) tcpip.FullAddress {
	return tcpip.FullAddress{
		NIC:  hostNICID,
		Addr: tcpip.AddrFromSlice(epnt.Addr().AsSlice()),
		Port: epnt.Port(),
	}
}

func hostAddrPortToNetworkProtocolNumber(epnt netip.AddrPort) tcpip.NetworkProtocolNumber {
	if epnt.Addr().Is4() {
		return ipv4.ProtocolNumber
	}
	return ipv6.ProtocolNumber
}

// Ensure that [*Host] implements [EndpointFactory].
var _ EndpointFactory = &Host{}

// Open implements [EndpointFactory] using [*Host.OpenUDP].
func (h *Host) Open(addr netip.AddrPort) (Endpoint, error) {
	ep, err := h.OpenUDP(addr)
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// Close shuts down the host stack.
func (h *Host) Close() {
	h.Stack.Destroy()
}
