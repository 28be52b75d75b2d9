// SPDX-License-Identifier: GPL-3.0-or-later

package flowaudit

import (
	"context"
	"net/netip"
	"time"
)

// Endpoint is a bound, non-blocking, message-boundary-preserving socket.
//
// Errors are reported as [syscall.Errno] values (possibly wrapped) so that
// [IsTransientSend] and [IsWouldBlock] can classify them regardless of the
// backend implementing the endpoint.
type Endpoint interface {
	// Addr returns the address the endpoint is bound to.
	Addr() netip.AddrPort

	// SendTo sends a single datagram to the given address without blocking.
	SendTo(payload []byte, dst netip.AddrPort) error

	// RecvFrom reads a single datagram without blocking and returns the
	// number of bytes read along with the source address.
	RecvFrom(buf []byte) (int, netip.AddrPort, error)

	// GetOption queries the administrative option with the given
	// identifier, writing the answer into buf.
	GetOption(id int, buf []byte) (int, error)

	// Close releases the endpoint.
	Close() error
}

// EndpointFactory opens endpoints inside a specific network context, such
// as a simulated host or a network namespace.
type EndpointFactory interface {
	Open(addr netip.AddrPort) (Endpoint, error)
}

// Poller reports which of a fixed set of endpoints have inbound data.
//
// Readiness may be edge triggered, therefore callers must drain the
// endpoints returned by Wait until they would block.
type Poller interface {
	// Wait blocks until at least one endpoint is ready, the timeout
	// expires, or the context is done. It returns the indexes (in
	// registration order) of the ready endpoints. An empty result with a
	// nil error means the timeout expired. A non-positive timeout waits
	// until the context is done.
	Wait(ctx context.Context, timeout time.Duration) ([]int, error)

	// Close releases the resources used by the poller.
	Close() error
}
