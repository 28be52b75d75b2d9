// SPDX-License-Identifier: GPL-3.0-or-later

package flowaudit_test

import (
	"context"
	"net/netip"
	"syscall"
	"time"

	"github.com/allisonhenderson/flowaudit"
)

// fakeNetwork connects [*fakeEndpoint] values synchronously.
type fakeNetwork struct {
	// byAddr maps addresses to endpoints.
	byAddr map[netip.AddrPort]*fakeEndpoint

	// drop discards every datagram after a successful send.
	drop bool

	// endpoints contains the endpoints in creation order.
	endpoints []*fakeEndpoint

	// mutate optionally modifies the payload of the n-th delivered datagram.
	mutate func(n int, payload []byte)

	// delivered counts delivered datagrams.
	delivered int

	// sendErrs is consumed by each SendTo call; a nil entry means success.
	sendErrs []error

	// spoof optionally replaces the source address of delivered datagrams.
	spoof netip.AddrPort
}

type fakeDatagram struct {
	from    netip.AddrPort
	payload []byte
}

// fakeEndpoint is an [flowaudit.Endpoint] with edge-triggered readiness.
type fakeEndpoint struct {
	addr    netip.AddrPort
	edge    bool
	net     *fakeNetwork
	options map[int]error
	queue   []fakeDatagram
}

func newFakeNetwork(addrs ...string) *fakeNetwork {
	fn := &fakeNetwork{byAddr: make(map[netip.AddrPort]*fakeEndpoint)}
	for _, s := range addrs {
		addr := netip.MustParseAddrPort(s)
		ep := &fakeEndpoint{addr: addr, net: fn}
		fn.byAddr[addr] = ep
		fn.endpoints = append(fn.endpoints, ep)
	}
	return fn
}

func (fn *fakeNetwork) Endpoints() []flowaudit.Endpoint {
	out := make([]flowaudit.Endpoint, 0, len(fn.endpoints))
	for _, ep := range fn.endpoints {
		out = append(out, ep)
	}
	return out
}

func (fe *fakeEndpoint) Addr() netip.AddrPort {
	return fe.addr
}

func (fe *fakeEndpoint) SendTo(payload []byte, dst netip.AddrPort) error {
	fn := fe.net
	if len(fn.sendErrs) > 0 {
		err := fn.sendErrs[0]
		fn.sendErrs = fn.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	if fn.drop {
		return nil
	}
	peer, found := fn.byAddr[dst]
	if !found {
		return syscall.EHOSTUNREACH
	}
	dgram := fakeDatagram{from: fe.addr, payload: append([]byte{}, payload...)}
	if fn.spoof.IsValid() {
		dgram.from = fn.spoof
	}
	if fn.mutate != nil {
		fn.mutate(fn.delivered, dgram.payload)
	}
	fn.delivered++
	if len(peer.queue) <= 0 {
		peer.edge = true
	}
	peer.queue = append(peer.queue, dgram)
	return nil
}

func (fe *fakeEndpoint) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	if len(fe.queue) <= 0 {
		return 0, netip.AddrPort{}, syscall.EAGAIN
	}
	dgram := fe.queue[0]
	fe.queue = fe.queue[1:]
	return copy(buf, dgram.payload), dgram.from, nil
}

func (fe *fakeEndpoint) GetOption(id int, buf []byte) (int, error) {
	if err, found := fe.options[id]; found {
		return 0, err
	}
	return len(buf), nil
}

func (fe *fakeEndpoint) Close() error {
	return nil
}

// fakePoller is the [flowaudit.Poller] for a [*fakeNetwork].
//
// When nothing is ready it returns immediately if a timeout is set, since
// the network is synchronous, and otherwise waits for the context.
type fakePoller struct {
	net   *fakeNetwork
	waits int
}

func (fp *fakePoller) Wait(ctx context.Context, timeout time.Duration) ([]int, error) {
	fp.waits++
	var ready []int
	for idx, ep := range fp.net.endpoints {
		if ep.edge {
			ep.edge = false
			ready = append(ready, idx)
		}
	}
	if len(ready) > 0 {
		return ready, nil
	}
	if timeout > 0 {
		return nil, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (fp *fakePoller) Close() error {
	return nil
}
