// SPDX-License-Identifier: GPL-3.0-or-later

package flowaudit

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"reflect"
	"syscall"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

// SimEndpoint is a non-blocking UDP [Endpoint] living on a [*Host].
//
// Construct using [*Host.OpenUDP].
type SimEndpoint struct {
	// addr is the bound address.
	addr netip.AddrPort

	// entry is our registration with wq.
	entry waiter.Entry

	// ep is the gVisor endpoint.
	ep tcpip.Endpoint

	// notify receives a token when the endpoint becomes readable.
	notify chan struct{}

	// wq is the endpoint waiter queue.
	wq *waiter.Queue
}

// OpenUDP opens a non-blocking UDP endpoint bound to the given address.
//
// The endpoint registers for readable events immediately, so that no
// readiness edge is lost before a [*SimPoller] starts waiting.
func (h *Host) OpenUDP(addr netip.AddrPort) (*SimEndpoint, error) {
	// 1. create the endpoint
	wq := &waiter.Queue{}
	ep, terr := h.Stack.NewEndpoint(udp.ProtocolNumber, hostAddrPortToNetworkProtocolNumber(addr), wq)
	if terr != nil {
		return nil, fmt.Errorf("open %s: %w", addr, errorsRemap(terr))
	}

	// 2. bind to the requested address
	if terr := ep.Bind(hostAddrPortToFullAddress(addr)); terr != nil {
		ep.Close()
		return nil, fmt.Errorf("bind %s: %w", addr, errorsRemap(terr))
	}
	ep.SocketOptions().SetReceiveBufferSize(DefaultReceiveBufferSize, true)

	// 3. surface a full NIC queue as ENOBUFS rather than a silent drop
	ep.SocketOptions().SetIPv4RecvError(true)
	ep.SocketOptions().SetIPv6RecvError(true)

	// 4. register for readable events
	entry, notify := waiter.NewChannelEntry(waiter.ReadableEvents)
	wq.EventRegister(&entry)

	return &SimEndpoint{
		addr:   addr,
		entry:  entry,
		ep:     ep,
		notify: notify,
		wq:     wq,
	}, nil
}

// Ensure that [*SimEndpoint] implements [Endpoint].
var _ Endpoint = &SimEndpoint{}

// Addr implements [Endpoint].
func (se *SimEndpoint) Addr() netip.AddrPort {
	return se.addr
}

// SendTo implements [Endpoint].
func (se *SimEndpoint) SendTo(payload []byte, dst netip.AddrPort) error {
	var r bytes.Reader
	r.Reset(payload)
	to := hostAddrPortToFullAddress(dst)
	_, terr := se.ep.Write(&r, tcpip.WriteOptions{To: &to})
	return errorsRemap(terr)
}

// RecvFrom implements [Endpoint].
func (se *SimEndpoint) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	w := tcpip.SliceWriter(buf)
	res, terr := se.ep.Read(&w, tcpip.ReadOptions{NeedRemoteAddr: true})
	if terr != nil {
		return 0, netip.AddrPort{}, errorsRemap(terr)
	}
	addr, _ := netip.AddrFromSlice(res.RemoteAddr.Addr.AsSlice())
	return res.Count, netip.AddrPortFrom(addr.Unmap(), res.RemoteAddr.Port), nil
}

// simOptions maps option identifiers, starting at [ProbeFirstOption], to
// the integer socket options of the gVisor endpoint.
var simOptions = []tcpip.SockOptInt{
	tcpip.ReceiveQueueSizeOption,
	tcpip.SendQueueSizeOption,
	tcpip.IPv4TTLOption,
	tcpip.MulticastTTLOption,
	tcpip.IPv4TOSOption,
	tcpip.IPv6TrafficClassOption,
	tcpip.IPv6HopLimitOption,
	tcpip.MTUDiscoverOption,
}

// simOptionSize is the size of an answer written by GetOption.
const simOptionSize = 8

// GetOption implements [Endpoint].
//
// Identifiers outside the known range fail with ENOPROTOOPT and buffers
// smaller than eight bytes fail with ENOSPC.
func (se *SimEndpoint) GetOption(id int, buf []byte) (int, error) {
	idx := id - ProbeFirstOption
	if idx < 0 || idx >= len(simOptions) {
		return 0, syscall.ENOPROTOOPT
	}
	if len(buf) < simOptionSize {
		return 0, syscall.ENOSPC
	}
	value, terr := se.ep.GetSockOptInt(simOptions[idx])
	if terr != nil {
		return 0, errorsRemap(terr)
	}
	binary.LittleEndian.PutUint64(buf, uint64(int64(value)))
	return simOptionSize, nil
}

// Close implements [Endpoint].
func (se *SimEndpoint) Close() error {
	se.wq.EventUnregister(&se.entry)
	se.ep.Close()
	return nil
}

// SimPoller is the [Poller] for [*SimEndpoint] values.
//
// Readiness is edge triggered: a token is posted when data arrives and
// multiple datagrams may be queued behind a single token.
//
// Construct using [NewSimPoller].
type SimPoller struct {
	notify []chan struct{}
}

// NewSimPoller creates a [*SimPoller] watching the given endpoints.
func NewSimPoller(endpoints ...*SimEndpoint) *SimPoller {
	notify := make([]chan struct{}, 0, len(endpoints))
	for _, se := range endpoints {
		notify = append(notify, se.notify)
	}
	return &SimPoller{notify: notify}
}

// Ensure that [*SimPoller] implements [Poller].
var _ Poller = &SimPoller{}

// Wait implements [Poller].
func (sp *SimPoller) Wait(ctx context.Context, timeout time.Duration) ([]int, error) {
	// 1. collect already pending notifications
	if ready := sp.collect(nil); len(ready) > 0 {
		return ready, nil
	}

	// 2. block until any endpoint, the timeout, or the context
	cases := make([]reflect.SelectCase, 0, len(sp.notify)+2)
	for _, ch := range sp.notify {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ch)})
	}
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timer.C)})
	}
	chosen, _, _ := reflect.Select(cases)

	// 3. map the selected case to a result
	switch {
	case chosen < len(sp.notify):
		return sp.collect([]int{chosen}), nil
	case chosen == len(sp.notify):
		return nil, ctx.Err()
	default:
		return nil, nil
	}
}

// collect appends the indexes of the endpoints with a pending token.
func (sp *SimPoller) collect(ready []int) []int {
	for idx, ch := range sp.notify {
		select {
		case <-ch:
			ready = append(ready, idx)
		default:
		}
	}
	return ready
}

// Close implements [Poller].
func (sp *SimPoller) Close() error {
	return nil
}
