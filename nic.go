// SPDX-License-Identifier: GPL-3.0-or-later

package flowaudit

import (
	"sync"

	"github.com/bassosimone/runtimex"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// FrameSender is where a [*NIC] sends its outbound frames.
//
// The [*Network] implements this interface.
type FrameSender interface {
	// SendFrame queues the frame and returns false if there is no space.
	SendFrame(frame Frame) bool
}

// NIC is a virtual NIC moving raw IP packets between a gVisor stack and
// a [FrameSender]. It implements [stack.LinkEndpoint].
//
// Outbound: the stack calls [*NIC.WritePackets], which passes each packet
// to the [FrameSender]. Inbound: whoever routes frames calls
// [*NIC.InjectFrame], which hands the packet to the stack dispatcher.
//
// Construct using [NewNIC].
type NIC struct {
	// closefunc is the function invoked on close.
	closefunc func()

	// disp is set by Attach and receives inbound packets.
	disp stack.NetworkDispatcher

	// isclosed indicates this NIC should not accept more work.
	isclosed bool

	// laddr is the [tcpip.LinkAddress] to use.
	laddr tcpip.LinkAddress

	// mtu holds the link MTU.
	mtu uint32

	// mu provides mutual exclusion.
	mu sync.RWMutex

	// sender receives the outbound frames.
	sender FrameSender
}

// NewNIC creates a new [*NIC] with the given MTU sending to the given
// [FrameSender], which may be nil for a disconnected NIC.
func NewNIC(mtu uint32, sender FrameSender) *NIC {
	return &NIC{mtu: mtu, sender: sender}
}

// Ensure that [*NIC] implements [stack.LinkEndpoint].
var _ stack.LinkEndpoint = &NIC{}

// ARPHardwareType implements [stack.LinkEndpoint].
func (n *NIC) ARPHardwareType() header.ARPHardwareType {
	return header.ARPHardwareNone
}

// AddHeader implements [stack.LinkEndpoint].
func (n *NIC) AddHeader(pbuf *stack.PacketBuffer) {
	// raw IP packets have no link header
}

// Attach implements [stack.LinkEndpoint].
func (n *NIC) Attach(disp stack.NetworkDispatcher) {
	n.mu.Lock()
	if !n.isclosed {
		n.disp = disp
	}
	n.mu.Unlock()
}

// Capabilities implements [stack.LinkEndpoint].
func (n *NIC) Capabilities() stack.LinkEndpointCapabilities {
	return 0
}

// Close implements [stack.LinkEndpoint].
func (n *NIC) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.isclosed {
		return
	}
	n.isclosed = true
	n.disp = nil
	if n.closefunc != nil {
		n.closefunc()
	}
}

// IsAttached implements [stack.LinkEndpoint].
func (n *NIC) IsAttached() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.disp != nil && !n.isclosed
}

// LinkAddress implements [stack.LinkEndpoint].
func (n *NIC) LinkAddress() tcpip.LinkAddress {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.laddr
}

// MTU implements [stack.LinkEndpoint].
func (n *NIC) MTU() uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.mtu
}

// MaxHeaderLength implements [stack.LinkEndpoint].
func (n *NIC) MaxHeaderLength() uint16 {
	return 0
}

// ParseHeader implements [stack.LinkEndpoint].
func (n *NIC) ParseHeader(pbuf *stack.PacketBuffer) bool {
	return true
}

// SetLinkAddress implements [stack.LinkEndpoint].
func (n *NIC) SetLinkAddress(addr tcpip.LinkAddress) {
	n.mu.Lock()
	n.laddr = addr
	n.mu.Unlock()
}

// SetMTU implements [stack.LinkEndpoint].
func (n *NIC) SetMTU(mtu uint32) {
	n.mu.Lock()
	n.mtu = mtu
	n.mu.Unlock()
}

// SetOnCloseAction implements [stack.LinkEndpoint].
func (n *NIC) SetOnCloseAction(action func()) {
	n.mu.Lock()
	n.closefunc = action
	n.mu.Unlock()
}

// Wait implements [stack.LinkEndpoint].
func (n *NIC) Wait() {
	// no background goroutines to join
}

// WritePackets implements [stack.LinkEndpoint].
//
// When the sender has no space for a packet, WritePackets stops and
// returns [tcpip.ErrNoBufferSpace] so that the writing endpoint observes
// backpressure instead of a silent drop.
func (n *NIC) WritePackets(pkts stack.PacketBufferList) (int, tcpip.Error) {
	// 1. access mutex protected fields
	n.mu.RLock()
	sender := n.sender
	isclosed := n.isclosed
	mtu := n.mtu
	n.mu.RUnlock()

	// 2. bail if closed or disconnected
	if isclosed {
		return 0, &tcpip.ErrClosedForSend{}
	}
	if sender == nil {
		return 0, &tcpip.ErrNoNet{}
	}

	// 3. hand over the packets
	var numSent int
	for _, pb := range pkts.AsSlice() {
		payload := nicPacketBufferToBytes(pb)
		if len(payload) <= 0 || uint32(len(payload)) > mtu {
			// pretend we sent it, as a real link would
			numSent++
			continue
		}
		if !sender.SendFrame(Frame{Packet: payload}) {
			return numSent, &tcpip.ErrNoBufferSpace{}
		}
		numSent++
	}
	return numSent, nil
}

// InjectFrame delivers an inbound raw IPv4/IPv6 packet to the stack.
func (n *NIC) InjectFrame(frame Frame) bool {
	// 1. drop zero-length frames and unknown protocols
	pkt := frame.Packet
	if len(pkt) <= 0 {
		return false
	}
	proto, ok := nicDetectNetworkProtocol(pkt)
	if !ok {
		return false
	}

	// 2. access mutex protected fields
	n.mu.RLock()
	disp := n.disp
	isclosed := n.isclosed
	mtu := n.mtu
	n.mu.RUnlock()

	// 3. refuse if closed, detached, or too large
	if isclosed || disp == nil || uint32(len(pkt)) > mtu {
		return false
	}

	// 4. deliver A COPY OF the packet
	copied := make([]byte, len(pkt))
	copy(copied, pkt)
	pkb := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(copied),
	})
	defer pkb.DecRef()
	disp.DeliverNetworkPacket(proto, pkb)
	return true
}

// nicDetectNetworkProtocol maps the IP version nibble to a protocol number.
//
// This function PANICs if the given pkt is zero length.
func nicDetectNetworkProtocol(pkt []byte) (tcpip.NetworkProtocolNumber, bool) {
	runtimex.Assert(len(pkt) > 0)
	switch pkt[0] >> 4 {
	case 4:
		return ipv4.ProtocolNumber, true
	case 6:
		return ipv6.ProtocolNumber, true
	default:
		return 0, false
	}
}

// nicPacketBufferToBytes returns A COPY OF the packet bytes.
func nicPacketBufferToBytes(pb *stack.PacketBuffer) []byte {
	v := pb.ToView()
	defer v.Release()
	out := make([]byte, v.Size())
	_ = runtimex.PanicOnError1(v.Read(out))
	return out
}
