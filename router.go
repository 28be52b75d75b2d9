// SPDX-License-Identifier: GPL-3.0-or-later

package flowaudit

import (
	"fmt"

	"github.com/bassosimone/runtimex"
)

// FlowKey identifies a directed logical flow between two endpoints.
//
// Sender and Receiver are indexes into the endpoints given to [NewEngine].
type FlowKey struct {
	// Sender is the index of the sending endpoint.
	Sender int

	// Receiver is the index of the receiving endpoint.
	Receiver int
}

// String implements [fmt.Stringer].
func (k FlowKey) String() string {
	return fmt.Sprintf("%d/%d", k.Sender, k.Receiver)
}

// Router maps a sequence number to the flow carrying it.
//
// The numEndpoints argument is the number of physical endpoints and is at
// least two. Implementations must be pure and must never return a key
// whose sender equals its receiver.
type Router func(seq uint64, numEndpoints int) FlowKey

// ReferenceRouter is the reference two-endpoint policy.
//
// The sender is seq mod 2 and the receiver is 1 - ((seq mod 3) mod 2). When
// these coincide, the receiver wins and the sender becomes the other
// endpoint, which keeps the assignment skewed: two thirds of the messages
// travel on 0/1. With more than two endpoints this function behaves like
// [SpreadRouter].
func ReferenceRouter(seq uint64, numEndpoints int) FlowKey {
	runtimex.Assert(numEndpoints >= 2)
	if numEndpoints > 2 {
		return SpreadRouter(seq, numEndpoints)
	}
	sender := int(seq % 2)
	receiver := 1 - int((seq%3)%2)
	if receiver == sender {
		sender = 1 - receiver
	}
	return FlowKey{Sender: sender, Receiver: receiver}
}

// SpreadRouter generalizes [ReferenceRouter] to any number of endpoints.
//
// The sender is seq mod n and the receiver sits 1 + ((seq / n) mod (n-1))
// positions after it, so that each sender rotates over every other endpoint.
func SpreadRouter(seq uint64, numEndpoints int) FlowKey {
	runtimex.Assert(numEndpoints >= 2)
	n := uint64(numEndpoints)
	sender := seq % n
	offset := 1 + (seq/n)%(n-1)
	return FlowKey{Sender: int(sender), Receiver: int((sender + offset) % n)}
}
