// SPDX-License-Identifier: GPL-3.0-or-later

package flowaudit

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// MaxPayloadSize is the largest payload the engine sends or expects to read.
const MaxPayloadSize = 1024

// Message is a generated datagram.
type Message struct {
	// Seq is the unique, monotonic sequence number.
	Seq uint64

	// Payload is derived from Seq using [NewMessage].
	Payload []byte
}

// NewMessage returns the message for the given sequence number.
//
// The payload is the lowercase hex SHA-256 of "packet <seq>", hence every
// payload is 64 bytes long and distinct from the others.
func NewMessage(seq uint64) Message {
	sum := sha256.Sum256([]byte("packet " + strconv.FormatUint(seq, 10)))
	payload := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(payload, sum[:])
	return Message{Seq: seq, Payload: payload}
}
