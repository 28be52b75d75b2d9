// SPDX-License-Identifier: GPL-3.0-or-later

package flowaudit

import (
	"cmp"
	"crypto/sha256"
	"hash"
	"slices"
)

// ledgerEntry is the running state of a single flow.
type ledgerEntry struct {
	// digest accumulates the framed payloads.
	digest hash.Hash

	// messages is the number of payloads folded so far.
	messages int

	// bytes is the number of payload bytes folded so far.
	bytes int
}

// Ledger maps each [FlowKey] to an incremental SHA-256 digest of the
// payloads observed on that flow, in the order they were folded.
//
// A [*Ledger] is not safe for concurrent use.
//
// The zero value is invalid. Construct using [NewLedger].
type Ledger struct {
	entries map[FlowKey]*ledgerEntry
}

// NewLedger creates an empty [*Ledger].
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[FlowKey]*ledgerEntry)}
}

// Fold adds the payload to the digest of the given flow, creating the
// entry on first use. The payload is framed as "<payload>" so that
// message boundaries contribute to the digest.
func (l *Ledger) Fold(key FlowKey, payload []byte) {
	entry := l.entries[key]
	if entry == nil {
		entry = &ledgerEntry{digest: sha256.New()}
		l.entries[key] = entry
	}
	entry.digest.Write([]byte{'<'})
	entry.digest.Write(payload)
	entry.digest.Write([]byte{'>'})
	entry.messages++
	entry.bytes += len(payload)
}

// Digest returns the current digest of the given flow and whether the
// flow exists. It does not modify the running state.
func (l *Ledger) Digest(key FlowKey) ([]byte, bool) {
	entry := l.entries[key]
	if entry == nil {
		return nil, false
	}
	return entry.digest.Sum(nil), true
}

// Messages returns the number of payloads folded into the given flow.
func (l *Ledger) Messages(key FlowKey) int {
	if entry := l.entries[key]; entry != nil {
		return entry.messages
	}
	return 0
}

// Bytes returns the number of payload bytes folded into the given flow.
func (l *Ledger) Bytes(key FlowKey) int {
	if entry := l.entries[key]; entry != nil {
		return entry.bytes
	}
	return 0
}

// Keys returns the known flows sorted by sender and then receiver.
func (l *Ledger) Keys() []FlowKey {
	keys := make([]FlowKey, 0, len(l.entries))
	for key := range l.entries {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b FlowKey) int {
		return cmp.Or(cmp.Compare(a.Sender, b.Sender), cmp.Compare(a.Receiver, b.Receiver))
	})
	return keys
}

// Len returns the number of known flows.
func (l *Ledger) Len() int {
	return len(l.entries)
}
