// SPDX-License-Identifier: GPL-3.0-or-later

package flowaudit

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrVerification indicates that at least one flow did not verify.
var ErrVerification = errors.New("send/recv mismatch")

// FlowStatus is the verification outcome of a single flow.
type FlowStatus int

// Enumerate the possible [FlowStatus] values.
const (
	// StatusOK means the sent and received digests match.
	StatusOK FlowStatus = iota

	// StatusMissing means nothing was received on a flow that was sent.
	StatusMissing

	// StatusMismatch means the digests differ.
	StatusMismatch

	// StatusUnexpected means data was received on a flow that was never
	// sent. This status never fails a [*Verdict].
	StatusUnexpected
)

// String implements [fmt.Stringer].
func (s FlowStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusMissing:
		return "missing"
	case StatusMismatch:
		return "mismatch"
	case StatusUnexpected:
		return "unexpected"
	default:
		return fmt.Sprintf("FlowStatus(%d)", int(s))
	}
}

// FlowResult is the verification result of a single flow.
type FlowResult struct {
	// Key is the flow.
	Key FlowKey

	// Status is the outcome.
	Status FlowStatus

	// SentMessages is the number of messages sent on the flow.
	SentMessages int

	// ReceivedMessages is the number of messages received on the flow.
	ReceivedMessages int

	// SentDigest is the digest of the sent payloads (nil if none).
	SentDigest []byte

	// ReceivedDigest is the digest of the received payloads (nil if none).
	ReceivedDigest []byte
}

// String returns the per-flow status line.
func (fr FlowResult) String() string {
	return fmt.Sprintf("%s: %s (sent=%d received=%d)",
		fr.Key, fr.Status, fr.SentMessages, fr.ReceivedMessages)
}

// Verdict is the outcome of [Verify].
type Verdict struct {
	// Flows contains one entry per flow, sent flows first.
	Flows []FlowResult

	// OK is true when every sent flow has [StatusOK].
	OK bool
}

// Failed returns the results that fail the verdict.
func (v *Verdict) Failed() []FlowResult {
	var out []FlowResult
	for _, fr := range v.Flows {
		if fr.Status == StatusMissing || fr.Status == StatusMismatch {
			out = append(out, fr)
		}
	}
	return out
}

// Err returns nil when the verdict is OK and otherwise an error wrapping
// [ErrVerification] that names every failed flow.
func (v *Verdict) Err() error {
	failed := v.Failed()
	if len(failed) <= 0 {
		return nil
	}
	names := make([]string, 0, len(failed))
	for _, fr := range failed {
		names = append(names, fr.Key.String()+" "+fr.Status.String())
	}
	return fmt.Errorf("%w: %s", ErrVerification, strings.Join(names, ", "))
}

// Verify compares the sent and received ledgers.
//
// Every flow present in sent is checked, so the verdict lists every
// failure rather than just the first one.
func Verify(sent, received *Ledger) *Verdict {
	verdict := &Verdict{OK: true}

	// 1. check every flow we have sent
	for _, key := range sent.Keys() {
		sentDigest, _ := sent.Digest(key)
		fr := FlowResult{
			Key:              key,
			Status:           StatusOK,
			SentMessages:     sent.Messages(key),
			ReceivedMessages: received.Messages(key),
			SentDigest:       sentDigest,
		}
		recvDigest, found := received.Digest(key)
		fr.ReceivedDigest = recvDigest
		switch {
		case !found:
			fr.Status = StatusMissing
			verdict.OK = false
		case !bytes.Equal(sentDigest, recvDigest):
			fr.Status = StatusMismatch
			verdict.OK = false
		}
		verdict.Flows = append(verdict.Flows, fr)
	}

	// 2. list the flows we never sent on
	for _, key := range received.Keys() {
		if _, found := sent.Digest(key); found {
			continue
		}
		recvDigest, _ := received.Digest(key)
		verdict.Flows = append(verdict.Flows, FlowResult{
			Key:              key,
			Status:           StatusUnexpected,
			ReceivedMessages: received.Messages(key),
			ReceivedDigest:   recvDigest,
		})
	}

	return verdict
}

// hexDigest formats a digest for logging.
func hexDigest(digest []byte) string {
	if digest == nil {
		return "-"
	}
	return hex.EncodeToString(digest)
}
