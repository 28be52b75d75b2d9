// SPDX-License-Identifier: GPL-3.0-or-later

// Package flowaudit audits the delivery integrity of a datagram transport
// while the network underneath it is deliberately degraded.
//
// The [*Engine] multiplexes several logical flows over a small set of
// non-blocking [Endpoint] values. A [Router] assigns each generated [Message]
// to a [FlowKey], and the engine alternates send bursts and receive bursts in a
// single cooperative loop. Every payload is folded into a per-flow SHA-256
// [*Ledger], one for what was sent and one for what was observed, and at the
// end [Verify] compares the two ledgers and renders a [*Verdict]. A flow is
// correct when its bytes arrived exactly once and in generation order.
//
// The engine never implements the transport. It receives ready-to-use
// endpoints and a [Poller] from a provisioning step. This package ships two:
//
// - a simulated segment, where [*Network] routes raw IP packets between
// gVisor-based [*Host] instances, optionally applying an [Impairment]
// (loss, duplication, corruption, reordering, delay) and capturing packets
// using a [*PcapTrace];
//
// - on Linux, RDS sockets opened inside named network namespaces through a
// [*NamespaceFactory] and multiplexed using epoll.
//
// After the loop, [*Probe] optionally queries a contiguous range of
// administrative socket options on each endpoint. The probe is diagnostic
// and never changes the verdict.
package flowaudit
