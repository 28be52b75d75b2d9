// SPDX-License-Identifier: GPL-3.0-or-later

package flowaudit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/bassosimone/runtimex"
)

// State is a state of the [*Engine] loop.
type State int

// Enumerate the [State] values in the order the loop visits them.
const (
	StateSendBurst State = iota
	StateReceiveBurst
	StateProbe
	StateVerify
	StateDone
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateSendBurst:
		return "SEND_BURST"
	case StateReceiveBurst:
		return "RECEIVE_BURST"
	case StateProbe:
		return "PROBE"
	case StateVerify:
		return "VERIFY"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EngineConfig contains the [*Engine] settings.
type EngineConfig struct {
	// Count is the number of messages to send.
	Count int

	// BurstLimit optionally bounds the number of messages sent by a single
	// send burst. Zero means that a burst only stops because of
	// backpressure or because all the messages have been sent.
	BurstLimit int

	// IdleTimeout optionally ends a receive burst when no endpoint becomes
	// ready within the given time. Zero means waiting until every sent
	// message has been received (or the run times out).
	IdleTimeout time.Duration

	// Timeout optionally bounds the duration of [*Engine.Run].
	Timeout time.Duration

	// Router assigns messages to flows. Nil means [ReferenceRouter].
	Router Router

	// Probe is the optional diagnostic probe to run after the loop.
	Probe *Probe

	// RoundHook is optionally called at the end of every round, that is,
	// after each receive burst, with the number of send bursts so far.
	// An error aborts the run.
	RoundHook func(round int) error

	// Logger is the logger to use. Nil means [slog.Default].
	Logger *slog.Logger
}

// BurstStats counts what happened during a run.
type BurstStats struct {
	// SendBursts is the number of send bursts.
	SendBursts int

	// ReceiveBursts is the number of receive bursts.
	ReceiveBursts int

	// Backpressure is the number of send bursts suspended by a transient error.
	Backpressure int

	// IdleBursts is the number of receive bursts ended by the idle timeout.
	IdleBursts int
}

// Report is the outcome of [*Engine.Run].
type Report struct {
	// Sent is the number of messages sent.
	Sent int

	// Received is the number of messages received.
	Received int

	// Stats contains the burst statistics.
	Stats BurstStats

	// Probe is the diagnostic probe report, nil if no probe ran.
	Probe *ProbeReport

	// Verdict is the verification verdict.
	Verdict *Verdict

	// Elapsed is the duration of the run.
	Elapsed time.Duration
}

// Engine drives the send and receive bursts over a set of endpoints and
// keeps the sent and received ledgers.
//
// The engine is single threaded. Methods must not be called concurrently.
//
// The zero value is invalid. Construct using [NewEngine].
type Engine struct {
	// buf is the receive buffer.
	buf []byte

	// byAddr maps endpoint addresses to endpoint indexes.
	byAddr map[netip.AddrPort]int

	// cfg is the engine configuration.
	cfg EngineConfig

	// endpoints contains the physical endpoints.
	endpoints []Endpoint

	// idle is true when the last receive burst ended because of the idle timeout.
	idle bool

	// logger is the logger to use.
	logger *slog.Logger

	// nextSeq is the next sequence number to send.
	nextSeq uint64

	// poller reports endpoint readiness.
	poller Poller

	// received is the ledger of received payloads.
	received *Ledger

	// receivedCount is the number of received messages.
	receivedCount int

	// sent is the ledger of sent payloads.
	sent *Ledger

	// sentCount is the number of sent messages.
	sentCount int

	// state is the current loop state.
	state State

	// stats contains the burst statistics.
	stats BurstStats
}

// NewEngine creates a new [*Engine].
//
// The poller must be registered with the given endpoints, in the same order,
// for inbound data events. The engine does not take ownership of either.
func NewEngine(cfg EngineConfig, poller Poller, endpoints ...Endpoint) (*Engine, error) {
	// 1. validate the configuration
	if len(endpoints) < 2 {
		return nil, fmt.Errorf("%w: need at least two endpoints, got %d", ErrConfig, len(endpoints))
	}
	if cfg.Count < 0 {
		return nil, fmt.Errorf("%w: negative message count %d", ErrConfig, cfg.Count)
	}
	if cfg.Router == nil {
		cfg.Router = ReferenceRouter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// 2. index the endpoints by address
	byAddr := make(map[netip.AddrPort]int, len(endpoints))
	for idx, ep := range endpoints {
		addr := normalizeAddrPort(ep.Addr())
		if _, found := byAddr[addr]; found {
			return nil, fmt.Errorf("%w: duplicate endpoint address %s", ErrConfig, addr)
		}
		byAddr[addr] = idx
	}

	return &Engine{
		buf:       make([]byte, MaxPayloadSize),
		byAddr:    byAddr,
		cfg:       cfg,
		endpoints: endpoints,
		logger:    logger,
		poller:    poller,
		received:  NewLedger(),
		sent:      NewLedger(),
		state:     StateSendBurst,
	}, nil
}

// normalizeAddrPort unmaps IPv4-mapped IPv6 addresses.
func normalizeAddrPort(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

// State returns the current loop state.
func (e *Engine) State() State {
	return e.state
}

// SentLedger returns the ledger of sent payloads.
func (e *Engine) SentLedger() *Ledger {
	return e.sent
}

// ReceivedLedger returns the ledger of received payloads.
func (e *Engine) ReceivedLedger() *Ledger {
	return e.received
}

// Counts returns the number of messages sent and received so far.
func (e *Engine) Counts() (sent, received int) {
	return e.sentCount, e.receivedCount
}

// SendBurst sends messages until all of them have been sent, the burst
// limit is reached, or an endpoint reports a transient condition.
//
// A message hitting a transient condition is not consumed: the next burst
// retries the same sequence number. Any other error is returned.
func (e *Engine) SendBurst() (int, error) {
	e.stats.SendBursts++
	var count int
	for e.sentCount < e.cfg.Count {
		if e.cfg.BurstLimit > 0 && count >= e.cfg.BurstLimit {
			break
		}

		// 1. generate and route the next message
		msg := NewMessage(e.nextSeq)
		key := e.cfg.Router(msg.Seq, len(e.endpoints))
		runtimex.Assert(key.Sender != key.Receiver)
		runtimex.Assert(key.Sender >= 0 && key.Sender < len(e.endpoints))
		runtimex.Assert(key.Receiver >= 0 && key.Receiver < len(e.endpoints))

		// 2. attempt to send without blocking
		sender := e.endpoints[key.Sender]
		dst := e.endpoints[key.Receiver].Addr()
		if err := sender.SendTo(msg.Payload, dst); err != nil {
			if IsTransientSend(err) {
				e.stats.Backpressure++
				e.logger.Debug("send burst suspended", "seq", msg.Seq, "flow", key.String(), "err", err)
				break
			}
			return count, fmt.Errorf("send seq %d on flow %s: %w", msg.Seq, key, err)
		}

		// 3. account for the message
		e.sent.Fold(key, msg.Payload)
		e.nextSeq++
		e.sentCount++
		count++
	}
	return count, nil
}

// ReceiveBurst waits for readiness and drains every ready endpoint until
// everything sent so far has been received, or no endpoint becomes ready
// within the configured idle timeout.
func (e *Engine) ReceiveBurst(ctx context.Context) (int, error) {
	e.stats.ReceiveBursts++
	e.idle = false
	var count int
	for e.receivedCount < e.sentCount {
		ready, err := e.poller.Wait(ctx, e.cfg.IdleTimeout)
		if err != nil {
			return count, err
		}
		if len(ready) <= 0 {
			e.idle = true
			e.stats.IdleBursts++
			break
		}
		for _, idx := range ready {
			n, err := e.drain(idx)
			count += n
			if err != nil {
				return count, err
			}
		}
	}
	return count, nil
}

// drain reads from the given endpoint until it would block.
func (e *Engine) drain(idx int) (int, error) {
	runtimex.Assert(idx >= 0 && idx < len(e.endpoints))
	ep := e.endpoints[idx]
	var count int
	for {
		n, from, err := ep.RecvFrom(e.buf)
		if err != nil {
			if IsWouldBlock(err) {
				return count, nil
			}
			return count, fmt.Errorf("recv on %s: %w", ep.Addr(), err)
		}
		sender, found := e.byAddr[normalizeAddrPort(from)]
		if !found {
			return count, fmt.Errorf("%w: %s", ErrUnknownPeer, from)
		}
		e.received.Fold(FlowKey{Sender: sender, Receiver: idx}, e.buf[:n])
		e.receivedCount++
		count++
	}
}

// Run runs the loop until it reaches [StateDone] and returns the report.
//
// A run exceeding the configured timeout fails with an error wrapping
// [ErrTimeout]. A verification failure is not an error: inspect the
// returned [*Verdict] or use [*Verdict.Err].
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	// 1. honour the optional timeout
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	// 2. run the state machine
	t0 := time.Now()
	report := &Report{}
	for e.state != StateDone {
		if err := ctx.Err(); err != nil {
			return nil, e.abort(err)
		}

		switch e.state {
		case StateSendBurst:
			e.logger.Info("sending...", "sent", e.sentCount, "received", e.receivedCount)
			if _, err := e.SendBurst(); err != nil {
				return nil, err
			}
			e.state = StateReceiveBurst

		case StateReceiveBurst:
			e.logger.Info("receiving...", "sent", e.sentCount, "received", e.receivedCount)
			if _, err := e.ReceiveBurst(ctx); err != nil {
				return nil, e.abort(err)
			}
			if err := e.endRound(); err != nil {
				return nil, err
			}
			if e.sentCount < e.cfg.Count {
				e.state = StateSendBurst
				continue
			}
			if e.receivedCount >= e.sentCount || e.idle {
				e.state = StateProbe
			}

		case StateProbe:
			e.logger.Info("done", "sent", e.sentCount, "received", e.receivedCount)
			if e.cfg.Probe != nil {
				report.Probe = e.cfg.Probe.Run(e.endpoints...)
				e.logger.Info("probe", "succeeded", report.Probe.Succeeded,
					"tolerated", report.Probe.Tolerated, "failed", report.Probe.Failed)
			}
			e.state = StateVerify

		case StateVerify:
			report.Verdict = Verify(e.sent, e.received)
			for _, fr := range report.Verdict.Flows {
				e.logger.Debug("flow", "flow", fr.Key.String(), "status", fr.Status.String(),
					"sent", hexDigest(fr.SentDigest), "received", hexDigest(fr.ReceivedDigest))
			}
			e.state = StateDone
		}
	}

	// 3. fill the report
	report.Sent = e.sentCount
	report.Received = e.receivedCount
	report.Stats = e.stats
	report.Elapsed = time.Since(t0)
	return report, nil
}

// endRound invokes the optional round hook.
func (e *Engine) endRound() error {
	if e.cfg.RoundHook == nil {
		return nil
	}
	round := e.stats.SendBursts
	e.logger.Debug("end of round", "round", round)
	if err := e.cfg.RoundHook(round); err != nil {
		return fmt.Errorf("end of round %d: %w", round, err)
	}
	return nil
}

// abort maps context errors to [ErrTimeout] where appropriate.
func (e *Engine) abort(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		e.logger.Warn("run timed out", "state", e.state.String(),
			"sent", e.sentCount, "received", e.receivedCount)
		return fmt.Errorf("%w in %s after sent=%d received=%d: %w",
			ErrTimeout, e.state, e.sentCount, e.receivedCount, err)
	}
	return err
}
