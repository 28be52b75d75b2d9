//
// SPDX-License-Identifier: BSD-3-Clause
//
// Adapted from: https://github.com/ooni/netem/blob/6e0d618f0cb48b96c78cd066e23cf3aa1208b1dd/pcap.go
//

package flowaudit

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// pcapSnapshot is a packet snapshot.
type pcapSnapshot struct {
	// data is the captured prefix of the packet.
	data []byte

	// length is the original length.
	length int

	// when is the capture time.
	when time.Time
}

// PcapTrace writes raw IP packets to a pcap file in the background.
//
// Construct using [NewPcapTrace].
type PcapTrace struct {
	// cancel allows to cancel the background goroutine.
	cancel context.CancelFunc

	// dropped is the number of packets dropped.
	dropped atomic.Uint64

	// errch contains the error returned by the background goroutine.
	errch chan error

	// once provides "once" semantics for Close.
	once sync.Once

	// saved is the number of packets written.
	saved atomic.Uint64

	// snapSize is the number of bytes to capture.
	snapSize uint16

	// snaps contains the pending snapshots.
	snaps chan pcapSnapshot

	// testCancellationDrainHook runs after cancellation before draining.
	testCancellationDrainHook func()

	// wc is the open writer we're using.
	wc io.WriteCloser
}

// PcapTraceOption is an option for [NewPcapTrace].
type PcapTraceOption func(cfg *pcapTraceConfig)

type pcapTraceConfig struct {
	buffer int
}

// DefaultPcapTraceBuffer is the default number of pending snapshots.
const DefaultPcapTraceBuffer = 4096

// PcapTraceOptionBuffer sets the number of pending snapshots after which
// [*PcapTrace.Dump] starts dropping packets.
func PcapTraceOptionBuffer(value int) PcapTraceOption {
	return func(cfg *pcapTraceConfig) {
		cfg.buffer = value
	}
}

// NewPcapTrace creates a new [*PcapTrace] writing to wc and capturing at
// most snapSize bytes of each packet.
func NewPcapTrace(wc io.WriteCloser, snapSize uint16, options ...PcapTraceOption) *PcapTrace {
	cfg := &pcapTraceConfig{buffer: DefaultPcapTraceBuffer}
	for _, opt := range options {
		opt(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	tr := &PcapTrace{
		cancel:   cancel,
		errch:    make(chan error, 1),
		snapSize: snapSize,
		snaps:    make(chan pcapSnapshot, cfg.buffer),
		wc:       wc,
	}
	go tr.saveLoop(ctx)
	return tr
}

// Dump captures the given raw IPv4/IPv6 packet without blocking.
func (tr *PcapTrace) Dump(packet []byte) {
	snapSize := min(len(packet), int(tr.snapSize))
	packetSnap := make([]byte, snapSize)
	copy(packetSnap, packet)
	select {
	case tr.snaps <- pcapSnapshot{data: packetSnap, length: len(packet), when: time.Now()}:
	default:
		tr.dropped.Add(1)
	}
}

// Dropped returns the number of packets dropped because writing could not
// keep up with capturing.
func (tr *PcapTrace) Dropped() uint64 {
	return tr.dropped.Load()
}

// Saved returns the number of packets written so far.
func (tr *PcapTrace) Saved() uint64 {
	return tr.saved.Load()
}

// saveLoop writes the header and then each snapshot until cancelled.
func (tr *PcapTrace) saveLoop(ctx context.Context) {
	w := pcapgo.NewWriter(tr.wc)
	if err := w.WriteFileHeader(uint32(tr.snapSize), layers.LinkTypeRaw); err != nil {
		tr.errch <- err
		return
	}
	for {
		snap, ok := tr.readOrDrain(ctx)
		if !ok {
			tr.errch <- nil
			return
		}
		if err := tr.savePacket(w, snap); err != nil {
			tr.errch <- err
			return
		}
		tr.saved.Add(1)
	}
}

// readOrDrain returns the next snapshot, or false once the context is done
// and the pending snapshots have been drained.
func (tr *PcapTrace) readOrDrain(ctx context.Context) (pcapSnapshot, bool) {
	select {
	case snap := <-tr.snaps:
		return snap, true
	case <-ctx.Done():
		if tr.testCancellationDrainHook != nil {
			tr.testCancellationDrainHook()
		}
		select {
		case snap := <-tr.snaps:
			return snap, true
		default:
			return pcapSnapshot{}, false
		}
	}
}

func (tr *PcapTrace) savePacket(w *pcapgo.Writer, snap pcapSnapshot) error {
	ci := gopacket.CaptureInfo{
		Timestamp:     snap.when,
		CaptureLength: len(snap.data),
		Length:        snap.length,
	}
	return w.WritePacket(ci, snap.data)
}

// Close stops the background goroutine, waits for it, then closes the
// underlying writer.
func (tr *PcapTrace) Close() (err error) {
	tr.once.Do(func() {
		tr.cancel()
		err1 := <-tr.errch
		err2 := tr.wc.Close()
		err = errors.Join(err1, err2)
	})
	return
}
