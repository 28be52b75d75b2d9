// SPDX-License-Identifier: GPL-3.0-or-later

package flowaudit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// Impairment describes netem-like degradation applied to every frame
// crossing a [*Network]. Percentages range from 0 to 100.
//
// See <https://man7.org/linux/man-pages/man8/tc-netem.8.html>.
type Impairment struct {
	// Loss is the percentage of frames dropped.
	Loss float64 `yaml:"loss"`

	// Duplicate is the percentage of frames emitted twice.
	Duplicate float64 `yaml:"duplicate"`

	// Corrupt is the percentage of frames with a random bit flipped.
	Corrupt float64 `yaml:"corrupt"`

	// Reorder is the percentage of frames held back and emitted after
	// the following frame.
	Reorder float64 `yaml:"reorder"`

	// Delay is the extra delay added to every frame.
	Delay time.Duration `yaml:"delay"`

	// Jitter is the maximum random deviation from Delay.
	Jitter time.Duration `yaml:"jitter"`

	// Seed seeds the random generator so that runs are reproducible.
	Seed uint64 `yaml:"seed"`
}

// ReferenceImpairment returns the impairment of the reference scenario:
// 5% corruption, 5% loss and 5% duplication.
func ReferenceImpairment() Impairment {
	return Impairment{Loss: 5, Duplicate: 5, Corrupt: 5}
}

// IsZero returns whether the impairment leaves frames untouched.
func (im Impairment) IsZero() bool {
	return im.Loss == 0 && im.Duplicate == 0 && im.Corrupt == 0 &&
		im.Reorder == 0 && im.Delay == 0 && im.Jitter == 0
}

// Validate returns an error wrapping [ErrConfig] for invalid values.
func (im Impairment) Validate() error {
	percentages := []struct {
		name  string
		value float64
	}{
		{"loss", im.Loss},
		{"duplicate", im.Duplicate},
		{"corrupt", im.Corrupt},
		{"reorder", im.Reorder},
	}
	for _, p := range percentages {
		if p.value < 0 || p.value > 100 {
			return fmt.Errorf("%w: %s must be within 0 and 100, got %v", ErrConfig, p.name, p.value)
		}
	}
	if im.Delay < 0 || im.Jitter < 0 {
		return fmt.Errorf("%w: delay and jitter must not be negative", ErrConfig)
	}
	return nil
}

// ImpairStats contains the [*Impairer] counters.
type ImpairStats struct {
	Seen       uint64
	Lost       uint64
	Duplicated uint64
	Corrupted  uint64
	Reordered  uint64
}

// Impairer applies an [Impairment] frame by frame.
//
// Apply, Flush, and NextDelay must be called by a single goroutine, while
// Stats is safe to call concurrently.
//
// Construct using [NewImpairer].
type Impairer struct {
	cfg  Impairment
	held *Frame
	rng  *rand.Rand

	seen, lost, duplicated, corrupted, reordered atomic.Uint64
}

// NewImpairer creates a new [*Impairer].
func NewImpairer(cfg Impairment) *Impairer {
	return &Impairer{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

func (im *Impairer) chance(percent float64) bool {
	return percent > 0 && im.rng.Float64()*100 < percent
}

// Apply returns the frames to forward in place of the given one.
//
// The result is empty when the frame is lost or held back for reordering
// and may contain a previously held frame after the current ones.
func (im *Impairer) Apply(frame Frame) []Frame {
	im.seen.Add(1)

	// 1. loss
	if im.chance(im.cfg.Loss) {
		im.lost.Add(1)
		return nil
	}

	// 2. duplication and corruption
	copies := 1
	if im.chance(im.cfg.Duplicate) {
		im.duplicated.Add(1)
		copies = 2
	}
	out := make([]Frame, 0, copies+1)
	for range copies {
		current := frame
		if im.chance(im.cfg.Corrupt) && len(frame.Packet) > 0 {
			im.corrupted.Add(1)
			current = im.corrupt(frame)
		}
		out = append(out, current)
	}

	// 3. reordering: release the held frame after this one or hold this one
	switch {
	case im.held != nil:
		out = append(out, *im.held)
		im.held = nil
	case im.chance(im.cfg.Reorder):
		im.reordered.Add(1)
		held := out[0]
		im.held = &held
		out = out[1:]
	}
	return out
}

// corrupt returns a copy of the frame with a random bit flipped.
func (im *Impairer) corrupt(frame Frame) Frame {
	pkt := make([]byte, len(frame.Packet))
	copy(pkt, frame.Packet)
	bit := im.rng.IntN(len(pkt) * 8)
	pkt[bit/8] ^= 1 << (bit % 8)
	return Frame{Packet: pkt}
}

// Flush returns the frame held back for reordering, if any.
func (im *Impairer) Flush() (Frame, bool) {
	if im.held == nil {
		return Frame{}, false
	}
	frame := *im.held
	im.held = nil
	return frame, true
}

// NextDelay returns the delay to apply to the next forwarded frame.
func (im *Impairer) NextDelay() time.Duration {
	delay := im.cfg.Delay
	if im.cfg.Jitter > 0 {
		delay += time.Duration(im.rng.Int64N(int64(2*im.cfg.Jitter)+1)) - im.cfg.Jitter
	}
	return max(delay, 0)
}

// Stats returns a snapshot of the counters.
func (im *Impairer) Stats() ImpairStats {
	return ImpairStats{
		Seen:       im.seen.Load(),
		Lost:       im.lost.Load(),
		Duplicated: im.duplicated.Load(),
		Corrupted:  im.corrupted.Load(),
		Reordered:  im.reordered.Load(),
	}
}

// reorderFlushInterval is how long a held frame may wait for a successor.
const reorderFlushInterval = 5 * time.Millisecond

// Run routes the queued frames until the context is done.
//
// Each frame goes through the optional impairer, is optionally written
// to the trace, and is delivered to its destination host.
func (nw *Network) Run(ctx context.Context, impairer *Impairer, trace *PcapTrace) {
	var flushch <-chan time.Time
	if impairer != nil {
		ticker := time.NewTicker(reorderFlushInterval)
		defer ticker.Stop()
		flushch = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case frame := <-nw.inflight:
			if impairer == nil {
				nw.forward(frame, 0, trace)
				continue
			}
			for _, out := range impairer.Apply(frame) {
				nw.forward(out, impairer.NextDelay(), trace)
			}

		case <-flushch:
			if frame, ok := impairer.Flush(); ok {
				nw.forward(frame, impairer.NextDelay(), trace)
			}
		}
	}
}

// forward delivers the frame now or after the given delay.
func (nw *Network) forward(frame Frame, delay time.Duration, trace *PcapTrace) {
	deliver := func() {
		if trace != nil {
			trace.Dump(frame.Packet)
		}
		nw.Deliver(frame)
	}
	if delay <= 0 {
		deliver()
		return
	}
	time.AfterFunc(delay, deliver)
}
