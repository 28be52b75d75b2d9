// SPDX-License-Identifier: GPL-3.0-or-later

package flowaudit

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// epollSlice bounds each epoll_wait call so that Wait notices cancellation.
const epollSlice = 50 * time.Millisecond

// EpollPoller is the [Poller] for [*RDSEndpoint] values.
//
// Construct using [NewEpollPoller].
type EpollPoller struct {
	epfd   int
	events []unix.EpollEvent
	index  map[int32]int
}

// NewEpollPoller creates an [*EpollPoller] registered for EPOLLRDNORM
// with the given endpoints.
func NewEpollPoller(endpoints ...*RDSEndpoint) (*EpollPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	ep := &EpollPoller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, max(len(endpoints), 1)),
		index:  make(map[int32]int, len(endpoints)),
	}
	for idx, re := range endpoints {
		event := &unix.EpollEvent{Events: unix.EPOLLRDNORM, Fd: int32(re.Fd())}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, re.Fd(), event); err != nil {
			unix.Close(epfd)
			return nil, err
		}
		ep.index[int32(re.Fd())] = idx
	}
	return ep, nil
}

// Ensure that [*EpollPoller] implements [Poller].
var _ Poller = &EpollPoller{}

// Wait implements [Poller].
func (ep *EpollPoller) Wait(ctx context.Context, timeout time.Duration) ([]int, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// 1. compute how long this slice may wait
		slice := epollSlice
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, nil
			}
			slice = min(slice, remaining)
		}

		// 2. wait and retry on signal interruption
		n, err := unix.EpollWait(ep.epfd, ep.events, int(slice.Milliseconds())+1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, err
		}

		// 3. map descriptors back to endpoint indexes
		ready := make([]int, 0, n)
		for _, event := range ep.events[:n] {
			if idx, found := ep.index[event.Fd]; found {
				ready = append(ready, idx)
			}
		}
		if len(ready) > 0 {
			return ready, nil
		}
	}
}

// Close implements [Poller].
func (ep *EpollPoller) Close() error {
	return unix.Close(ep.epfd)
}
