//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/netem/blob/061c5671b52a2c064cac1de5d464bb056f7ccaa8/unetstack.go
//

package flowaudit

import (
	"errors"
	"net"
	"syscall"

	"gvisor.dev/gvisor/pkg/tcpip"
)

// Sentinel errors returned by the [*Engine].
var (
	// ErrTimeout indicates that the run was aborted by its deadline.
	ErrTimeout = errors.New("run timed out")

	// ErrUnknownPeer indicates a datagram from an address that does not
	// belong to any endpoint.
	ErrUnknownPeer = errors.New("datagram from unknown peer")
)

// transientSendErrors contains the errors that suspend a send burst.
var transientSendErrors = []error{
	syscall.EAGAIN,
	syscall.EWOULDBLOCK,
	syscall.ENOBUFS,
	syscall.ECONNRESET,
	syscall.EPIPE,
}

// IsTransientSend returns whether the error returned by [Endpoint.SendTo]
// should suspend the current burst rather than terminate the run.
func IsTransientSend(err error) bool {
	for _, candidate := range transientSendErrors {
		if errors.Is(err, candidate) {
			return true
		}
	}
	return false
}

// IsWouldBlock returns whether the error means that the operation would
// have blocked, which ends a receive drain.
func IsWouldBlock(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}

// errorsRemap maps a [tcpip.Error] to the corresponding errno.
//
// See https://github.com/google/gvisor/blob/master/pkg/syserr/netstack.go
func errorsRemap(err tcpip.Error) error {
	switch err.(type) {
	case nil:
		return nil
	case *tcpip.ErrWouldBlock:
		return syscall.EAGAIN
	case *tcpip.ErrNoBufferSpace:
		return syscall.ENOBUFS
	case *tcpip.ErrConnectionReset:
		return syscall.ECONNRESET
	case *tcpip.ErrClosedForSend:
		return syscall.EPIPE
	case *tcpip.ErrClosedForReceive:
		return net.ErrClosed
	case *tcpip.ErrConnectionRefused:
		return syscall.ECONNREFUSED
	case *tcpip.ErrConnectionAborted:
		return syscall.ECONNABORTED
	case *tcpip.ErrNetworkUnreachable:
		return syscall.ENETUNREACH
	case *tcpip.ErrHostUnreachable:
		return syscall.EHOSTUNREACH
	case *tcpip.ErrNoNet:
		return syscall.ENETDOWN
	case *tcpip.ErrMessageTooLong:
		return syscall.EMSGSIZE
	case *tcpip.ErrPortInUse:
		return syscall.EADDRINUSE
	case *tcpip.ErrBadLocalAddress:
		return syscall.EADDRNOTAVAIL
	case *tcpip.ErrInvalidEndpointState:
		return syscall.EINVAL
	case *tcpip.ErrUnknownProtocolOption:
		return syscall.ENOPROTOOPT
	case *tcpip.ErrNotSupported:
		return syscall.EOPNOTSUPP
	default:
		return errors.New(err.String())
	}
}
