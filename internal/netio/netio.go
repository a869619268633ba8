// Package netio owns the raw sockets: it serialises probes onto the wire and
// hands raw ICMP replies back to the event loop. Nothing above this package
// touches a file descriptor.
package netio

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hervehildenbrand/mptrace/pkg/probe"
)

// SendErrorKind classifies a failed probe transmission.
type SendErrorKind int

const (
	// SendNoRoute: the kernel has no route to the destination.
	SendNoRoute SendErrorKind = iota
	// SendPermissionDenied: raw socket access was refused.
	SendPermissionDenied
	// SendWouldBlock: the socket buffer is full; try again later.
	SendWouldBlock
	// SendTransient: a transient kernel condition; the dispatcher retries once.
	SendTransient
)

// String names the kind for diagnostics.
func (k SendErrorKind) String() string {
	switch k {
	case SendNoRoute:
		return "no-route"
	case SendPermissionDenied:
		return "permission-denied"
	case SendWouldBlock:
		return "would-block"
	default:
		return "transient"
	}
}

// SendError wraps a transmission failure with its classification.
type SendError struct {
	Kind SendErrorKind
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed (%s): %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ErrRecvTimeout is returned by Recv when the deadline passes with nothing
// readable. It is the loop's cue to fire expired timers, not a failure.
var ErrRecvTimeout = errors.New("receive deadline reached")

// RawReply is an inbound ICMP message before correlation.
type RawReply struct {
	// Data is the ICMP message, starting at the ICMP header.
	Data []byte
	// Peer is the address the message came from: the responding interface.
	Peer net.IP
	// ReceivedAt is the receive timestamp.
	ReceivedAt time.Time
}

// Transport is what the event loop drives: probe transmission plus blocking
// reception with a deadline. The raw-socket implementation is Network; tests
// substitute a simulated one.
type Transport interface {
	// Send serialises and transmits the probe, stamping its send timestamp
	// on success. Failures are *SendError.
	Send(p *probe.Probe) error

	// Recv blocks until an ICMP message arrives or the deadline passes,
	// returning ErrRecvTimeout in the latter case. A zero deadline means
	// wait indefinitely.
	Recv(deadline time.Time) (*RawReply, error)

	// LocalIP is the source address probes leave from.
	LocalIP() net.IP

	Close() error
}
