// Package engine implements the single-threaded event loop that drives the
// traceroute algorithms: probe dispatch with per-probe timers, reply
// correlation, and event delivery. Everything runs on the loop goroutine;
// correctness is a property of the state machines, not of locking.
package engine

import (
	"net"
	"time"

	"github.com/hervehildenbrand/mptrace/pkg/probe"
)

// EventType discriminates loop events.
type EventType int

const (
	// EventProbeReply: a received ICMP message matched an outstanding probe.
	EventProbeReply EventType = iota
	// EventProbeTimeout: an outstanding probe's timer fired, or its send
	// failed irrecoverably.
	EventProbeTimeout
	// EventAlgorithmTerminated: an algorithm instance finished.
	EventAlgorithmTerminated
)

// String names the event type for diagnostics.
func (t EventType) String() string {
	switch t {
	case EventProbeReply:
		return "PROBE_REPLY"
	case EventProbeTimeout:
		return "PROBE_TIMEOUT"
	case EventAlgorithmTerminated:
		return "ALGORITHM_TERMINATED"
	}
	return "UNKNOWN"
}

// ReplyKind classifies the ICMP message that answered a probe.
type ReplyKind int

const (
	ReplyTimeExceeded ReplyKind = iota
	ReplyDestUnreachable
	ReplyEchoReply
)

// Reply is a correlated ICMP answer. It is owned by the event that carries
// it; handlers may read it but must not retain it past their return.
type Reply struct {
	From       net.IP
	Kind       ReplyKind
	ReceivedAt time.Time
	// Raw is the full ICMP message, for extension parsing (MPLS).
	Raw []byte
}

// Event is one unit of work delivered to an algorithm or the loop handler.
type Event struct {
	Type     EventType
	Instance *Instance
	Probe    *probe.Probe
	Reply    *Reply
	// Delay is receive − send for EventProbeReply.
	Delay time.Duration
	// Cause records why a probe was retired without a reply (send failures).
	Cause error
}
