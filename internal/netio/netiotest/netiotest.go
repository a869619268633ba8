// Package netiotest provides a deterministic in-memory Transport for testing
// the event loop and the algorithms against synthetic topologies. Replies
// are real marshalled ICMP messages quoting the real serialised probes, so
// tests exercise the production correlation path end to end.
package netiotest

import (
	"net"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/hervehildenbrand/mptrace/internal/netio"
	"github.com/hervehildenbrand/mptrace/pkg/probe"
)

// Outcome tells the simulator how the network answers one probe.
type Outcome struct {
	// Drop suppresses any reply; the probe will time out.
	Drop bool
	// Peer is the responding interface.
	Peer net.IP
	// Reached marks a destination answer: Destination-Unreachable for UDP
	// probes, Echo-Reply for ICMP probes.
	Reached bool
}

// RouteFunc decides the outcome for a probe, typically from its TTL and its
// flow-identifying fields. It is the test's topology.
type RouteFunc func(p *probe.Probe) Outcome

// Sim is a Transport over a synthetic topology with a virtual clock.
type Sim struct {
	local net.IP
	route RouteFunc
	queue []*netio.RawReply

	clock time.Time
	// Step is the virtual RTT per hop of TTL.
	Step time.Duration

	// SendErr, when set, is consulted before each transmission; returning a
	// non-nil error fails the send.
	SendErr func(p *probe.Probe) error

	// Sent counts transmission attempts.
	Sent int
}

// New creates a simulator with the given local source address and topology.
func New(local net.IP, route RouteFunc) *Sim {
	return &Sim{
		local: local,
		route: route,
		clock: time.Now(),
		Step:  time.Millisecond,
	}
}

// LocalIP implements Transport.
func (s *Sim) LocalIP() net.IP { return s.local }

// Close implements Transport.
func (s *Sim) Close() error { return nil }

// Send serialises the probe exactly like the raw transport, asks the
// topology for an outcome, and queues the marshalled reply.
func (s *Sim) Send(p *probe.Probe) error {
	s.Sent++
	if s.SendErr != nil {
		if err := s.SendErr(p); err != nil {
			return err
		}
	}
	if p.SrcIP() == nil {
		if err := p.SetField(probe.FieldSrcIP, s.local); err != nil {
			return &netio.SendError{Kind: netio.SendTransient, Err: err}
		}
	}

	seg, err := p.Serialize()
	if err != nil {
		return &netio.SendError{Kind: netio.SendTransient, Err: err}
	}

	p.SentAt = s.clock
	out := s.route(p)
	if !out.Drop {
		reply, err := s.makeReply(p, seg, out)
		if err != nil {
			return &netio.SendError{Kind: netio.SendTransient, Err: err}
		}
		reply.ReceivedAt = s.clock.Add(time.Duration(p.TTL()) * s.Step)
		s.queue = append(s.queue, reply)
	}
	s.clock = s.clock.Add(time.Microsecond)
	return nil
}

// Recv pops the next queued reply, or reports the deadline reached so the
// loop fires its timers.
func (s *Sim) Recv(deadline time.Time) (*netio.RawReply, error) {
	if len(s.queue) == 0 {
		return nil, netio.ErrRecvTimeout
	}
	r := s.queue[0]
	s.queue = s.queue[1:]
	return r, nil
}

// Inject queues an arbitrary raw reply, for duplicate/garbage tests.
func (s *Sim) Inject(r *netio.RawReply) {
	s.queue = append(s.queue, r)
}

// makeReply builds the ICMP message a router or the destination would send.
func (s *Sim) makeReply(p *probe.Probe, seg []byte, out Outcome) (*netio.RawReply, error) {
	v6 := p.IsIPv6()

	var msg icmp.Message
	switch {
	case out.Reached && p.Protocol() == probe.ProtocolICMP:
		id, _ := p.Field(probe.FieldIdentifier)
		seq, _ := p.Field(probe.FieldSequence)
		msg = icmp.Message{
			Type: echoReplyType(v6),
			Body: &icmp.Echo{ID: id.(int), Seq: seq.(int), Data: []byte("pong")},
		}
	case out.Reached:
		msg = icmp.Message{
			Type: unreachType(v6),
			Code: portUnreachCode(v6),
			Body: &icmp.DstUnreach{Data: quotedPacket(p, seg)},
		}
	default:
		msg = icmp.Message{
			Type: timeExceededType(v6),
			Body: &icmp.TimeExceeded{Data: quotedPacket(p, seg)},
		}
	}

	b, err := msg.Marshal(nil)
	if err != nil {
		return nil, err
	}
	return &netio.RawReply{Data: b, Peer: out.Peer}, nil
}

// QuotedPacket renders the IP-header-plus-segment image a router embeds in
// an ICMP error for the given serialised probe. The quoted TTL is
// decremented to zero, which correlation must ignore.
func QuotedPacket(p *probe.Probe, seg []byte) []byte {
	return quotedPacket(p, seg)
}

func quotedPacket(p *probe.Probe, seg []byte) []byte {
	var proto int
	switch {
	case p.Protocol() == probe.ProtocolUDP:
		proto = probe.ProtocolNumberUDP
	case p.IsIPv6():
		proto = probe.ProtocolNumberICMPv6
	default:
		proto = probe.ProtocolNumberICMPv4
	}

	if p.IsIPv6() {
		b := make([]byte, 40+len(seg))
		b[0] = 0x60
		b[4] = byte(len(seg) >> 8)
		b[5] = byte(len(seg))
		b[6] = byte(proto)
		copy(b[8:24], p.SrcIP().To16())
		copy(b[24:40], p.DstIP().To16())
		copy(b[40:], seg)
		return b
	}

	b := make([]byte, 20+len(seg))
	b[0] = 0x45
	total := 20 + len(seg)
	b[2] = byte(total >> 8)
	b[3] = byte(total)
	b[9] = byte(proto)
	copy(b[12:16], p.SrcIP().To4())
	copy(b[16:20], p.DstIP().To4())
	copy(b[20:], seg)
	return b
}

func echoReplyType(v6 bool) icmp.Type {
	if v6 {
		return ipv6.ICMPTypeEchoReply
	}
	return ipv4.ICMPTypeEchoReply
}

func unreachType(v6 bool) icmp.Type {
	if v6 {
		return ipv6.ICMPTypeDestinationUnreachable
	}
	return ipv4.ICMPTypeDestinationUnreachable
}

func timeExceededType(v6 bool) icmp.Type {
	if v6 {
		return ipv6.ICMPTypeTimeExceeded
	}
	return ipv4.ICMPTypeTimeExceeded
}

func portUnreachCode(v6 bool) int {
	if v6 {
		return 4 // port unreachable (ICMPv6)
	}
	return 3 // port unreachable (ICMPv4)
}
