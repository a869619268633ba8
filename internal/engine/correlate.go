package engine

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/hervehildenbrand/mptrace/internal/netio"
	"github.com/hervehildenbrand/mptrace/pkg/probe"
)

// correlate matches a raw ICMP message against the outstanding probes and
// produces a PROBE_REPLY event, or nil when the message is not ours. The
// match key is the invariant tuple quoted inside the error; the TTL is never
// compared (routers quote a decremented one).
func (l *Loop) correlate(raw *netio.RawReply) *Event {
	msg, err := icmp.ParseMessage(netio.ICMPProtoNum(l.transport.LocalIP()), raw.Data)
	if err != nil {
		l.dropReply(raw, "unparseable ICMP message")
		return nil
	}

	var (
		q    probe.Quoted
		kind ReplyKind
	)

	switch body := msg.Body.(type) {
	case *icmp.TimeExceeded:
		kind = ReplyTimeExceeded
		q, err = probe.ParseQuoted(body.Data, l.v6)
	case *icmp.DstUnreach:
		kind = ReplyDestUnreachable
		q, err = probe.ParseQuoted(body.Data, l.v6)
	case *icmp.Echo:
		if msg.Type != ipv4.ICMPTypeEchoReply && msg.Type != ipv6.ICMPTypeEchoReply {
			l.dropReply(raw, "echo message is not a reply")
			return nil
		}
		kind = ReplyEchoReply
		q = probe.Quoted{
			Key:  probe.EchoKey(l.transport.LocalIP(), raw.Peer, body.ID),
			Disc: uint16(body.Seq),
		}
	default:
		l.dropReply(raw, "uninteresting ICMP type")
		return nil
	}
	if err != nil {
		l.dropReply(raw, err.Error())
		return nil
	}

	pp := l.match(q)
	if pp == nil {
		l.dropReply(raw, "no outstanding probe for tuple")
		return nil
	}

	l.retire(pp)
	reply := &Reply{
		From:       raw.Peer,
		Kind:       kind,
		ReceivedAt: raw.ReceivedAt,
		Raw:        raw.Data,
	}
	return &Event{
		Type:     EventProbeReply,
		Instance: pp.inst,
		Probe:    pp.p,
		Reply:    reply,
		Delay:    raw.ReceivedAt.Sub(pp.p.SentAt),
	}
}

// match finds the outstanding probe for a quoted tuple. Probes sharing the
// tuple (same flow, several TTLs, or clashing ICMP identifiers) are split by
// the quoted discriminator first, then by smallest send timestamp.
func (l *Loop) match(q probe.Quoted) *pendingProbe {
	bucket := l.byKey[q.Key]
	if len(bucket) == 0 {
		return nil
	}

	var oldest *pendingProbe
	for _, pp := range bucket {
		if pp.p.Discriminator() == q.Disc {
			return pp
		}
		if oldest == nil || pp.p.SentAt.Before(oldest.p.SentAt) {
			oldest = pp
		}
	}
	return oldest
}

// dropReply counts and logs an unmatched inbound message. Duplicate replies
// for retired probes land here by design.
func (l *Loop) dropReply(raw *netio.RawReply, why string) {
	l.unmatched++
	if l.verbose {
		l.log.WithFields(logrus.Fields{
			"peer":   raw.Peer,
			"reason": why,
		}).Debug("dropped reply")
	}
}
