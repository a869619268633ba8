package trace

import (
	"context"
	"net"
	"time"

	"github.com/hervehildenbrand/mptrace/internal/display"
	"github.com/hervehildenbrand/mptrace/internal/engine"
	"github.com/hervehildenbrand/mptrace/pkg/hop"
	"github.com/hervehildenbrand/mptrace/pkg/probe"
)

// Traceroute is the classical hop-by-hop algorithm: one fixed flow, NumProbes
// queries per TTL, early termination when the destination answers or the
// path stays silent. It runs as an engine.Algorithm on the event loop.
type Traceroute struct {
	opts *TracerouteOptions
	skel *probe.Probe
	sink display.Sink
	res  *Resolver

	result  *hop.TraceResult
	perHop  map[int][]outcome
	current int
	seq     int
	silent  int
	maxSeen int
}

// outcome is one probe result at the current hop, reply or star.
type outcome struct {
	reply    bool
	from     string
	hostname string
	delay    time.Duration
	flow     uint16
	mpls     []hop.MPLSLabel
	terminal bool
}

// NewTraceroute creates the classical algorithm over a probe skeleton. The
// skeleton fixes the flow-identifying fields; every probe of the run shares
// them so ECMP routing stays put (Paris semantics).
func NewTraceroute(opts *TracerouteOptions, skel *probe.Probe, sink display.Sink, res *Resolver) (*Traceroute, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Traceroute{
		opts:   opts,
		skel:   skel,
		sink:   sink,
		res:    res,
		perHop: make(map[int][]outcome),
	}, nil
}

// Name implements engine.Algorithm.
func (t *Traceroute) Name() string { return "traceroute" }

// Result returns the completed trace.
func (t *Traceroute) Result() interface{} { return t.result }

// Advance starts probing at MinTTL.
func (t *Traceroute) Advance(inst *engine.Instance) error {
	t.result = hop.NewTraceResult(t.opts.DstAddr.String(), t.opts.DstAddr.String())
	t.result.Protocol = string(t.skel.Protocol())
	t.result.StartTime = time.Now()
	t.current = t.opts.MinTTL
	return t.probeHop(inst)
}

// probeHop emits NumProbes probes for the current TTL, all on the one flow.
func (t *Traceroute) probeHop(inst *engine.Instance) error {
	for i := 0; i < t.opts.NumProbes; i++ {
		p := t.skel.Clone()
		if err := p.SetField(probe.FieldTTL, t.current); err != nil {
			return err
		}
		if p.Protocol() == probe.ProtocolICMP {
			t.seq = (t.seq + 1) & 0xffff
			if err := p.SetField(probe.FieldSequence, t.seq); err != nil {
				return err
			}
		}
		if err := inst.SendProbe(p); err != nil {
			return err
		}
	}
	return nil
}

// OnEvent folds one probe outcome into the current hop and advances the
// state machine when the hop's query budget is spent.
func (t *Traceroute) OnEvent(inst *engine.Instance, ev *engine.Event) error {
	ttl := ev.Probe.TTL()
	if ttl != t.current {
		// A straggler for a hop that already advanced; the engine retired
		// its probe, nothing to account for.
		return nil
	}

	var o outcome
	switch ev.Type {
	case engine.EventProbeReply:
		o = outcome{
			reply: true,
			from:  ev.Reply.From.String(),
			delay: ev.Delay,
			flow:  ev.Probe.FlowID,
			terminal: ev.Reply.Kind != engine.ReplyTimeExceeded &&
				ev.Reply.From.Equal(t.opts.DstAddr),
		}
		if t.opts.DoResolv && t.res != nil {
			o.hostname = t.res.Lookup(context.Background(), ev.Reply.From)
		}
		if ev.Reply.Kind == engine.ReplyTimeExceeded && !t.skel.IsIPv6() && len(ev.Reply.Raw) > 8 {
			o.mpls = ExtractMPLSFromICMP(ev.Reply.Raw[8:])
		}
		t.sink.Reply(display.ReplyRecord{
			TTL:      ttl,
			From:     o.from,
			Hostname: o.hostname,
			DelayMs:  float64(ev.Delay) / float64(time.Millisecond),
			Flow:     o.flow,
		})
	case engine.EventProbeTimeout:
		o = outcome{flow: ev.Probe.FlowID}
		t.sink.Star(display.StarRecord{TTL: ttl, Flow: o.flow})
	default:
		return nil
	}

	t.perHop[ttl] = append(t.perHop[ttl], o)
	if ttl > t.maxSeen {
		t.maxSeen = ttl
	}
	if len(t.perHop[ttl]) < t.opts.NumProbes {
		return nil
	}
	return t.completeHop(inst)
}

// completeHop prints the finished row and decides what happens next: stop on
// the destination, stop on a silent streak, stop past MaxTTL, or probe the
// next hop.
func (t *Traceroute) completeHop(inst *engine.Instance) error {
	outcomes := t.perHop[t.current]

	row := hop.NewHop(t.current)
	terminal := false
	silent := true
	for _, o := range outcomes {
		if !o.reply {
			row.AddTimeout(o.flow)
			continue
		}
		silent = false
		row.AddProbe(parseAddr(o.from), o.delay, o.flow)
		if o.hostname != "" && row.Hostname == "" {
			row.Hostname = o.hostname
		}
		if len(o.mpls) > 0 && len(row.MPLS) == 0 {
			row.SetMPLS(o.mpls)
		}
		if o.terminal {
			terminal = true
		}
	}

	t.result.AddHop(row)
	t.sink.HopRow(row)

	if silent {
		t.silent++
	} else {
		t.silent = 0
	}

	switch {
	case terminal:
		t.result.ReachedTarget = true
		t.finish(inst)
	case t.silent >= t.opts.MaxUndiscovered:
		t.finish(inst)
	case t.current >= t.opts.MaxTTL:
		t.finish(inst)
	default:
		t.current++
		return t.probeHop(inst)
	}
	return nil
}

func parseAddr(s string) net.IP { return net.ParseIP(s) }

// finish releases the per-hop bookkeeping over the full probed range and
// reports termination.
func (t *Traceroute) finish(inst *engine.Instance) {
	t.result.EndTime = time.Now()
	for ttl := t.opts.MinTTL; ttl <= t.maxSeen; ttl++ {
		delete(t.perHop, ttl)
	}
	inst.Finish()
}
