package trace

import (
	"context"
	"errors"
	"time"

	"github.com/hervehildenbrand/mptrace/internal/display"
	"github.com/hervehildenbrand/mptrace/internal/engine"
	"github.com/hervehildenbrand/mptrace/pkg/lattice"
	"github.com/hervehildenbrand/mptrace/pkg/probe"
)

// ErrFlowExhaustion is reported when MDA cannot mint a fresh flow id for a
// hop. The hop closes with what it has and the result carries the
// annotation.
var ErrFlowExhaustion = errors.New("cannot mint a fresh flow id")

// mintRetries bounds collision retries when minting a flow id.
const mintRetries = 4

// MDAResult is the terminated value of a multipath run.
type MDAResult struct {
	Lattice       *lattice.Lattice
	ReachedTarget bool
	FlowExhausted bool
}

// MDA discovers the per-hop load-balanced topology. Each hop is probed over
// fresh flows until the stopping rule bounds the probability of an
// undiscovered next-hop below the configured value; links are accumulated in
// the lattice per flow.
type MDA struct {
	opts *MDAOptions
	skel *probe.Probe
	sink display.Sink
	res  *Resolver

	lat      *lattice.Lattice
	nk       []int
	hops     map[int]*mdaHop
	nextFlow uint16
	seq      int
	silent   int

	reached   bool
	exhausted bool
}

// flowObs is what one flow observed at one hop.
type flowObs struct {
	resolved bool
	addr     string // empty after a timeout
	terminal bool   // the destination itself answered
}

// mdaHop is the per-TTL probing state: exercised flows and their outcomes.
type mdaHop struct {
	ttl      int
	flows    map[uint16]*flowObs
	inFlight int
	closed   bool
	// counted marks that the hop contributed to the silent-streak counter;
	// re-closes after a re-open must not count again.
	counted bool
}

// NewMDA creates the multipath algorithm over a probe skeleton. Flow ids are
// materialised by shifting the skeleton's flow-identifying field (UDP source
// port, ICMP identifier); everything else stays bitwise stable.
func NewMDA(opts *MDAOptions, skel *probe.Probe, sink display.Sink, res *Resolver) (*MDA, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &MDA{
		opts: opts,
		skel: skel,
		sink: sink,
		res:  res,
		lat:  lattice.New(),
		nk:   StoppingPoints(opts.MaxBranch, opts.Bound),
		hops: make(map[int]*mdaHop),
	}, nil
}

// Name implements engine.Algorithm.
func (m *MDA) Name() string { return "mda" }

// Result returns the discovered lattice and the termination annotations.
func (m *MDA) Result() interface{} {
	return &MDAResult{
		Lattice:       m.lat,
		ReachedTarget: m.reached,
		FlowExhausted: m.exhausted,
	}
}

// MaxInFlight is the outstanding-probe cap for an MDA instance.
func (m *MDA) MaxInFlight() int { return m.opts.MaxBranch * 2 }

// Advance opens the first hop.
func (m *MDA) Advance(inst *engine.Instance) error {
	return m.openHop(inst, m.opts.MinTTL)
}

// OnEvent records the outcome of one (hop, flow) probe and re-evaluates the
// hop's stopping rule.
func (m *MDA) OnEvent(inst *engine.Instance, ev *engine.Event) error {
	ttl := ev.Probe.TTL()
	h := m.hops[ttl]
	if h == nil {
		return nil
	}
	obs := h.flows[ev.Probe.FlowID]
	if obs == nil || obs.resolved {
		return nil
	}

	obs.resolved = true
	h.inFlight--

	switch ev.Type {
	case engine.EventProbeReply:
		obs.addr = ev.Reply.From.String()
		obs.terminal = ev.Reply.Kind != engine.ReplyTimeExceeded &&
			ev.Reply.From.Equal(m.opts.DstAddr)
		m.sink.Reply(display.ReplyRecord{
			TTL:     ttl,
			From:    obs.addr,
			DelayMs: float64(ev.Delay) / float64(time.Millisecond),
			Flow:    ev.Probe.FlowID,
		})
	case engine.EventProbeTimeout:
		m.sink.Star(display.StarRecord{TTL: ttl, Flow: ev.Probe.FlowID})
	}

	return m.evaluate(inst, ttl)
}

// evaluate applies the stopping rule to a hop once nothing is in flight
// there: keep widening the flow set while |Flows| < n(k), close otherwise.
func (m *MDA) evaluate(inst *engine.Instance, ttl int) error {
	h := m.hops[ttl]
	if h == nil || h.closed || h.inFlight > 0 {
		return nil
	}

	k := len(m.distinctAddrs(h))
	if k < m.opts.MaxBranch {
		target := m.nk[k]
		if len(h.flows) < target {
			return m.widen(inst, h, target-len(h.flows))
		}
	}
	// Either enough flows were exercised for the observed width, or the
	// branch cap was hit; the hop closes.
	return m.closeHop(inst, h)
}

// widen mints fresh flows for the hop and probes them, keeping the parent
// hop covered so every flow can contribute a link.
func (m *MDA) widen(inst *engine.Instance, h *mdaHop, n int) error {
	for i := 0; i < n; i++ {
		f, err := m.mint(h)
		if err != nil {
			m.exhausted = true
			return m.closeHop(inst, h)
		}
		// Probing the parent hop first keeps the oldest-outstanding
		// tie-break pointed at the nearer router when a flow is briefly in
		// flight at both TTLs.
		if h.ttl > m.opts.MinTTL {
			if err := m.probeFlowAt(inst, h.ttl-1, f); err != nil {
				return err
			}
		}
		if err := m.probeFlowAt(inst, h.ttl, f); err != nil {
			return err
		}
	}
	return nil
}

// mint returns a flow id not yet exercised at the hop, retrying a few times
// before giving up on the flow space.
func (m *MDA) mint(h *mdaHop) (uint16, error) {
	for try := 0; try < mintRetries; try++ {
		next := int(m.nextFlow) + 1
		if next > m.flowSpace() {
			return 0, ErrFlowExhaustion
		}
		m.nextFlow = uint16(next)
		if _, used := h.flows[m.nextFlow]; !used {
			return m.nextFlow, nil
		}
	}
	return 0, ErrFlowExhaustion
}

// flowSpace bounds the usable flow ids for the skeleton's transport.
func (m *MDA) flowSpace() int {
	if m.skel.Protocol() == probe.ProtocolUDP {
		return 0xffff - m.skel.SrcPort()
	}
	return 0xffff
}

// probeFlowAt sends one probe for flow f at the given TTL, (re)opening the
// hop's bookkeeping. Hops with fresh probes in flight never count as closed.
func (m *MDA) probeFlowAt(inst *engine.Instance, ttl int, f uint16) error {
	h := m.hops[ttl]
	if h == nil {
		h = &mdaHop{ttl: ttl, flows: make(map[uint16]*flowObs)}
		m.hops[ttl] = h
	}
	if _, exercised := h.flows[f]; exercised {
		return nil
	}

	h.flows[f] = &flowObs{}
	h.inFlight++
	h.closed = false

	p := m.skel.Clone()
	p.FlowID = f
	if err := p.SetField(probe.FieldTTL, ttl); err != nil {
		return err
	}
	if p.Protocol() == probe.ProtocolUDP {
		if err := p.SetField(probe.FieldSrcPort, m.skel.SrcPort()+int(f)); err != nil {
			return err
		}
	} else {
		id, _ := m.skel.Field(probe.FieldIdentifier)
		if err := p.SetField(probe.FieldIdentifier, (id.(int)+int(f))&0xffff); err != nil {
			return err
		}
		m.seq = (m.seq + 1) & 0xffff
		if err := p.SetField(probe.FieldSequence, m.seq); err != nil {
			return err
		}
	}
	return inst.SendProbe(p)
}

// closeHop snapshots the hop into the lattice, stitches links towards both
// neighbours per flow, and decides between termination and the next hop.
func (m *MDA) closeHop(inst *engine.Instance, h *mdaHop) error {
	h.closed = true

	for _, addr := range m.distinctAddrs(h) {
		m.lat.AddInterface(h.ttl, addr)
	}
	if err := m.stitch(h.ttl-1, h.ttl); err != nil {
		return err
	}
	if err := m.stitch(h.ttl, h.ttl+1); err != nil {
		return err
	}

	answered, live := m.partition(h)
	if !h.counted {
		h.counted = true
		if answered == 0 {
			m.silent++
		} else {
			m.silent = 0
		}
	}
	if answered > 0 && len(live) == 0 {
		// Every responding flow hit the destination.
		m.reached = true
	}

	switch {
	case m.reached, m.exhausted:
		return m.finalize(inst)
	case m.silent >= m.opts.MaxUndiscovered:
		return m.finalize(inst)
	case h.ttl >= m.opts.MaxTTL:
		return m.finalize(inst)
	default:
		return m.openHop(inst, h.ttl+1)
	}
}

// stitch adds a lattice edge for every flow observed on both hops, streaming
// links the first time they appear. Idempotent across re-closes.
func (m *MDA) stitch(near, far int) error {
	a, b := m.hops[near], m.hops[far]
	if a == nil || b == nil {
		return nil
	}
	for f, fromObs := range a.flows {
		if fromObs.addr == "" {
			continue
		}
		toObs := b.flows[f]
		if toObs == nil || toObs.addr == "" {
			continue
		}
		before := m.lat.NumLinks()
		if err := m.lat.AddLink(near, fromObs.addr, toObs.addr); err != nil {
			return err
		}
		if m.lat.NumLinks() > before {
			m.sink.NewLink(fromObs.addr, toObs.addr)
		}
	}
	return nil
}

// openHop starts probing a TTL: the flows that answered short of the
// destination are carried forward, then the stopping rule widens the set.
func (m *MDA) openHop(inst *engine.Instance, ttl int) error {
	if m.hops[ttl] == nil {
		m.hops[ttl] = &mdaHop{ttl: ttl, flows: make(map[uint16]*flowObs)}
	}
	if prev := m.hops[ttl-1]; prev != nil {
		_, live := m.partition(prev)
		for _, f := range live {
			if err := m.probeFlowAt(inst, ttl, f); err != nil {
				return err
			}
		}
	}
	if m.hops[ttl].inFlight > 0 {
		return nil
	}
	// Nothing inherited (first hop, or a fully silent parent): let the
	// stopping rule mint the initial flows.
	return m.evaluate(inst, ttl)
}

// partition splits a hop's resolved flows into the answered count and the
// flows still short of the destination.
func (m *MDA) partition(h *mdaHop) (answered int, live []uint16) {
	for f, obs := range h.flows {
		if !obs.resolved || obs.addr == "" {
			continue
		}
		answered++
		if !obs.terminal {
			live = append(live, f)
		}
	}
	return answered, live
}

// distinctAddrs lists the interfaces observed at a hop.
func (m *MDA) distinctAddrs(h *mdaHop) []string {
	seen := make(map[string]bool)
	var addrs []string
	for _, obs := range h.flows {
		if obs.addr != "" && !seen[obs.addr] {
			seen[obs.addr] = true
			addrs = append(addrs, obs.addr)
		}
	}
	return addrs
}

// finalize resolves interface names when asked and reports termination.
func (m *MDA) finalize(inst *engine.Instance) error {
	if m.opts.DoResolv && m.res != nil {
		m.lat.Visit(func(_ int, ifaces []*lattice.Interface, _ []lattice.Link) {
			for _, iface := range ifaces {
				if name := m.res.Lookup(context.Background(), parseAddr(iface.Addr)); name != "" {
					m.lat.SetHostname(iface.Addr, name)
				}
			}
		})
	}
	inst.Finish()
	return nil
}
