package trace

import (
	"net"
	"testing"
	"time"

	"github.com/hervehildenbrand/mptrace/internal/display"
	"github.com/hervehildenbrand/mptrace/internal/engine"
	"github.com/hervehildenbrand/mptrace/internal/netio/netiotest"
	"github.com/hervehildenbrand/mptrace/pkg/hop"
	"github.com/hervehildenbrand/mptrace/pkg/lattice"
	"github.com/hervehildenbrand/mptrace/pkg/probe"
)

// Shared simulated-topology addresses.
var (
	tLocal = net.ParseIP("198.51.100.2")
	tDst   = net.ParseIP("192.0.2.7")
	tR1    = net.ParseIP("10.0.0.1")
	tR2    = net.ParseIP("10.0.0.2")
	tR3    = net.ParseIP("10.0.0.3")
	tB     = net.ParseIP("10.0.1.1")
	tC     = net.ParseIP("10.0.1.2")
)

// recordSink captures everything the algorithms emit.
type recordSink struct {
	headers  []display.HeaderInfo
	replies  []display.ReplyRecord
	stars    []display.StarRecord
	rows     []*hop.Hop
	links    [][2]string
	lattices []*lattice.Lattice
	footers  int
}

func (s *recordSink) Header(h display.HeaderInfo)  { s.headers = append(s.headers, h) }
func (s *recordSink) Reply(r display.ReplyRecord)  { s.replies = append(s.replies, r) }
func (s *recordSink) Star(st display.StarRecord)   { s.stars = append(s.stars, st) }
func (s *recordSink) HopRow(h *hop.Hop)            { s.rows = append(s.rows, h) }
func (s *recordSink) NewLink(from, to string)      { s.links = append(s.links, [2]string{from, to}) }
func (s *recordSink) Lattice(l *lattice.Lattice)   { s.lattices = append(s.lattices, l) }
func (s *recordSink) Footer()                      { s.footers++ }

// newUDPSkeleton builds the probe skeleton the CLI would for a UDP run.
func newUDPSkeleton(t *testing.T) *probe.Probe {
	t.Helper()
	p := probe.New(probe.ProtocolUDP, tDst)
	for _, f := range []struct {
		name  string
		value interface{}
	}{
		{probe.FieldSrcPort, DefaultSrcPort},
		{probe.FieldDstPort, DefaultDstPort},
		{probe.FieldChecksum, 0x8000},
	} {
		if err := p.SetField(f.name, f.value); err != nil {
			t.Fatalf("set %s: %v", f.name, err)
		}
	}
	return p
}

// newICMPSkeleton builds the probe skeleton for an ICMP run.
func newICMPSkeleton(t *testing.T) *probe.Probe {
	t.Helper()
	p := probe.New(probe.ProtocolICMP, tDst)
	if err := p.SetField(probe.FieldIdentifier, 0x1234); err != nil {
		t.Fatalf("set identifier: %v", err)
	}
	return p
}

// runAlgorithm drives an algorithm over the simulator to completion.
func runAlgorithm(t *testing.T, sim *netiotest.Sim, alg engine.Algorithm, maxInFlight int) {
	t.Helper()
	loop := engine.NewLoop(sim, func(l *engine.Loop, ev *engine.Event) {
		if ev.Type == engine.EventAlgorithmTerminated {
			l.Terminate()
		}
	}, nil)
	loop.SetTimeout(50 * time.Millisecond)
	loop.AddAlgorithm(alg, maxInFlight)
	if err := loop.Run(); err != nil {
		t.Fatalf("loop: %v", err)
	}
}

// flowOf recovers the simulated flow index of a UDP probe.
func flowOf(p *probe.Probe) int {
	return p.SrcPort() - DefaultSrcPort
}
