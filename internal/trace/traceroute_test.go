package trace

import (
	"net"
	"testing"

	"github.com/hervehildenbrand/mptrace/internal/netio/netiotest"
	"github.com/hervehildenbrand/mptrace/pkg/hop"
	"github.com/hervehildenbrand/mptrace/pkg/probe"
)

// linearRoute answers like the path local → R1 → R2 → dst.
func linearRoute(p *probe.Probe) netiotest.Outcome {
	switch p.TTL() {
	case 1:
		return netiotest.Outcome{Peer: tR1}
	case 2:
		return netiotest.Outcome{Peer: tR2}
	default:
		return netiotest.Outcome{Peer: tDst, Reached: true}
	}
}

func newTracerouteOptions() *TracerouteOptions {
	opts := DefaultTracerouteOptions()
	opts.DstAddr = tDst
	opts.MaxTTL = 5
	return &opts
}

func TestTracerouteLinearPath(t *testing.T) {
	sim := netiotest.New(tLocal, linearRoute)
	sink := &recordSink{}

	tr, err := NewTraceroute(newTracerouteOptions(), newUDPSkeleton(t), sink, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	runAlgorithm(t, sim, tr, DefaultNumProbes)

	result := tr.Result().(*hop.TraceResult)
	if !result.ReachedTarget {
		t.Error("target not reached")
	}
	if result.TotalHops() != 3 {
		t.Fatalf("got %d hops, want 3", result.TotalHops())
	}
	last := result.Hops[2]
	if !last.PrimaryIP().Equal(tDst) {
		t.Errorf("last hop = %v, want %v", last.PrimaryIP(), tDst)
	}
	// Each hop carries the full query budget.
	for _, h := range result.Hops {
		if len(h.Probes) != DefaultNumProbes {
			t.Errorf("hop %d has %d probes, want %d", h.TTL, len(h.Probes), DefaultNumProbes)
		}
	}
}

func TestTracerouteMonotonicTTLRows(t *testing.T) {
	sim := netiotest.New(tLocal, linearRoute)
	sink := &recordSink{}

	tr, err := NewTraceroute(newTracerouteOptions(), newUDPSkeleton(t), sink, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	runAlgorithm(t, sim, tr, DefaultNumProbes)

	for i := 1; i < len(sink.rows); i++ {
		if sink.rows[i].TTL <= sink.rows[i-1].TTL {
			t.Fatalf("rows not strictly increasing: %d then %d",
				sink.rows[i-1].TTL, sink.rows[i].TTL)
		}
	}
}

func TestTracerouteLossAtOneHop(t *testing.T) {
	// All probes at TTL 2 are lost; the row prints stars and the path
	// continues to the destination.
	sim := netiotest.New(tLocal, func(p *probe.Probe) netiotest.Outcome {
		if p.TTL() == 2 {
			return netiotest.Outcome{Drop: true}
		}
		return linearRoute(p)
	})
	sink := &recordSink{}

	tr, err := NewTraceroute(newTracerouteOptions(), newUDPSkeleton(t), sink, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	runAlgorithm(t, sim, tr, DefaultNumProbes)

	result := tr.Result().(*hop.TraceResult)
	if !result.ReachedTarget {
		t.Error("target not reached")
	}
	row2 := result.GetHop(2)
	if row2 == nil || row2.LossPercent() != 100 {
		t.Fatalf("hop 2 = %+v, want all stars", row2)
	}
	if len(sink.stars) != DefaultNumProbes {
		t.Errorf("got %d star records, want %d", len(sink.stars), DefaultNumProbes)
	}
}

func TestTracerouteICMPEchoReplyTerminates(t *testing.T) {
	// Destination answers Echo-Reply at TTL 4.
	routers := []net.IP{tR1, tR2, tR3}
	sim := netiotest.New(tLocal, func(p *probe.Probe) netiotest.Outcome {
		if p.TTL() < 4 {
			return netiotest.Outcome{Peer: routers[p.TTL()-1]}
		}
		return netiotest.Outcome{Peer: tDst, Reached: true}
	})
	sink := &recordSink{}

	opts := newTracerouteOptions()
	opts.MaxTTL = 10
	tr, err := NewTraceroute(opts, newICMPSkeleton(t), sink, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	runAlgorithm(t, sim, tr, DefaultNumProbes)

	result := tr.Result().(*hop.TraceResult)
	if !result.ReachedTarget {
		t.Error("target not reached")
	}
	if result.TotalHops() != 4 {
		t.Fatalf("got %d hops, want 4", result.TotalHops())
	}
	if !result.Hops[3].PrimaryIP().Equal(tDst) {
		t.Errorf("final hop = %v, want the echoing destination", result.Hops[3].PrimaryIP())
	}
}

func TestTracerouteSilentPathGivesUp(t *testing.T) {
	// Nothing ever answers: the run stops after MaxUndiscovered silent hops.
	sim := netiotest.New(tLocal, func(p *probe.Probe) netiotest.Outcome {
		return netiotest.Outcome{Drop: true}
	})
	sink := &recordSink{}

	opts := newTracerouteOptions()
	opts.MaxTTL = 30
	tr, err := NewTraceroute(opts, newUDPSkeleton(t), sink, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	runAlgorithm(t, sim, tr, DefaultNumProbes)

	result := tr.Result().(*hop.TraceResult)
	if result.ReachedTarget {
		t.Error("silent path marked reached")
	}
	if result.TotalHops() != DefaultMaxUndiscovered {
		t.Errorf("got %d hops, want %d", result.TotalHops(), DefaultMaxUndiscovered)
	}
}

func TestTracerouteSingleHopRange(t *testing.T) {
	// min_ttl == max_ttl probes exactly one hop.
	sim := netiotest.New(tLocal, linearRoute)
	sink := &recordSink{}

	opts := newTracerouteOptions()
	opts.MinTTL = 2
	opts.MaxTTL = 2
	tr, err := NewTraceroute(opts, newUDPSkeleton(t), sink, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	runAlgorithm(t, sim, tr, DefaultNumProbes)

	result := tr.Result().(*hop.TraceResult)
	if result.TotalHops() != 1 {
		t.Fatalf("got %d hops, want 1", result.TotalHops())
	}
	if result.Hops[0].TTL != 2 {
		t.Errorf("probed TTL %d, want 2", result.Hops[0].TTL)
	}
}

func TestTracerouteDestinationAtMinTTL(t *testing.T) {
	sim := netiotest.New(tLocal, func(p *probe.Probe) netiotest.Outcome {
		return netiotest.Outcome{Peer: tDst, Reached: true}
	})
	sink := &recordSink{}

	tr, err := NewTraceroute(newTracerouteOptions(), newUDPSkeleton(t), sink, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	runAlgorithm(t, sim, tr, DefaultNumProbes)

	result := tr.Result().(*hop.TraceResult)
	if !result.ReachedTarget || result.TotalHops() != 1 {
		t.Errorf("hops=%d reached=%v, want immediate termination",
			result.TotalHops(), result.ReachedTarget)
	}
}

func TestTracerouteStreamsReplies(t *testing.T) {
	sim := netiotest.New(tLocal, linearRoute)
	sink := &recordSink{}

	tr, err := NewTraceroute(newTracerouteOptions(), newUDPSkeleton(t), sink, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	runAlgorithm(t, sim, tr, DefaultNumProbes)

	// 3 hops × 3 probes, all answered.
	if len(sink.replies) != 9 {
		t.Fatalf("got %d reply records, want 9", len(sink.replies))
	}
	for _, r := range sink.replies {
		if r.DelayMs <= 0 {
			t.Errorf("ttl %d: delay %v, want > 0", r.TTL, r.DelayMs)
		}
	}
}

func TestTracerouteOptionValidation(t *testing.T) {
	bad := []func(*TracerouteOptions){
		func(o *TracerouteOptions) { o.MinTTL = 0 },
		func(o *TracerouteOptions) { o.MaxTTL = 300 },
		func(o *TracerouteOptions) { o.MinTTL = 10; o.MaxTTL = 5 },
		func(o *TracerouteOptions) { o.NumProbes = 0 },
		func(o *TracerouteOptions) { o.MaxUndiscovered = 0 },
		func(o *TracerouteOptions) { o.DstAddr = nil },
	}

	for i, mutate := range bad {
		opts := DefaultTracerouteOptions()
		opts.DstAddr = tDst
		mutate(&opts)
		if _, err := NewTraceroute(&opts, newUDPSkeleton(t), &recordSink{}, nil); err == nil {
			t.Errorf("case %d: invalid options accepted", i)
		}
	}
}
