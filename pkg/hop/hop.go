// Package hop defines the per-TTL row model shared by the traceroute
// algorithms and the output stages.
package hop

import (
	"fmt"
	"net"
	"time"
)

// Probe records the outcome of one probe at a hop: either a responding
// interface with its round-trip delay, or a timeout star.
type Probe struct {
	IP      net.IP
	RTT     time.Duration
	FlowID  uint16
	Timeout bool
}

// MPLSLabel is one MPLS label stack entry quoted back in an ICMP extension
// (RFC 4950).
type MPLSLabel struct {
	Label uint32 // 20-bit label value
	Exp   uint8  // 3-bit traffic class
	S     bool   // bottom of stack
	TTL   uint8  // MPLS TTL
}

// String formats the MPLS label for display.
func (m MPLSLabel) String() string {
	s := 0
	if m.S {
		s = 1
	}
	return fmt.Sprintf("L=%d E=%d S=%d TTL=%d", m.Label, m.Exp, s, m.TTL)
}

// Hop is the set of probe outcomes observed at one TTL.
type Hop struct {
	TTL      int
	Probes   []Probe
	MPLS     []MPLSLabel
	Hostname string // reverse DNS of the primary interface, when resolved
}

// NewHop creates an empty Hop for the given TTL.
func NewHop(ttl int) *Hop {
	return &Hop{
		TTL:    ttl,
		Probes: make([]Probe, 0),
	}
}

// AddProbe records a successful probe response.
func (h *Hop) AddProbe(ip net.IP, rtt time.Duration, flow uint16) {
	h.Probes = append(h.Probes, Probe{
		IP:     ip,
		RTT:    rtt,
		FlowID: flow,
	})
}

// AddTimeout records a probe that timed out.
func (h *Hop) AddTimeout(flow uint16) {
	h.Probes = append(h.Probes, Probe{
		FlowID:  flow,
		Timeout: true,
	})
}

// AvgRTT calculates the average RTT excluding timeouts.
func (h *Hop) AvgRTT() time.Duration {
	var total time.Duration
	var count int

	for _, p := range h.Probes {
		if !p.Timeout {
			total += p.RTT
			count++
		}
	}

	if count == 0 {
		return 0
	}
	return total / time.Duration(count)
}

// LossPercent calculates the packet loss percentage.
func (h *Hop) LossPercent() float64 {
	if len(h.Probes) == 0 {
		return 0
	}

	var timeouts int
	for _, p := range h.Probes {
		if p.Timeout {
			timeouts++
		}
	}

	return float64(timeouts) / float64(len(h.Probes)) * 100
}

// PrimaryIP returns the first non-nil IP from probes.
func (h *Hop) PrimaryIP() net.IP {
	for _, p := range h.Probes {
		if p.IP != nil {
			return p.IP
		}
	}
	return nil
}

// UniqueIPs returns the distinct responding interfaces in observation order.
func (h *Hop) UniqueIPs() []net.IP {
	seen := make(map[string]bool)
	var ips []net.IP
	for _, p := range h.Probes {
		if p.IP != nil && !seen[p.IP.String()] {
			seen[p.IP.String()] = true
			ips = append(ips, p.IP)
		}
	}
	return ips
}

// SetMPLS sets the MPLS labels for this hop.
func (h *Hop) SetMPLS(labels []MPLSLabel) {
	h.MPLS = labels
}

// TraceResult is the completed outcome of a classical traceroute run.
type TraceResult struct {
	Target        string // target as given on the command line
	TargetIP      string // resolved target address
	Hops          []*Hop // ordered by TTL
	ReachedTarget bool
	Protocol      string
	StartTime     time.Time
	EndTime       time.Time
}

// NewTraceResult creates a TraceResult for the given target.
func NewTraceResult(target, targetIP string) *TraceResult {
	return &TraceResult{
		Target:   target,
		TargetIP: targetIP,
		Hops:     make([]*Hop, 0),
	}
}

// AddHop appends a hop to the trace result.
func (tr *TraceResult) AddHop(h *Hop) {
	tr.Hops = append(tr.Hops, h)
}

// GetHop returns the hop at the given TTL, or nil if not found.
func (tr *TraceResult) GetHop(ttl int) *Hop {
	for _, h := range tr.Hops {
		if h.TTL == ttl {
			return h
		}
	}
	return nil
}

// TotalHops returns the number of hops in the trace.
func (tr *TraceResult) TotalHops() int {
	return len(tr.Hops)
}
