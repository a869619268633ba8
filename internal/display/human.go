package display

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/hervehildenbrand/mptrace/pkg/hop"
	"github.com/hervehildenbrand/mptrace/pkg/lattice"
)

// Styles for terminal output.
var (
	addrStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	hostStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	rttStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	timeoutStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	mplsStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("141"))
	linkStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	titleStyle   = lipgloss.NewStyle().Bold(true)
)

// humanSink renders classical rows and MDA links as terminal text.
type humanSink struct {
	w     io.Writer
	color bool
}

func newHumanSink(w io.Writer, noColor bool) *humanSink {
	color := !noColor
	if f, ok := w.(*os.File); ok && color {
		color = term.IsTerminal(int(f.Fd()))
	}
	return &humanSink{w: w, color: color}
}

// paint applies a style only when colors are on.
func (s *humanSink) paint(st lipgloss.Style, text string) string {
	if !s.color {
		return text
	}
	return st.Render(text)
}

// Header prints the traceroute banner before probing starts.
func (s *humanSink) Header(h HeaderInfo) {
	fmt.Fprintf(s.w, "Traceroute to %s (%s), %d hops max, %d bytes packets\n\n",
		h.Target, h.TargetIP, h.MaxTTL, h.PacketSize)
}

// Reply and Star stream into the JSON format only.
func (s *humanSink) Reply(ReplyRecord) {}
func (s *humanSink) Star(StarRecord)   {}

// HopRow prints one completed hop: ttl, address, per-probe RTTs.
func (s *humanSink) HopRow(h *hop.Hop) {
	var parts []string
	parts = append(parts, fmt.Sprintf("%2d", h.TTL))

	ips := h.UniqueIPs()
	if len(ips) == 0 {
		parts = append(parts, s.formatRTTs(h))
		fmt.Fprintln(s.w, strings.Join(parts, "  "))
		return
	}

	first := s.paint(addrStyle, ips[0].String())
	if h.Hostname != "" {
		first = s.paint(hostStyle, h.Hostname) + " (" + s.paint(addrStyle, ips[0].String()) + ")"
	}
	parts = append(parts, first)
	for _, ip := range ips[1:] {
		parts = append(parts, s.paint(addrStyle, ip.String()))
	}

	parts = append(parts, s.formatRTTs(h))

	for _, label := range h.MPLS {
		parts = append(parts, s.paint(mplsStyle, fmt.Sprintf("[MPLS: %s]", label.String())))
	}

	fmt.Fprintln(s.w, strings.Join(parts, "  "))
}

// formatRTTs formats all probe RTTs for a hop, stars for timeouts.
func (s *humanSink) formatRTTs(h *hop.Hop) string {
	var rtts []string
	for _, p := range h.Probes {
		if p.Timeout {
			rtts = append(rtts, s.paint(timeoutStyle, "*"))
		} else {
			ms := float64(p.RTT) / float64(time.Millisecond)
			rtts = append(rtts, s.paint(rttStyle, fmt.Sprintf("%.3f ms", ms)))
		}
	}
	return strings.Join(rtts, "  ")
}

// NewLink streams a discovered multipath link.
func (s *humanSink) NewLink(from, to string) {
	fmt.Fprintf(s.w, "%s %s -> %s\n", s.paint(linkStyle, "link"), from, to)
}

// Lattice dumps the final topology hop by hop.
func (s *humanSink) Lattice(l *lattice.Lattice) {
	fmt.Fprintf(s.w, "\n%s\n", s.paint(titleStyle, "Lattice:"))
	l.Dump(s.w, func(i *lattice.Interface) string {
		if i.Hostname != "" {
			return s.paint(hostStyle, i.Hostname) + " (" + s.paint(addrStyle, i.Addr) + ")"
		}
		return s.paint(addrStyle, i.Addr)
	})
}

func (s *humanSink) Footer() {}
