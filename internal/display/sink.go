// Package display renders algorithm output: streaming human-readable rows,
// a JSON record stream, and the live TUI. Sinks are pluggable so new
// formats never touch the algorithms.
package display

import (
	"fmt"
	"io"
	"os"

	"github.com/hervehildenbrand/mptrace/pkg/hop"
	"github.com/hervehildenbrand/mptrace/pkg/lattice"
)

// Format selects the configured output format.
type Format string

const (
	FormatDefault Format = "default"
	FormatJSON    Format = "json"
	FormatXML     Format = "xml"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatDefault:
		return FormatDefault, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatXML:
		return FormatXML, nil
	}
	return "", fmt.Errorf("unknown output format %q", s)
}

// HeaderInfo describes the run, printed before probing starts.
type HeaderInfo struct {
	Target     string
	TargetIP   string
	MaxTTL     int
	PacketSize int
	Protocol   string
}

// ReplyRecord is the streaming form of one enriched reply: the responding
// interface plus the probe/reply delay. Constructed per event, consumed by
// the sink, never retained.
type ReplyRecord struct {
	TTL      int
	From     string
	Hostname string
	DelayMs  float64
	Flow     uint16
}

// StarRecord is the streaming form of a probe timeout.
type StarRecord struct {
	TTL  int
	Flow uint16
}

// Sink consumes algorithm output. Methods a format has no use for are
// no-ops: the human sink prints rows and links, the JSON sink prints the
// reply/star stream.
type Sink interface {
	// Header is written once before probing.
	Header(h HeaderInfo)
	// Reply streams one correlated reply.
	Reply(r ReplyRecord)
	// Star streams one timeout.
	Star(s StarRecord)
	// HopRow renders a completed classical hop.
	HopRow(h *hop.Hop)
	// NewLink streams a newly discovered multipath link.
	NewLink(from, to string)
	// Lattice renders the final multipath topology.
	Lattice(l *lattice.Lattice)
	// Footer closes the output when the algorithm ends.
	Footer()
}

// NewSink builds the sink for a format. The XML format is reserved: it
// announces itself on stderr and swallows everything.
func NewSink(format Format, w io.Writer, noColor bool) Sink {
	switch format {
	case FormatJSON:
		return newJSONSink(w)
	case FormatXML:
		fmt.Fprintln(os.Stderr, "XML output is not yet implemented")
		return &xmlSink{}
	default:
		return newHumanSink(w, noColor)
	}
}

// xmlSink is the reserved XML format: constructed with a notice, then inert.
type xmlSink struct{}

func (*xmlSink) Header(HeaderInfo)           {}
func (*xmlSink) Reply(ReplyRecord)           {}
func (*xmlSink) Star(StarRecord)             {}
func (*xmlSink) HopRow(*hop.Hop)             {}
func (*xmlSink) NewLink(string, string)      {}
func (*xmlSink) Lattice(*lattice.Lattice)    {}
func (*xmlSink) Footer()                     {}
