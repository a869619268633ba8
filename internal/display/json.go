package display

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hervehildenbrand/mptrace/pkg/hop"
	"github.com/hervehildenbrand/mptrace/pkg/lattice"
)

// jsonSink streams reply and star records as one JSON array: the opening
// bracket is written with the header, the closing one when the algorithm
// ends.
type jsonSink struct {
	w     io.Writer
	first bool
}

func newJSONSink(w io.Writer) *jsonSink {
	return &jsonSink{w: w, first: true}
}

type jsonHeader struct {
	Type     string `json:"type"`
	Target   string `json:"target"`
	TargetIP string `json:"target_ip"`
	MaxTTL   int    `json:"max_ttl"`
	Protocol string `json:"protocol"`
}

type jsonReply struct {
	Type     string  `json:"type"`
	TTL      int     `json:"ttl"`
	From     string  `json:"from"`
	Hostname string  `json:"hostname,omitempty"`
	RTTMs    float64 `json:"rtt_ms"`
	Flow     uint16  `json:"flow"`
}

type jsonStar struct {
	Type string `json:"type"`
	TTL  int    `json:"ttl"`
	Flow uint16 `json:"flow"`
}

// emit writes one record with the array separators.
func (s *jsonSink) emit(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if s.first {
		s.first = false
	} else {
		fmt.Fprint(s.w, ", ")
	}
	s.w.Write(b)
}

// Header opens the array with a run descriptor.
func (s *jsonSink) Header(h HeaderInfo) {
	fmt.Fprint(s.w, "[")
	s.emit(jsonHeader{
		Type:     "header",
		Target:   h.Target,
		TargetIP: h.TargetIP,
		MaxTTL:   h.MaxTTL,
		Protocol: h.Protocol,
	})
}

// Reply streams one correlated reply record.
func (s *jsonSink) Reply(r ReplyRecord) {
	s.emit(jsonReply{
		Type:     "reply",
		TTL:      r.TTL,
		From:     r.From,
		Hostname: r.Hostname,
		RTTMs:    r.DelayMs,
		Flow:     r.Flow,
	})
}

// Star streams one timeout record.
func (s *jsonSink) Star(st StarRecord) {
	s.emit(jsonStar{Type: "star", TTL: st.TTL, Flow: st.Flow})
}

// Rows, links and the lattice are human-format concerns.
func (s *jsonSink) HopRow(*hop.Hop)          {}
func (s *jsonSink) NewLink(string, string)   {}
func (s *jsonSink) Lattice(*lattice.Lattice) {}

// Footer closes the array. It runs exactly once, when the algorithm ends.
func (s *jsonSink) Footer() {
	fmt.Fprintln(s.w, "]")
}
