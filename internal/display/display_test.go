package display

import (
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/hervehildenbrand/mptrace/pkg/hop"
	"github.com/hervehildenbrand/mptrace/pkg/lattice"
)

func sampleHop() *hop.Hop {
	h := hop.NewHop(3)
	h.AddProbe(net.ParseIP("10.0.0.1"), 12345*time.Microsecond, 0)
	h.AddProbe(net.ParseIP("10.0.0.1"), 13000*time.Microsecond, 0)
	h.AddTimeout(0)
	return h
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatDefault, false},
		{"default", FormatDefault, false},
		{"json", FormatJSON, false},
		{"xml", FormatXML, false},
		{"yaml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v", tt.in, err)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseFormat(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestHumanSinkRow(t *testing.T) {
	var sb strings.Builder
	s := newHumanSink(&sb, true)

	s.Header(HeaderInfo{Target: "example.test", TargetIP: "192.0.2.7", MaxTTL: 30, PacketSize: 30})
	s.HopRow(sampleHop())

	out := sb.String()
	if !strings.Contains(out, "Traceroute to example.test (192.0.2.7), 30 hops max, 30 bytes packets") {
		t.Errorf("missing banner:\n%s", out)
	}
	if !strings.Contains(out, " 3  10.0.0.1") {
		t.Errorf("missing row:\n%s", out)
	}
	if !strings.Contains(out, "12.345 ms") || !strings.Contains(out, "*") {
		t.Errorf("missing RTTs/star:\n%s", out)
	}
}

func TestHumanSinkSilentRow(t *testing.T) {
	var sb strings.Builder
	s := newHumanSink(&sb, true)

	h := hop.NewHop(5)
	h.AddTimeout(0)
	h.AddTimeout(0)
	h.AddTimeout(0)
	s.HopRow(h)

	if got := sb.String(); !strings.Contains(got, " 5  *  *  *") {
		t.Errorf("silent row = %q", got)
	}
}

func TestHumanSinkLattice(t *testing.T) {
	var sb strings.Builder
	s := newHumanSink(&sb, true)

	l := lattice.New()
	if err := l.AddLink(1, "10.0.0.1", "10.0.0.2"); err != nil {
		t.Fatal(err)
	}
	s.NewLink("10.0.0.1", "10.0.0.2")
	s.Lattice(l)

	out := sb.String()
	if !strings.Contains(out, "link 10.0.0.1 -> 10.0.0.2") {
		t.Errorf("missing streamed link:\n%s", out)
	}
	if !strings.Contains(out, "Lattice:") {
		t.Errorf("missing lattice heading:\n%s", out)
	}
}

func TestJSONSinkStream(t *testing.T) {
	var sb strings.Builder
	s := newJSONSink(&sb)

	s.Header(HeaderInfo{Target: "example.test", TargetIP: "192.0.2.7", MaxTTL: 30, Protocol: "udp"})
	s.Reply(ReplyRecord{TTL: 1, From: "10.0.0.1", DelayMs: 1.5, Flow: 0})
	s.Star(StarRecord{TTL: 2, Flow: 0})
	s.Footer()

	var records []map[string]interface{}
	if err := json.Unmarshal([]byte(sb.String()), &records); err != nil {
		t.Fatalf("output is not a JSON array: %v\n%s", err, sb.String())
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if records[0]["type"] != "header" || records[1]["type"] != "reply" || records[2]["type"] != "star" {
		t.Errorf("record types = %v %v %v", records[0]["type"], records[1]["type"], records[2]["type"])
	}
	if records[1]["rtt_ms"].(float64) != 1.5 {
		t.Errorf("rtt_ms = %v", records[1]["rtt_ms"])
	}
}

func TestJSONSinkEmptyRun(t *testing.T) {
	var sb strings.Builder
	s := newJSONSink(&sb)
	s.Header(HeaderInfo{Target: "x", TargetIP: "192.0.2.1"})
	s.Footer()

	var records []map[string]interface{}
	if err := json.Unmarshal([]byte(sb.String()), &records); err != nil {
		t.Fatalf("empty run is not valid JSON: %v\n%s", err, sb.String())
	}
	if len(records) != 1 {
		t.Errorf("got %d records, want just the header", len(records))
	}
}

func TestLiveModelUpdate(t *testing.T) {
	hopCh := make(chan *hop.Hop, 1)
	doneCh := make(chan bool, 1)
	m := NewLiveModel("example.test", "192.0.2.7", hopCh, doneCh)

	next, _ := m.Update(HopMsg{Hop: sampleHop()})
	m = next.(*LiveModel)
	if len(m.hops) != 1 {
		t.Fatalf("got %d hops, want 1", len(m.hops))
	}

	next, _ = m.Update(DoneMsg{Reached: true})
	m = next.(*LiveModel)
	if !m.done || !m.reached {
		t.Error("done state not recorded")
	}

	view := m.View()
	if !strings.Contains(view, "10.0.0.1") {
		t.Errorf("view missing hop row:\n%s", view)
	}
	if !strings.Contains(view, "target reached") {
		t.Errorf("view missing completion status:\n%s", view)
	}
}
