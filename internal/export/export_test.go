package export

import (
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/hervehildenbrand/mptrace/pkg/hop"
)

func sampleResult() *hop.TraceResult {
	tr := hop.NewTraceResult("example.test", "192.0.2.7")
	tr.Protocol = "udp"
	tr.ReachedTarget = true

	h1 := hop.NewHop(1)
	h1.AddProbe(net.ParseIP("10.0.0.1"), 2*time.Millisecond, 0)
	h1.AddTimeout(0)
	h1.Hostname = "gw.example.test"
	tr.AddHop(h1)

	h2 := hop.NewHop(2)
	h2.AddProbe(net.ParseIP("192.0.2.7"), 5*time.Millisecond, 0)
	tr.AddHop(h2)

	return tr
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		filename string
		want     Format
	}{
		{"out.json", FormatJSON},
		{"out.csv", FormatCSV},
		{"out.txt", FormatText},
		{"out.TEXT", FormatText},
		{"out", FormatJSON},
	}
	for _, tt := range tests {
		if got := DetectFormat(tt.filename); got != tt.want {
			t.Errorf("DetectFormat(%q) = %v, want %v", tt.filename, got, tt.want)
		}
	}
}

func TestJSONExporter(t *testing.T) {
	var sb strings.Builder
	if err := NewJSONExporter().Export(&sb, sampleResult()); err != nil {
		t.Fatalf("export: %v", err)
	}

	var exported ExportedTrace
	if err := json.Unmarshal([]byte(sb.String()), &exported); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if exported.Target != "example.test" || !exported.ReachedTarget {
		t.Errorf("trace = %+v", exported)
	}
	if len(exported.Hops) != 2 {
		t.Fatalf("got %d hops, want 2", len(exported.Hops))
	}
	if exported.Hops[0].Hostname != "gw.example.test" {
		t.Errorf("hostname = %q", exported.Hops[0].Hostname)
	}
	if exported.Hops[0].LossPercent != 50 {
		t.Errorf("loss = %v, want 50", exported.Hops[0].LossPercent)
	}
}

func TestCSVExporter(t *testing.T) {
	var sb strings.Builder
	if err := NewCSVExporter().Export(&sb, sampleResult()); err != nil {
		t.Fatalf("export: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(sb.String()), "\n")
	// Header + 3 probe rows.
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4:\n%s", len(lines), sb.String())
	}
	if lines[0] != "ttl,ip,hostname,rtt_ms,flow,timeout" {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.HasPrefix(lines[2], "1,,") || !strings.HasSuffix(lines[2], "true") {
		t.Errorf("timeout row = %q", lines[2])
	}
}

func TestTextExporter(t *testing.T) {
	var sb strings.Builder
	if err := NewTextExporter().Export(&sb, sampleResult()); err != nil {
		t.Fatalf("export: %v", err)
	}

	out := sb.String()
	if !strings.Contains(out, "Traceroute to example.test (192.0.2.7)") {
		t.Errorf("missing header:\n%s", out)
	}
	if !strings.Contains(out, "gw.example.test") {
		t.Errorf("missing hostname:\n%s", out)
	}
	if !strings.Contains(out, "Target reached in 2 hops") {
		t.Errorf("missing summary:\n%s", out)
	}
}

func TestNewExporterUnsupported(t *testing.T) {
	if _, err := NewExporter("yaml"); err == nil {
		t.Error("unsupported format accepted")
	}
}
