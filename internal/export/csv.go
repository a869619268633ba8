package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/hervehildenbrand/mptrace/pkg/hop"
)

// CSVExporter exports trace results as one row per probe.
type CSVExporter struct{}

// NewCSVExporter creates a new CSV exporter.
func NewCSVExporter() *CSVExporter {
	return &CSVExporter{}
}

// Export writes the trace result as CSV to the writer.
func (e *CSVExporter) Export(w io.Writer, tr *hop.TraceResult) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{"ttl", "ip", "hostname", "rtt_ms", "flow", "timeout"}
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, h := range tr.Hops {
		for _, p := range h.Probes {
			ip := ""
			rtt := ""
			if !p.Timeout {
				ip = p.IP.String()
				rtt = fmt.Sprintf("%.3f", float64(p.RTT)/float64(time.Millisecond))
			}
			row := []string{
				fmt.Sprintf("%d", h.TTL),
				ip,
				h.Hostname,
				rtt,
				fmt.Sprintf("%d", p.FlowID),
				fmt.Sprintf("%t", p.Timeout),
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}

	return cw.Error()
}
