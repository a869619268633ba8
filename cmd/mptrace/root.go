package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hervehildenbrand/mptrace/internal/display"
	"github.com/hervehildenbrand/mptrace/internal/engine"
	"github.com/hervehildenbrand/mptrace/internal/export"
	"github.com/hervehildenbrand/mptrace/internal/netio"
	"github.com/hervehildenbrand/mptrace/internal/trace"
	"github.com/hervehildenbrand/mptrace/pkg/hop"
	"github.com/hervehildenbrand/mptrace/pkg/lattice"
	"github.com/hervehildenbrand/mptrace/pkg/probe"
)

// Config holds the parsed CLI configuration.
type Config struct {
	Target string

	IPv4Only bool
	IPv6Only bool

	Algorithm string
	Protocol  string
	UDP       bool
	ICMP      bool

	SrcPort int
	DstPort int

	MinTTL          int
	MaxTTL          int
	NumQueries      int
	MaxUndiscovered int
	DoResolv        bool

	MDABound     float64
	MDAMaxBranch int

	Timeout      string
	Verbose      bool
	OutputFormat string
	NoColor      bool
	TUI          bool
	Output       string
	Format       string

	DryRun bool
}

var validAlgorithms = map[string]bool{
	"paris-traceroute": true,
	"mda":              true,
}

var validProtocols = map[string]bool{
	"udp":  true,
	"icmp": true,
}

// addressFamily maps the -4/-6 flags onto the resolver preference.
func addressFamily(cfg *Config) trace.AddressFamily {
	if cfg.IPv4Only {
		return trace.AddressFamilyIPv4
	}
	if cfg.IPv6Only {
		return trace.AddressFamilyIPv6
	}
	return trace.AddressFamilyAuto
}

// NewRootCmd creates and returns the root cobra command.
func NewRootCmd(version string) *cobra.Command {
	var cfg Config
	return newRootCmd(version, &cfg)
}

// newRootCmd binds the command to an externally visible Config, which tests
// use to observe flag resolution.
func newRootCmd(version string, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "mptrace [options] host",
		Short:   "Print the IP-level path toward a given IP host",
		Version: version,
		Long: `mptrace maps the IP-level forward path to a destination. The classical
algorithm keeps every probe on one flow so ECMP load balancers cannot
scatter the path; the mda algorithm widens the probed flow set per hop
until a statistical bound rules out undiscovered next-hops and reports
the topology as a lattice.`,
		Args: cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if cfg.IPv4Only && cfg.IPv6Only {
				return fmt.Errorf("%w: -4 and -6 are mutually exclusive", trace.OptionError)
			}
			if cfg.UDP && cfg.ICMP {
				return fmt.Errorf("%w: -U and -I are mutually exclusive", trace.OptionError)
			}
			if cfg.UDP {
				cfg.Protocol = "udp"
			}
			if cfg.ICMP {
				cfg.Protocol = "icmp"
			}
			if !validProtocols[cfg.Protocol] {
				return fmt.Errorf("%w: protocol %q (must be udp or icmp)", trace.OptionError, cfg.Protocol)
			}
			if !validAlgorithms[cfg.Algorithm] {
				return fmt.Errorf("%w: algorithm %q (must be paris-traceroute or mda)", trace.OptionError, cfg.Algorithm)
			}
			if cfg.Algorithm != "mda" &&
				(cmd.Flags().Changed("mda-bound") || cmd.Flags().Changed("mda-max-branch")) {
				return fmt.Errorf("%w: mda options require --algorithm mda", trace.OptionError)
			}
			if cfg.SrcPort < 0 || cfg.SrcPort > 65535 {
				return fmt.Errorf("%w: src-port %d outside [0, 65535]", trace.OptionError, cfg.SrcPort)
			}
			if cfg.DstPort < 0 || cfg.DstPort > 65535 {
				return fmt.Errorf("%w: dst-port %d outside [0, 65535]", trace.OptionError, cfg.DstPort)
			}
			// -U defaults the destination port to DNS unless -d was given.
			if cfg.UDP && !cmd.Flags().Changed("dst-port") {
				cfg.DstPort = trace.DefaultDstPortDNS
			}
			if _, err := display.ParseFormat(cfg.OutputFormat); err != nil {
				return fmt.Errorf("%w: %v", trace.OptionError, err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Target = args[0]
			if cfg.DryRun {
				return nil
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				<-sigCh
				cancel()
			}()

			return runEngine(ctx, cfg, cmd.OutOrStdout())
		},
	}

	// IP version flags
	cmd.Flags().BoolVarP(&cfg.IPv4Only, "ipv4", "4", false, "Use IPv4")
	cmd.Flags().BoolVarP(&cfg.IPv6Only, "ipv6", "6", false, "Use IPv6")

	// Algorithm and transport flags
	cmd.Flags().StringVarP(&cfg.Algorithm, "algorithm", "a", "paris-traceroute", "Traceroute algorithm: paris-traceroute|mda")
	cmd.Flags().StringVarP(&cfg.Protocol, "protocol", "P", "udp", "Probe protocol: udp|icmp")
	cmd.Flags().BoolVarP(&cfg.UDP, "udp", "U", false, "Use UDP probes (destination port defaults to 53)")
	cmd.Flags().BoolVarP(&cfg.ICMP, "icmp", "I", false, "Use ICMP echo probes")
	cmd.Flags().IntVarP(&cfg.SrcPort, "src-port", "s", trace.DefaultSrcPort, "UDP source port")
	cmd.Flags().IntVarP(&cfg.DstPort, "dst-port", "d", trace.DefaultDstPort, "UDP destination port")

	// Traceroute family
	cmd.Flags().IntVar(&cfg.MinTTL, "min-ttl", trace.DefaultMinTTL, "First TTL probed")
	cmd.Flags().IntVar(&cfg.MaxTTL, "max-ttl", trace.DefaultMaxTTL, "Last TTL probed")
	cmd.Flags().IntVar(&cfg.NumQueries, "num-queries", trace.DefaultNumProbes, "Queries per hop")
	cmd.Flags().IntVar(&cfg.MaxUndiscovered, "max-undiscovered", trace.DefaultMaxUndiscovered, "Silent hops before giving up")
	cmd.Flags().BoolVar(&cfg.DoResolv, "do-resolv", false, "Resolve hop addresses to names")

	// MDA family
	cmd.Flags().Float64Var(&cfg.MDABound, "mda-bound", trace.DefaultMDABound, "Probability bound on missing a next-hop")
	cmd.Flags().IntVar(&cfg.MDAMaxBranch, "mda-max-branch", trace.DefaultMDAMaxBranch, "Cap on hypothesised next-hops per hop")

	// Output and diagnostics
	cmd.Flags().StringVar(&cfg.Timeout, "timeout", "3s", "Per-probe reply timeout")
	cmd.Flags().BoolVarP(&cfg.Verbose, "verbose", "v", false, "Print dispatcher diagnostics")
	cmd.Flags().StringVar(&cfg.OutputFormat, "output-format", "default", "Output format: default|json|xml")
	cmd.Flags().BoolVar(&cfg.NoColor, "no-color", false, "Disable colors")
	cmd.Flags().BoolVar(&cfg.TUI, "tui", false, "Live hop view (classical algorithm only)")
	cmd.Flags().StringVarP(&cfg.Output, "output", "o", "", "Export the completed trace to a file (json/csv/txt)")
	cmd.Flags().StringVar(&cfg.Format, "format", "", "Explicit export format")
	cmd.Flags().BoolVar(&cfg.DryRun, "dry-run", false, "Validate options without probing")
	_ = cmd.Flags().MarkHidden("dry-run")

	return cmd
}

// buildSkeleton prepares the probe all of the run's probes are cloned from:
// the flow-identifying fields plus, for UDP, the steered constant checksum.
func buildSkeleton(cfg *Config, dst net.IP) (*probe.Probe, error) {
	if cfg.Protocol == "icmp" {
		p := probe.New(probe.ProtocolICMP, dst)
		if err := p.SetField(probe.FieldIdentifier, os.Getpid()&0xffff); err != nil {
			return nil, err
		}
		return p, nil
	}

	p := probe.New(probe.ProtocolUDP, dst)
	if err := p.SetField(probe.FieldSrcPort, cfg.SrcPort); err != nil {
		return nil, err
	}
	if err := p.SetField(probe.FieldDstPort, cfg.DstPort); err != nil {
		return nil, err
	}
	steer := os.Getpid() & 0xffff
	if steer == 0 || steer == 0xffff {
		steer = 0x4242
	}
	if err := p.SetField(probe.FieldChecksum, steer); err != nil {
		return nil, err
	}
	return p, nil
}

// runEngine resolves the target, opens the sockets and drives the selected
// algorithm on the event loop, rendering through the configured sink.
func runEngine(ctx context.Context, cfg *Config, w io.Writer) error {
	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return fmt.Errorf("%w: invalid timeout: %v", trace.OptionError, err)
	}

	dstIP, err := trace.ResolveTarget(cfg.Target, addressFamily(cfg))
	if err != nil {
		return err
	}

	if err := trace.CheckPrivileges(); err != nil {
		return err
	}

	skel, err := buildSkeleton(cfg, dstIP)
	if err != nil {
		return err
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)

	network, err := netio.Open(probe.Protocol(cfg.Protocol), dstIP, log)
	if err != nil {
		return err
	}
	defer network.Close()
	network.SetTimeout(timeout)
	network.SetVerbose(cfg.Verbose)

	// Interrupt tears the socket down, which unblocks the loop.
	go func() {
		<-ctx.Done()
		network.Close()
	}()

	var resolver *trace.Resolver
	if cfg.DoResolv {
		resolver = trace.NewResolver()
	}

	format, _ := display.ParseFormat(cfg.OutputFormat)
	if cfg.TUI && cfg.Algorithm == "paris-traceroute" && format == display.FormatDefault {
		return runWithTUI(cfg, dstIP, network, skel, timeout, resolver, log)
	}

	sink := display.NewSink(format, w, cfg.NoColor)
	sink.Header(display.HeaderInfo{
		Target:     cfg.Target,
		TargetIP:   dstIP.String(),
		MaxTTL:     cfg.MaxTTL,
		PacketSize: skel.Size(),
		Protocol:   cfg.Protocol,
	})

	loop := engine.NewLoop(network, terminationHandler(sink), log)
	loop.SetTimeout(timeout)
	loop.SetVerbose(cfg.Verbose)

	alg, maxInFlight, err := buildAlgorithm(cfg, dstIP, skel, sink, resolver, timeout)
	if err != nil {
		return err
	}
	loop.AddAlgorithm(alg, maxInFlight)

	if err := loop.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("main loop interrupted")
		}
		return err
	}

	if cfg.Output != "" {
		if result, ok := alg.Result().(*hop.TraceResult); ok && result != nil {
			result.Target = cfg.Target
			if err := export.ExportToFile(cfg.Output, export.Format(cfg.Format), result); err != nil {
				return err
			}
			fmt.Fprintf(w, "Results exported to %s\n", cfg.Output)
		}
	}
	return nil
}

// buildAlgorithm constructs the selected algorithm and its in-flight cap.
func buildAlgorithm(cfg *Config, dstIP net.IP, skel *probe.Probe, sink display.Sink, resolver *trace.Resolver, timeout time.Duration) (engine.Algorithm, int, error) {
	common := trace.TracerouteOptions{
		MinTTL:          cfg.MinTTL,
		MaxTTL:          cfg.MaxTTL,
		NumProbes:       cfg.NumQueries,
		MaxUndiscovered: cfg.MaxUndiscovered,
		DoResolv:        cfg.DoResolv,
		DstAddr:         dstIP,
		Timeout:         timeout,
	}

	if cfg.Algorithm == "mda" {
		opts := trace.MDAOptions{
			TracerouteOptions: common,
			Bound:             cfg.MDABound,
			MaxBranch:         cfg.MDAMaxBranch,
		}
		m, err := trace.NewMDA(&opts, skel, sink, resolver)
		if err != nil {
			return nil, 0, err
		}
		return m, m.MaxInFlight(), nil
	}

	tr, err := trace.NewTraceroute(&common, skel, sink, resolver)
	if err != nil {
		return nil, 0, err
	}
	return tr, common.NumProbes, nil
}

// terminationHandler renders the terminated value and stops the loop.
func terminationHandler(sink display.Sink) engine.Handler {
	return func(l *engine.Loop, ev *engine.Event) {
		if ev.Type != engine.EventAlgorithmTerminated {
			return
		}
		if res, ok := ev.Instance.Algorithm().Result().(*trace.MDAResult); ok {
			sink.Lattice(res.Lattice)
			if res.FlowExhausted {
				fmt.Fprintln(os.Stderr, "W: flow space exhausted, topology may be incomplete")
			}
		}
		sink.Footer()
		l.Terminate()
	}
}

// tuiSink feeds completed hop rows to the live view and discards the rest.
type tuiSink struct {
	ch chan<- *hop.Hop
}

func (s *tuiSink) Header(display.HeaderInfo)     {}
func (s *tuiSink) Reply(display.ReplyRecord)     {}
func (s *tuiSink) Star(display.StarRecord)       {}
func (s *tuiSink) HopRow(h *hop.Hop)             { s.ch <- h }
func (s *tuiSink) NewLink(string, string)        {}
func (s *tuiSink) Lattice(l *lattice.Lattice)    {}
func (s *tuiSink) Footer()                       {}

// runWithTUI runs the classical algorithm with the loop on a background
// goroutine feeding the live view.
func runWithTUI(cfg *Config, dstIP net.IP, network *netio.Network, skel *probe.Probe, timeout time.Duration, resolver *trace.Resolver, log *logrus.Logger) error {
	hopCh := make(chan *hop.Hop, 64)
	doneCh := make(chan bool, 1)
	sink := &tuiSink{ch: hopCh}

	var loopErr error
	go func() {
		defer close(hopCh)
		defer close(doneCh)

		loop := engine.NewLoop(network, func(l *engine.Loop, ev *engine.Event) {
			if ev.Type == engine.EventAlgorithmTerminated {
				if result, ok := ev.Instance.Algorithm().Result().(*hop.TraceResult); ok {
					doneCh <- result.ReachedTarget
				}
				l.Terminate()
			}
		}, log)
		loop.SetTimeout(timeout)
		loop.SetVerbose(cfg.Verbose)

		alg, maxInFlight, err := buildAlgorithm(cfg, dstIP, skel, sink, resolver, timeout)
		if err != nil {
			loopErr = err
			return
		}
		loop.AddAlgorithm(alg, maxInFlight)
		loopErr = loop.Run()
	}()

	if err := display.RunLive(cfg.Target, dstIP.String(), hopCh, doneCh); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return loopErr
}
