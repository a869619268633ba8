package main

import (
	"bytes"
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/hervehildenbrand/mptrace/internal/trace"
)

// NewMCPCmd returns the subcommand that serves the traceroute engine as MCP
// tools over stdio, so agents can request path measurements.
func NewMCPCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve traceroute and mda as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return server.ServeStdio(newMCPServer(version))
		},
	}
}

// newMCPServer registers the two measurement tools.
func newMCPServer(version string) *server.MCPServer {
	s := server.NewMCPServer("mptrace", version)

	tracerouteTool := mcp.NewTool("traceroute",
		mcp.WithDescription("Trace the IP-level path to a host with a fixed flow (Paris semantics)."),
		mcp.WithString("host", mcp.Required(), mcp.Description("Destination IP or hostname")),
		mcp.WithString("protocol", mcp.Description("Probe protocol: udp or icmp (default udp)")),
		mcp.WithNumber("max_ttl", mcp.Description("Last TTL probed (default 30)")),
		mcp.WithNumber("num_queries", mcp.Description("Queries per hop (default 3)")),
	)
	s.AddTool(tracerouteTool, handleTraceroute)

	mdaTool := mcp.NewTool("mda",
		mcp.WithDescription("Discover the per-hop load-balanced topology to a host (multipath detection)."),
		mcp.WithString("host", mcp.Required(), mcp.Description("Destination IP or hostname")),
		mcp.WithString("protocol", mcp.Description("Probe protocol: udp or icmp (default udp)")),
		mcp.WithNumber("bound", mcp.Description("Probability of missing a next-hop (default 0.05)")),
		mcp.WithNumber("max_branch", mcp.Description("Cap on next-hops per hop (default 16)")),
	)
	s.AddTool(mdaTool, handleMDA)

	return s
}

// mcpConfig builds the engine configuration shared by both tools.
func mcpConfig(req mcp.CallToolRequest) (*Config, error) {
	host, err := req.RequireString("host")
	if err != nil {
		return nil, err
	}
	protocol := req.GetString("protocol", "udp")
	if protocol != "udp" && protocol != "icmp" {
		return nil, fmt.Errorf("protocol must be udp or icmp")
	}

	return &Config{
		Target:          host,
		Algorithm:       "paris-traceroute",
		Protocol:        protocol,
		SrcPort:         trace.DefaultSrcPort,
		DstPort:         trace.DefaultDstPort,
		MinTTL:          trace.DefaultMinTTL,
		MaxTTL:          req.GetInt("max_ttl", trace.DefaultMaxTTL),
		NumQueries:      req.GetInt("num_queries", trace.DefaultNumProbes),
		MaxUndiscovered: trace.DefaultMaxUndiscovered,
		MDABound:        trace.DefaultMDABound,
		MDAMaxBranch:    trace.DefaultMDAMaxBranch,
		Timeout:         "3s",
		OutputFormat:    "default",
		NoColor:         true,
	}, nil
}

func handleTraceroute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cfg, err := mcpConfig(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var out bytes.Buffer
	if err := runEngine(ctx, cfg, &out); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(out.String()), nil
}

func handleMDA(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cfg, err := mcpConfig(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cfg.Algorithm = "mda"
	cfg.MDABound = req.GetFloat("bound", trace.DefaultMDABound)
	cfg.MDAMaxBranch = req.GetInt("max_branch", trace.DefaultMDAMaxBranch)
	if cfg.MDABound <= 0 || cfg.MDABound >= 1 {
		return mcp.NewToolResultError("bound must be in (0, 1)"), nil
	}

	var out bytes.Buffer
	if err := runEngine(ctx, cfg, &out); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(out.String()), nil
}
