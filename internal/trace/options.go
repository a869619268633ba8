// Package trace implements the two traceroute algorithms that run on the
// event loop: classical hop-by-hop (Paris semantics, one fixed flow) and the
// Multipath Detection Algorithm.
package trace

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Defaults shared by both algorithms.
const (
	DefaultMinTTL          = 1
	DefaultMaxTTL          = 30
	DefaultNumProbes       = 3
	DefaultMaxUndiscovered = 3
	DefaultSrcPort         = 33456
	DefaultDstPort         = 33457
	DefaultDstPortDNS      = 53

	DefaultMDABound     = 0.05
	DefaultMDAMaxBranch = 16
)

// OptionError marks an invalid option combination or value. The CLI surfaces
// it and exits non-zero.
var OptionError = errors.New("invalid option")

// TracerouteOptions are the tunables of the classical algorithm, built once
// from the CLI and passed by reference into the instance.
type TracerouteOptions struct {
	MinTTL          int
	MaxTTL          int
	NumProbes       int
	MaxUndiscovered int
	DoResolv        bool
	DstAddr         net.IP
	Timeout         time.Duration
}

// DefaultTracerouteOptions returns the defaults of the classical algorithm.
func DefaultTracerouteOptions() TracerouteOptions {
	return TracerouteOptions{
		MinTTL:          DefaultMinTTL,
		MaxTTL:          DefaultMaxTTL,
		NumProbes:       DefaultNumProbes,
		MaxUndiscovered: DefaultMaxUndiscovered,
	}
}

// Validate checks ranges and relationships.
func (o *TracerouteOptions) Validate() error {
	if o.MinTTL < 1 || o.MinTTL > 255 {
		return fmt.Errorf("%w: min-ttl %d outside [1, 255]", OptionError, o.MinTTL)
	}
	if o.MaxTTL < 1 || o.MaxTTL > 255 {
		return fmt.Errorf("%w: max-ttl %d outside [1, 255]", OptionError, o.MaxTTL)
	}
	if o.MinTTL > o.MaxTTL {
		return fmt.Errorf("%w: min-ttl %d above max-ttl %d", OptionError, o.MinTTL, o.MaxTTL)
	}
	if o.NumProbes < 1 {
		return fmt.Errorf("%w: num-queries must be positive", OptionError)
	}
	if o.MaxUndiscovered < 1 {
		return fmt.Errorf("%w: max-undiscovered must be positive", OptionError)
	}
	if o.DstAddr == nil {
		return fmt.Errorf("%w: destination address required", OptionError)
	}
	return nil
}

// MDAOptions extend the traceroute tunables with the stopping-rule inputs.
type MDAOptions struct {
	TracerouteOptions

	// Bound is the accepted probability that an existing next-hop was
	// missed when a hop's probing closes.
	Bound float64

	// MaxBranch caps the hypothesised next-hop count per hop.
	MaxBranch int
}

// DefaultMDAOptions returns the defaults of the multipath algorithm. The
// per-hop query count is owned by the stopping rule, not NumProbes.
func DefaultMDAOptions() MDAOptions {
	return MDAOptions{
		TracerouteOptions: DefaultTracerouteOptions(),
		Bound:             DefaultMDABound,
		MaxBranch:         DefaultMDAMaxBranch,
	}
}

// Validate checks ranges and relationships.
func (o *MDAOptions) Validate() error {
	if err := o.TracerouteOptions.Validate(); err != nil {
		return err
	}
	if o.Bound <= 0 || o.Bound >= 1 {
		return fmt.Errorf("%w: mda-bound %g outside (0, 1)", OptionError, o.Bound)
	}
	if o.MaxBranch < 1 {
		return fmt.Errorf("%w: mda-max-branch must be positive", OptionError)
	}
	return nil
}
