package trace

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
)

// AddressFamily specifies the IP version for target resolution.
type AddressFamily int

const (
	// AddressFamilyAuto guesses from the target, preferring IPv4.
	AddressFamilyAuto AddressFamily = iota
	// AddressFamilyIPv4 forces IPv4 only.
	AddressFamilyIPv4
	// AddressFamilyIPv6 forces IPv6 only.
	AddressFamilyIPv6
)

// AddressErrorKind classifies a target resolution failure.
type AddressErrorKind int

const (
	// AddrNoFamilyGuess: the address family could not be determined.
	AddrNoFamilyGuess AddressErrorKind = iota
	// AddrBadLiteral: a literal address conflicts with the requested family.
	AddrBadLiteral
	// AddrResolveFailed: name resolution failed.
	AddrResolveFailed
)

// AddressError wraps a resolution failure with the offending host.
type AddressError struct {
	Kind AddressErrorKind
	Host string
	Err  error
}

func (e *AddressError) Error() string {
	switch e.Kind {
	case AddrBadLiteral:
		return fmt.Sprintf("invalid destination address %s: %v", e.Host, e.Err)
	case AddrResolveFailed:
		return fmt.Sprintf("cannot resolve %s: %v", e.Host, e.Err)
	default:
		return fmt.Sprintf("cannot guess address family for %s", e.Host)
	}
}

func (e *AddressError) Unwrap() error { return e.Err }

// ResolveTarget resolves a literal IP or FQDN to the address probed,
// honouring the requested family. With AddressFamilyAuto, IPv4 is preferred.
func ResolveTarget(target string, af AddressFamily) (net.IP, error) {
	if ip := net.ParseIP(target); ip != nil {
		isV4 := ip.To4() != nil
		switch af {
		case AddressFamilyIPv4:
			if !isV4 {
				return nil, &AddressError{Kind: AddrBadLiteral, Host: target,
					Err: fmt.Errorf("IPv6 literal with -4")}
			}
		case AddressFamilyIPv6:
			if isV4 {
				return nil, &AddressError{Kind: AddrBadLiteral, Host: target,
					Err: fmt.Errorf("IPv4 literal with -6")}
			}
		}
		return ip, nil
	}

	ips, err := net.LookupIP(target)
	if err != nil {
		return nil, &AddressError{Kind: AddrResolveFailed, Host: target, Err: err}
	}

	var v4Addrs, v6Addrs []net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			v4Addrs = append(v4Addrs, ip)
		} else {
			v6Addrs = append(v6Addrs, ip)
		}
	}

	switch af {
	case AddressFamilyIPv4:
		if len(v4Addrs) == 0 {
			return nil, &AddressError{Kind: AddrResolveFailed, Host: target,
				Err: fmt.Errorf("no IPv4 address (try without -4)")}
		}
		return v4Addrs[0], nil
	case AddressFamilyIPv6:
		if len(v6Addrs) == 0 {
			return nil, &AddressError{Kind: AddrResolveFailed, Host: target,
				Err: fmt.Errorf("no IPv6 address (try without -6)")}
		}
		return v6Addrs[0], nil
	default:
		if len(v4Addrs) > 0 {
			return v4Addrs[0], nil
		}
		if len(v6Addrs) > 0 {
			return v6Addrs[0], nil
		}
		return nil, &AddressError{Kind: AddrNoFamilyGuess, Host: target}
	}
}

// Resolver performs cached reverse DNS lookups for --do-resolv output.
type Resolver struct {
	resolver *net.Resolver

	mu      sync.Mutex
	cache   map[string]string
	maxSize int
}

// NewResolver creates a reverse resolver with a bounded cache.
func NewResolver() *Resolver {
	return &Resolver{
		resolver: net.DefaultResolver,
		cache:    make(map[string]string),
		maxSize:  1024,
	}
}

// Lookup returns the PTR name for ip, or "" when there is none. Results,
// including negative ones, are cached for the run.
func (r *Resolver) Lookup(ctx context.Context, ip net.IP) string {
	if ip == nil {
		return ""
	}
	key := ip.String()

	r.mu.Lock()
	name, ok := r.cache[key]
	r.mu.Unlock()
	if ok {
		return name
	}

	name = ""
	if names, err := r.resolver.LookupAddr(ctx, key); err == nil && len(names) > 0 {
		name = strings.TrimSuffix(names[0], ".")
	}

	r.mu.Lock()
	if len(r.cache) >= r.maxSize {
		// Bounded by dropping everything; hop counts never get near this.
		r.cache = make(map[string]string)
	}
	r.cache[key] = name
	r.mu.Unlock()
	return name
}
