package netio

import (
	"net"
	"syscall"

	"github.com/hervehildenbrand/mptrace/pkg/probe"
)

// IsIPv6 returns true if the IP is an IPv6 address (not IPv4 or IPv4-mapped).
func IsIPv6(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return ip.To4() == nil
}

// SocketDomain returns the socket domain (AF_INET or AF_INET6) for the given IP.
func SocketDomain(ip net.IP) int {
	if IsIPv6(ip) {
		return syscall.AF_INET6
	}
	return syscall.AF_INET
}

// ICMPListenNetwork returns the network string for icmp.ListenPacket:
// "ip4:icmp" for IPv4 or "ip6:ipv6-icmp" for IPv6.
func ICMPListenNetwork(ip net.IP) string {
	if IsIPv6(ip) {
		return "ip6:ipv6-icmp"
	}
	return "ip4:icmp"
}

// ICMPProtoNum returns the protocol number for parsing received ICMP
// messages: 1 for ICMPv4 or 58 for ICMPv6.
func ICMPProtoNum(ip net.IP) int {
	if IsIPv6(ip) {
		return probe.ProtocolNumberICMPv6
	}
	return probe.ProtocolNumberICMPv4
}

// ListenAddress returns the wildcard listen address for the IP version.
func ListenAddress(ip net.IP) string {
	if IsIPv6(ip) {
		return "::"
	}
	return "0.0.0.0"
}

// ttlSocketOption returns the socket option for setting TTL/hop limit.
func ttlSocketOption(ip net.IP) int {
	if IsIPv6(ip) {
		return syscall.IPV6_UNICAST_HOPS
	}
	return syscall.IP_TTL
}

// protocolLevel returns the protocol level for socket options.
func protocolLevel(ip net.IP) int {
	if IsIPv6(ip) {
		return syscall.IPPROTO_IPV6
	}
	return syscall.IPPROTO_IP
}

// transportProtoNum returns the raw-socket protocol for the probe transport.
func transportProtoNum(proto probe.Protocol, ip net.IP) int {
	if proto == probe.ProtocolUDP {
		return syscall.IPPROTO_UDP
	}
	if IsIPv6(ip) {
		return syscall.IPPROTO_ICMPV6
	}
	return syscall.IPPROTO_ICMP
}

// buildSockaddr creates the sockaddr for the target IP. The port matters only
// for UDP; raw ICMP sockets ignore it.
func buildSockaddr(target net.IP, port int) syscall.Sockaddr {
	if IsIPv6(target) {
		var addr [16]byte
		copy(addr[:], target.To16())
		return &syscall.SockaddrInet6{
			Port: port,
			Addr: addr,
		}
	}
	var addr [4]byte
	copy(addr[:], target.To4())
	return &syscall.SockaddrInet4{
		Port: port,
		Addr: addr,
	}
}
