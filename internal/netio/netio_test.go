//go:build !windows

package netio

import (
	"errors"
	"net"
	"syscall"
	"testing"

	"github.com/hervehildenbrand/mptrace/pkg/probe"
)

func TestClassifySendError(t *testing.T) {
	tests := []struct {
		err  error
		want SendErrorKind
	}{
		{syscall.ENETUNREACH, SendNoRoute},
		{syscall.EHOSTUNREACH, SendNoRoute},
		{syscall.EPERM, SendPermissionDenied},
		{syscall.EACCES, SendPermissionDenied},
		{syscall.EAGAIN, SendWouldBlock},
		{syscall.ENOBUFS, SendTransient},
		{errors.New("unknown"), SendTransient},
	}

	for _, tt := range tests {
		if got := classifySendError(tt.err); got != tt.want {
			t.Errorf("classifySendError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestSendErrorUnwrap(t *testing.T) {
	inner := syscall.EAGAIN
	err := &SendError{Kind: SendWouldBlock, Err: inner}
	if !errors.Is(err, syscall.EAGAIN) {
		t.Error("SendError does not unwrap to its cause")
	}
	if err.Error() == "" {
		t.Error("empty error string")
	}
}

func TestFamilyHelpers(t *testing.T) {
	v4 := net.ParseIP("192.0.2.1")
	v6 := net.ParseIP("2001:db8::1")

	if IsIPv6(v4) || !IsIPv6(v6) {
		t.Error("IsIPv6 misclassifies")
	}
	if SocketDomain(v4) != syscall.AF_INET || SocketDomain(v6) != syscall.AF_INET6 {
		t.Error("SocketDomain misclassifies")
	}
	if ICMPListenNetwork(v4) != "ip4:icmp" || ICMPListenNetwork(v6) != "ip6:ipv6-icmp" {
		t.Error("ICMPListenNetwork misclassifies")
	}
	if ICMPProtoNum(v4) != probe.ProtocolNumberICMPv4 || ICMPProtoNum(v6) != probe.ProtocolNumberICMPv6 {
		t.Error("ICMPProtoNum misclassifies")
	}
	if ListenAddress(v4) != "0.0.0.0" || ListenAddress(v6) != "::" {
		t.Error("ListenAddress misclassifies")
	}
}

func TestTransportProtoNum(t *testing.T) {
	v4 := net.ParseIP("192.0.2.1")
	v6 := net.ParseIP("2001:db8::1")

	if transportProtoNum(probe.ProtocolUDP, v4) != syscall.IPPROTO_UDP {
		t.Error("udp/v4 wrong protocol")
	}
	if transportProtoNum(probe.ProtocolICMP, v4) != syscall.IPPROTO_ICMP {
		t.Error("icmp/v4 wrong protocol")
	}
	if transportProtoNum(probe.ProtocolICMP, v6) != syscall.IPPROTO_ICMPV6 {
		t.Error("icmp/v6 wrong protocol")
	}
}

func TestBuildSockaddr(t *testing.T) {
	sa4 := buildSockaddr(net.ParseIP("192.0.2.1"), 33457)
	in4, ok := sa4.(*syscall.SockaddrInet4)
	if !ok || in4.Port != 33457 || in4.Addr != [4]byte{192, 0, 2, 1} {
		t.Errorf("v4 sockaddr = %+v", sa4)
	}

	sa6 := buildSockaddr(net.ParseIP("2001:db8::1"), 53)
	in6, ok := sa6.(*syscall.SockaddrInet6)
	if !ok || in6.Port != 53 {
		t.Errorf("v6 sockaddr = %+v", sa6)
	}
}

func TestSendErrorKindString(t *testing.T) {
	kinds := map[SendErrorKind]string{
		SendNoRoute:          "no-route",
		SendPermissionDenied: "permission-denied",
		SendWouldBlock:       "would-block",
		SendTransient:        "transient",
	}
	for k, want := range kinds {
		if k.String() != want {
			t.Errorf("%d.String() = %q, want %q", k, k.String(), want)
		}
	}
}
