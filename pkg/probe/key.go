package probe

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// IP protocol numbers the engine deals in.
const (
	ProtocolNumberICMPv4 = 1
	ProtocolNumberUDP    = 17
	ProtocolNumberICMPv6 = 58
)

// Key is the invariant tuple that ties an outgoing probe to its quoted image
// inside an ICMP error: (src_ip, dst_ip, protocol, identifier-or-ports).
// The TTL is deliberately absent: the quoted packet carries a decremented
// TTL on some routers.
type Key struct {
	Proto Protocol
	Src   string
	Dst   string
	// A is the UDP source port or the ICMP identifier; B is the UDP
	// destination port (zero for ICMP).
	A int
	B int
}

// String renders the key for diagnostics.
func (k Key) String() string {
	if k.Proto == ProtocolICMP {
		return fmt.Sprintf("icmp %s>%s id=%d", k.Src, k.Dst, k.A)
	}
	return fmt.Sprintf("udp %s:%d>%s:%d", k.Src, k.A, k.Dst, k.B)
}

// Key returns the probe's invariant tuple.
func (p *Probe) Key() Key {
	k := Key{Proto: p.proto, Dst: ipString(p.dstIP), Src: ipString(p.srcIP)}
	if p.proto == ProtocolICMP {
		k.A = p.icmpID
	} else {
		k.A = p.srcPort
		k.B = p.dstPort
	}
	return k
}

// Quoted is the decoded form of the original packet an ICMP error carries in
// its payload: the invariant tuple plus the per-probe discriminator.
type Quoted struct {
	Key  Key
	Disc uint16
}

// ParseQuoted decodes the quoted original packet from an ICMP error body.
// The data starts at the quoted IP header. v6 selects the header layout.
func ParseQuoted(data []byte, v6 bool) (Quoted, error) {
	if v6 {
		return parseQuotedV6(data)
	}
	return parseQuotedV4(data)
}

func parseQuotedV4(data []byte) (Quoted, error) {
	if len(data) < 20 {
		return Quoted{}, fmt.Errorf("quoted packet truncated: %d bytes", len(data))
	}
	ihl := int(data[0]&0x0f) * 4
	if ihl < 20 || len(data) < ihl+8 {
		return Quoted{}, fmt.Errorf("quoted transport header truncated")
	}
	proto := int(data[9])
	src := net.IP(data[12:16]).String()
	dst := net.IP(data[16:20]).String()
	return parseQuotedTransport(data[ihl:], proto, src, dst)
}

func parseQuotedV6(data []byte) (Quoted, error) {
	if len(data) < 48 {
		return Quoted{}, fmt.Errorf("quoted packet truncated: %d bytes", len(data))
	}
	// Extension headers are not chased: probes are sent without any.
	proto := int(data[6])
	src := net.IP(data[8:24]).String()
	dst := net.IP(data[24:40]).String()
	return parseQuotedTransport(data[40:], proto, src, dst)
}

func parseQuotedTransport(t []byte, proto int, src, dst string) (Quoted, error) {
	if len(t) < 8 {
		return Quoted{}, fmt.Errorf("quoted transport header truncated")
	}
	switch proto {
	case ProtocolNumberUDP:
		return Quoted{
			Key: Key{
				Proto: ProtocolUDP,
				Src:   src,
				Dst:   dst,
				A:     int(binary.BigEndian.Uint16(t[0:2])),
				B:     int(binary.BigEndian.Uint16(t[2:4])),
			},
			Disc: binary.BigEndian.Uint16(t[6:8]),
		}, nil
	case ProtocolNumberICMPv4, ProtocolNumberICMPv6:
		typ := int(t[0])
		if typ != int(ipv4.ICMPTypeEcho) && typ != int(ipv6.ICMPTypeEchoRequest) {
			return Quoted{}, fmt.Errorf("quoted ICMP type %d is not an echo request", typ)
		}
		return Quoted{
			Key: Key{
				Proto: ProtocolICMP,
				Src:   src,
				Dst:   dst,
				A:     int(binary.BigEndian.Uint16(t[4:6])),
			},
			Disc: binary.BigEndian.Uint16(t[6:8]),
		}, nil
	}
	return Quoted{}, fmt.Errorf("quoted protocol %d is not a probe transport", proto)
}

// EchoKey builds the invariant tuple matching a direct Echo-Reply, which
// quotes nothing: the reply's own identifier pins the flow. src is the local
// address probes were sent from, peer the replying destination.
func EchoKey(src, peer net.IP, id int) Key {
	return Key{Proto: ProtocolICMP, Src: ipString(src), Dst: ipString(peer), A: id}
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
