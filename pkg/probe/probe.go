// Package probe implements the field-addressable probe packets sent by the
// traceroute engine. A probe is built over IPv4 or IPv6 with either a UDP or
// an ICMP echo transport; header fields are set by name and the serialised
// form keeps any dependent checksum consistent, including steering the
// transport checksum to a chosen constant by adjusting two payload bytes.
package probe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Protocol selects the probe transport.
type Protocol string

const (
	ProtocolUDP  Protocol = "udp"
	ProtocolICMP Protocol = "icmp"
)

// Recognised field names for SetField / Field.
const (
	FieldSrcIP      = "src_ip"
	FieldDstIP      = "dst_ip"
	FieldSrcPort    = "src_port"
	FieldDstPort    = "dst_port"
	FieldIdentifier = "identifier"
	FieldSequence   = "sequence"
	FieldTTL        = "ttl"
	FieldHopLimit   = "hop_limit"
	FieldChecksum   = "checksum"
	FieldPayload    = "payload"
)

// MinPayload is the smallest payload a steerable probe can carry: the two
// bytes the checksum steering rewrites.
const MinPayload = 2

var (
	// ErrUnknownField is returned for a field name the transport does not have.
	ErrUnknownField = errors.New("unknown probe field")

	// ErrBadValue is returned when a field value has the wrong type or range.
	ErrBadValue = errors.New("bad probe field value")

	// ErrNoSource is returned when serialisation needs the source address
	// (for the pseudo-header) and none has been set.
	ErrNoSource = errors.New("probe source address not set")
)

// Probe is a mutable probe packet plus the dispatcher metadata that rides
// along with it. Header fields are owned by the builder; Tag, FlowID and
// SentAt are owned by the dispatcher.
type Probe struct {
	proto   Protocol
	v6      bool
	srcIP   net.IP
	dstIP   net.IP
	srcPort int
	dstPort int
	icmpID  int
	icmpSeq int
	ttl     int
	payload []byte

	// steer, when non-zero, is the value the transport checksum is forced
	// to by rewriting payload[0:2] at serialisation time.
	steer uint16

	// wireChecksum is the checksum of the last serialised form; it is the
	// UDP discriminator quoted back in ICMP error payloads.
	wireChecksum uint16

	// Dispatcher metadata.
	Tag    uint64
	FlowID uint16
	SentAt time.Time
}

// New creates a probe of the given transport towards dst. The address family
// follows dst. The payload starts as the two steerable bytes.
func New(proto Protocol, dst net.IP) *Probe {
	return &Probe{
		proto:   proto,
		v6:      dst != nil && dst.To4() == nil,
		dstIP:   dst,
		ttl:     1,
		payload: make([]byte, MinPayload),
	}
}

// Clone returns a deep copy of the probe with Tag and SentAt cleared; FlowID
// is copied.
func (p *Probe) Clone() *Probe {
	dup := *p
	dup.payload = append([]byte(nil), p.payload...)
	dup.Tag = 0
	dup.SentAt = time.Time{}
	return &dup
}

// Protocol returns the probe transport.
func (p *Probe) Protocol() Protocol { return p.proto }

// IsIPv6 reports whether the probe targets an IPv6 destination.
func (p *Probe) IsIPv6() bool { return p.v6 }

// DstIP returns the destination address.
func (p *Probe) DstIP() net.IP { return p.dstIP }

// SrcIP returns the source address, nil if unset.
func (p *Probe) SrcIP() net.IP { return p.srcIP }

// TTL returns the probe hop limit.
func (p *Probe) TTL() int { return p.ttl }

// DstPort returns the UDP destination port.
func (p *Probe) DstPort() int { return p.dstPort }

// SrcPort returns the UDP source port.
func (p *Probe) SrcPort() int { return p.srcPort }

// SetField sets a named header field. Setting src_port, dst_port, identifier,
// sequence or payload invalidates nothing by itself; any dependent checksum
// is recomputed on the next Serialize call.
func (p *Probe) SetField(name string, value interface{}) error {
	switch name {
	case FieldSrcIP:
		ip, ok := value.(net.IP)
		if !ok {
			return fmt.Errorf("%w: %s wants net.IP", ErrBadValue, name)
		}
		p.srcIP = ip
	case FieldDstIP:
		ip, ok := value.(net.IP)
		if !ok {
			return fmt.Errorf("%w: %s wants net.IP", ErrBadValue, name)
		}
		p.dstIP = ip
		p.v6 = ip.To4() == nil
	case FieldSrcPort, FieldDstPort:
		if p.proto != ProtocolUDP {
			return fmt.Errorf("%w: %s on %s probe", ErrUnknownField, name, p.proto)
		}
		v, err := intValue(name, value, 0, 65535)
		if err != nil {
			return err
		}
		if name == FieldSrcPort {
			p.srcPort = v
		} else {
			p.dstPort = v
		}
	case FieldIdentifier, FieldSequence:
		if p.proto != ProtocolICMP {
			return fmt.Errorf("%w: %s on %s probe", ErrUnknownField, name, p.proto)
		}
		v, err := intValue(name, value, 0, 65535)
		if err != nil {
			return err
		}
		if name == FieldIdentifier {
			p.icmpID = v
		} else {
			p.icmpSeq = v
		}
	case FieldTTL, FieldHopLimit:
		v, err := intValue(name, value, 1, 255)
		if err != nil {
			return err
		}
		p.ttl = v
	case FieldChecksum:
		v, err := intValue(name, value, 1, 0xfffe)
		if err != nil {
			return err
		}
		p.steer = uint16(v)
	case FieldPayload:
		b, ok := value.([]byte)
		if !ok {
			return fmt.Errorf("%w: %s wants []byte", ErrBadValue, name)
		}
		if len(b) < MinPayload {
			return fmt.Errorf("%w: payload shorter than %d bytes", ErrBadValue, MinPayload)
		}
		p.payload = append([]byte(nil), b...)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	return nil
}

// Field reads a named header field.
func (p *Probe) Field(name string) (interface{}, bool) {
	switch name {
	case FieldSrcIP:
		return p.srcIP, true
	case FieldDstIP:
		return p.dstIP, true
	case FieldSrcPort:
		return p.srcPort, p.proto == ProtocolUDP
	case FieldDstPort:
		return p.dstPort, p.proto == ProtocolUDP
	case FieldIdentifier:
		return p.icmpID, p.proto == ProtocolICMP
	case FieldSequence:
		return p.icmpSeq, p.proto == ProtocolICMP
	case FieldTTL, FieldHopLimit:
		return p.ttl, true
	case FieldChecksum:
		return int(p.wireChecksum), true
	case FieldPayload:
		return p.payload, true
	}
	return nil, false
}

// ResizePayload grows or shrinks the payload, preserving the steer bytes.
func (p *Probe) ResizePayload(n int) error {
	if n < MinPayload {
		return fmt.Errorf("%w: payload shorter than %d bytes", ErrBadValue, MinPayload)
	}
	b := make([]byte, n)
	copy(b, p.payload)
	p.payload = b
	return nil
}

// Size returns the on-wire packet size including the IP header.
func (p *Probe) Size() int {
	ipHdr := 20
	if p.v6 {
		ipHdr = 40
	}
	// Both transports carry an 8-byte header ahead of the payload.
	return ipHdr + 8 + len(p.payload)
}

// Serialize renders the transport-layer bytes (the IP header is supplied by
// the sending socket). When a checksum target is set, payload bytes 0..1 are
// rewritten so the stored checksum equals the target regardless of the other
// varying fields.
func (p *Probe) Serialize() ([]byte, error) {
	if p.dstIP == nil {
		return nil, fmt.Errorf("%w: destination address not set", ErrBadValue)
	}
	switch p.proto {
	case ProtocolUDP:
		return p.serializeUDP()
	case ProtocolICMP:
		return p.serializeICMP()
	}
	return nil, fmt.Errorf("%w: protocol %q", ErrBadValue, p.proto)
}

func (p *Probe) serializeUDP() ([]byte, error) {
	if p.srcIP == nil {
		return nil, ErrNoSource
	}
	length := 8 + len(p.payload)
	b := make([]byte, length)
	binary.BigEndian.PutUint16(b[0:2], uint16(p.srcPort))
	binary.BigEndian.PutUint16(b[2:4], uint16(p.dstPort))
	binary.BigEndian.PutUint16(b[4:6], uint16(length))
	copy(b[8:], p.payload)

	var psh []byte
	if p.v6 {
		psh = pseudoHeaderV6(p.srcIP, p.dstIP, ProtocolNumberUDP, length)
	} else {
		psh = pseudoHeaderV4(p.srcIP, p.dstIP, ProtocolNumberUDP, length)
	}

	if p.steer != 0 {
		// Zero the steer word, sum, then solve for it.
		b[8], b[9] = 0, 0
		folded := onesFold(onesSum(psh) + onesSum(b))
		x := steerValue(folded, p.steer)
		binary.BigEndian.PutUint16(b[8:10], x)
		binary.BigEndian.PutUint16(b[6:8], p.steer)
		p.wireChecksum = p.steer
		return b, nil
	}

	cs := ^onesFold(onesSum(psh) + onesSum(b))
	if cs == 0 {
		cs = 0xffff
	}
	binary.BigEndian.PutUint16(b[6:8], cs)
	p.wireChecksum = cs
	return b, nil
}

func (p *Probe) serializeICMP() ([]byte, error) {
	length := 8 + len(p.payload)
	b := make([]byte, length)
	if p.v6 {
		b[0] = byte(ipv6.ICMPTypeEchoRequest)
	} else {
		b[0] = byte(ipv4.ICMPTypeEcho)
	}
	binary.BigEndian.PutUint16(b[4:6], uint16(p.icmpID))
	binary.BigEndian.PutUint16(b[6:8], uint16(p.icmpSeq))
	copy(b[8:], p.payload)

	var psum uint32
	if p.v6 {
		if p.srcIP == nil {
			// The kernel fills the ICMPv6 checksum on raw sockets; leave
			// it zero when the pseudo-header cannot be computed here.
			p.wireChecksum = 0
			return b, nil
		}
		// ICMPv6 checksums include the pseudo-header.
		psum = onesSum(pseudoHeaderV6(p.srcIP, p.dstIP, ProtocolNumberICMPv6, length))
	}

	if p.steer != 0 {
		b[8], b[9] = 0, 0
		folded := onesFold(psum + onesSum(b))
		x := steerValue(folded, p.steer)
		binary.BigEndian.PutUint16(b[8:10], x)
		binary.BigEndian.PutUint16(b[2:4], p.steer)
		p.wireChecksum = p.steer
		return b, nil
	}

	cs := ^onesFold(psum + onesSum(b))
	binary.BigEndian.PutUint16(b[2:4], cs)
	p.wireChecksum = cs
	return b, nil
}

// Discriminator returns the per-probe value quoted back inside an ICMP error
// that separates probes sharing one invariant tuple: the transport checksum
// for UDP, the sequence number for ICMP.
func (p *Probe) Discriminator() uint16 {
	if p.proto == ProtocolICMP {
		return uint16(p.icmpSeq)
	}
	return p.wireChecksum
}

// intValue coerces an int-like field value and range-checks it.
func intValue(name string, value interface{}, min, max int) (int, error) {
	var v int
	switch x := value.(type) {
	case int:
		v = x
	case uint16:
		v = int(x)
	default:
		return 0, fmt.Errorf("%w: %s wants int", ErrBadValue, name)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("%w: %s=%d outside [%d, %d]", ErrBadValue, name, v, min, max)
	}
	return v, nil
}
