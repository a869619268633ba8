package probe

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
)

func newUDPProbe(t *testing.T) *Probe {
	t.Helper()
	p := New(ProtocolUDP, net.ParseIP("192.0.2.7"))
	if err := p.SetField(FieldSrcIP, net.ParseIP("198.51.100.2")); err != nil {
		t.Fatalf("set src_ip: %v", err)
	}
	if err := p.SetField(FieldSrcPort, 33456); err != nil {
		t.Fatalf("set src_port: %v", err)
	}
	if err := p.SetField(FieldDstPort, 33457); err != nil {
		t.Fatalf("set dst_port: %v", err)
	}
	return p
}

func TestChecksumSteering(t *testing.T) {
	p := newUDPProbe(t)
	if err := p.SetField(FieldChecksum, 0xbeef); err != nil {
		t.Fatalf("set checksum: %v", err)
	}

	b, err := p.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	got := binary.BigEndian.Uint16(b[6:8])
	if got != 0xbeef {
		t.Errorf("stored checksum = %#x, want %#x", got, 0xbeef)
	}

	// Verify the packet checksums to zero the way a receiver would: sum of
	// pseudo-header + segment (checksum field included) folds to 0xffff.
	psh := pseudoHeaderV4(p.SrcIP(), p.DstIP(), ProtocolNumberUDP, len(b))
	if folded := onesFold(onesSum(psh) + onesSum(b)); folded != 0xffff {
		t.Errorf("receiver-side checksum fold = %#x, want 0xffff", folded)
	}
}

func TestChecksumStableAcrossFlows(t *testing.T) {
	// Varying the ports with a fixed checksum target must leave the stored
	// checksum untouched; only the steer bytes may move.
	p := newUDPProbe(t)
	if err := p.SetField(FieldChecksum, 0x1234); err != nil {
		t.Fatalf("set checksum: %v", err)
	}

	var sums []uint16
	for port := 33457; port < 33467; port++ {
		if err := p.SetField(FieldDstPort, port); err != nil {
			t.Fatalf("set dst_port: %v", err)
		}
		b, err := p.Serialize()
		if err != nil {
			t.Fatalf("serialize: %v", err)
		}
		sums = append(sums, binary.BigEndian.Uint16(b[6:8]))
	}
	for i, s := range sums {
		if s != 0x1234 {
			t.Fatalf("flow %d: checksum = %#x, want 0x1234", i, s)
		}
	}
}

func TestSerializeUDPWithoutSource(t *testing.T) {
	p := New(ProtocolUDP, net.ParseIP("192.0.2.7"))
	if _, err := p.Serialize(); err != ErrNoSource {
		t.Errorf("expected ErrNoSource, got %v", err)
	}
}

func TestQuotedRoundTripUDP(t *testing.T) {
	p := newUDPProbe(t)
	if err := p.SetField(FieldChecksum, 0xabcd); err != nil {
		t.Fatalf("set checksum: %v", err)
	}
	seg, err := p.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	// Synthesise the quoted packet a router would embed in a Time-Exceeded:
	// IPv4 header (with decremented TTL, which must be ignored) + segment.
	quoted := make([]byte, 20+len(seg))
	quoted[0] = 0x45
	quoted[8] = 0 // decremented TTL
	quoted[9] = ProtocolNumberUDP
	copy(quoted[12:16], p.SrcIP().To4())
	copy(quoted[16:20], p.DstIP().To4())
	copy(quoted[20:], seg)

	q, err := ParseQuoted(quoted, false)
	if err != nil {
		t.Fatalf("parse quoted: %v", err)
	}
	if q.Key != p.Key() {
		t.Errorf("quoted key = %v, want %v", q.Key, p.Key())
	}
	if q.Disc != p.Discriminator() {
		t.Errorf("quoted discriminator = %#x, want %#x", q.Disc, p.Discriminator())
	}
}

func TestQuotedRoundTripICMP(t *testing.T) {
	p := New(ProtocolICMP, net.ParseIP("192.0.2.7"))
	if err := p.SetField(FieldSrcIP, net.ParseIP("198.51.100.2")); err != nil {
		t.Fatalf("set src_ip: %v", err)
	}
	if err := p.SetField(FieldIdentifier, 0x4242); err != nil {
		t.Fatalf("set identifier: %v", err)
	}
	if err := p.SetField(FieldSequence, 7); err != nil {
		t.Fatalf("set sequence: %v", err)
	}
	msg, err := p.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	quoted := make([]byte, 20+len(msg))
	quoted[0] = 0x45
	quoted[9] = ProtocolNumberICMPv4
	copy(quoted[12:16], p.SrcIP().To4())
	copy(quoted[16:20], p.DstIP().To4())
	copy(quoted[20:], msg)

	q, err := ParseQuoted(quoted, false)
	if err != nil {
		t.Fatalf("parse quoted: %v", err)
	}
	if q.Key != p.Key() {
		t.Errorf("quoted key = %v, want %v", q.Key, p.Key())
	}
	if q.Disc != 7 {
		t.Errorf("quoted discriminator = %d, want 7", q.Disc)
	}
}

func TestICMPSteeringHoldsChecksumAcrossSequences(t *testing.T) {
	p := New(ProtocolICMP, net.ParseIP("192.0.2.7"))
	if err := p.SetField(FieldIdentifier, 100); err != nil {
		t.Fatalf("set identifier: %v", err)
	}
	if err := p.SetField(FieldChecksum, 0x7777); err != nil {
		t.Fatalf("set checksum: %v", err)
	}

	for seq := 1; seq <= 5; seq++ {
		if err := p.SetField(FieldSequence, seq); err != nil {
			t.Fatalf("set sequence: %v", err)
		}
		b, err := p.Serialize()
		if err != nil {
			t.Fatalf("serialize: %v", err)
		}
		if cs := binary.BigEndian.Uint16(b[2:4]); cs != 0x7777 {
			t.Errorf("seq %d: checksum = %#x, want 0x7777", seq, cs)
		}
		if Checksum(b) != 0 {
			t.Errorf("seq %d: message does not verify", seq)
		}
	}
}

func TestFieldValidation(t *testing.T) {
	tests := []struct {
		name  string
		proto Protocol
		field string
		value interface{}
	}{
		{"port on icmp", ProtocolICMP, FieldDstPort, 53},
		{"identifier on udp", ProtocolUDP, FieldIdentifier, 1},
		{"ttl out of range", ProtocolUDP, FieldTTL, 0},
		{"ttl too large", ProtocolUDP, FieldTTL, 256},
		{"port out of range", ProtocolUDP, FieldSrcPort, 70000},
		{"checksum zero", ProtocolUDP, FieldChecksum, 0},
		{"short payload", ProtocolUDP, FieldPayload, []byte{1}},
		{"unknown field", ProtocolUDP, "window", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.proto, net.ParseIP("192.0.2.1"))
			if err := p.SetField(tt.field, tt.value); err == nil {
				t.Errorf("SetField(%s, %v) accepted", tt.field, tt.value)
			}
		})
	}
}

func TestClone(t *testing.T) {
	p := newUDPProbe(t)
	p.Tag = 42
	if err := p.SetField(FieldPayload, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("set payload: %v", err)
	}

	dup := p.Clone()
	if dup.Tag != 0 {
		t.Errorf("clone kept tag %d", dup.Tag)
	}
	payload, _ := dup.Field(FieldPayload)
	if !bytes.Equal(payload.([]byte), []byte{1, 2, 3, 4}) {
		t.Errorf("clone payload = %v", payload)
	}
	// Mutating the clone must not touch the original.
	if err := dup.SetField(FieldDstPort, 9999); err != nil {
		t.Fatalf("set dst_port: %v", err)
	}
	if p.DstPort() == 9999 {
		t.Error("clone shares port state with original")
	}
}

func TestSize(t *testing.T) {
	p := newUDPProbe(t)
	if got := p.Size(); got != 20+8+MinPayload {
		t.Errorf("Size() = %d, want %d", got, 20+8+MinPayload)
	}

	p6 := New(ProtocolUDP, net.ParseIP("2001:db8::1"))
	if got := p6.Size(); got != 40+8+MinPayload {
		t.Errorf("IPv6 Size() = %d, want %d", got, 40+8+MinPayload)
	}
}
