package trace

import (
	"github.com/hervehildenbrand/mptrace/pkg/hop"
)

// ICMP multi-part message constants (RFC 4884) and the MPLS label stack
// object (RFC 4950).
const (
	icmpExtVersion     = 0x20 // version 2 in the high nibble
	mplsClassNum       = 1
	extHeaderSize      = 4
	objHeaderSize      = 4
	mplsLabelEntrySize = 4

	// RFC 4884 pads the quoted datagram to 128 bytes before extensions.
	extOffsetMin = 128
)

// ParseMPLSExtensions decodes the MPLS label stack from ICMP extension data
// starting at the extension header.
func ParseMPLSExtensions(data []byte) []hop.MPLSLabel {
	if len(data) < extHeaderSize+objHeaderSize || data[0]&0xf0 != icmpExtVersion {
		return nil
	}

	var labels []hop.MPLSLabel
	pos := extHeaderSize
	for pos+objHeaderSize <= len(data) {
		objLen := int(data[pos])<<8 | int(data[pos+1])
		classNum := data[pos+2]
		pos += objHeaderSize

		if classNum != mplsClassNum {
			if objLen > objHeaderSize {
				pos += objLen - objHeaderSize
			}
			continue
		}

		dataLen := objLen - objHeaderSize
		for i := 0; i < dataLen && pos+mplsLabelEntrySize <= len(data); i += mplsLabelEntrySize {
			label := parseMPLSLabelEntry(data[pos : pos+mplsLabelEntrySize])
			labels = append(labels, label)
			pos += mplsLabelEntrySize
			if label.S {
				break
			}
		}
		break // only the first MPLS object counts
	}
	return labels
}

// parseMPLSLabelEntry decodes one 4-byte label stack entry:
// Label (20 bits) | Exp (3 bits) | S (1 bit) | TTL (8 bits).
func parseMPLSLabelEntry(data []byte) hop.MPLSLabel {
	val := uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
	return hop.MPLSLabel{
		Label: val >> 12,
		Exp:   uint8((val >> 9) & 7),
		S:     (val>>8)&1 == 1,
		TTL:   uint8(val & 0xff),
	}
}

// ExtractMPLSFromICMP scans the body of a Time-Exceeded message (everything
// past the ICMP header) for an RFC 4884 extension block and decodes its MPLS
// object, if any.
func ExtractMPLSFromICMP(body []byte) []hop.MPLSLabel {
	if len(body) < extOffsetMin+extHeaderSize {
		return nil
	}
	// The extension structure sits on a 4-byte boundary at or after the
	// padded original datagram; probe for its version nibble.
	for off := extOffsetMin; off+extHeaderSize+objHeaderSize <= len(body); off += 4 {
		if body[off]&0xf0 == icmpExtVersion {
			return ParseMPLSExtensions(body[off:])
		}
	}
	return nil
}
