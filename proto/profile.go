package proto

import (
	"encoding/binary"

	"github.com/snksoft/crc"
)

// Checksum selects the checksum algorithm a controller family uses.
type Checksum int

const (
	// ChecksumSum7 is the sum of all covered bytes masked to 7 bits.
	// Used by controllers that keep the high bit free for address marking.
	ChecksumSum7 Checksum = iota

	// ChecksumXOR8 is the byte-wise XOR of all covered bytes.
	ChecksumXOR8

	// ChecksumCRC16 is CRC-16/CCITT (XMODEM), two bytes on the wire.
	ChecksumCRC16
)

var crc16Table = crc.NewTable(crc.XMODEM)

// Width returns the number of checksum bytes on the wire.
func (c Checksum) Width() int {
	if c == ChecksumCRC16 {
		return 2
	}
	return 1
}

func (c Checksum) compute(order binary.ByteOrder, covered []byte) []byte {
	switch c {
	case ChecksumXOR8:
		var x byte
		for _, b := range covered {
			x ^= b
		}
		return []byte{x}
	case ChecksumCRC16:
		out := make([]byte, 2)
		order.PutUint16(out, uint16(crc16Table.CalculateCRC(covered)))
		return out
	default: // ChecksumSum7
		var s int
		for _, b := range covered {
			s += int(b)
		}
		return []byte{byte(s & 0x7F)}
	}
}

// Profile describes one vendor/family's wire-format specifics.  The codec
// hard-codes nothing a vendor might change: marker bytes, length field width,
// checksum algorithm, byte order, and the fixed-point scale for position and
// velocity all live here.  See package mn for a concrete profile.
type Profile struct {
	// Name identifies the family in logs and errors.
	Name string

	// Start is the frame start marker.
	Start byte

	// Terminator is the frame end marker.
	Terminator byte

	// LengthWidth is the width of the length field in bytes, 1 or 2.
	// The length field counts the code byte plus the payload.
	LengthWidth int

	// Checksum is the checksum algorithm.  It covers the length field,
	// the code byte, and the payload.
	Checksum Checksum

	// BigEndian selects big-endian numeric fields; the zero value is
	// little-endian, which most serial controllers use.
	BigEndian bool

	// CountsPerUnit is the fixed-point scale between controller counts on
	// the wire and user units.  Zero means 1 (positions are in counts).
	CountsPerUnit float64
}

// Order returns the byte order for numeric fields.
func (p Profile) Order() binary.ByteOrder {
	if p.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Scale returns the counts-per-unit scale, defaulting to 1.
func (p Profile) Scale() float64 {
	if p.CountsPerUnit == 0 {
		return 1
	}
	return p.CountsPerUnit
}

func (p Profile) lengthWidth() int {
	if p.LengthWidth == 2 {
		return 2
	}
	return 1
}

// maxBody is the largest value the length field can carry.
func (p Profile) maxBody() int {
	if p.lengthWidth() == 2 {
		return 1<<16 - 1
	}
	return 1<<8 - 1
}

// Overhead returns the number of non-body bytes in a frame: start marker,
// length field, checksum, and terminator.
func (p Profile) Overhead() int {
	return 1 + p.lengthWidth() + p.Checksum.Width() + 1
}
