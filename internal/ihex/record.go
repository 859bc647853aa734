// Package ihex decodes and encodes the Intel HEX records carried by the
// update protocol.
//
// A record line is
//
//	: byteCount(2) address(4) recordType(2) payload(byteCount*2) checksum(2)
//
// with every field in hex ASCII, most significant nibble first. Parse works
// on the line without its leading ':' and never allocates.
package ihex

import (
	"errors"
	"fmt"
)

// RecordType is the third field of a record.
type RecordType uint8

const (
	TypeData                   RecordType = 0x00
	TypeEndOfFile              RecordType = 0x01
	TypeExtendedSegmentAddress RecordType = 0x02
	TypeStartSegmentAddress    RecordType = 0x03
	TypeExtendedLinearAddress  RecordType = 0x04
	TypeStartLinearAddress     RecordType = 0x05
)

func (t RecordType) String() string {
	switch t {
	case TypeData:
		return "Data"
	case TypeEndOfFile:
		return "EndOfFile"
	case TypeExtendedSegmentAddress:
		return "ExtendedSegmentAddress"
	case TypeStartSegmentAddress:
		return "StartSegmentAddress"
	case TypeExtendedLinearAddress:
		return "ExtendedLinearAddress"
	case TypeStartLinearAddress:
		return "StartLinearAddress"
	}
	return fmt.Sprintf("RecordType(0x%02X)", uint8(t))
}

// MaxDataLen is the largest payload a 2-digit byte count can announce.
const MaxDataLen = 255

// ErrChecksumMismatch is returned by Parse when the transmitted checksum does
// not match the decoded bytes.
var ErrChecksumMismatch = errors.New("ihex: checksum mismatch")

// Record is one decoded line. The payload lives in a fixed array so a
// Record can be reused across frames.
type Record struct {
	ByteCount uint8
	Address   uint16
	Type      RecordType
	Data      [MaxDataLen]byte
	Checksum  uint8
}

// Payload returns the ByteCount bytes of data carried by the record.
func (r *Record) Payload() []byte { return r.Data[:r.ByteCount] }

// Word returns the first two payload bytes as a big-endian value. Extended
// address records carry their base this way; a byte the record does not
// carry counts as 0.
func (r *Record) Word() uint16 {
	return uint16(r.Data[0])<<8 | uint16(r.Data[1])
}

// Field offsets within a line, after the ':' mark.
const (
	offByteCount  = 0
	offAddress    = 2
	offRecordType = 6
	offData       = 8
)

// Parse decodes line into r. line must not include the leading ':' nor the
// line terminator; a trailing '\r' is ignored.
//
// A field holding a non-hex character, or running past the end of the line,
// decodes as 0. Such damage almost always surfaces as ErrChecksumMismatch.
// On a checksum mismatch r still holds the decoded fields.
func Parse(line []byte, r *Record) error {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}

	r.ByteCount = uint8(field(line, offByteCount, 2))
	r.Address = uint16(field(line, offAddress, 4))
	r.Type = RecordType(field(line, offRecordType, 2))

	sum := r.ByteCount + uint8(r.Address>>8) + uint8(r.Address) + uint8(r.Type)
	for i := 0; i < int(r.ByteCount); i++ {
		b := uint8(field(line, offData+2*i, 2))
		r.Data[i] = b
		sum += b
	}
	// Bytes the record does not carry read as 0.
	clear(r.Data[r.ByteCount:])
	r.Checksum = uint8(field(line, offData+2*int(r.ByteCount), 2))

	if computed := ^sum + 1; computed != r.Checksum {
		return fmt.Errorf("%w: computed 0x%02X, transmitted 0x%02X", ErrChecksumMismatch, computed, r.Checksum)
	}
	return nil
}

// field decodes n hex digits at pos. Any non-hex or missing digit makes the
// whole field 0.
func field(line []byte, pos, n int) uint32 {
	var v uint32
	for i := 0; i < n; i++ {
		if pos+i >= len(line) {
			return 0
		}
		d, ok := nibble(line[pos+i])
		if !ok {
			return 0
		}
		v = v<<4 | uint32(d)
	}
	return v
}

func nibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}

// Checksum returns the two's complement of the sum of b.
func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return ^sum + 1
}
